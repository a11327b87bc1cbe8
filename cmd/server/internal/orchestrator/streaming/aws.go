package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/transcribe"
	"github.com/aws/aws-sdk-go-v2/service/transcribe/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

// S3API is the subset of the S3 client used by AWSRecognizer.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// TranscribeAPI is the subset of the Transcribe client used by AWSRecognizer.
type TranscribeAPI interface {
	StartTranscriptionJob(ctx context.Context, params *transcribe.StartTranscriptionJobInput, optFns ...func(*transcribe.Options)) (*transcribe.StartTranscriptionJobOutput, error)
	GetTranscriptionJob(ctx context.Context, params *transcribe.GetTranscriptionJobInput, optFns ...func(*transcribe.Options)) (*transcribe.GetTranscriptionJobOutput, error)
}

// AWSRecognizer runs a session as an Amazon Transcribe batch job with speaker
// labels: the WAV is uploaded to S3, the job is polled until it finishes and
// the transcript items are replayed as events.
type AWSRecognizer struct {
	s3           S3API
	transcribe   TranscribeAPI
	bucket       string
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewAWSRecognizer builds clients from the default credential chain.
func NewAWSRecognizer(ctx context.Context, region, bucket string, logger *slog.Logger) (*AWSRecognizer, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewAWSRecognizerWithClients(s3.NewFromConfig(cfg), transcribe.NewFromConfig(cfg), bucket, logger), nil
}

// NewAWSRecognizerWithClients creates a recognizer on top of existing clients.
func NewAWSRecognizerWithClients(s3Client S3API, transcribeClient TranscribeAPI, bucket string, logger *slog.Logger) *AWSRecognizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AWSRecognizer{
		s3:           s3Client,
		transcribe:   transcribeClient,
		bucket:       bucket,
		pollInterval: 5 * time.Second,
		logger:       logger.With("component", "aws_recognizer"),
	}
}

// Name returns "aws".
func (r *AWSRecognizer) Name() string {
	return "aws"
}

// HealthCheck verifies that the bucket exists and is reachable.
func (r *AWSRecognizer) HealthCheck(ctx context.Context) (bool, error) {
	_, err := r.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(r.bucket)})
	if err != nil {
		if isNotFound(err) {
			return false, fmt.Errorf("bucket %s not found", r.bucket)
		}
		return false, err
	}
	return true, nil
}

// Start uploads audioPath and starts a transcription job.
func (r *AWSRecognizer) Start(ctx context.Context, audioPath string, cfg SessionConfig) (Session, error) {
	name := "transcribe-pipeline-" + uuid.NewString()
	mediaKey := "sessions/" + name + ".wav"
	outputKey := "sessions/" + name + ".json"

	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}
	_, err = r.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(mediaKey),
		Body:   f,
	})
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("upload audio: %w", err)
	}

	input := &transcribe.StartTranscriptionJobInput{
		TranscriptionJobName: aws.String(name),
		LanguageCode:         types.LanguageCode(cfg.Language),
		MediaFormat:          types.MediaFormatWav,
		Media:                &types.Media{MediaFileUri: aws.String(fmt.Sprintf("s3://%s/%s", r.bucket, mediaKey))},
		OutputBucketName:     aws.String(r.bucket),
		OutputKey:            aws.String(outputKey),
	}
	if cfg.EnableDiarization {
		input.Settings = &types.Settings{
			ShowSpeakerLabels: aws.Bool(true),
			MaxSpeakerLabels:  aws.Int32(int32(max(2, cfg.MaxSpeakers))),
		}
	}

	s := &awsSession{
		recognizer: r,
		name:       name,
		mediaKey:   mediaKey,
		outputKey:  outputKey,
		events:     make(chan Event, 64),
	}
	if _, err := r.transcribe.StartTranscriptionJob(ctx, input); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("start transcription job: %w", err)
	}
	r.logger.Info("transcription job started", "job", name)

	pollCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.poll(pollCtx)
	return s, nil
}

type awsSession struct {
	recognizer *AWSRecognizer
	name       string
	mediaKey   string
	outputKey  string
	events     chan Event
	cancel     context.CancelFunc

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (s *awsSession) Events() <-chan Event { return s.events }

func (s *awsSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *awsSession) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *awsSession) poll(ctx context.Context) {
	defer close(s.events)
	r := s.recognizer

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

PollLoop:
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			out, err := r.transcribe.GetTranscriptionJob(ctx, &transcribe.GetTranscriptionJobInput{
				TranscriptionJobName: aws.String(s.name),
			})
			if err != nil {
				if ctx.Err() == nil {
					s.fail(fmt.Errorf("get transcription job: %w", err))
				}
				return
			}
			switch out.TranscriptionJob.TranscriptionJobStatus {
			case types.TranscriptionJobStatusCompleted:
				break PollLoop
			case types.TranscriptionJobStatusFailed:
				s.fail(fmt.Errorf("transcription job failed: %s", aws.ToString(out.TranscriptionJob.FailureReason)))
				return
			}
		}
	}

	obj, err := r.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(s.outputKey),
	})
	if err != nil {
		s.fail(fmt.Errorf("download transcript: %w", err))
		return
	}
	defer obj.Body.Close()

	var doc transcriptDocument
	if err := json.NewDecoder(obj.Body).Decode(&doc); err != nil {
		s.fail(fmt.Errorf("decode transcript: %w", err))
		return
	}
	for _, ev := range doc.events() {
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// Close stops polling and removes the uploaded audio and transcript.
func (s *awsSession) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.cleanup()
	})
	return nil
}

func (s *awsSession) cleanup() {
	r := s.recognizer
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, key := range []string{s.mediaKey, s.outputKey} {
		_, err := r.s3.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(r.bucket), Key: aws.String(key)})
		if err != nil && !isNotFound(err) {
			r.logger.Warn("failed to delete session object", "key", key, "error", err)
		}
	}
}

// transcriptDocument is the JSON written by Transcribe to the output bucket.
type transcriptDocument struct {
	Results struct {
		Transcripts []struct {
			Transcript string `json:"transcript"`
		} `json:"transcripts"`
		Items []transcriptItem `json:"items"`
	} `json:"results"`
}

type transcriptItem struct {
	StartTime    string `json:"start_time,omitempty"`
	EndTime      string `json:"end_time,omitempty"`
	Type         string `json:"type"`
	SpeakerLabel string `json:"speaker_label,omitempty"`
	Alternatives []struct {
		Content string `json:"content"`
	} `json:"alternatives"`
}

// events groups consecutive words of the same speaker into utterances.
// Punctuation attaches to the preceding word. Without items the plain
// transcript becomes a single untimed event.
func (d transcriptDocument) events() []Event {
	var (
		out        []Event
		cur        *Event
		words      []string
		start, end float64
	)
	flush := func() {
		if cur == nil {
			return
		}
		cur.Text = strings.Join(words, " ")
		cur.Offset = int64(start * ticksPerSecond)
		cur.Duration = int64((end - start) * ticksPerSecond)
		out = append(out, *cur)
		cur, words = nil, nil
	}

	for _, it := range d.Results.Items {
		if len(it.Alternatives) == 0 {
			continue
		}
		content := it.Alternatives[0].Content
		if it.Type == "punctuation" {
			if n := len(words); n > 0 {
				words[n-1] += content
			}
			continue
		}
		s, _ := strconv.ParseFloat(it.StartTime, 64)
		e, _ := strconv.ParseFloat(it.EndTime, 64)
		if cur == nil || cur.SpeakerID != it.SpeakerLabel {
			flush()
			cur = &Event{SpeakerID: it.SpeakerLabel}
			start = s
		}
		words = append(words, content)
		end = e
	}
	flush()

	if len(out) == 0 && len(d.Results.Transcripts) > 0 && d.Results.Transcripts[0].Transcript != "" {
		out = append(out, Event{Text: d.Results.Transcripts[0].Transcript, Offset: -1})
	}
	return out
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket", "NotFoundException", "404":
			return true
		}
	}
	return false
}

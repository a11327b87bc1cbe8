package streaming

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/transcribe"
	"github.com/aws/aws-sdk-go-v2/service/transcribe/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/transcribe-pipeline/pkg/logger"
)

const sampleTranscript = `{
  "results": {
    "transcripts": [{"transcript": "Hello, there. Hi."}],
    "items": [
      {"start_time": "0.0", "end_time": "0.5", "type": "pronunciation", "speaker_label": "spk_0", "alternatives": [{"content": "Hello"}]},
      {"type": "punctuation", "speaker_label": "spk_0", "alternatives": [{"content": ","}]},
      {"start_time": "0.5", "end_time": "1.0", "type": "pronunciation", "speaker_label": "spk_0", "alternatives": [{"content": "there"}]},
      {"type": "punctuation", "alternatives": [{"content": "."}]},
      {"start_time": "1.25", "end_time": "1.5", "type": "pronunciation", "speaker_label": "spk_1", "alternatives": [{"content": "Hi"}]},
      {"type": "punctuation", "alternatives": [{"content": "."}]}
    ]
  }
}`

type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
	deleted []string
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{bucket: bucket, objects: map[string][]byte{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	f.deleted = append(f.deleted, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if aws.ToString(in.Bucket) != f.bucket {
		return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "Not Found"}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	return out
}

type fakeTranscribe struct {
	s3         *fakeS3
	transcript string
	statuses   []types.TranscriptionJobStatus
	reason     string
	startErr   error

	mu      sync.Mutex
	started *transcribe.StartTranscriptionJobInput
}

func (f *fakeTranscribe) StartTranscriptionJob(ctx context.Context, in *transcribe.StartTranscriptionJobInput, _ ...func(*transcribe.Options)) (*transcribe.StartTranscriptionJobOutput, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.mu.Lock()
	f.started = in
	f.mu.Unlock()
	if f.transcript != "" {
		f.s3.mu.Lock()
		f.s3.objects[aws.ToString(in.OutputKey)] = []byte(f.transcript)
		f.s3.mu.Unlock()
	}
	return &transcribe.StartTranscriptionJobOutput{}, nil
}

func (f *fakeTranscribe) GetTranscriptionJob(ctx context.Context, in *transcribe.GetTranscriptionJobInput, _ ...func(*transcribe.Options)) (*transcribe.GetTranscriptionJobOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return &transcribe.GetTranscriptionJobOutput{TranscriptionJob: &types.TranscriptionJob{
		TranscriptionJobName:   in.TranscriptionJobName,
		TranscriptionJobStatus: status,
		FailureReason:          aws.String(f.reason),
	}}, nil
}

func newTestAWSRecognizer(s3c *fakeS3, tc *fakeTranscribe) *AWSRecognizer {
	r := NewAWSRecognizerWithClients(s3c, tc, "bucket", logger.Discard())
	r.pollInterval = time.Millisecond
	return r
}

func TestAWSRecognizer_Session(t *testing.T) {
	s3c := newFakeS3("bucket")
	tc := &fakeTranscribe{
		s3:         s3c,
		transcript: sampleTranscript,
		statuses:   []types.TranscriptionJobStatus{types.TranscriptionJobStatusInProgress, types.TranscriptionJobStatusCompleted},
	}
	r := newTestAWSRecognizer(s3c, tc)

	session, err := r.Start(context.Background(), writeAudio(t, 64), DefaultSessionConfig())
	require.NoError(t, err)

	events := drain(t, session)
	require.NoError(t, session.Err())
	require.Len(t, events, 2)
	assert.Equal(t, "spk_0", events[0].SpeakerID)
	assert.Equal(t, "Hello, there.", events[0].Text)
	assert.InDelta(t, 0.0, events[0].Start(), 1e-6)
	assert.InDelta(t, 1.0, events[0].End(), 1e-6)
	assert.Equal(t, "spk_1", events[1].SpeakerID)
	assert.Equal(t, "Hi.", events[1].Text)
	assert.InDelta(t, 1.25, events[1].Start(), 1e-6)

	in := tc.started
	require.NotNil(t, in)
	assert.Equal(t, types.LanguageCode("en-US"), in.LanguageCode)
	assert.Equal(t, types.MediaFormatWav, in.MediaFormat)
	assert.True(t, aws.ToBool(in.Settings.ShowSpeakerLabels))
	assert.Equal(t, int32(10), aws.ToInt32(in.Settings.MaxSpeakerLabels))
	assert.Contains(t, aws.ToString(in.Media.MediaFileUri), "s3://bucket/sessions/")

	require.NoError(t, session.Close())
	assert.Empty(t, s3c.keys(), "session objects are removed on close")
	assert.Len(t, s3c.deleted, 2)
}

func TestAWSRecognizer_JobFailed(t *testing.T) {
	s3c := newFakeS3("bucket")
	tc := &fakeTranscribe{s3: s3c, statuses: []types.TranscriptionJobStatus{types.TranscriptionJobStatusFailed}, reason: "unsupported media"}

	session, err := newTestAWSRecognizer(s3c, tc).Start(context.Background(), writeAudio(t, 8), DefaultSessionConfig())
	require.NoError(t, err)
	defer session.Close()

	assert.Empty(t, drain(t, session))
	require.Error(t, session.Err())
	assert.Contains(t, session.Err().Error(), "unsupported media")
}

func TestAWSRecognizer_StartFailureCleansUp(t *testing.T) {
	s3c := newFakeS3("bucket")
	tc := &fakeTranscribe{s3: s3c, startErr: errors.New("throttled")}

	_, err := newTestAWSRecognizer(s3c, tc).Start(context.Background(), writeAudio(t, 8), DefaultSessionConfig())
	assert.ErrorContains(t, err, "start transcription job")
	assert.Empty(t, s3c.keys())
}

func TestAWSRecognizer_HealthCheck(t *testing.T) {
	ok, err := newTestAWSRecognizer(newFakeS3("bucket"), &fakeTranscribe{}).HealthCheck(context.Background())
	assert.True(t, ok)
	assert.NoError(t, err)

	ok, err = newTestAWSRecognizer(newFakeS3("other"), &fakeTranscribe{}).HealthCheck(context.Background())
	assert.False(t, ok)
	assert.ErrorContains(t, err, "bucket bucket not found")
}

func TestTranscriptDocument_UntimedFallback(t *testing.T) {
	var doc transcriptDocument
	doc.Results.Transcripts = append(doc.Results.Transcripts, struct {
		Transcript string `json:"transcript"`
	}{Transcript: "just text"})

	events := doc.events()
	require.Len(t, events, 1)
	assert.False(t, events[0].Timed())
	assert.Equal(t, "just text", events[0].Text)
}

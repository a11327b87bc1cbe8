package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/metrics"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/models"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/dependency"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/diarize"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/whisper"
)

// FailureText is the transcript returned when neither the speech service nor
// the fallback produced anything.
const FailureText = "Transcription failed. Please check your speech service configuration and try again."

// Converter prepares the WAV input of a session.
type Converter interface {
	ConvertForStreaming(ctx context.Context, inputPath, outputPath string) error
	PathManager() *dependency.PathManager
}

// Config tunes session supervision.
type Config struct {
	Session SessionConfig
	// StallTimeout finalizes a session that produced no event for this long.
	StallTimeout time.Duration
	// StallCheck is how often the stall condition is evaluated.
	StallCheck time.Duration
}

// DefaultConfig returns a 30s stall timeout checked every 10s.
func DefaultConfig() Config {
	return Config{
		Session:      DefaultSessionConfig(),
		StallTimeout: 30 * time.Second,
		StallCheck:   10 * time.Second,
	}
}

// Transcriber is the diarizing WhisperTranscriber. Each call converts the
// chunk to WAV, runs one recognition session and normalizes the collected
// events to a speaker-attributed result.
type Transcriber struct {
	converter  Converter
	recognizer Recognizer
	fallback   whisper.WhisperTranscriber
	cfg        Config
	logger     *slog.Logger

	// maxDuration is replaceable in tests.
	maxDuration func(fileSize int64) time.Duration
}

var _ whisper.WhisperTranscriber = (*Transcriber)(nil)

// NewTranscriber creates a Transcriber. fallback may be nil.
func NewTranscriber(converter Converter, recognizer Recognizer, fallback whisper.WhisperTranscriber, cfg Config, logger *slog.Logger) *Transcriber {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = def.StallTimeout
	}
	if cfg.StallCheck <= 0 {
		cfg.StallCheck = def.StallCheck
	}
	if cfg.Session.MaxSpeakers <= 0 {
		cfg.Session.MaxSpeakers = def.Session.MaxSpeakers
	}
	if cfg.Session.Language == "" {
		cfg.Session.Language = def.Session.Language
	}
	return &Transcriber{
		converter:   converter,
		recognizer:  recognizer,
		fallback:    fallback,
		cfg:         cfg,
		logger:      logger.With("component", "streaming", "recognizer", recognizer.Name()),
		maxDuration: MaxSessionDuration,
	}
}

// Name implements whisper.WhisperTranscriber.
func (t *Transcriber) Name() string {
	return "streaming-" + t.recognizer.Name()
}

// HealthCheck probes the speech service.
func (t *Transcriber) HealthCheck(ctx context.Context) (bool, error) {
	return t.recognizer.HealthCheck(ctx)
}

// Transcribe runs one session over audioPath. Conversion errors are returned
// so the caller may retry; every other failure degrades to the fallback.
func (t *Transcriber) Transcribe(ctx context.Context, audioPath string, options *whisper.TranscribeOptions) (*models.Result, error) {
	wavPath := t.converter.PathManager().GetStreamingPath(audioPath)
	if err := t.converter.ConvertForStreaming(ctx, audioPath, wavPath); err != nil {
		return nil, fmt.Errorf("prepare streaming input: %w", err)
	}
	defer os.Remove(wavPath)

	sessionCfg := t.cfg.Session
	// only a full locale such as "de-DE" overrides the session language
	if options != nil && strings.Contains(options.Language, "-") {
		sessionCfg.Language = options.Language
	}

	maxDuration := 5 * time.Minute
	if info, err := os.Stat(wavPath); err == nil {
		maxDuration = t.maxDuration(info.Size())
	} else {
		t.logger.Warn("could not size streaming input, using default session limit", "path", wavPath, "error", err)
	}

	session, err := t.recognizer.Start(ctx, wavPath, sessionCfg)
	if err != nil {
		t.logger.Error("failed to start recognition session", "path", wavPath, "error", err)
		return t.runFallback(ctx, wavPath, "start_failed")
	}
	defer session.Close()

	c := newCollector()
	outcome := t.supervise(ctx, session, c, maxDuration)
	t.logger.Info("recognition session finished",
		"path", wavPath,
		"outcome", outcome,
		"segments", len(c.segments),
		"speakers", len(c.speakers),
	)

	if outcome == "cancelled" && ctx.Err() != nil && c.empty() {
		return nil, ctx.Err()
	}
	return t.finalize(ctx, wavPath, c, outcome)
}

// supervise consumes events until the session ends, stalls, exceeds
// maxDuration or ctx is done, and reports which of these happened.
func (t *Transcriber) supervise(ctx context.Context, session Session, c *collector, maxDuration time.Duration) string {
	ticker := time.NewTicker(t.cfg.StallCheck)
	defer ticker.Stop()
	deadline := time.NewTimer(maxDuration)
	defer deadline.Stop()

	lastProgress := time.Now()
	events := session.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if err := session.Err(); err != nil {
					t.logger.Warn("recognition session cancelled by service", "error", err)
					return "cancelled"
				}
				return "completed"
			}
			if c.add(ev) {
				lastProgress = time.Now()
			}
		case <-ticker.C:
			if idle := time.Since(lastProgress); idle > t.cfg.StallTimeout {
				t.logger.Warn("no recognition progress, completing with partial results", "idle", idle.Round(time.Second).String())
				return "stalled"
			}
		case <-deadline.C:
			t.logger.Info("session time limit reached", "limit", maxDuration.String())
			return "timeout"
		case <-ctx.Done():
			return "cancelled"
		}
	}
}

func (t *Transcriber) finalize(ctx context.Context, wavPath string, c *collector, outcome string) (*models.Result, error) {
	switch {
	case len(c.segments) > 0:
		return c.result(), nil
	case strings.TrimSpace(c.text.String()) != "":
		t.logger.Info("no timed segments, inferring speakers from text", "outcome", outcome)
		return diarize.AssignSpeakers(c.text.String()), nil
	default:
		return t.runFallback(ctx, wavPath, "empty_"+outcome)
	}
}

type configurable interface {
	Configured() bool
}

// runFallback transcribes with the generic backend and infers speakers from
// its text. When that is impossible the failure transcript is returned.
func (t *Transcriber) runFallback(ctx context.Context, wavPath, reason string) (*models.Result, error) {
	metrics.RecordFallback(reason)

	if t.fallback == nil {
		t.logger.Warn("no fallback backend configured", "reason", reason)
		return FailureResult(), nil
	}
	if c, ok := t.fallback.(configurable); ok && !c.Configured() {
		t.logger.Warn("fallback backend is not configured", "reason", reason, "backend", t.fallback.Name())
		return FailureResult(), nil
	}

	t.logger.Info("using fallback transcription", "reason", reason, "backend", t.fallback.Name())
	res, err := t.fallback.Transcribe(ctx, wavPath, &whisper.TranscribeOptions{Language: "en"})
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}
		t.logger.Error("fallback transcription failed", "backend", t.fallback.Name(), "error", err)
		return FailureResult(), nil
	}
	if strings.TrimSpace(res.Text) == "" {
		return FailureResult(), nil
	}
	return diarize.AssignSpeakers(res.Text), nil
}

// FailureResult is a single Speaker 1 segment carrying FailureText.
func FailureResult() *models.Result {
	segments := []models.Segment{{
		ID:      "segment-0",
		Start:   0,
		End:     1,
		Text:    FailureText,
		Speaker: models.NewSpeaker(1),
	}}
	return &models.Result{Text: models.SpeakerText(segments), Segments: segments}
}

// collector accumulates events of one session.
type collector struct {
	segments []models.Segment
	text     strings.Builder
	speakers map[string]int
}

func newCollector() *collector {
	return &collector{speakers: map[string]int{}}
}

// add records ev and reports whether it carried text.
func (c *collector) add(ev Event) bool {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return false
	}
	c.text.WriteString(text)
	c.text.WriteString(" ")
	if !ev.Timed() {
		return true
	}

	id := ev.SpeakerID
	if id == "" {
		id = "unknown"
	}
	n, ok := c.speakers[id]
	if !ok {
		n = len(c.speakers) + 1
		c.speakers[id] = n
	}
	c.segments = append(c.segments, models.Segment{
		ID:      fmt.Sprintf("segment-%d", len(c.segments)),
		Start:   ev.Start(),
		End:     ev.End(),
		Text:    text,
		Speaker: models.NewSpeaker(n),
	})
	return true
}

func (c *collector) empty() bool {
	return len(c.segments) == 0 && strings.TrimSpace(c.text.String()) == ""
}

func (c *collector) result() *models.Result {
	segments := append([]models.Segment(nil), c.segments...)
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })
	return &models.Result{Text: models.SpeakerText(segments), Segments: segments}
}

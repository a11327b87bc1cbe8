package streaming

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/models"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/dependency"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/whisper"
	"github.com/houzhh15/transcribe-pipeline/pkg/logger"
)

type fakeConverter struct {
	pm    *dependency.PathManager
	err   error
	calls int
}

func (f *fakeConverter) ConvertForStreaming(ctx context.Context, inputPath, outputPath string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(outputPath, []byte("RIFF"), 0644)
}

func (f *fakeConverter) PathManager() *dependency.PathManager { return f.pm }

type fakeSession struct {
	events chan Event
	err    error

	mu     sync.Mutex
	closed bool
}

// newFakeSession returns a session with evs buffered. When finish is true the
// channel is closed afterwards, ending the session with err.
func newFakeSession(finish bool, err error, evs ...Event) *fakeSession {
	s := &fakeSession{events: make(chan Event, len(evs)), err: err}
	for _, ev := range evs {
		s.events <- ev
	}
	if finish {
		close(s.events)
	}
	return s
}

func (s *fakeSession) Events() <-chan Event { return s.events }
func (s *fakeSession) Err() error           { return s.err }
func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeRecognizer struct {
	session  *fakeSession
	startErr error
	started  []SessionConfig
	paths    []string
}

func (r *fakeRecognizer) Start(ctx context.Context, audioPath string, cfg SessionConfig) (Session, error) {
	r.started = append(r.started, cfg)
	r.paths = append(r.paths, audioPath)
	if r.startErr != nil {
		return nil, r.startErr
	}
	return r.session, nil
}

func (r *fakeRecognizer) HealthCheck(ctx context.Context) (bool, error) {
	return r.startErr == nil, r.startErr
}
func (r *fakeRecognizer) Name() string { return "fake" }

func ticks(seconds float64) int64 { return int64(seconds * ticksPerSecond) }

type fixture struct {
	chunk      string
	converter  *fakeConverter
	recognizer *fakeRecognizer
	fallback   *whisper.MockTranscriber
}

func newFixture(t *testing.T, session *fakeSession) *fixture {
	t.Helper()
	dir := t.TempDir()
	chunk := filepath.Join(dir, "chunk_0000.mp3")
	require.NoError(t, os.WriteFile(chunk, []byte("mp3"), 0644))
	return &fixture{
		chunk:      chunk,
		converter:  &fakeConverter{pm: dependency.NewPathManager(dir)},
		recognizer: &fakeRecognizer{session: session},
		fallback:   whisper.NewMockTranscriber(),
	}
}

func (f *fixture) transcriber(cfg Config, withFallback bool) *Transcriber {
	var fb whisper.WhisperTranscriber
	if withFallback {
		fb = f.fallback
	}
	return NewTranscriber(f.converter, f.recognizer, fb, cfg, logger.Discard())
}

func TestTranscriber_CompletedSession(t *testing.T) {
	session := newFakeSession(true, nil,
		Event{SpeakerID: "Guest-A", Text: "Second.", Offset: ticks(3), Duration: ticks(1)},
		Event{SpeakerID: "Guest-B", Text: "  ", Offset: ticks(2), Duration: ticks(1)},
		Event{SpeakerID: "Guest-B", Text: "First.", Offset: 0, Duration: ticks(2)},
	)
	f := newFixture(t, session)

	res, err := f.transcriber(DefaultConfig(), true).Transcribe(context.Background(), f.chunk, nil)
	require.NoError(t, err)

	require.Len(t, res.Segments, 2)
	assert.Equal(t, "First.", res.Segments[0].Text)
	assert.Equal(t, "2", res.Segments[0].Speaker.ID, "speaker numbers follow first appearance")
	assert.Equal(t, 0.0, res.Segments[0].Start)
	assert.Equal(t, 2.0, res.Segments[0].End)
	assert.Equal(t, 3.0, res.Segments[1].Start)
	assert.Equal(t, 4.0, res.Segments[1].End)
	assert.Equal(t, "Speaker 2: First.\n\nSpeaker 1: Second.", res.Text)

	assert.Equal(t, []SessionConfig{{MaxSpeakers: 10, Language: "en-US", EnableDiarization: true}}, f.recognizer.started)
	assert.Equal(t, filepath.Join(filepath.Dir(f.chunk), "chunk_0000_stream.wav"), f.recognizer.paths[0])
	assert.True(t, session.isClosed())
	assert.NoFileExists(t, f.recognizer.paths[0])
	assert.Empty(t, f.fallback.Calls())
}

func TestTranscriber_UntimedTextUsesHeuristic(t *testing.T) {
	text := "Did he call you? Yes, she did. Why did she do that? Because he asked her to."
	f := newFixture(t, newFakeSession(true, nil, Event{Text: text, Offset: -1}))

	res, err := f.transcriber(DefaultConfig(), true).Transcribe(context.Background(), f.chunk, nil)
	require.NoError(t, err)

	assert.True(t, res.HasSpeakers())
	assert.True(t, strings.HasPrefix(res.Text, "Speaker 1: Did he call you?"))
	assert.Empty(t, f.fallback.Calls())
}

func TestTranscriber_EmptySessionFallsBack(t *testing.T) {
	f := newFixture(t, newFakeSession(true, nil))
	f.fallback.Default = whisper.MockResponse{Result: &models.Result{Text: "Is it ready? Not yet. Why not? It broke."}}

	res, err := f.transcriber(DefaultConfig(), true).Transcribe(context.Background(), f.chunk, nil)
	require.NoError(t, err)

	calls := f.fallback.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, f.recognizer.paths[0], calls[0].Path)
	assert.False(t, calls[0].Options.SpeakerIdentification)
	assert.Equal(t, "en", calls[0].Options.Language)
	assert.True(t, res.HasSpeakers())
	assert.Contains(t, res.Text, "Speaker 2:")
}

func TestTranscriber_FailureResult(t *testing.T) {
	tests := []struct {
		name         string
		withFallback bool
		fallbackErr  error
		startErr     error
	}{
		{name: "no fallback configured", withFallback: false},
		{name: "fallback fails", withFallback: true, fallbackErr: errors.New("503")},
		{name: "start fails and fallback fails", withFallback: true, fallbackErr: errors.New("503"), startErr: errors.New("refused")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, newFakeSession(true, nil))
			f.recognizer.startErr = tt.startErr
			f.fallback.Default = whisper.MockResponse{Err: tt.fallbackErr}

			res, err := f.transcriber(DefaultConfig(), tt.withFallback).Transcribe(context.Background(), f.chunk, nil)
			require.NoError(t, err)

			require.Len(t, res.Segments, 1)
			assert.Equal(t, 0.0, res.Segments[0].Start)
			assert.Equal(t, 1.0, res.Segments[0].End)
			assert.Equal(t, "1", res.Segments[0].Speaker.ID)
			assert.Equal(t, "Speaker 1: "+FailureText, res.Text)
		})
	}
}

func TestTranscriber_StartFailureUsesFallback(t *testing.T) {
	f := newFixture(t, nil)
	f.recognizer.startErr = errors.New("connection refused")
	f.fallback.Default = whisper.MockResponse{Result: &models.Result{Text: "Hello there."}}

	res, err := f.transcriber(DefaultConfig(), true).Transcribe(context.Background(), f.chunk, nil)
	require.NoError(t, err)
	assert.Equal(t, "Speaker 1: Hello there.", res.Text)
}

func TestTranscriber_StallKeepsPartialResults(t *testing.T) {
	session := newFakeSession(false, nil, Event{SpeakerID: "a", Text: "Partial.", Offset: 0, Duration: ticks(1)})
	f := newFixture(t, session)
	cfg := DefaultConfig()
	cfg.StallTimeout = 30 * time.Millisecond
	cfg.StallCheck = 5 * time.Millisecond

	res, err := f.transcriber(cfg, true).Transcribe(context.Background(), f.chunk, nil)
	require.NoError(t, err)
	assert.Equal(t, "Speaker 1: Partial.", res.Text)
	assert.True(t, session.isClosed())
}

func TestTranscriber_SessionTimeLimit(t *testing.T) {
	session := newFakeSession(false, nil, Event{SpeakerID: "a", Text: "Long talk.", Offset: 0, Duration: ticks(1)})
	f := newFixture(t, session)
	tr := f.transcriber(DefaultConfig(), true)
	tr.maxDuration = func(int64) time.Duration { return 20 * time.Millisecond }

	res, err := tr.Transcribe(context.Background(), f.chunk, nil)
	require.NoError(t, err)
	assert.Equal(t, "Speaker 1: Long talk.", res.Text)
}

func TestTranscriber_ServiceCancellation(t *testing.T) {
	t.Run("partial segments accepted", func(t *testing.T) {
		f := newFixture(t, newFakeSession(true, errors.New("quota"),
			Event{SpeakerID: "x", Text: "Kept.", Offset: 0, Duration: ticks(1)}))
		res, err := f.transcriber(DefaultConfig(), true).Transcribe(context.Background(), f.chunk, nil)
		require.NoError(t, err)
		assert.Equal(t, "Speaker 1: Kept.", res.Text)
		assert.Empty(t, f.fallback.Calls())
	})

	t.Run("nothing collected falls back", func(t *testing.T) {
		f := newFixture(t, newFakeSession(true, errors.New("quota")))
		f.fallback.Default = whisper.MockResponse{Result: &models.Result{Text: "Recovered."}}
		res, err := f.transcriber(DefaultConfig(), true).Transcribe(context.Background(), f.chunk, nil)
		require.NoError(t, err)
		assert.Equal(t, "Speaker 1: Recovered.", res.Text)
		assert.Len(t, f.fallback.Calls(), 1)
	})
}

func TestTranscriber_ConversionErrorIsReturned(t *testing.T) {
	f := newFixture(t, newFakeSession(true, nil))
	f.converter.err = errors.New("exit status 1")

	_, err := f.transcriber(DefaultConfig(), true).Transcribe(context.Background(), f.chunk, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prepare streaming input")
	assert.Empty(t, f.recognizer.started)
}

func TestTranscriber_CallerCancellation(t *testing.T) {
	f := newFixture(t, newFakeSession(false, nil))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := f.transcriber(DefaultConfig(), true).Transcribe(ctx, f.chunk, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTranscriber_NameAndHealth(t *testing.T) {
	f := newFixture(t, nil)
	tr := f.transcriber(DefaultConfig(), false)
	assert.Equal(t, "streaming-fake", tr.Name())

	ok, err := tr.HealthCheck(context.Background())
	assert.True(t, ok)
	assert.NoError(t, err)
}

func TestMaxSessionDuration(t *testing.T) {
	tests := []struct {
		name string
		size int64
		want time.Duration
	}{
		{"empty file clamps to minimum", 0, time.Minute},
		{"100 seconds of audio", 176000 * 100, 180 * time.Second},
		{"huge file clamps to maximum", 176000 * 10000, 30 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaxSessionDuration(tt.size))
		})
	}
}

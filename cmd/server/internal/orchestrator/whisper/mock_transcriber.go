package whisper

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/models"
)

// MockTranscriber is a scripted WhisperTranscriber for tests and local runs
// without credentials. Responses are keyed by the audio file's base name;
// files without a script return Default. Calls are recorded.
type MockTranscriber struct {
	mu sync.Mutex

	// Responses maps a file base name to the texts returned on successive
	// calls. The last entry repeats once the list is exhausted.
	Responses map[string][]MockResponse
	// Default is returned for files without a script.
	Default MockResponse
	// Healthy is reported by HealthCheck.
	Healthy bool

	calls []MockCall
}

// MockResponse is one scripted outcome.
type MockResponse struct {
	Result *models.Result
	Err    error
}

// MockCall records one Transcribe invocation.
type MockCall struct {
	Path    string
	Options TranscribeOptions
}

// NewMockTranscriber creates a healthy MockTranscriber returning empty results.
func NewMockTranscriber() *MockTranscriber {
	return &MockTranscriber{
		Responses: map[string][]MockResponse{},
		Default:   MockResponse{Result: &models.Result{}},
		Healthy:   true,
	}
}

// Script sets the responses for the file named base.
func (m *MockTranscriber) Script(base string, responses ...MockResponse) *MockTranscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses[base] = responses
	return m
}

// Transcribe returns the next scripted response for audioPath.
func (m *MockTranscriber) Transcribe(ctx context.Context, audioPath string, options *TranscribeOptions) (*models.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	opts := TranscribeOptions{}
	if options != nil {
		opts = *options
	}
	m.calls = append(m.calls, MockCall{Path: audioPath, Options: opts})

	base := filepath.Base(audioPath)
	resp := m.Default
	if script := m.Responses[base]; len(script) > 0 {
		resp = script[0]
		if len(script) > 1 {
			m.Responses[base] = script[1:]
		}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	if resp.Result == nil {
		return &models.Result{}, nil
	}
	copied := *resp.Result
	if resp.Result.Segments != nil {
		copied.Segments = append([]models.Segment(nil), resp.Result.Segments...)
	}
	return &copied, nil
}

// HealthCheck reports the Healthy field.
func (m *MockTranscriber) HealthCheck(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Healthy, nil
}

// Name returns "mock".
func (m *MockTranscriber) Name() string {
	return "mock"
}

// Calls returns a copy of the recorded invocations.
func (m *MockTranscriber) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// SetHealthy changes the reported health.
func (m *MockTranscriber) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Healthy = healthy
}

// Package whisper provides the speech-to-text backend abstraction used by the
// pipeline and the generic OpenAI-compatible implementation of it.
package whisper

import (
	"context"
	"time"

	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/models"
)

// WhisperTranscriber defines the standard interface for transcription backends.
// The generic HTTP client, the streaming diarization transcriber and the mock
// all implement it, so the orchestrator, the health checker and the
// degradation controller treat them interchangeably.
type WhisperTranscriber interface {
	// Transcribe transcribes one audio file.
	//
	// The result is always normalized: Segments is nil when the backend
	// returned text only. Implementations must respect ctx cancellation.
	Transcribe(ctx context.Context, audioPath string, options *TranscribeOptions) (*models.Result, error)

	// HealthCheck verifies that the backend is operational. It should return
	// within the deadline of ctx.
	HealthCheck(ctx context.Context) (bool, error)

	// Name returns the identifier used in logs, metrics and degradation events.
	Name() string
}

// TranscribeOptions defines optional parameters for the Transcribe operation.
type TranscribeOptions struct {
	// Model overrides the configured model (e.g., "whisper-1").
	Model string

	// Language forces transcription in a specific language. Default: "en".
	Language string

	// SpeakerIdentification asks for verbose output: timed segments for the
	// generic backend, diarized segments for the streaming backend.
	SpeakerIdentification bool

	// Prompt provides context to improve transcription accuracy (optional).
	Prompt string

	// Timeout bounds a single request. Zero means the client default.
	Timeout time.Duration
}

// TranscriptionSegment is one timed segment of a verbose_json response.
type TranscriptionSegment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TranscriptionResult is the wire shape of both json and verbose_json responses.
type TranscriptionResult struct {
	Segments []TranscriptionSegment `json:"segments"`
	Text     string                 `json:"text"`
	Language string                 `json:"language"`
	Duration float64                `json:"duration"`
}

// ToResult normalizes the wire response. No segments means text only.
func (r *TranscriptionResult) ToResult() *models.Result {
	out := &models.Result{Text: r.Text}
	if len(r.Segments) == 0 {
		return out
	}
	out.Segments = make([]models.Segment, 0, len(r.Segments))
	for _, s := range r.Segments {
		out.Segments = append(out.Segments, models.Segment{
			ID:    itoa(s.ID),
			Start: s.Start,
			End:   max(s.Start, s.End),
			Text:  s.Text,
		})
	}
	return out
}

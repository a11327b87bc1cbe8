// Package streaming implements the diarizing backend: one recognition session
// per chunk, speaker-attributed events collected until the session completes,
// stalls or runs out of time, with a generic-backend fallback.
package streaming

import (
	"context"
	"time"
)

// ticksPerSecond converts service offsets (100 ns ticks) to seconds.
const ticksPerSecond = 1e7

// Event is one recognized utterance.
// Offset and Duration are 100 ns ticks; a negative Offset means the service
// reported no timing for the utterance.
type Event struct {
	SpeakerID string `json:"speaker_id"`
	Text      string `json:"text"`
	Offset    int64  `json:"offset"`
	Duration  int64  `json:"duration"`
}

// Start returns the event start in seconds.
func (e Event) Start() float64 { return float64(e.Offset) / ticksPerSecond }

// End returns the event end in seconds.
func (e Event) End() float64 { return float64(e.Offset+e.Duration) / ticksPerSecond }

// Timed reports whether the event carries usable timing.
func (e Event) Timed() bool { return e.Offset >= 0 && e.Duration >= 0 }

// SessionConfig is sent to the recognizer when a session starts.
type SessionConfig struct {
	MaxSpeakers       int    `json:"max_speakers"`
	Language          string `json:"language"`
	EnableDiarization bool   `json:"enable_diarization"`
}

// DefaultSessionConfig returns the session parameters used for every chunk.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{MaxSpeakers: 10, Language: "en-US", EnableDiarization: true}
}

// Session is one running recognition.
type Session interface {
	// Events delivers utterances in order and is closed when the service
	// ends the session.
	Events() <-chan Event
	// Err is valid after Events is closed. Non-nil means the service
	// cancelled the session instead of completing it.
	Err() error
	// Close stops the session and releases its resources. Safe to call twice.
	Close() error
}

// Recognizer starts recognition sessions against a speech service.
type Recognizer interface {
	Start(ctx context.Context, audioPath string, cfg SessionConfig) (Session, error)
	HealthCheck(ctx context.Context) (bool, error)
	Name() string
}

// MaxSessionDuration estimates how long a session over a WAV file of
// fileSize bytes may run: 1.5x the audio length (about 176000 bytes per
// second of 16-bit 44.1 kHz stereo) plus 30s, clamped to [60s, 30m].
func MaxSessionDuration(fileSize int64) time.Duration {
	seconds := float64(fileSize)/176000*1.5 + 30
	d := time.Duration(seconds * float64(time.Second))
	switch {
	case d < time.Minute:
		return time.Minute
	case d > 30*time.Minute:
		return 30 * time.Minute
	default:
		return d
	}
}

package models

import (
	"fmt"
	"strings"
)

// Speaker identifies one inferred or detected speaker within a single job.
type Speaker struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// NewSpeaker returns the speaker with numeric id n and label "Speaker n".
func NewSpeaker(n int) *Speaker {
	return &Speaker{ID: fmt.Sprintf("%d", n), Label: fmt.Sprintf("Speaker %d", n)}
}

// Segment is a timed slice of transcript text. Start and End are seconds.
type Segment struct {
	ID      string   `json:"id"`
	Start   float64  `json:"start"`
	End     float64  `json:"end"`
	Text    string   `json:"text"`
	Speaker *Speaker `json:"speaker,omitempty"`
}

// Fragment is the transcription of one chunk before reassembly. Segment
// timing is relative to the chunk's own timeline.
type Fragment struct {
	ChunkIndex int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Segments   []Segment `json:"segments,omitempty"`
}

// Result is the normalized output of every backend and of the pipeline.
// A nil Segments slice means the result carries text only.
type Result struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments,omitempty"`
}

// HasSegments reports whether r carries timing segments.
func (r *Result) HasSegments() bool {
	return r != nil && len(r.Segments) > 0
}

// HasSpeakers reports whether any segment carries speaker attribution.
func (r *Result) HasSpeakers() bool {
	if r == nil {
		return false
	}
	for _, s := range r.Segments {
		if s.Speaker != nil {
			return true
		}
	}
	return false
}

// SpeakerText renders segments as "Speaker N: text" blocks separated by a blank line.
func SpeakerText(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		label := "Speaker 1"
		if s.Speaker != nil {
			label = s.Speaker.Label
		}
		parts = append(parts, label+": "+s.Text)
	}
	return strings.Join(parts, "\n\n")
}

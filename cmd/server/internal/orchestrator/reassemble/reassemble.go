// Package reassemble merges per-chunk transcription fragments into a single
// result on the job's global timeline.
package reassemble

import (
	"sort"
	"strings"

	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/models"
)

// Merge concatenates fragments in chunk index order. Segment times are shifted
// by the end of the last segment seen so far; fragments that carry only text
// contribute text without moving the timeline. The result has nil Segments
// when no fragment produced any.
func Merge(fragments []models.Fragment) *models.Result {
	ordered := make([]models.Fragment, len(fragments))
	copy(ordered, fragments)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ChunkIndex < ordered[j].ChunkIndex
	})

	var (
		text     strings.Builder
		segments []models.Segment
		offset   float64
	)
	for _, f := range ordered {
		if len(f.Segments) > 0 {
			for _, s := range f.Segments {
				s.Start += offset
				s.End += offset
				segments = append(segments, s)
			}
			offset = segments[len(segments)-1].End
		}
		text.WriteString(f.Text)
		text.WriteString(" ")
	}

	return &models.Result{
		Text:     strings.TrimSpace(text.String()),
		Segments: segments,
	}
}

// Texts builds text-only fragments from chunk transcripts in slice order.
func Texts(texts []string) []models.Fragment {
	out := make([]models.Fragment, len(texts))
	for i, t := range texts {
		out[i] = models.Fragment{ChunkIndex: i, Text: t}
	}
	return out
}

// Package export renders finished transcripts as downloadable documents.
package export

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/models"
	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/orchestrator/diarize"
)

// Format is a download format.
type Format string

const (
	FormatText Format = "txt"
	FormatSRT  Format = "srt"
	FormatVTT  Format = "vtt"
	FormatJSON Format = "json"
)

// wordsPerSecond estimates cue length when the transcript has no timing.
const wordsPerSecond = 3.0

// ParseFormat maps a query value to a Format. Empty means txt.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatText, nil
	case FormatText, FormatSRT, FormatVTT, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported format %q", s)
	}
}

// ContentType returns the MIME type served for f.
func (f Format) ContentType() string {
	switch f {
	case FormatVTT:
		return "text/vtt; charset=utf-8"
	case FormatJSON:
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9]`)

// FileName builds the attachment name for a transcript of the upload name.
func FileName(name string, f Format, speakers bool) string {
	base := strings.TrimSuffix(name, extOf(name))
	if base == "" {
		base = "transcription"
	}
	suffix := "_transcription"
	if speakers {
		suffix += "_with_speakers"
	}
	return unsafeName.ReplaceAllString(base, "_") + suffix + "." + string(f)
}

func extOf(name string) string {
	if i := strings.LastIndex(name, "."); i > 0 {
		return name[i:]
	}
	return ""
}

// Render renders res in format f. speakers selects speaker-labelled output
// when the segments carry speakers.
func Render(f Format, res *models.Result, speakers bool) ([]byte, error) {
	if res == nil {
		res = &models.Result{}
	}
	switch f {
	case FormatText:
		return []byte(Text(res, speakers)), nil
	case FormatSRT:
		return []byte(SRT(res, speakers)), nil
	case FormatVTT:
		return []byte(VTT(res, speakers)), nil
	case FormatJSON:
		return json.MarshalIndent(res, "", "  ")
	default:
		return nil, fmt.Errorf("unsupported format %q", f)
	}
}

// Text renders speaker blocks with timestamps when speakers is set and
// available, otherwise one sentence per paragraph.
func Text(res *models.Result, speakers bool) string {
	if speakers && res.HasSpeakers() {
		return speakerText(res.Segments)
	}
	return strings.Join(diarize.SplitSentences(strings.Join(strings.Fields(res.Text), " ")), "\n\n")
}

func speakerText(segments []models.Segment) string {
	var b strings.Builder
	current := ""
	for _, s := range segments {
		if s.Speaker != nil && s.Speaker.ID != current {
			current = s.Speaker.ID
			fmt.Fprintf(&b, "\n\n%s:\n", s.Speaker.Label)
		}
		fmt.Fprintf(&b, "[%s - %s] %s\n", timestamp(s.Start, '.'), timestamp(s.End, '.'), strings.TrimSpace(s.Text))
	}
	return strings.TrimSpace(b.String())
}

// cue is one subtitle entry.
type cue struct {
	start, end float64
	text       string
}

// cues uses the timed segments, or estimates timing sentence by sentence.
func cues(res *models.Result, speakers bool) []cue {
	if res.HasSegments() {
		out := make([]cue, 0, len(res.Segments))
		for _, s := range res.Segments {
			line := strings.TrimSpace(s.Text)
			if speakers && s.Speaker != nil {
				line = s.Speaker.Label + ": " + line
			}
			out = append(out, cue{start: s.Start, end: s.End, text: line})
		}
		return out
	}

	var out []cue
	t := 0.0
	for _, sentence := range diarize.SplitSentences(strings.Join(strings.Fields(res.Text), " ")) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		d := math.Max(1, float64(len(strings.Fields(sentence)))/wordsPerSecond)
		out = append(out, cue{start: t, end: t + d, text: sentence})
		t += d
	}
	return out
}

// SRT renders SubRip subtitles.
func SRT(res *models.Result, speakers bool) string {
	var b strings.Builder
	for i, c := range cues(res, speakers) {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, timestamp(c.start, ','), timestamp(c.end, ','), c.text)
	}
	return b.String()
}

// VTT renders WebVTT subtitles.
func VTT(res *models.Result, speakers bool) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, c := range cues(res, speakers) {
		fmt.Fprintf(&b, "%s --> %s\n%s\n\n", timestamp(c.start, '.'), timestamp(c.end, '.'), c.text)
	}
	return b.String()
}

// timestamp formats seconds as HH:MM:SS<sep>mmm.
func timestamp(seconds float64, sep byte) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int64(math.Floor(seconds*1000 + 1e-6))
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms%1000)
}

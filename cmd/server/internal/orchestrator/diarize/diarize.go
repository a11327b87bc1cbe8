// Package diarize infers speaker turns from plain transcript text when no
// backend produced speaker metadata. It is a deterministic lexical heuristic:
// no audio is analysed, and the same text always yields the same segments.
package diarize

import (
	"fmt"
	"strings"

	"github.com/houzhh15/transcribe-pipeline/cmd/server/internal/models"
)

const (
	// paragraphSeconds is the synthetic duration of one paragraph.
	paragraphSeconds = 3.0
	// maxMergedWords caps how many words adjacent same-speaker paragraphs may merge into.
	maxMergedWords = 30
	// maxParagraphSentences closes a paragraph once it holds this many sentences.
	maxParagraphSentences = 2
)

type paragraph struct {
	text             string
	isQuestion       bool
	isExclamation    bool
	hasQuote         bool
	containsQuestion bool
}

// AssignSpeakers splits text into speaker-attributed segments alternating
// between Speaker 1 and Speaker 2. The returned text renders every segment
// as "Speaker N: text" separated by blank lines. Empty input yields an empty
// result without segments.
func AssignSpeakers(text string) *models.Result {
	normalized := strings.Join(strings.Fields(text), " ")
	sentences := SplitSentences(normalized)
	if len(sentences) == 0 {
		return &models.Result{}
	}

	paragraphs := groupParagraphs(sentences)
	segments := walkSpeakers(paragraphs)
	segments = mergeTurns(segments)
	if HasStrongDialogueSignals(normalized) {
		segments = ensureTwoSpeakers(segments)
	}

	for i := range segments {
		segments[i].ID = fmt.Sprintf("s%d", i+1)
	}
	return &models.Result{Text: models.SpeakerText(segments), Segments: segments}
}

// SplitSentences splits whitespace-normalized text after '.', '!' or '?'
// when followed by a space.
func SplitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if i+1 < len(text) && text[i+1] == ' ' {
				if s := strings.TrimSpace(text[start : i+1]); s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func groupParagraphs(sentences []string) []paragraph {
	var (
		out     []paragraph
		current []string
		hasQ    bool
	)
	for i, s := range sentences {
		current = append(current, s)
		isQuestion := strings.HasSuffix(s, "?")
		isExclamation := strings.HasSuffix(s, "!")
		quoted := hasQuote(s)
		hasQ = hasQ || isQuestion

		if isQuestion || isExclamation || quoted || len(current) >= maxParagraphSentences || i == len(sentences)-1 {
			out = append(out, paragraph{
				text:             strings.Join(current, " "),
				isQuestion:       isQuestion,
				isExclamation:    isExclamation,
				hasQuote:         quoted,
				containsQuestion: hasQ,
			})
			current = nil
			hasQ = false
		}
	}
	return out
}

// walkSpeakers assigns alternating speaker ids, switching on the strongest
// available cue for each paragraph after the first.
func walkSpeakers(paragraphs []paragraph) []models.Segment {
	segments := make([]models.Segment, 0, len(paragraphs))
	speaker := 1
	for i, p := range paragraphs {
		if i > 0 {
			prev := paragraphs[i-1]
			switch {
			case prev.isQuestion || prev.containsQuestion:
				speaker = other(speaker)
			case prev.isExclamation:
				speaker = other(speaker)
			case prev.hasQuote || p.hasQuote:
				speaker = other(speaker)
			case responseOpener.MatchString(p.text):
				speaker = other(speaker)
			case i%2 == 0:
				speaker = other(speaker)
			}
		}
		segments = append(segments, models.Segment{
			Start:   float64(i) * paragraphSeconds,
			End:     float64(i+1) * paragraphSeconds,
			Text:    p.text,
			Speaker: models.NewSpeaker(speaker),
		})
	}
	return segments
}

func mergeTurns(segments []models.Segment) []models.Segment {
	var out []models.Segment
	for _, s := range segments {
		if n := len(out); n > 0 && out[n-1].Speaker.ID == s.Speaker.ID {
			combined := out[n-1].Text + " " + s.Text
			if len(strings.Fields(combined)) <= maxMergedWords {
				out[n-1].Text = combined
				out[n-1].End = s.End
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

// ensureTwoSpeakers makes sure at least two speaker ids appear. A lone
// segment is split first; then the first segment that follows a question,
// reads like an answer, or contradicts its predecessor changes speaker,
// falling back to the second segment.
func ensureTwoSpeakers(segments []models.Segment) []models.Segment {
	if distinctSpeakers(segments) > 1 {
		return segments
	}
	if len(segments) == 1 {
		segments = splitSegment(segments[0])
	}
	if len(segments) < 2 {
		return segments
	}

	target := 1
	for i := 1; i < len(segments); i++ {
		prev, cur := segments[i-1], segments[i]
		if strings.HasSuffix(strings.TrimSpace(prev.Text), "?") || isLikelyAnswer(cur.Text) || isContrastive(cur.Text, prev.Text) {
			target = i
			break
		}
	}
	// the walk always opens with speaker 1, so the lone speaker is 1
	segments[target].Speaker = models.NewSpeaker(2)
	return segments
}

// splitSegment cuts a segment at its first sentence boundary, or at the
// middle word when it holds a single sentence. Timing is divided evenly.
func splitSegment(s models.Segment) []models.Segment {
	sentences := SplitSentences(s.Text)
	var first, rest string
	if len(sentences) >= 2 {
		first = sentences[0]
		rest = strings.Join(sentences[1:], " ")
	} else {
		fields := strings.Fields(s.Text)
		if len(fields) < 2 {
			return []models.Segment{s}
		}
		mid := len(fields) / 2
		first = strings.Join(fields[:mid], " ")
		rest = strings.Join(fields[mid:], " ")
	}
	mid := s.Start + (s.End-s.Start)/2
	return []models.Segment{
		{Start: s.Start, End: mid, Text: first, Speaker: s.Speaker},
		{Start: mid, End: s.End, Text: rest, Speaker: s.Speaker},
	}
}

func distinctSpeakers(segments []models.Segment) int {
	seen := map[string]bool{}
	for _, s := range segments {
		if s.Speaker != nil {
			seen[s.Speaker.ID] = true
		}
	}
	return len(seen)
}

func other(id int) int {
	if id == 1 {
		return 2
	}
	return 1
}

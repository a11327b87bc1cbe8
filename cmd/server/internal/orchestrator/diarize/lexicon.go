package diarize

import (
	"regexp"
	"strings"
)

var (
	responseOpener = regexp.MustCompile(`(?i)^(yes|no|maybe|i think|well|actually|but|however|so|therefore|right|okay|sure|exactly|indeed)\b`)

	maleMarkers = regexp.MustCompile(`(?i)\b(he|him|his|himself|sir|gentleman|man|men|boy|boys|brother|son|father|husband|uncle|nephew|grandfather)\b|\bmr\.`)

	femaleMarkers = regexp.MustCompile(`(?i)\b(she|her|hers|herself|miss|madam|lady|woman|women|girl|girls|sister|daughter|mother|wife|aunt|niece|grandmother)\b|\b(mrs|ms)\.`)
)

var dialogueMarkers = []string{
	"said", "asked", "replied", "answered", "responded",
	"?: ", "hello?", "hi there", "excuse me",
}

var introPhrases = []string{
	"my name is", "this is", "i am", "i'm",
	"on behalf of", "representing", "let me introduce",
}

var answerStarters = []string{
	"yes", "no", "maybe", "absolutely", "definitely", "certainly",
	"i think", "i believe", "in my opinion", "i'd say", "i guess",
	"well,", "actually,", "to be honest", "honestly,", "frankly,",
	"it's", "that's", "there's", "they're", "i'm not sure", "i don't know",
}

var contrastMarkers = []string{
	"but ", "however", "although", "though", "nevertheless",
	"on the contrary", "in contrast", "on the other hand",
	"i disagree", "not necessarily", "i don't think so",
	"that's not", "actually,", "in fact,", "instead,",
}

var negations = map[string]bool{"not": true, "don't": true, "doesn't": true, "isn't": true}

const quoteChars = "\"“”"

func hasQuote(s string) bool {
	return strings.ContainsAny(s, quoteChars)
}

// dialogueIndicators counts distinct dialogue and self-introduction phrases in text.
func dialogueIndicators(text string) int {
	lower := strings.ToLower(text)
	n := 0
	for _, m := range dialogueMarkers {
		if strings.Contains(lower, m) {
			n++
		}
	}
	for _, p := range introPhrases {
		if strings.Contains(lower, p) {
			n++
		}
	}
	return n
}

// HasStrongDialogueSignals reports whether text almost certainly contains more
// than one speaker: two or more question marks, both male and female lexical
// markers, or at least three dialogue indicator phrases.
func HasStrongDialogueSignals(text string) bool {
	if strings.Count(text, "?") >= 2 {
		return true
	}
	if maleMarkers.MatchString(text) && femaleMarkers.MatchString(text) {
		return true
	}
	return dialogueIndicators(text) >= 3
}

// isLikelyAnswer reports whether a sentence reads like a reply.
func isLikelyAnswer(sentence string) bool {
	lower := strings.ToLower(strings.TrimSpace(sentence))
	for _, s := range answerStarters {
		if strings.HasPrefix(lower, s) {
			return true
		}
	}
	return len(strings.Fields(lower)) <= 5 && !strings.HasSuffix(lower, "?")
}

// isContrastive reports whether current pushes back on previous, either with
// an explicit marker or a negation that reuses the previous sentence's words.
func isContrastive(current, previous string) bool {
	if previous == "" {
		return false
	}
	lower := strings.ToLower(current)
	for _, m := range contrastMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}

	currentWords := words(lower)
	negated := false
	for _, w := range currentWords {
		if negations[w] {
			negated = true
			break
		}
	}
	if !negated {
		return false
	}

	prev := map[string]bool{}
	for _, w := range words(strings.ToLower(previous)) {
		prev[w] = true
	}
	shared := 0
	for _, w := range currentWords {
		if len(w) > 3 && prev[w] {
			shared++
		}
	}
	return shared >= 2
}

// words splits on anything that is not a letter, digit or apostrophe.
func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(r == '\'' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
}

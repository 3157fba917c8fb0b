package transcript

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/captioner/internal/diarize"
	"github.com/MrWong99/captioner/internal/speaker"
	"github.com/MrWong99/captioner/pkg/provider/asr"
)

// Attributed is a token with the speaker it was merged with.
type Attributed struct {
	asr.Token
	SpeakerID int
	Label     string
}

// Merge assigns each token the speaker of the first segment whose [Start,
// End] interval contains the token's start time. Tokens outside every segment
// are attributed to [speaker.UnknownLabel]. Tokens must carry times; see
// [AllocateProportional].
func Merge(tokens []asr.Token, segs []diarize.Segment) []Attributed {
	out := make([]Attributed, 0, len(tokens))
	for _, tok := range tokens {
		a := Attributed{Token: tok, Label: speaker.UnknownLabel}
		for _, s := range segs {
			if s.Contains(tok.Start) {
				a.SpeakerID = s.SpeakerID
				a.Label = s.Label
				break
			}
		}
		out = append(out, a)
	}
	return out
}

// Group joins consecutive tokens of the same speaker into lines, starting a
// new line whenever the speaker changes. Line times are relative to the
// chunk; empty token texts are skipped.
func Group(tokens []Attributed) []Line {
	var (
		lines []Line
		cur   *Line
		words []string
	)
	flush := func() {
		if cur != nil && len(words) > 0 {
			cur.Text = strings.Join(words, " ")
			lines = append(lines, *cur)
		}
		cur, words = nil, nil
	}
	for _, t := range tokens {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		if cur == nil || cur.Label != t.Label {
			flush()
			cur = &Line{Label: t.Label, Start: t.Start, End: t.End}
		}
		words = append(words, text)
		cur.End = max(cur.End, t.End)
	}
	flush()
	return lines
}

// AllocateProportional assigns times to tokens by spreading total across
// them in proportion to their character length. Phrase tokens are first
// split into words with [SplitWords], so a sentence reported as one token
// can still be attributed to several speakers. The first word starts at zero
// and the last ends exactly at total. It is an approximation for backends
// that report no timing.
func AllocateProportional(tokens []asr.Token, total time.Duration) []asr.Token {
	out := SplitWords(tokens)

	var chars int
	for _, t := range out {
		chars += utf8.RuneCountInString(t.Text)
	}
	if chars == 0 {
		return out
	}

	var acc int
	for i := range out {
		out[i].Start = scale(total, acc, chars)
		acc += utf8.RuneCountInString(out[i].Text)
		out[i].End = scale(total, acc, chars)
		out[i].HasTime = true
	}
	return out
}

// SpreadPhrases splits every timed token holding several words into one
// token per word, allocating the token's own span proportionally. Single
// words and untimed tokens are returned unchanged.
func SpreadPhrases(tokens []asr.Token) []asr.Token {
	out := make([]asr.Token, 0, len(tokens))
	for _, t := range tokens {
		if !t.HasTime || len(strings.Fields(t.Text)) < 2 {
			out = append(out, t)
			continue
		}
		for _, w := range AllocateProportional([]asr.Token{t}, t.End-t.Start) {
			w.Start += t.Start
			w.End += t.Start
			out = append(out, w)
		}
	}
	return out
}

// SplitWords returns one token per whitespace-separated word of tokens,
// dropping blank ones. Split words inherit the confidence of their phrase.
// Times are not carried over.
func SplitWords(tokens []asr.Token) []asr.Token {
	out := make([]asr.Token, 0, len(tokens))
	for _, t := range tokens {
		for _, w := range strings.Fields(t.Text) {
			out = append(out, asr.Token{Text: w, Confidence: t.Confidence})
		}
	}
	return out
}

func scale(total time.Duration, part, whole int) time.Duration {
	return time.Duration(int64(total) * int64(part) / int64(whole))
}

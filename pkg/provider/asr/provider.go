// Package asr defines the Provider interface for speech-to-text backends.
//
// An ASR provider transcribes one bounded chunk of mono float audio and
// returns ordered text tokens, each optionally carrying its time span inside
// the chunk. Backends that cannot time individual words report whole
// phrases, or tokens without times; the transcription orchestrator
// approximates the missing times itself.
//
// Implementations must be safe for concurrent use.
package asr

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNoAudio is returned by providers that are handed an empty buffer.
var ErrNoAudio = errors.New("asr: no audio")

// Token is a word or phrase with its time span relative to the start of the
// transcribed chunk. Start and End are meaningful only when HasTime is set.
type Token struct {
	Text       string
	Start      time.Duration
	End        time.Duration
	HasTime    bool
	Confidence float64
}

// Result is the outcome of one successful transcription. An empty token
// list means the backend heard no speech; it is not an error.
type Result struct {
	Tokens []Token

	// Language is the detected or configured language, when reported.
	Language string
}

// Text joins the non-empty token texts with single spaces.
func (r Result) Text() string {
	parts := make([]string, 0, len(r.Tokens))
	for _, t := range r.Tokens {
		if s := strings.TrimSpace(t.Text); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Empty reports whether the result carries no text.
func (r Result) Empty() bool {
	return r.Text() == ""
}

// Timed reports whether every token carries a time span.
func (r Result) Timed() bool {
	for _, t := range r.Tokens {
		if !t.HasTime {
			return false
		}
	}
	return len(r.Tokens) > 0
}

// Provider is the abstraction over any batch speech-to-text backend.
type Provider interface {
	// Transcribe converts samples (mono, [-1, 1]) recorded at sampleRate into
	// tokens. A failure is returned as an error and must be distinguishable
	// from an empty-but-successful result.
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error)

	// SampleRate returns the rate the backend expects its input in. Callers
	// resample before calling Transcribe.
	SampleRate() int
}

// Seconds converts fractional seconds, as reported by most JSON APIs, to a
// duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Centiseconds converts a whisper.cpp style timestamp (1/100 s) to a
// duration.
func Centiseconds(cs int64) time.Duration {
	return time.Duration(cs) * 10 * time.Millisecond
}

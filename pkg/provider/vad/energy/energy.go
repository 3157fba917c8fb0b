// Package energy provides an RMS-energy voice activity detector.
//
// The speech probability of a frame is its RMS amplitude divided by a
// reference level and clamped to [0, 1]. Start and end events are debounced
// with the MinSpeechMs and MinSilenceMs durations from [vad.Config].
package energy

import (
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/captioner/pkg/provider/vad"
)

// DefaultReference is the RMS level that maps to probability 1.
const DefaultReference = 0.1

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Option configures an Engine.
type Option func(*Engine)

// WithReference sets the RMS level that maps to probability 1.
func WithReference(rms float64) Option {
	return func(e *Engine) {
		if rms > 0 {
			e.reference = rms
		}
	}
}

// Engine creates energy-based VAD sessions. It is stateless and safe for
// concurrent use.
type Engine struct {
	reference float64
}

// New returns an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{reference: DefaultReference}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy vad: %w", err)
	}
	frame := cfg.FrameSamples()
	if frame <= 0 {
		return nil, fmt.Errorf("energy vad: %w: %d ms at %d Hz", vad.ErrFrameSize, cfg.FrameSizeMs, cfg.SampleRate)
	}
	return &Session{
		cfg:           cfg,
		reference:     e.reference,
		frameSamples:  frame,
		speechFrames:  framesFor(cfg.MinSpeechMs, cfg.FrameSizeMs),
		silenceFrames: framesFor(cfg.MinSilenceMs, cfg.FrameSizeMs),
	}, nil
}

func framesFor(ms, frameMs int) int {
	return max(1, (ms+frameMs-1)/frameMs)
}

// Session is a single-stream energy detector.
type Session struct {
	mu sync.Mutex

	cfg           vad.Config
	reference     float64
	frameSamples  int
	speechFrames  int
	silenceFrames int

	speaking bool
	speechN  int
	silenceN int
	closed   bool
}

// ProcessFrame implements vad.SessionHandle.
func (s *Session) ProcessFrame(frame []float32) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Event{}, vad.ErrClosed
	}
	if len(frame) != s.frameSamples {
		return vad.Event{}, fmt.Errorf("energy vad: %w: got %d samples, want %d", vad.ErrFrameSize, len(frame), s.frameSamples)
	}

	p := min(1, RMS(frame)/s.reference)
	ev := vad.Event{Probability: p}

	switch {
	case p >= s.cfg.SpeechThreshold:
		s.silenceN = 0
		s.speechN++
		if !s.speaking && s.speechN >= s.speechFrames {
			s.speaking = true
			ev.Type = vad.SpeechStart
			return ev, nil
		}
	case p < s.cfg.SilenceThreshold:
		s.speechN = 0
		s.silenceN++
		if s.speaking && s.silenceN >= s.silenceFrames {
			s.speaking = false
			ev.Type = vad.SpeechEnd
			return ev, nil
		}
	}

	if s.speaking {
		ev.Type = vad.SpeechContinue
	} else {
		ev.Type = vad.Silence
	}
	return ev, nil
}

// Speaking reports whether the session is inside an utterance.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Reset implements vad.SessionHandle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.speechN = 0
	s.silenceN = 0
}

// Close implements vad.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// RMS returns the root-mean-square amplitude of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

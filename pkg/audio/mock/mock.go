// Package mock provides an in-memory [audio.Source] for use in unit tests.
//
// The mock is safe for concurrent use. It records Start/Stop calls so tests
// can assert on them, and exposes exported fields to control behaviour.
//
// Typical usage:
//
//	src := &mock.Source{
//	    SourceFormat: audio.Format{SampleRate: 16000, Channels: 1, Encoding: audio.EncodingFloat32},
//	}
//	sess.Start(ctx)
//	src.Emit(mock.Float32Frame(samples...))
package mock

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/MrWong99/captioner/pkg/audio"
)

// Source is a mock implementation of [audio.Source]. Frames are delivered
// synchronously by [Source.Emit] on the caller's goroutine, which plays the
// role of the device thread.
type Source struct {
	mu sync.Mutex

	// SourceFormat is returned by [Source.Format].
	SourceFormat audio.Format

	// StartErr is returned by [Source.Start] when non-nil.
	StartErr error

	// StopErr is returned by [Source.Stop].
	StopErr error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	onFrame func(audio.AudioFrame)
	onError func(error)
	running bool
}

var _ audio.Source = (*Source)(nil)

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SourceFormat
}

// Start implements [audio.Source].
func (s *Source) Start(_ context.Context, onFrame func(audio.AudioFrame), onError func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartErr != nil {
		return s.StartErr
	}
	s.onFrame = onFrame
	s.onError = onError
	s.running = true
	return nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.running = false
	return s.StopErr
}

// Emit delivers frame to the registered callback. It reports false when the
// source is not running.
func (s *Source) Emit(frame audio.AudioFrame) bool {
	s.mu.Lock()
	fn, running := s.onFrame, s.running
	if frame.Format == (audio.Format{}) {
		frame.Format = s.SourceFormat
	}
	s.mu.Unlock()
	if !running || fn == nil {
		return false
	}
	fn(frame)
	return true
}

// Fail simulates a mid-stream device failure: the error callback fires and
// the source stops delivering frames.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	fn := s.onError
	s.running = false
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Running reports whether the source is between Start and Stop.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Float32Frame packs samples into a mono float32 frame.
func Float32Frame(samples ...float32) audio.AudioFrame {
	buf := make([]byte, len(samples)*4)
	for i, v := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return audio.AudioFrame{Data: buf}
}

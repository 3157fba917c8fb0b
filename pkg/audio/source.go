// Package audio holds the capture-side building blocks of the transcription
// pipeline: the device [Source] abstraction, conversion of raw device frames
// into canonical mono float samples, the lock-free [RingBuffer] that decouples
// the device callback from processing, and the preprocessing stages
// ([Resample], [Normalize], [TrimSilence]).
//
// Past the capture boundary every stage works on float32 samples in [-1, 1].
//
// This package lives under pkg/ because capture adapters outside this module
// are expected to implement [Source].
package audio

import (
	"context"
	"errors"
)

// ErrNoDevice is returned by [Source.Start] when no capture device is
// available.
var ErrNoDevice = errors.New("audio: no input device")

// ErrUnsupportedFormat is returned by [Source.Start] when the device reports a
// format the pipeline cannot convert.
var ErrUnsupportedFormat = errors.New("audio: unsupported sample format")

// Source is a capture device (microphone, system loopback or a file replay).
//
// Start begins delivering frames to onFrame. onFrame runs on the device's
// real-time thread: it must return quickly and must not block. A failure to
// open the device is returned from Start and is fatal to the session. Errors
// that occur after a successful Start are reported once through onError,
// after which no further frames are delivered.
//
// Implementations must be safe for Stop to be called concurrently with
// frame delivery, and Stop must be idempotent.
type Source interface {
	// Format reports the raw stream format. Valid after Start returns nil.
	Format() Format

	Start(ctx context.Context, onFrame func(AudioFrame), onError func(error)) error

	Stop() error
}

// Backlog is the consumer-side queue a source delivers into, measured in
// mono samples. [RingBuffer] implements it.
type Backlog interface {
	Len() int
	Cap() int
}

// Backlogged is implemented by sources that can wait for the consumer
// instead of losing audio, such as file replays. The pipeline calls
// SetBacklog before Start. Live devices do not implement it: a real-time
// stream cannot be held back, so its overflow is dropped.
type Backlogged interface {
	SetBacklog(b Backlog)
}

// ValidateFormat reports whether f can be converted by this package.
func ValidateFormat(f Format) error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return ErrUnsupportedFormat
	}
	switch f.Encoding {
	case EncodingInt16, EncodingUint16, EncodingFloat32:
		return nil
	default:
		return ErrUnsupportedFormat
	}
}

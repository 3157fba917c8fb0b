package audio

import "time"

// Encoding identifies the sample representation a capture device delivers.
type Encoding int

const (
	// EncodingInt16 is signed 16-bit little-endian PCM.
	EncodingInt16 Encoding = iota

	// EncodingUint16 is unsigned 16-bit little-endian PCM centred on 32768.
	EncodingUint16

	// EncodingFloat32 is IEEE-754 32-bit little-endian float in [-1, 1].
	EncodingFloat32
)

// String returns the human-readable name of the encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingInt16:
		return "i16"
	case EncodingUint16:
		return "u16"
	case EncodingFloat32:
		return "f32"
	default:
		return "unknown"
	}
}

// BytesPerSample returns the width of one sample of the encoding.
func (e Encoding) BytesPerSample() int {
	if e == EncodingFloat32 {
		return 4
	}
	return 2
}

// Format describes the raw stream a [Source] produces.
type Format struct {
	SampleRate int
	Channels   int
	Encoding   Encoding
}

// AudioFrame is one buffer handed over by a capture device callback.
// Data is interleaved raw samples in the frame's [Format].
type AudioFrame struct {
	Data []byte

	Format Format

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// SampleChunk is a run of mono float samples in [-1, 1]. It is the only
// sample representation used past the capture boundary and is never
// mutated once handed to the next stage.
type SampleChunk struct {
	Samples    []float32
	SampleRate int

	// Offset is the position of the first sample relative to session start.
	Offset time.Duration
}

// Duration returns the playback length of the chunk.
func (c SampleChunk) Duration() time.Duration {
	return SamplesDuration(len(c.Samples), c.SampleRate)
}

// SamplesDuration converts a sample count at rate into a duration.
// A non-positive rate yields zero.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// DurationSamples converts d into a sample count at rate.
func DurationSamples(d time.Duration, rate int) int {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return int(int64(d) * int64(rate) / int64(time.Second))
}

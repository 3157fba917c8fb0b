package audio

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
)

// Converter turns raw device frames into mono float samples. It owns a
// scratch buffer sized at construction so that conversion on the device
// callback path does not allocate. Create one per stream; not designed for
// shared use across goroutines.
type Converter struct {
	scratch       []float32
	truncated     int
	warnedCorrupt sync.Once
	warnedFormat  sync.Once
}

// NewConverter returns a Converter that can convert frames of up to
// maxFrames mono samples per call without allocating.
func NewConverter(maxFrames int) *Converter {
	return &Converter{scratch: make([]float32, maxFrames)}
}

// Convert decodes frame into mono float samples. The returned slice aliases
// the converter's scratch buffer and is only valid until the next call.
// Frames longer than the scratch buffer are truncated, see
// [Converter.Truncated]; malformed frames yield an empty slice.
func (c *Converter) Convert(frame AudioFrame) []float32 {
	c.truncated = 0
	f := frame.Format
	width := f.Encoding.BytesPerSample()
	if f.Channels <= 0 || len(frame.Data)%(width*f.Channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: frame length not aligned to sample width, dropping",
				"bytes", len(frame.Data),
				"encoding", f.Encoding.String(),
				"channels", f.Channels,
			)
		})
		return c.scratch[:0]
	}
	if f.Encoding > EncodingFloat32 || f.Encoding < EncodingInt16 {
		c.warnedFormat.Do(func() {
			slog.Warn("audio converter: unsupported encoding, dropping", "encoding", int(f.Encoding))
		})
		return c.scratch[:0]
	}
	n := DecodeMono(c.scratch, frame.Data, f)
	c.truncated = len(frame.Data)/(width*f.Channels) - n
	return c.scratch[:n]
}

// Truncated returns how many mono samples the last Convert call cut off
// because the frame did not fit the scratch buffer.
func (c *Converter) Truncated() int { return c.truncated }

// DecodeMono decodes interleaved raw samples into dst, averaging channels
// down to mono. It returns the number of mono samples written, bounded by
// len(dst). DecodeMono does not allocate.
func DecodeMono(dst []float32, data []byte, f Format) int {
	width := f.Encoding.BytesPerSample()
	if f.Channels <= 0 || width == 0 {
		return 0
	}
	frameBytes := width * f.Channels
	frames := min(len(data)/frameBytes, len(dst))
	inv := 1 / float32(f.Channels)
	for i := range frames {
		var sum float32
		base := i * frameBytes
		for ch := range f.Channels {
			sum += decodeSample(data[base+ch*width:], f.Encoding)
		}
		dst[i] = sum * inv
	}
	return frames
}

func decodeSample(b []byte, e Encoding) float32 {
	switch e {
	case EncodingInt16:
		return Int16ToFloat(int16(binary.LittleEndian.Uint16(b)))
	case EncodingUint16:
		return Uint16ToFloat(binary.LittleEndian.Uint16(b))
	default:
		return clampUnit(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
}

// Int16ToFloat maps a signed 16-bit sample into [-1, 1).
func Int16ToFloat(s int16) float32 {
	return float32(s) / 32768
}

// Uint16ToFloat maps an unsigned 16-bit sample centred on 32768 into [-1, 1).
func Uint16ToFloat(s uint16) float32 {
	return (float32(s) - 32768) / 32768
}

// FloatToInt16 maps a float sample into the int16 range, clamping values
// outside [-1, 1].
func FloatToInt16(s float32) int16 {
	v := clampUnit(s) * 32767
	return int16(v)
}

func clampUnit(s float32) float32 {
	switch {
	case s != s: // NaN
		return 0
	case s > 1:
		return 1
	case s < -1:
		return -1
	default:
		return s
	}
}

// Downmix averages interleaved float samples with the given channel count
// into dst. It returns the number of mono samples written.
func Downmix(dst, interleaved []float32, channels int) int {
	if channels <= 0 {
		return 0
	}
	frames := min(len(interleaved)/channels, len(dst))
	inv := 1 / float32(channels)
	for i := range frames {
		var sum float32
		for _, s := range interleaved[i*channels : (i+1)*channels] {
			sum += s
		}
		dst[i] = sum * inv
	}
	return frames
}

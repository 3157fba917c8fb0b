// Package wavfile replays a WAV file as an [audio.Source]. It stands in for a
// capture device when transcribing recordings, and lets the full pipeline run
// end-to-end in tests without audio hardware.
package wavfile

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/captioner/pkg/audio"
)

const (
	defaultFrameDuration = 20 * time.Millisecond

	// backlogPoll is how often a replay that is ahead of its consumer checks
	// for room again.
	backlogPoll = 2 * time.Millisecond
)

// Source decodes a WAV file at Start and delivers it as int16 frames.
// When the file is exhausted the error callback receives [io.EOF].
type Source struct {
	path     string
	frameDur time.Duration
	realtime bool
	backlog  audio.Backlog

	mu      sync.Mutex
	format  audio.Format
	pcm     []byte
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

var (
	_ audio.Source     = (*Source)(nil)
	_ audio.Backlogged = (*Source)(nil)
)

// Option is a functional option for [New].
type Option func(*Source)

// WithFrameDuration sets how much audio each callback carries. Default 20 ms.
func WithFrameDuration(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.frameDur = d
		}
	}
}

// WithRealtime paces delivery at the file's playback speed, which mimics a
// live device. Without it frames are delivered as fast as the consumer
// takes them: when a backlog is set (see [Source.SetBacklog]) the replay
// waits for room instead of overflowing it.
func WithRealtime(on bool) Option {
	return func(s *Source) { s.realtime = on }
}

// New returns a Source for the WAV file at path. The file is not opened
// until Start.
func New(path string, opts ...Option) *Source {
	s := &Source{path: path, frameDur: defaultFrameDuration}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetBacklog implements [audio.Backlogged]. It must be called before Start
// and only affects replays that are not real time.
func (s *Source) SetBacklog(b audio.Backlog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backlog = b
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Start implements [audio.Source]. A missing or malformed file is reported
// here, wrapping [audio.ErrNoDevice] or [audio.ErrUnsupportedFormat].
func (s *Source) Start(ctx context.Context, onFrame func(audio.AudioFrame), onError func(error)) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("wavfile: open %q: %w: %w", s.path, audio.ErrNoDevice, err)
	}
	defer f.Close()

	format, pcm, err := Decode(f)
	if err != nil {
		return fmt.Errorf("wavfile: %q: %w", s.path, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.format = format
	s.pcm = pcm
	s.cancel = cancel
	s.done = done
	s.stopped = false
	backlog := s.backlog
	s.mu.Unlock()
	if s.realtime {
		backlog = nil
	}

	slog.Debug("wavfile: replay started",
		"path", s.path,
		"sample_rate", format.SampleRate,
		"channels", format.Channels,
		"duration", audio.SamplesDuration(len(pcm)/(2*format.Channels), format.SampleRate),
	)

	go s.replay(ctx, done, format, pcm, backlog, onFrame, onError)
	return nil
}

// Stop implements [audio.Source]. It waits for the replay goroutine to exit.
func (s *Source) Stop() error {
	s.mu.Lock()
	if s.stopped || s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	return nil
}

func (s *Source) replay(ctx context.Context, done chan struct{}, format audio.Format, pcm []byte, backlog audio.Backlog, onFrame func(audio.AudioFrame), onError func(error)) {
	defer close(done)

	frameBytes := audio.DurationSamples(s.frameDur, format.SampleRate) * 2 * format.Channels
	if frameBytes <= 0 {
		frameBytes = 2 * format.Channels
	}

	var ticker *time.Ticker
	if s.realtime {
		ticker = time.NewTicker(s.frameDur)
		defer ticker.Stop()
	}

	var ts time.Duration
	for off := 0; off < len(pcm); off += frameBytes {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return
		}

		end := min(off+frameBytes, len(pcm))
		if backlog != nil && !waitForRoom(ctx, backlog, (end-off)/(2*format.Channels)) {
			return
		}
		onFrame(audio.AudioFrame{Data: pcm[off:end], Format: format, Timestamp: ts})
		ts += s.frameDur
	}

	if onError != nil && ctx.Err() == nil {
		onError(io.EOF)
	}
}

// waitForRoom blocks until b can take n samples, or as many as it holds when
// n exceeds its capacity. It reports false when ctx ends first.
func waitForRoom(ctx context.Context, b audio.Backlog, n int) bool {
	need := min(n, b.Cap())
	if b.Cap()-b.Len() >= need {
		return true
	}
	ticker := time.NewTicker(backlogPoll)
	defer ticker.Stop()
	for b.Cap()-b.Len() < need {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

// Decode reads a PCM WAV stream and returns its format together with the
// samples re-encoded as interleaved little-endian int16.
func Decode(r io.ReadSeeker) (audio.Format, []byte, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return audio.Format{}, nil, fmt.Errorf("not a valid wav file: %w", audio.ErrUnsupportedFormat)
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return audio.Format{}, nil, fmt.Errorf("decode wav: %w", err)
	}

	format := audio.Format{
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		Encoding:   audio.EncodingInt16,
	}
	if err := audio.ValidateFormat(format); err != nil {
		return audio.Format{}, nil, err
	}

	pcm, err := toInt16(buf, int(d.BitDepth))
	if err != nil {
		return audio.Format{}, nil, err
	}
	return format, pcm, nil
}

// toInt16 rescales integer PCM of any supported bit depth to 16 bits.
func toInt16(buf *goaudio.IntBuffer, depth int) ([]byte, error) {
	out := make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		var s int
		switch depth {
		case 8:
			// 8-bit WAV is unsigned.
			s = (v - 128) << 8
		case 16:
			s = v
		case 24:
			s = v >> 8
		case 32:
			s = v >> 16
		default:
			return nil, fmt.Errorf("bit depth %d: %w", depth, audio.ErrUnsupportedFormat)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return out, nil
}

// Package pipeline runs a capture session: it connects an [audio.Source] to a
// [transcript.Orchestrator] through a lock-free ring buffer and delivers the
// resulting transcript lines to registered callbacks.
//
// A [Session] owns two activities. The device callback converts each frame
// to mono float samples and pushes them into the ring buffer; it never
// blocks and never allocates. A single consumer goroutine polls the ring,
// accumulates chunks and processes them strictly in order.
//
// Stopping a session discards buffered audio and the partial chunk. Callers
// that need the tail must call [Session.Flush] first. When the source itself
// ends (end of file or a device failure) the buffered audio, including the
// partial chunk, is processed before the session finishes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/captioner/internal/observe"
	"github.com/MrWong99/captioner/internal/transcript"
	"github.com/MrWong99/captioner/pkg/audio"
	"github.com/MrWong99/captioner/pkg/provider/vad"
)

// DefaultPollInterval is how often the consumer polls the ring buffer.
const DefaultPollInterval = 20 * time.Millisecond

var (
	// ErrAlreadyStarted is returned by Start on a session that was started
	// before. Sessions are single-use.
	ErrAlreadyStarted = errors.New("pipeline: session already started")

	// ErrNotStarted is returned by Stop and Flush before Start.
	ErrNotStarted = errors.New("pipeline: session not started")

	// ErrRateMismatch is returned by Start when the source rate differs from
	// the orchestrator rate.
	ErrRateMismatch = errors.New("pipeline: source and orchestrator sample rates differ")
)

// State is the lifecycle state of a [Session].
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Option is a functional option for [New].
type Option func(*Session)

// WithID sets the session ID. Defaults to a random UUID.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithPollInterval sets the consumer's ring buffer polling period.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithRingCapacity sets the ring buffer size in samples.
func WithRingCapacity(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.ringCap = n
		}
	}
}

// WithVAD enables end-of-utterance detection: when the engine reports the
// end of speech and at least [transcript.MinChunkDuration] is pending, the
// partial chunk is processed early. cfg.SampleRate is overridden with the
// source rate.
func WithVAD(engine vad.Engine, cfg vad.Config) Option {
	return func(s *Session) {
		s.vadEngine = engine
		s.vadCfg = cfg
	}
}

// WithMetrics records session metrics on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Session is one capture session. Create it with [New], then call Start
// once; a stopped session cannot be restarted.
type Session struct {
	id        string
	src       audio.Source
	orch      *transcript.Orchestrator
	poll      time.Duration
	ringCap   int
	vadEngine vad.Engine
	vadCfg    vad.Config
	metrics   *observe.Metrics

	ring *audio.RingBuffer
	conv *audio.Converter

	mu       sync.Mutex
	state    State
	onLine   []func(transcript.Line)
	onNotice []func(string)
	err      error

	stopping  atomic.Bool
	streamEnd atomic.Bool
	flushReq  chan chan error
	quit      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once

	// consumer goroutine only
	vadSess     vad.SessionHandle
	vadBuf      []float32
	utterance   bool
	lastDropped uint64
	chunks      int
}

// New creates a session reading from src and processing through orch.
func New(src audio.Source, orch *transcript.Orchestrator, opts ...Option) (*Session, error) {
	if src == nil {
		return nil, errors.New("pipeline: source must not be nil")
	}
	if orch == nil {
		return nil, errors.New("pipeline: orchestrator must not be nil")
	}
	s := &Session{
		id:       uuid.NewString(),
		src:      src,
		orch:     orch,
		poll:     DefaultPollInterval,
		ringCap:  audio.DefaultRingCapacity,
		flushReq: make(chan chan error),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.ring = audio.NewRingBuffer(s.ringCap)
	s.conv = audio.NewConverter(s.ringCap)
	return s, nil
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnLine registers fn to be called for every transcript line, in order, on
// the consumer goroutine. fn must not call Stop.
func (s *Session) OnLine(fn func(transcript.Line)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLine = append(s.onLine, fn)
}

// OnNotice registers fn to be called when a chunk yields a notice such as
// [transcript.MsgNoSpeech] instead of lines.
func (s *Session) OnNotice(fn func(string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onNotice = append(s.onNotice, fn)
}

// Done is closed when the consumer goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the device error that ended the session, if any. A source that
// simply ran out of audio is not an error.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped returns the number of samples discarded by a full ring buffer.
func (s *Session) Dropped() uint64 { return s.ring.Dropped() }

// Start opens the source and launches the consumer. A device error is
// returned wrapped and leaves the session idle.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.mu.Unlock()

	if b, ok := s.src.(audio.Backlogged); ok {
		b.SetBacklog(s.ring)
	}
	if err := s.src.Start(ctx, s.onFrame, s.onError); err != nil {
		return fmt.Errorf("pipeline: start source: %w", err)
	}

	format := s.src.Format()
	if err := audio.ValidateFormat(format); err != nil {
		_ = s.src.Stop()
		return fmt.Errorf("pipeline: source format %+v: %w", format, err)
	}
	if format.SampleRate != s.orch.SampleRate() {
		_ = s.src.Stop()
		return fmt.Errorf("%w: %d Hz vs %d Hz", ErrRateMismatch, format.SampleRate, s.orch.SampleRate())
	}

	if s.vadEngine != nil {
		cfg := s.vadCfg
		cfg.SampleRate = format.SampleRate
		sess, err := s.vadEngine.NewSession(cfg)
		if err != nil {
			_ = s.src.Stop()
			return fmt.Errorf("pipeline: vad session: %w", err)
		}
		s.vadSess = sess
		s.vadBuf = make([]float32, 0, cfg.FrameSamples())
	}

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("pipeline: session started",
		"session_id", s.id,
		"sample_rate", format.SampleRate,
		"channels", format.Channels,
		"encoding", format.Encoding.String(),
	)

	go s.run(ctx)
	return nil
}

// Stop sets the stop flag, stops the source and waits for the consumer to
// exit. Buffered audio and the partial chunk are discarded. Stop is
// idempotent.
func (s *Session) Stop() error {
	if s.State() == StateIdle {
		return ErrNotStarted
	}
	var err error
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		if e := s.src.Stop(); e != nil {
			err = fmt.Errorf("pipeline: stop source: %w", e)
		}
		close(s.quit)
		<-s.done
	})
	return err
}

// Flush asks the consumer to process everything buffered so far, including
// the partial chunk, and waits until it has. It returns the processing error
// of the flushed chunk, if any.
func (s *Session) Flush(ctx context.Context) error {
	if s.State() == StateIdle {
		return ErrNotStarted
	}
	reply := make(chan error, 1)
	select {
	case s.flushReq <- reply:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onFrame runs on the device thread.
func (s *Session) onFrame(frame audio.AudioFrame) {
	if s.stopping.Load() {
		return
	}
	s.ring.Push(s.conv.Convert(frame))
	if n := s.conv.Truncated(); n > 0 {
		s.ring.Discard(n)
	}
}

// onError runs on the device thread. io.EOF marks a clean end of input.
func (s *Session) onError(err error) {
	if err != nil && !errors.Is(err, io.EOF) {
		slog.Error("pipeline: capture failed, stopping session", "session_id", s.id, "err", err)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}
	s.streamEnd.Store(true)
}

// run is the consumer loop.
func (s *Session) run(ctx context.Context) {
	defer s.finish(ctx)

	// Chunks are never cancelled midway; cancellation of ctx stops the
	// session between polls like Stop does.
	work := context.WithoutCancel(ctx)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	buf := make([]float32, s.ring.Cap())

	for {
		var reply chan error
		select {
		case <-s.quit:
			return
		case <-ctx.Done():
			s.stopping.Store(true)
			_ = s.src.Stop()
			return
		case reply = <-s.flushReq:
		case <-ticker.C:
		}
		if s.stopping.Load() {
			if reply != nil {
				reply <- nil
			}
			return
		}

		ended := s.streamEnd.Load()
		s.drainRing(work, buf)
		if !s.processReady(work) {
			if reply != nil {
				reply <- nil
			}
			return
		}

		switch {
		case reply != nil:
			reply <- s.process(work, s.orch.Drain())
		case ended:
			if s.orch.Pending() > 0 {
				_ = s.process(work, s.orch.Drain())
			}
			slog.Info("pipeline: source ended", "session_id", s.id)
			return
		case s.utterance && s.orch.Pending() >= transcript.MinChunkDuration:
			_ = s.process(work, s.orch.Drain())
		}
		s.utterance = false
	}
}

// drainRing moves everything from the ring buffer into the orchestrator.
func (s *Session) drainRing(ctx context.Context, buf []float32) {
	for {
		n := s.ring.PopInto(buf)
		if n == 0 {
			break
		}
		s.orch.Feed(buf[:n])
		s.detect(buf[:n])
	}
	if d := s.ring.Dropped(); d > s.lastDropped {
		s.metrics.DroppedSamples.Add(ctx, int64(d-s.lastDropped))
		slog.Warn("pipeline: ring buffer overflow, samples dropped",
			"session_id", s.id, "dropped", d-s.lastDropped)
		s.lastDropped = d
	}
}

// processReady processes all complete chunks. It reports false if the stop
// flag was raised in between.
func (s *Session) processReady(ctx context.Context) bool {
	for {
		if s.stopping.Load() {
			return false
		}
		chunk, ok := s.orch.Next()
		if !ok {
			return true
		}
		_ = s.process(ctx, chunk)
	}
}

// detect runs VAD over samples frame by frame.
func (s *Session) detect(samples []float32) {
	if s.vadSess == nil {
		return
	}
	frame := cap(s.vadBuf)
	for len(samples) > 0 {
		take := min(frame-len(s.vadBuf), len(samples))
		s.vadBuf = append(s.vadBuf, samples[:take]...)
		samples = samples[take:]
		if len(s.vadBuf) < frame {
			return
		}
		ev, err := s.vadSess.ProcessFrame(s.vadBuf)
		s.vadBuf = s.vadBuf[:0]
		if err != nil {
			slog.Warn("pipeline: vad failed, end-of-utterance detection disabled",
				"session_id", s.id, "err", err)
			_ = s.vadSess.Close()
			s.vadSess = nil
			return
		}
		if ev.Type == vad.SpeechEnd {
			s.utterance = true
		}
	}
}

// process runs one chunk and dispatches its output. Backend errors are
// logged and the chunk is skipped.
func (s *Session) process(ctx context.Context, chunk audio.SampleChunk) error {
	s.chunks++
	ctx, span := observe.StartChunkSpan(ctx, "pipeline.chunk", observe.ChunkSpan{
		SessionID: s.id,
		Index:     s.chunks,
		Offset:    chunk.Offset,
		Duration:  chunk.Duration(),
	})
	defer span.End()
	log := observe.ChunkLogger(ctx, s.id, s.chunks)

	res, err := s.orch.ProcessChunk(ctx, chunk)
	if err != nil {
		log.Warn("pipeline: chunk skipped", "offset", chunk.Offset, "err", err)
		return err
	}

	s.mu.Lock()
	lineFns := slices.Clone(s.onLine)
	noticeFns := slices.Clone(s.onNotice)
	s.mu.Unlock()

	if res.Notice != "" {
		log.Debug("pipeline: chunk notice", "notice", res.Notice)
		for _, fn := range noticeFns {
			fn(res.Notice)
		}
		return nil
	}
	for _, line := range res.Lines {
		for _, fn := range lineFns {
			fn(line)
		}
	}
	log.Debug("pipeline: chunk processed", "lines", len(res.Lines))
	return nil
}

func (s *Session) finish(ctx context.Context) {
	s.ring.Reset()
	if s.stopping.Load() {
		s.orch.Discard()
	}
	if s.vadSess != nil {
		_ = s.vadSess.Close()
	}
	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	close(s.done)
	slog.Info("pipeline: session finished", "session_id", s.id, "chunks", s.chunks)
}

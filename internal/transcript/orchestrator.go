// Package transcript turns accumulated capture audio into speaker-attributed
// transcript lines.
//
// The [Orchestrator] buffers mono samples until a chunk is complete (5 s by
// default, or earlier when the caller flushes at an end of utterance), then
// normalises the chunk, transcribes it and computes its speaker vectors in
// parallel. Speakers are assigned only after the transcription succeeded; the
// two time-stamped streams are then merged and grouped into [Line]s.
//
// Degenerate input never reaches the backend: empty and too-short chunks
// produce a [Result] with a human-readable Notice instead of an error. Backend
// failures are returned as errors wrapping [ErrTranscription]; callers skip
// the chunk and carry on.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/captioner/internal/diarize"
	"github.com/MrWong99/captioner/internal/observe"
	"github.com/MrWong99/captioner/internal/speaker"
	"github.com/MrWong99/captioner/pkg/audio"
	"github.com/MrWong99/captioner/pkg/provider/asr"
)

const (
	// DefaultChunkDuration is the amount of audio collected before a chunk
	// is processed.
	DefaultChunkDuration = 5 * time.Second

	// MinChunkDuration is the shortest chunk sent to the ASR backend.
	MinChunkDuration = 500 * time.Millisecond
)

// Notices returned instead of lines for degenerate chunks.
const (
	MsgNoAudio  = "No audio data received."
	MsgTooShort = "Audio too short for reliable transcription."
	MsgNoSpeech = "No speech detected in the audio."
)

var (
	// ErrTranscription wraps ASR backend failures.
	ErrTranscription = errors.New("transcript: transcription failed")

	// ErrDiarization wraps diarisation failures.
	ErrDiarization = errors.New("transcript: diarisation failed")
)

// Line is one contiguous run of text attributed to a single speaker.
type Line struct {
	// Speaker is the display name at the time the line was produced.
	Speaker string

	// Label is the stable speaker label (e.g. "Speaker_2" or "Unknown").
	Label string

	Text string

	// Start and End are relative to the start of the session.
	Start time.Duration
	End   time.Duration
}

// Result is the outcome of processing one chunk. Exactly one of Lines and
// Notice is set.
type Result struct {
	Lines    []Line
	Notice   string
	Language string
}

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithChunkDuration sets the amount of audio that makes a chunk ready.
func WithChunkDuration(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.chunkDur = d
		}
	}
}

// WithTrimSilence trims leading and trailing silence from each chunk before
// it is processed. Line times still refer to the untrimmed timeline.
func WithTrimSilence(on bool) Option {
	return func(o *Orchestrator) { o.trim = on }
}

// WithMetrics records chunk metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithProviderName sets the provider attribute used in ASR metrics.
func WithProviderName(name string) Option {
	return func(o *Orchestrator) { o.providerName = name }
}

// Orchestrator accumulates samples and processes them chunk by chunk.
//
// An Orchestrator belongs to a single consumer goroutine and is not safe for
// concurrent use. Only the speaker manager behind the diariser is shared.
type Orchestrator struct {
	asr          asr.Provider
	diarizer     *diarize.Engine
	rate         int
	chunkDur     time.Duration
	trim         bool
	metrics      *observe.Metrics
	providerName string

	pending  []float32
	consumed int64

	speakersSeen int
}

// New creates an Orchestrator for mono input at sampleRate. d may be nil, in
// which case every line is attributed to [speaker.UnknownLabel].
func New(p asr.Provider, d *diarize.Engine, sampleRate int, opts ...Option) (*Orchestrator, error) {
	if p == nil {
		return nil, errors.New("transcript: asr provider must not be nil")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("transcript: invalid sample rate %d", sampleRate)
	}
	o := &Orchestrator{
		asr:          p,
		diarizer:     d,
		rate:         sampleRate,
		chunkDur:     DefaultChunkDuration,
		providerName: "asr",
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o, nil
}

// SampleRate returns the input rate.
func (o *Orchestrator) SampleRate() int { return o.rate }

// ChunkSamples returns the number of samples that make a chunk ready.
func (o *Orchestrator) ChunkSamples() int {
	return audio.DurationSamples(o.chunkDur, o.rate)
}

// Feed appends samples to the pending chunk.
func (o *Orchestrator) Feed(samples []float32) {
	o.pending = append(o.pending, samples...)
}

// Ready reports whether a full chunk is pending.
func (o *Orchestrator) Ready() bool {
	return len(o.pending) >= o.ChunkSamples()
}

// Pending returns the duration of buffered, unprocessed audio.
func (o *Orchestrator) Pending() time.Duration {
	return audio.SamplesDuration(len(o.pending), o.rate)
}

// Next removes and returns one full chunk if available.
func (o *Orchestrator) Next() (audio.SampleChunk, bool) {
	n := o.ChunkSamples()
	if n <= 0 || len(o.pending) < n {
		return audio.SampleChunk{}, false
	}
	return o.take(n), true
}

// Drain removes and returns everything pending, which may be empty.
func (o *Orchestrator) Drain() audio.SampleChunk {
	return o.take(len(o.pending))
}

// Discard drops the pending partial chunk. The session timeline still
// advances past the dropped audio.
func (o *Orchestrator) Discard() {
	o.consumed += int64(len(o.pending))
	o.pending = o.pending[:0]
}

func (o *Orchestrator) take(n int) audio.SampleChunk {
	chunk := audio.SampleChunk{
		Samples:    append([]float32(nil), o.pending[:n]...),
		SampleRate: o.rate,
		Offset:     o.offsetOf(o.consumed),
	}
	o.pending = append(o.pending[:0], o.pending[n:]...)
	o.consumed += int64(n)
	return chunk
}

func (o *Orchestrator) offsetOf(samples int64) time.Duration {
	return time.Duration(samples * int64(time.Second) / int64(o.rate))
}

// Flush processes whatever is pending as one chunk.
func (o *Orchestrator) Flush(ctx context.Context) (Result, error) {
	return o.ProcessChunk(ctx, o.Drain())
}

// ProcessChunk transcribes and diarises chunk and merges the two.
func (o *Orchestrator) ProcessChunk(ctx context.Context, chunk audio.SampleChunk) (Result, error) {
	if len(chunk.Samples) == 0 || chunk.SampleRate <= 0 {
		o.metrics.RecordNotice(ctx, "no_audio")
		return Result{Notice: MsgNoAudio}, nil
	}
	if chunk.Duration() < MinChunkDuration {
		o.metrics.RecordNotice(ctx, "too_short")
		return Result{Notice: MsgTooShort}, nil
	}

	start := time.Now()
	ctx, span := observe.StartChunkSpan(ctx, "transcript.chunk", observe.ChunkSpan{
		Offset:   chunk.Offset,
		Duration: chunk.Duration(),
	})
	defer span.End()

	samples := audio.Normalize(chunk.Samples)
	var lead time.Duration
	if o.trim {
		s, e := audio.TrimBounds(samples, chunk.SampleRate, audio.DefaultSilenceThreshold, audio.DefaultMinSpeech)
		lead = audio.SamplesDuration(s, chunk.SampleRate)
		samples = samples[s:e]
	}
	work := audio.SampleChunk{Samples: samples, SampleRate: chunk.SampleRate}

	res, segs, err := o.analyse(ctx, work)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		stage := "asr"
		if errors.Is(err, ErrDiarization) {
			stage = "diarize"
		}
		o.metrics.RecordChunkError(ctx, stage)
		return Result{}, err
	}
	o.trackSpeakers(ctx)

	tokens := nonEmpty(res.Tokens)
	if len(tokens) == 0 {
		o.metrics.RecordNotice(ctx, "no_speech")
		return Result{Notice: MsgNoSpeech, Language: res.Language}, nil
	}
	if (asr.Result{Tokens: tokens}).Timed() {
		tokens = SpreadPhrases(tokens)
	} else {
		tokens = AllocateProportional(tokens, work.Duration())
	}

	lines := Group(Merge(tokens, segs))
	base := chunk.Offset + lead
	for i := range lines {
		lines[i].Start += base
		lines[i].End += base
		lines[i].Speaker = o.displayName(lines[i].Label)
	}

	span.SetAttributes(attribute.Int("chunk.lines", len(lines)), attribute.Int("chunk.segments", len(segs)))
	o.metrics.Lines.Add(ctx, int64(len(lines)))
	o.metrics.ChunkDuration.Record(ctx, time.Since(start).Seconds())
	return Result{Lines: lines, Language: res.Language}, nil
}

// analyse runs ASR and the vector analysis of the same chunk concurrently.
// Speakers are assigned only once transcription succeeded, so a skipped
// chunk leaves no trace in the speaker profiles.
func (o *Orchestrator) analyse(ctx context.Context, chunk audio.SampleChunk) (asr.Result, []diarize.Segment, error) {
	var (
		res     asr.Result
		pending *diarize.Pending
	)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rate := o.asr.SampleRate()
		if rate <= 0 {
			rate = chunk.SampleRate
		}
		t0 := time.Now()
		r, err := o.asr.Transcribe(gctx, audio.Resample(chunk.Samples, chunk.SampleRate, rate), rate)
		o.metrics.ASRDuration.Record(gctx, time.Since(t0).Seconds(),
			metric.WithAttributes(observe.Attr("provider", o.providerName)))
		if err != nil {
			o.metrics.RecordProviderRequest(ctx, o.providerName, "asr", "error")
			return fmt.Errorf("%w: %w", ErrTranscription, err)
		}
		o.metrics.RecordProviderRequest(ctx, o.providerName, "asr", "ok")
		res = r
		return nil
	})

	if o.diarizer != nil {
		g.Go(func() error {
			t0 := time.Now()
			p, err := o.diarizer.Analyse(gctx, chunk)
			o.metrics.DiarizeDuration.Record(gctx, time.Since(t0).Seconds())
			if err != nil {
				return fmt.Errorf("%w: %w", ErrDiarization, err)
			}
			pending = p
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return asr.Result{}, nil, err
	}
	return res, pending.Assign(), nil
}

func (o *Orchestrator) displayName(label string) string {
	if o.diarizer == nil || label == speaker.UnknownLabel {
		return label
	}
	return o.diarizer.Speakers().DisplayName(label)
}

func (o *Orchestrator) trackSpeakers(ctx context.Context) {
	if o.diarizer == nil {
		return
	}
	if n := o.diarizer.Speakers().Count(); n > o.speakersSeen {
		o.metrics.ActiveSpeakers.Add(ctx, int64(n-o.speakersSeen))
		o.speakersSeen = n
	}
}

func nonEmpty(tokens []asr.Token) []asr.Token {
	out := make([]asr.Token, 0, len(tokens))
	for _, t := range tokens {
		if strings.TrimSpace(t.Text) != "" {
			out = append(out, t)
		}
	}
	return out
}

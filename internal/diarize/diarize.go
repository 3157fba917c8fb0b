// Package diarize attributes the audio of one chunk to speakers.
//
// [Engine.Run] cuts a chunk into fixed-length analysis segments, splits a
// segment in two where a [ChangeDetector] finds a speaker change inside it,
// drops the silent ones, turns each remaining segment into a vector through a
// [VectorSource], lets the [speaker.Manager] assign it, removes single
// segment flicker with [Smooth] and finally joins adjacent segments of the
// same speaker. The output is sorted and non-overlapping.
package diarize

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/captioner/internal/speaker"
	"github.com/MrWong99/captioner/pkg/audio"
	"github.com/MrWong99/captioner/pkg/provider/embeddings"
)

const (
	// DefaultSegmentDuration is the length of one analysis segment.
	DefaultSegmentDuration = 1500 * time.Millisecond

	// DefaultSilenceThreshold is the mean-square amplitude below which a
	// segment is treated as silence and not clustered.
	DefaultSilenceThreshold = 0.01

	// DefaultChangeThreshold is the feature distance between the two sides of
	// a segment above which the segment is split. It matches the default
	// speaker distance threshold.
	DefaultChangeThreshold = 0.5

	// minChangeSide is the shortest piece a change point may cut off.
	minChangeSide = 250 * time.Millisecond
)

// VectorSource turns a run of samples into one speaker vector. The built-in
// feature extractor and embedding backends both satisfy it.
type VectorSource interface {
	Vector(ctx context.Context, samples []float32, sampleRate int) ([]float64, error)
}

// ChangeDetector finds a speaker change inside a run of samples. It returns
// the sample index of the change, leaving at least minSide samples on both
// sides, or ok=false. [features.Extractor] implements it.
type ChangeDetector interface {
	ChangePoint(samples []float32, sampleRate, minSide int, threshold float64) (at int, ok bool)
}

// Segment is a contiguous interval of a chunk attributed to one speaker.
// Times are relative to the start of the chunk.
type Segment struct {
	Start time.Duration
	End   time.Duration

	// SpeakerID is 0 for [speaker.UnknownLabel].
	SpeakerID int
	Label     string
}

// Contains reports whether t falls within [Start, End].
func (s Segment) Contains(t time.Duration) bool {
	return t >= s.Start && t <= s.End
}

// Engine runs diarisation passes against a shared speaker manager.
type Engine struct {
	speakers  *speaker.Manager
	source    VectorSource
	segDur    time.Duration
	silenceMS float64
	changes   ChangeDetector
	changeThr float64
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithSegmentDuration sets the analysis segment length.
func WithSegmentDuration(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.segDur = d
		}
	}
}

// WithSilenceThreshold sets the mean-square amplitude under which segments
// are skipped. Zero keeps every segment.
func WithSilenceThreshold(ms float64) Option {
	return func(e *Engine) {
		if ms >= 0 {
			e.silenceMS = ms
		}
	}
}

// WithChangeDetector sets the detector used to split segments that span a
// speaker change. Nil disables splitting. By default the vector source is
// used when it implements [ChangeDetector].
func WithChangeDetector(d ChangeDetector) Option {
	return func(e *Engine) { e.changes = d }
}

// WithChangeThreshold sets the distance passed to the change detector.
func WithChangeThreshold(t float64) Option {
	return func(e *Engine) {
		if t > 0 {
			e.changeThr = t
		}
	}
}

// New returns an Engine that assigns speakers through mgr using vectors
// from src.
func New(mgr *speaker.Manager, src VectorSource, opts ...Option) *Engine {
	e := &Engine{
		speakers:  mgr,
		source:    src,
		segDur:    DefaultSegmentDuration,
		silenceMS: DefaultSilenceThreshold,
		changeThr: DefaultChangeThreshold,
	}
	if d, ok := src.(ChangeDetector); ok {
		e.changes = d
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Speakers returns the manager the engine assigns through.
func (e *Engine) Speakers() *speaker.Manager { return e.speakers }

// Run diarises chunk: it is [Engine.Analyse] followed by [Pending.Assign].
// A vector-source failure on a segment marks that segment as unknown; it
// never fails the pass. The only error returned is ctx's.
func (e *Engine) Run(ctx context.Context, chunk audio.SampleChunk) ([]Segment, error) {
	p, err := e.Analyse(ctx, chunk)
	if err != nil {
		return nil, err
	}
	return p.Assign(), nil
}

// Pending holds the segment vectors of one analysed chunk that have not yet
// been assigned to speakers.
type Pending struct {
	e    *Engine
	segs []Segment
	// vecs[i] is nil when segs[i] could not be vectorised.
	vecs [][]float64
}

// Analyse splits chunk into segments and computes their vectors without
// touching the speaker manager, so a chunk whose transcription fails leaves
// the speaker profiles unchanged. The only error returned is ctx's.
func (e *Engine) Analyse(ctx context.Context, chunk audio.SampleChunk) (*Pending, error) {
	spans := e.refine(chunk.Samples, chunk.SampleRate, e.split(len(chunk.Samples), chunk.SampleRate))

	p := &Pending{
		e:    e,
		segs: make([]Segment, 0, len(spans)),
		vecs: make([][]float64, 0, len(spans)),
	}
	for _, sp := range spans {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		samples := chunk.Samples[sp[0]:sp[1]]
		if audio.MeanSquare(samples) < e.silenceMS {
			continue
		}

		seg := Segment{
			Start: audio.SamplesDuration(sp[0], chunk.SampleRate),
			End:   audio.SamplesDuration(sp[1], chunk.SampleRate),
			Label: speaker.UnknownLabel,
		}
		vec, err := e.source.Vector(ctx, samples, chunk.SampleRate)
		if err != nil {
			slog.Warn("diarize: vector source failed, segment left unattributed",
				"start", seg.Start, "end", seg.End, "err", err)
			vec = nil
		}
		p.segs = append(p.segs, seg)
		p.vecs = append(p.vecs, vec)
	}
	return p, nil
}

// Assign identifies the speaker of every analysed segment through the
// engine's speaker manager, then smooths and coalesces the result. Call it
// at most once.
func (p *Pending) Assign() []Segment {
	if p == nil {
		return nil
	}
	segs := make([]Segment, len(p.segs))
	copy(segs, p.segs)
	for i, vec := range p.vecs {
		if vec == nil {
			continue
		}
		a, err := p.e.speakers.IdentifyOrCreate(vec)
		if err != nil {
			slog.Warn("diarize: speaker assignment failed", "start", segs[i].Start, "err", err)
			continue
		}
		segs[i].SpeakerID = a.ID
		segs[i].Label = a.Label
	}
	return Coalesce(SmoothSegments(segs))
}

// split returns [start, end) sample ranges of the analysis segments. A
// trailing remainder shorter than half a segment is folded into the last
// segment.
func (e *Engine) split(n, rate int) [][2]int {
	size := audio.DurationSamples(e.segDur, rate)
	if size <= 0 || n == 0 {
		return nil
	}
	var spans [][2]int
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		if len(spans) > 0 && end-start < size/2 {
			spans[len(spans)-1][1] = end
			break
		}
		spans = append(spans, [2]int{start, end})
	}
	return spans
}

// refine splits every span that contains a speaker change at the change
// point, so no analysis segment mixes two voices.
func (e *Engine) refine(samples []float32, rate int, spans [][2]int) [][2]int {
	if e.changes == nil {
		return spans
	}
	minSide := audio.DurationSamples(minChangeSide, rate)
	out := make([][2]int, 0, len(spans))
	for _, sp := range spans {
		at, ok := e.changes.ChangePoint(samples[sp[0]:sp[1]], rate, minSide, e.changeThr)
		if !ok || at <= 0 || at >= sp[1]-sp[0] {
			out = append(out, sp)
			continue
		}
		out = append(out, [2]int{sp[0], sp[0] + at}, [2]int{sp[0] + at, sp[1]})
	}
	return out
}

// Smooth applies a majority-of-three filter to a label sequence: an interior
// label whose two neighbours agree with each other but not with it takes
// their value. The filter runs left to right in place, which makes it
// idempotent. Multi-segment runs are never altered.
func Smooth(labels []string) []string {
	out := append([]string(nil), labels...)
	for i := 1; i+1 < len(out); i++ {
		if out[i-1] == out[i+1] && out[i] != out[i-1] {
			out[i] = out[i-1]
		}
	}
	return out
}

// SmoothSegments applies [Smooth] to the speaker attribution of segs.
func SmoothSegments(segs []Segment) []Segment {
	out := append([]Segment(nil), segs...)
	for i := 1; i+1 < len(out); i++ {
		prev, next := out[i-1], out[i+1]
		if prev.Label == next.Label && out[i].Label != prev.Label {
			out[i].Label = prev.Label
			out[i].SpeakerID = prev.SpeakerID
		}
	}
	return out
}

// Coalesce joins adjacent segments that share a speaker and touch in time.
// Segments separated by skipped silence stay apart.
func Coalesce(segs []Segment) []Segment {
	if len(segs) == 0 {
		return segs
	}
	out := []Segment{segs[0]}
	for _, s := range segs[1:] {
		last := &out[len(out)-1]
		if s.Label == last.Label && s.Start == last.End {
			last.End = s.End
			continue
		}
		out = append(out, s)
	}
	return out
}

// embeddingSource adapts an embedding backend to [VectorSource].
type embeddingSource struct {
	p embeddings.Provider
}

// FromEmbeddings returns a VectorSource backed by a speaker embedding
// provider. Pair it with [speaker.Cosine].
func FromEmbeddings(p embeddings.Provider) VectorSource {
	return embeddingSource{p: p}
}

func (s embeddingSource) Vector(ctx context.Context, samples []float32, sampleRate int) ([]float64, error) {
	emb, err := s.p.Embed(ctx, samples, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("diarize: embed: %w", err)
	}
	out := make([]float64, len(emb))
	for i, v := range emb {
		out[i] = float64(v)
	}
	return out, nil
}

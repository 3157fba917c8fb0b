// Package features turns short windows of audio into compact acoustic
// feature vectors used for speaker clustering.
//
// The features are deliberately cheap: frame energy, zero-crossing rate and
// a time-domain stand-in for the spectral centroid. No transform step is
// involved. A higher-fidelity front end can replace [Extractor] behind the
// same vector-source interface used by the diarisation engine.
package features

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/captioner/pkg/audio"
)

// Indices into a [Vector].
const (
	Energy = iota
	ZeroCrossingRate
	CentroidProxy

	// Dims is the dimensionality of a [Vector].
	Dims
)

const (
	// DefaultWindow is the analysis window length.
	DefaultWindow = 25 * time.Millisecond

	// DefaultHop is the step between successive windows.
	DefaultHop = 10 * time.Millisecond
)

// DefaultWeights ranks energy over zero-crossing rate over the centroid
// proxy when comparing vectors with [Distance].
var DefaultWeights = []float64{0.6, 0.3, 0.1}

// Vector is one feature vector: energy, zero-crossing rate, centroid proxy.
type Vector [Dims]float64

// Extractor computes feature vectors over sliding windows.
// The zero value is not usable; construct with [NewExtractor].
type Extractor struct {
	window int
	hop    int
	rate   int
}

// NewExtractor returns an Extractor for audio at sampleRate. Non-positive
// window or hop durations select the defaults.
func NewExtractor(sampleRate int, window, hop time.Duration) (*Extractor, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("features: invalid sample rate %d", sampleRate)
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if hop <= 0 {
		hop = DefaultHop
	}
	e := &Extractor{
		window: audio.DurationSamples(window, sampleRate),
		hop:    audio.DurationSamples(hop, sampleRate),
		rate:   sampleRate,
	}
	if e.window < 2 || e.hop < 1 {
		return nil, fmt.Errorf("features: window %v / hop %v too short at %d Hz", window, hop, sampleRate)
	}
	return e, nil
}

// SampleRate returns the rate the extractor was built for.
func (e *Extractor) SampleRate() int { return e.rate }

// WindowSamples returns the window length in samples.
func (e *Extractor) WindowSamples() int { return e.window }

// Windows returns one vector per full window in samples. Input shorter than
// one window yields nil.
func (e *Extractor) Windows(samples []float32) []Vector {
	if len(samples) < e.window {
		return nil
	}
	out := make([]Vector, 0, (len(samples)-e.window)/e.hop+1)
	for start := 0; start+e.window <= len(samples); start += e.hop {
		out = append(out, Window(samples[start:start+e.window]))
	}
	return out
}

// Segment returns the arithmetic mean of the window vectors in samples.
// ok is false when samples is shorter than one window.
func (e *Extractor) Segment(samples []float32) (v Vector, ok bool) {
	windows := e.Windows(samples)
	if len(windows) == 0 {
		return Vector{}, false
	}
	for _, w := range windows {
		for i := range v {
			v[i] += w[i]
		}
	}
	n := float64(len(windows))
	for i := range v {
		v[i] /= n
	}
	return v, true
}

// Vector returns the segment-level vector for samples as a slice. It
// resamples when sampleRate differs from the extractor's rate. It never
// fails on short input; the zero vector is returned instead.
func (e *Extractor) Vector(_ context.Context, samples []float32, sampleRate int) ([]float64, error) {
	samples = audio.Resample(samples, sampleRate, e.rate)
	v, _ := e.Segment(samples)
	return v[:], nil
}

// ChangePoint looks for the sample index in samples that best separates two
// acoustically different runs. Every window boundary leaving at least
// minSide samples on both sides is a candidate; the candidate whose mean
// vectors on either side are furthest apart under [Distance] with
// [DefaultWeights] wins. ok is false when no candidate reaches threshold.
// The returned index refers to samples at sampleRate.
func (e *Extractor) ChangePoint(samples []float32, sampleRate, minSide int, threshold float64) (at int, ok bool) {
	if sampleRate <= 0 {
		return 0, false
	}
	work := audio.Resample(samples, sampleRate, e.rate)
	minSide = max(1, minSide*e.rate/sampleRate)

	windows := e.Windows(work)
	n := len(windows)
	if n < 2 {
		return 0, false
	}
	prefix := make([]Vector, n+1)
	for i, w := range windows {
		for d := range w {
			prefix[i+1][d] = prefix[i][d] + w[d]
		}
	}

	best, bestDist := 0, 0.0
	for k := 1; k < n; k++ {
		split := k * e.hop
		if split < minSide || len(work)-split < minSide {
			continue
		}
		var left, right Vector
		for d := range left {
			left[d] = prefix[k][d] / float64(k)
			right[d] = (prefix[n][d] - prefix[k][d]) / float64(n-k)
		}
		if dist := Distance(left[:], right[:], DefaultWeights); dist > bestDist {
			best, bestDist = split, dist
		}
	}
	if best == 0 || bestDist < threshold {
		return 0, false
	}
	return best * sampleRate / e.rate, true
}

// Window computes the feature vector of a single window.
func Window(w []float32) Vector {
	var v Vector
	if len(w) == 0 {
		return v
	}

	var sumSq, sumAbs, weighted float64
	crossings := 0
	n := float64(len(w))
	for i, s := range w {
		f := float64(s)
		sumSq += f * f
		a := math.Abs(f)
		sumAbs += a
		weighted += a * float64(i) / n
		if i > 0 && (s >= 0) != (w[i-1] >= 0) {
			crossings++
		}
	}

	v[Energy] = math.Sqrt(sumSq)
	v[ZeroCrossingRate] = float64(crossings) / n
	if sumAbs > 0 {
		v[CentroidProxy] = weighted / sumAbs
	}
	return v
}

// Distance is the weighted Euclidean distance between a and b. Missing
// weights count as 1. Vectors of different length are infinitely far apart.
func Distance(a, b, weights []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		w := 1.0
		if i < len(weights) {
			w = weights[i]
		}
		d := a[i] - b[i]
		sum += w * d * d
	}
	return math.Sqrt(sum)
}

package audio

import (
	"math"
	"time"
)

const (
	// NormalizePeak is the peak amplitude [Normalize] scales to.
	NormalizePeak = 0.95

	// silenceFloor is the peak below which [Normalize] leaves input untouched.
	silenceFloor = 1e-6

	// DefaultSilenceThreshold is the amplitude [TrimSilence] treats as sound.
	DefaultSilenceThreshold = 0.01

	// DefaultMinSpeech is the shortest span [TrimSilence] returns.
	DefaultMinSpeech = 500 * time.Millisecond

	trimPadding = 100 * time.Millisecond
)

// Resample converts samples from fromRate to toRate using linear
// interpolation. Equal rates return the input unchanged. The output holds
// floor(len(samples)*toRate/fromRate) samples; interpolation never reads past
// the last input sample.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate || len(samples) == 0 {
		return samples
	}

	n := int(int64(len(samples)) * int64(toRate) / int64(fromRate))
	out := make([]float32, 0, n)
	ratio := float64(fromRate) / float64(toRate)
	last := len(samples) - 1

	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx > last {
			break
		}
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx < last {
			s1 = samples[idx+1]
		}
		out = append(out, s0+(s1-s0)*frac)
	}
	return out
}

// Peak returns the maximum absolute amplitude in samples.
func Peak(samples []float32) float32 {
	var peak float32
	for _, s := range samples {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}
	return peak
}

// Normalize returns a copy of samples scaled so the peak amplitude is
// [NormalizePeak]. Near-silent input (peak below 1e-6) is returned as is.
func Normalize(samples []float32) []float32 {
	peak := Peak(samples)
	if peak < silenceFloor {
		return samples
	}
	gain := NormalizePeak / peak
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = s * gain
	}
	return out
}

// TrimSilence cuts leading and trailing samples whose amplitude never
// exceeds threshold, keeping 100 ms of padding on each side. The result is
// widened to at least minDuration where the signal allows, growing the
// trailing edge first. If no sample exceeds threshold the input is returned
// unchanged, so non-empty input never yields an empty result.
func TrimSilence(samples []float32, sampleRate int, threshold float32, minDuration time.Duration) []float32 {
	start, end := TrimBounds(samples, sampleRate, threshold, minDuration)
	return samples[start:end]
}

// TrimBounds returns the [start, end) sample range [TrimSilence] keeps.
func TrimBounds(samples []float32, sampleRate int, threshold float32, minDuration time.Duration) (start, end int) {
	first, last := -1, -1
	for i, s := range samples {
		if abs32(s) > threshold {
			first = i
			break
		}
	}
	if first < 0 {
		return 0, len(samples)
	}
	for i := len(samples) - 1; i >= first; i-- {
		if abs32(samples[i]) > threshold {
			last = i
			break
		}
	}

	pad := DurationSamples(trimPadding, sampleRate)
	start = max(0, first-pad)
	end = min(len(samples), last+1+pad)

	if minLen := DurationSamples(minDuration, sampleRate); end-start < minLen {
		end = min(len(samples), start+minLen)
		if end-start < minLen {
			start = max(0, end-minLen)
		}
	}
	return start, end
}

// MeanSquare returns the average of the squared samples, 0 for empty input.
func MeanSquare(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return sum / float64(len(samples))
}

func abs32(s float32) float32 {
	if s < 0 {
		return -s
	}
	return s
}

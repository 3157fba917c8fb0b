package resilience

import (
	"context"

	"github.com/MrWong99/captioner/pkg/audio"
	"github.com/MrWong99/captioner/pkg/provider/asr"
)

var _ asr.Provider = (*ASRFallback)(nil)

// ASRFallback implements [asr.Provider] with failover across several ASR
// backends, each behind its own circuit breaker.
//
// Its SampleRate is the primary's. Audio handed to a fallback with a
// different native rate is resampled before the call.
type ASRFallback struct {
	group *FallbackGroup[asr.Provider]
}

// NewASRFallback creates an [ASRFallback] with primary as the preferred
// backend.
func NewASRFallback(primary asr.Provider, primaryName string, cfg FallbackConfig) *ASRFallback {
	return &ASRFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after all earlier ones.
func (f *ASRFallback) AddFallback(name string, p asr.Provider) {
	f.group.AddFallback(name, p)
}

// Backends returns the backend names in the order they are tried.
func (f *ASRFallback) Backends() []string { return f.group.Names() }

// States returns the breaker state of every backend keyed by name.
func (f *ASRFallback) States() map[string]State { return f.group.States() }

// SampleRate implements asr.Provider.
func (f *ASRFallback) SampleRate() int { return f.group.Primary().SampleRate() }

// Transcribe implements asr.Provider. An empty result from a healthy backend
// is returned as is; only errors cause failover.
func (f *ASRFallback) Transcribe(ctx context.Context, samples []float32, sampleRate int) (asr.Result, error) {
	return ExecuteWithResult(ctx, f.group, func(p asr.Provider) (asr.Result, error) {
		rate := p.SampleRate()
		if rate <= 0 || rate == sampleRate {
			return p.Transcribe(ctx, samples, sampleRate)
		}
		return p.Transcribe(ctx, audio.Resample(samples, sampleRate, rate), rate)
	})
}

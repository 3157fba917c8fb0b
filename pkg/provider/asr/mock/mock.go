// Package mock provides a test double for the asr.Provider interface.
//
// Example:
//
//	p := &mock.Provider{
//	    Result: asr.Result{Tokens: []asr.Token{{Text: "hello"}}},
//	}
//	res, _ := p.Transcribe(ctx, samples, 16000)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/captioner/pkg/provider/asr"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Samples is the number of samples passed to Transcribe.
	Samples int
	// SampleRate is the rate passed to Transcribe.
	SampleRate int
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe when TranscribeFunc is nil.
	Result asr.Result

	// TranscribeFunc, if set, computes the result of Transcribe.
	TranscribeFunc func(ctx context.Context, samples []float32, sampleRate int) (asr.Result, error)

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Rate is returned by SampleRate. Zero means 16000.
	Rate int

	// Calls records every call to Transcribe in order.
	Calls []TranscribeCall
}

// Transcribe records the call and returns Result, Err.
func (p *Provider) Transcribe(ctx context.Context, samples []float32, sampleRate int) (asr.Result, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{Samples: len(samples), SampleRate: sampleRate})
	fn, res, err := p.TranscribeFunc, p.Result, p.Err
	p.mu.Unlock()

	if err != nil {
		return asr.Result{}, err
	}
	if fn != nil {
		return fn(ctx, samples, sampleRate)
	}
	return res, nil
}

// SampleRate returns Rate, defaulting to 16000.
func (p *Provider) SampleRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Rate <= 0 {
		return 16000
	}
	return p.Rate
}

// CallCount returns the number of Transcribe calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears the recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

var _ asr.Provider = (*Provider)(nil)

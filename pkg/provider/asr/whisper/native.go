// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/captioner/pkg/audio"
	"github.com/MrWong99/captioner/pkg/provider/asr"
)

// Compile-time assertion that NativeProvider satisfies asr.Provider.
var _ asr.Provider = (*NativeProvider)(nil)

// NativeProvider implements asr.Provider using whisper.cpp Go bindings
// (CGO), eliminating HTTP overhead entirely. The model is loaded once at
// startup and shared; each Transcribe call gets its own context.
type NativeProvider struct {
	model    whisperlib.Model
	language string

	// whisper.cpp contexts are heavy; cap concurrent inferences.
	sem chan struct{}

	closeOnce sync.Once
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language code for transcription (e.g., "en",
// "de", "auto"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeConcurrency sets how many chunks may be transcribed at once.
// Defaults to 1.
func WithNativeConcurrency(n int) NativeOption {
	return func(p *NativeProvider) {
		if n > 0 {
			p.sem = make(chan struct{}, n)
		}
	}
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// the given file path. The caller must call Close when the provider is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:    model,
		language: defaultLanguage,
		sem:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *NativeProvider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.model != nil {
			err = p.model.Close()
		}
	})
	return err
}

// SampleRate implements asr.Provider.
func (p *NativeProvider) SampleRate() int { return defaultSampleRate }

// Transcribe implements asr.Provider. Token timestamps are enabled so that
// every word becomes its own timed token; a segment without text tokens
// falls back to one token for the whole segment.
func (p *NativeProvider) Transcribe(ctx context.Context, samples []float32, sampleRate int) (asr.Result, error) {
	if len(samples) == 0 {
		return asr.Result{}, fmt.Errorf("whisper: %w", asr.ErrNoAudio)
	}
	samples = audio.Resample(samples, sampleRate, defaultSampleRate)

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return asr.Result{}, fmt.Errorf("whisper: %w", ctx.Err())
	}

	// A context is not thread-safe, but the model can be shared.
	wctx, err := p.model.NewContext()
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", p.language, "error", err)
	}
	wctx.SetTokenTimestamps(true)

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	res := asr.Result{Language: p.language}
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return asr.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		pieces := make([]wordPiece, 0, len(segment.Tokens))
		for _, t := range segment.Tokens {
			if wctx.IsText(t) {
				pieces = append(pieces, wordPiece{Text: t.Text, Start: t.Start, End: t.End, P: float64(t.P)})
			}
		}
		if words := joinWordPieces(pieces); len(words) > 0 {
			res.Tokens = append(res.Tokens, words...)
			continue
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			res.Tokens = append(res.Tokens, asr.Token{
				Text:    text,
				Start:   segment.Start,
				End:     segment.End,
				HasTime: true,
			})
		}
	}
	return res, nil
}

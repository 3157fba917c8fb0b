// Package openai provides an ASR provider backed by the OpenAI audio
// transcription API, or any server that implements the same endpoint.
//
// Chunks are uploaded as WAV files with response_format=verbose_json and word
// plus segment timestamp granularities. Word timestamps become timed tokens;
// when the server only returns segments, each segment becomes one token.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/captioner/pkg/audio"
	"github.com/MrWong99/captioner/pkg/provider/asr"
)

const (
	defaultModel      = "whisper-1"
	defaultSampleRate = 16000
)

// Compile-time assertion that Provider implements asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*config)

type config struct {
	baseURL      string
	organization string
	language     string
	timeout      time.Duration
}

// WithBaseURL overrides the default OpenAI API base URL.
// Useful for self-hosted servers that speak the same protocol.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithOrganization sets the OpenAI organization ID header.
func WithOrganization(org string) Option {
	return func(c *config) { c.organization = org }
}

// WithLanguage sets an ISO-639-1 language hint. Empty lets the server detect.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithTimeout sets the HTTP timeout per chunk.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Provider implements asr.Provider using the OpenAI transcription endpoint.
type Provider struct {
	client   oai.Client
	model    string
	language string
}

// New creates a Provider. apiKey may be empty when the target server does not
// require authentication; model defaults to "whisper-1".
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		model = defaultModel
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	if apiKey == "" && cfg.baseURL == "" {
		return nil, errors.New("openai asr: api key must not be empty")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: cfg.language,
	}, nil
}

// SampleRate implements asr.Provider.
func (p *Provider) SampleRate() int { return defaultSampleRate }

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Transcribe implements asr.Provider.
func (p *Provider) Transcribe(ctx context.Context, samples []float32, sampleRate int) (asr.Result, error) {
	if len(samples) == 0 {
		return asr.Result{}, fmt.Errorf("openai asr: %w", asr.ErrNoAudio)
	}
	samples = audio.Resample(samples, sampleRate, defaultSampleRate)
	wav := audio.EncodeWAV(samples, defaultSampleRate)

	params := oai.AudioTranscriptionNewParams{
		File:                   oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model:                  oai.AudioModel(p.model),
		ResponseFormat:         oai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []string{"word", "segment"},
	}
	if p.language != "" {
		params.Language = oai.String(p.language)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return asr.Result{}, fmt.Errorf("openai asr: transcribe: %w", err)
	}

	raw := resp.RawJSON()
	if raw == "" {
		return textOnly(resp.Text), nil
	}
	var body verboseResponse
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return asr.Result{}, fmt.Errorf("openai asr: parse verbose response: %w", err)
	}
	return body.toResult(), nil
}

// verboseResponse is the verbose_json transcription body. The SDK's typed
// response only carries the text, so words and segments are read from the
// raw JSON.
type verboseResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Words    []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
	Segments []struct {
		Text  string  `json:"text"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"segments"`
}

func (r verboseResponse) toResult() asr.Result {
	res := asr.Result{Language: r.Language}
	switch {
	case len(r.Words) > 0:
		for _, w := range r.Words {
			if text := strings.TrimSpace(w.Word); text != "" {
				res.Tokens = append(res.Tokens, asr.Token{
					Text:    text,
					Start:   asr.Seconds(w.Start),
					End:     asr.Seconds(w.End),
					HasTime: true,
				})
			}
		}
	case len(r.Segments) > 0:
		for _, s := range r.Segments {
			if text := strings.TrimSpace(s.Text); text != "" {
				res.Tokens = append(res.Tokens, asr.Token{
					Text:    text,
					Start:   asr.Seconds(s.Start),
					End:     asr.Seconds(s.End),
					HasTime: true,
				})
			}
		}
	default:
		res = textOnly(r.Text)
		res.Language = r.Language
	}
	return res
}

// textOnly splits plain text into untimed word tokens.
func textOnly(text string) asr.Result {
	var res asr.Result
	for _, w := range strings.Fields(text) {
		res.Tokens = append(res.Tokens, asr.Token{Text: w})
	}
	return res
}

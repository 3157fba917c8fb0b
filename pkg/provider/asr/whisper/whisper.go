// Package whisper provides whisper.cpp-backed ASR providers.
//
// [Provider] talks to a running whisper-server binary, which exposes a REST
// API at POST /inference. Each chunk is uploaded as a WAV file and the
// verbose JSON response supplies one timed token per decoded segment.
//
// [NativeProvider] runs the model in-process through the whisper.cpp CGO
// bindings.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	res, err := p.Transcribe(ctx, samples, 16000)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/captioner/pkg/audio"
	"github.com/MrWong99/captioner/pkg/provider/asr"
)

const (
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Compile-time assertion that Provider implements asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language code sent to the server (e.g., "en", "de").
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the HTTP timeout per chunk. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.httpClient.Timeout = d
		}
	}
}

// Provider implements asr.Provider backed by a whisper.cpp HTTP server.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Provider for the whisper.cpp HTTP server at serverURL (e.g.,
// "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// SampleRate implements asr.Provider. whisper.cpp expects 16 kHz input.
func (p *Provider) SampleRate() int { return defaultSampleRate }

// inferenceResponse is the verbose_json body returned by whisper-server.
type inferenceResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
		Words []struct {
			Word        string  `json:"word"`
			Start       float64 `json:"start"`
			End         float64 `json:"end"`
			Probability float64 `json:"probability"`
		} `json:"words"`
	} `json:"segments"`
}

// Transcribe implements asr.Provider. It encodes samples as a WAV file and
// POSTs it to the /inference endpoint as multipart/form-data.
func (p *Provider) Transcribe(ctx context.Context, samples []float32, sampleRate int) (asr.Result, error) {
	if len(samples) == 0 {
		return asr.Result{}, fmt.Errorf("whisper: %w", asr.ErrNoAudio)
	}
	samples = audio.Resample(samples, sampleRate, defaultSampleRate)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(samples, defaultSampleRate)); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: write wav data: %w", err)
	}

	fields := map[string]string{
		"response_format": "verbose_json",
		"language":        p.language,
		"model":           p.model,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return asr.Result{}, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}

	if err := mw.Close(); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return asr.Result{}, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: read response body: %w", err)
	}

	var result inferenceResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result.toResult(), nil
}

// toResult maps words, or segments when a server reports no words, to timed
// tokens. Servers that ignore the verbose_json request only return text,
// which becomes one untimed token.
func (r inferenceResponse) toResult() asr.Result {
	res := asr.Result{Language: r.Language}
	if len(r.Segments) == 0 {
		if text := strings.TrimSpace(r.Text); text != "" {
			res.Tokens = []asr.Token{{Text: text}}
		}
		return res
	}
	for _, s := range r.Segments {
		words := 0
		for _, w := range s.Words {
			text := strings.TrimSpace(w.Word)
			if text == "" {
				continue
			}
			res.Tokens = append(res.Tokens, asr.Token{
				Text:       text,
				Start:      asr.Seconds(w.Start),
				End:        asr.Seconds(w.End),
				HasTime:    true,
				Confidence: w.Probability,
			})
			words++
		}
		if words > 0 {
			continue
		}
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		res.Tokens = append(res.Tokens, asr.Token{
			Text:    text,
			Start:   asr.Seconds(s.Start),
			End:     asr.Seconds(s.End),
			HasTime: true,
		})
	}
	return res
}

// wordPiece is one timed piece of decoder output. whisper emits sub-word
// pieces; a piece that starts with a space begins a new word.
type wordPiece struct {
	Text       string
	Start, End time.Duration
	P          float64
}

// joinWordPieces glues sub-word pieces into timed word tokens. A word spans
// from its first piece's start to its last piece's end and carries the mean
// piece probability as confidence. Blank pieces and bracketed markers such
// as "[_BEG_]" are skipped.
func joinWordPieces(pieces []wordPiece) []asr.Token {
	var (
		out []asr.Token
		n   int
	)
	for _, p := range pieces {
		text := strings.TrimSpace(p.Text)
		if text == "" || (strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]")) {
			continue
		}
		if len(out) == 0 || p.Text[0] == ' ' {
			if n > 0 {
				out[len(out)-1].Confidence /= float64(n)
			}
			out = append(out, asr.Token{Text: text, Start: p.Start, End: p.End, HasTime: true, Confidence: p.P})
			n = 1
			continue
		}
		last := &out[len(out)-1]
		last.Text += text
		last.End = max(last.End, p.End)
		last.Confidence += p.P
		n++
	}
	if n > 0 {
		out[len(out)-1].Confidence /= float64(n)
	}
	return out
}

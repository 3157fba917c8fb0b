// Package deepgram provides a Deepgram-backed ASR provider using the Deepgram
// streaming WebSocket API. Each chunk is streamed over its own connection and
// the word timings of all final results are collected into tokens.
package deepgram

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/captioner/pkg/audio"
	"github.com/MrWong99/captioner/pkg/provider/asr"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// frameBytes is the size of each binary audio message.
	frameBytes = 8192
)

// Compile-time assertion that Provider implements asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the rate audio is streamed at.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.sampleRate = rate
		}
	}
}

// WithEndpoint overrides the WebSocket endpoint, e.g. for a self-hosted
// deployment.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements asr.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
	endpoint   string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		endpoint:   deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// SampleRate implements asr.Provider.
func (p *Provider) SampleRate() int { return p.sampleRate }

// Transcribe implements asr.Provider. It opens a streaming session, sends the
// chunk as linear16 PCM, asks Deepgram to flush with CloseStream and reads
// results until the server closes the connection.
func (p *Provider) Transcribe(ctx context.Context, samples []float32, sampleRate int) (asr.Result, error) {
	if len(samples) == 0 {
		return asr.Result{}, fmt.Errorf("deepgram: %w", asr.ErrNoAudio)
	}
	samples = audio.Resample(samples, sampleRate, p.sampleRate)

	wsURL, err := p.buildURL()
	if err != nil {
		return asr.Result{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return asr.Result{}, fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()

	readErr := make(chan error, 1)
	var res asr.Result
	go func() {
		readErr <- readResults(ctx, conn, &res)
	}()

	if err := writeAudio(ctx, conn, samples); err != nil {
		return asr.Result{}, fmt.Errorf("deepgram: send audio: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return asr.Result{}, fmt.Errorf("deepgram: close stream: %w", err)
	}

	select {
	case err := <-readErr:
		if err != nil {
			return asr.Result{}, fmt.Errorf("deepgram: read: %w", err)
		}
	case <-ctx.Done():
		return asr.Result{}, fmt.Errorf("deepgram: %w", ctx.Err())
	}
	conn.Close(websocket.StatusNormalClosure, "chunk complete")
	return res, nil
}

// buildURL constructs the Deepgram streaming endpoint URL.
func (p *Provider) buildURL() (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("punctuate", "true")
	q.Set("interim_results", "false")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(p.sampleRate))
	q.Set("channels", "1")

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// writeAudio streams samples as little-endian int16 in fixed-size messages.
func writeAudio(ctx context.Context, conn *websocket.Conn, samples []float32) error {
	buf := make([]byte, 0, frameBytes)
	for _, s := range samples {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(audio.FloatToInt16(s)))
		if len(buf) == frameBytes {
			if err := conn.Write(ctx, websocket.MessageBinary, buf); err != nil {
				return err
			}
			buf = buf[:0]
		}
	}
	if len(buf) > 0 {
		return conn.Write(ctx, websocket.MessageBinary, buf)
	}
	return nil
}

// readResults appends the words of every final result to res until the
// server closes the connection normally.
func readResults(ctx context.Context, conn *websocket.Conn, res *asr.Result) error {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		tokens, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		res.Tokens = append(res.Tokens, tokens...)
	}
}

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word           string  `json:"word"`
				PunctuatedWord string  `json:"punctuated_word"`
				Start          float64 `json:"start"`
				End            float64 `json:"end"`
				Confidence     float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseDeepgramResponse turns a final Results message into timed tokens.
// Returns (nil, false) if the message should be ignored.
func parseDeepgramResponse(data []byte) ([]asr.Token, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	if resp.Type != "Results" || !resp.IsFinal {
		return nil, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return nil, false
	}

	alt := resp.Channel.Alternatives[0]
	if len(alt.Words) == 0 {
		text := strings.TrimSpace(alt.Transcript)
		if text == "" {
			return nil, false
		}
		return []asr.Token{{Text: text, Confidence: alt.Confidence}}, true
	}

	tokens := make([]asr.Token, 0, len(alt.Words))
	for _, w := range alt.Words {
		text := w.PunctuatedWord
		if text == "" {
			text = w.Word
		}
		tokens = append(tokens, asr.Token{
			Text:       text,
			Start:      asr.Seconds(w.Start),
			End:        asr.Seconds(w.End),
			HasTime:    true,
			Confidence: w.Confidence,
		})
	}
	return tokens, true
}

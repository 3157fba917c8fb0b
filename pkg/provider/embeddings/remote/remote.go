// Package remote provides a speaker embedding provider backed by an HTTP
// embedding service.
//
// The service receives one WAV-encoded speech window per request at
// POST {baseURL}/embed and answers with a JSON body:
//
//	{"model": "ecapa-tdnn", "embedding": [0.12, -0.03, ...]}
//
// Example usage:
//
//	p, err := remote.New("http://localhost:8090", "ecapa-tdnn")
//	vec, err := p.Embed(ctx, samples, 16000)
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/captioner/pkg/audio"
	"github.com/MrWong99/captioner/pkg/provider/embeddings"
)

// DefaultBaseURL is the default base URL for a locally running service.
const DefaultBaseURL = "http://localhost:8090"

// Ensure Provider implements the embeddings.Provider interface at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider over HTTP.
//
// The dimension is taken from WithDimensions when set; otherwise it is
// learned from the first successful response and cached.
//
// Provider is safe for concurrent use.
type Provider struct {
	baseURL    string
	model      string
	httpClient *http.Client

	mu         sync.Mutex
	dimensions int
}

type config struct {
	timeout    time.Duration
	dimensions int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout. Default 10 s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithDimensions pre-sets the embedding dimension. Responses of any other
// length are then rejected.
func WithDimensions(dims int) Option {
	return func(c *config) {
		c.dimensions = dims
	}
}

// New constructs a Provider. An empty baseURL selects [DefaultBaseURL]; model
// may be empty when the service hosts a single model.
func New(baseURL string, model string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("remote embeddings: invalid base URL: %w", err)
	}

	cfg := &config{timeout: 10 * time.Second}
	for _, o := range opts {
		o(cfg)
	}

	return &Provider{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: cfg.timeout},
		dimensions: cfg.dimensions,
	}, nil
}

type embedResponse struct {
	Model     string    `json:"model"`
	Embedding []float32 `json:"embedding"`
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, samples []float32, sampleRate int) ([]float32, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("remote embeddings: embed: no samples")
	}

	endpoint := p.baseURL + "/embed"
	if p.model != "" {
		endpoint += "?model=" + url.QueryEscape(p.model)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		bytes.NewReader(audio.EncodeWAV(samples, sampleRate)))
	if err != nil {
		return nil, fmt.Errorf("remote embeddings: build request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote embeddings: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("remote embeddings: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("remote embeddings: decode response: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("remote embeddings: empty embedding in response")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.dimensions == 0:
		p.dimensions = len(result.Embedding)
	case p.dimensions != len(result.Embedding):
		return nil, fmt.Errorf("remote embeddings: got %d dimensions, want %d", len(result.Embedding), p.dimensions)
	}
	return result.Embedding, nil
}

// Dimensions implements embeddings.Provider. It returns 0 until the first
// successful Embed when no dimension was configured.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dimensions
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

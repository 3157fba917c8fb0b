package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL()
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "host", "api.deepgram.com", u.Host)
	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "false", q.Get("interim_results"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_CustomModel(t *testing.T) {
	p, err := New("key", WithModel("base"), WithLanguage("de-DE"), WithSampleRate(48000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, _ := p.buildURL()
	u, _ := url.Parse(rawURL)
	q := u.Query()
	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
	if p.SampleRate() != 48000 {
		t.Errorf("SampleRate = %d, want 48000", p.SampleRate())
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// ---- response parsing ----

func TestParseDeepgramResponse_FinalWords(t *testing.T) {
	msg := `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello world","confidence":0.9,
		"words":[{"word":"hello","punctuated_word":"Hello","start":0.5,"end":0.9,"confidence":0.95},
		{"word":"world","start":1.0,"end":1.4,"confidence":0.85}]}]}}`
	tokens, ok := parseDeepgramResponse([]byte(msg))
	if !ok {
		t.Fatal("expected ok")
	}
	if len(tokens) != 2 {
		t.Fatalf("tokens = %d, want 2", len(tokens))
	}
	assertEqual(t, "text[0]", "Hello", tokens[0].Text)
	assertEqual(t, "text[1]", "world", tokens[1].Text)
	if tokens[0].Start != 500*time.Millisecond || tokens[1].End != 1400*time.Millisecond || !tokens[1].HasTime {
		t.Errorf("timings = %+v", tokens)
	}
}

func TestParseDeepgramResponse_IgnoresInterimAndMetadata(t *testing.T) {
	for _, msg := range []string{
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel"}]}}`,
		`{"type":"Metadata","request_id":"x"}`,
		`not json`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`,
	} {
		if _, ok := parseDeepgramResponse([]byte(msg)); ok {
			t.Errorf("message %q should be ignored", msg)
		}
	}
}

// ---- end to end against a fake server ----

func TestTranscribe_FakeServer(t *testing.T) {
	var audioBytes atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token secret" {
			t.Errorf("Authorization = %q", got)
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				audioBytes.Add(int64(len(data)))
				continue
			}
			if strings.Contains(string(data), "CloseStream") {
				break
			}
		}
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hi","words":[{"word":"hi","start":0.1,"end":0.3}]}]}}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Metadata"}`))
		c.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	p, _ := New("secret", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := p.Transcribe(ctx, make([]float32, 16000), 16000)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(res.Tokens) != 1 || res.Tokens[0].Text != "hi" {
		t.Fatalf("tokens = %+v", res.Tokens)
	}
	if got := audioBytes.Load(); got != 32000 {
		t.Errorf("server received %d audio bytes, want 32000", got)
	}
}

func assertEqual(t *testing.T, field, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: want %q, got %q", field, want, got)
	}
}

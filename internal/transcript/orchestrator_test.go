package transcript_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/captioner/internal/diarize"
	"github.com/MrWong99/captioner/internal/observe"
	"github.com/MrWong99/captioner/internal/speaker"
	"github.com/MrWong99/captioner/internal/transcript"
	"github.com/MrWong99/captioner/pkg/audio"
	"github.com/MrWong99/captioner/pkg/provider/asr"
	asrmock "github.com/MrWong99/captioner/pkg/provider/asr/mock"
)

const rate = 16000

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func tone(d time.Duration, amp float64) []float32 {
	out := make([]float32, audio.DurationSamples(d, rate))
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*220*float64(i)/rate))
	}
	return out
}

// halves returns vector A for segments starting before split, else B.
type halves struct {
	calls int
	split int
}

func (h *halves) Vector(_ context.Context, _ []float32, _ int) ([]float64, error) {
	h.calls++
	if h.calls <= h.split {
		return []float64{0, 0, 0}, nil
	}
	return []float64{5, 5, 5}, nil
}

func newOrchestrator(t *testing.T, p asr.Provider, src diarize.VectorSource, opts ...transcript.Option) (*transcript.Orchestrator, *speaker.Manager) {
	t.Helper()
	mgr := speaker.NewManager()
	var eng *diarize.Engine
	if src != nil {
		eng = diarize.New(mgr, src, diarize.WithSilenceThreshold(0))
	}
	opts = append([]transcript.Option{transcript.WithMetrics(testMetrics(t))}, opts...)
	o, err := transcript.New(p, eng, rate, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, mgr
}

func TestNew_Validation(t *testing.T) {
	if _, err := transcript.New(nil, nil, rate); err == nil {
		t.Error("expected error for nil provider")
	}
	if _, err := transcript.New(&asrmock.Provider{}, nil, 0); err == nil {
		t.Error("expected error for zero sample rate")
	}
}

func TestProcessChunk_TooShortSkipsBackend(t *testing.T) {
	p := &asrmock.Provider{}
	o, _ := newOrchestrator(t, p, nil)

	res, err := o.ProcessChunk(context.Background(), audio.SampleChunk{
		Samples: tone(300*time.Millisecond, 0.5), SampleRate: rate,
	})
	if err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	if res.Notice != transcript.MsgTooShort {
		t.Errorf("Notice = %q, want %q", res.Notice, transcript.MsgTooShort)
	}
	if len(res.Lines) != 0 {
		t.Errorf("unexpected lines: %+v", res.Lines)
	}
	if n := p.CallCount(); n != 0 {
		t.Errorf("backend called %d times, want 0", n)
	}
}

func TestProcessChunk_EmptyInput(t *testing.T) {
	p := &asrmock.Provider{}
	o, _ := newOrchestrator(t, p, nil)

	res, err := o.ProcessChunk(context.Background(), audio.SampleChunk{SampleRate: rate})
	if err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	if res.Notice != transcript.MsgNoAudio {
		t.Errorf("Notice = %q, want %q", res.Notice, transcript.MsgNoAudio)
	}
	if p.CallCount() != 0 {
		t.Error("backend called for empty input")
	}
}

func TestProcessChunk_SilenceNoSpeech(t *testing.T) {
	p := &asrmock.Provider{}
	o, _ := newOrchestrator(t, p, nil, transcript.WithTrimSilence(true))

	silent := make([]float32, 2*rate)
	res, err := o.ProcessChunk(context.Background(), audio.SampleChunk{Samples: silent, SampleRate: rate})
	if err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	if res.Notice != transcript.MsgNoSpeech {
		t.Errorf("Notice = %q, want %q", res.Notice, transcript.MsgNoSpeech)
	}
	calls := p.Calls
	if len(calls) != 1 || calls[0].Samples != 2*rate {
		t.Errorf("backend calls = %+v, want one call with the untrimmed buffer", calls)
	}
}

func TestProcessChunk_ResamplesForBackend(t *testing.T) {
	p := &asrmock.Provider{Rate: 8000, Result: asr.Result{Tokens: []asr.Token{{Text: "hi"}}}}
	o, _ := newOrchestrator(t, p, nil)

	if _, err := o.ProcessChunk(context.Background(), audio.SampleChunk{
		Samples: tone(time.Second, 0.5), SampleRate: rate,
	}); err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	if c := p.Calls[0]; c.SampleRate != 8000 || c.Samples != 8000 {
		t.Errorf("backend call = %+v, want 8000 samples at 8000 Hz", c)
	}
}

func TestProcessChunk_MergesSpeakers(t *testing.T) {
	p := &asrmock.Provider{Result: asr.Result{Tokens: []asr.Token{
		{Text: "hello", Start: 200 * time.Millisecond, End: 600 * time.Millisecond, HasTime: true},
		{Text: "world", Start: 800 * time.Millisecond, End: 1200 * time.Millisecond, HasTime: true},
		{Text: "bye", Start: 1700 * time.Millisecond, End: 2500 * time.Millisecond, HasTime: true},
	}}}
	o, mgr := newOrchestrator(t, p, &halves{split: 1})
	if err := mgr.Rename("Speaker_2", "Bob"); err != nil {
		t.Fatal(err)
	}

	res, err := o.ProcessChunk(context.Background(), audio.SampleChunk{
		Samples:    tone(3*time.Second, 0.5),
		SampleRate: rate,
		Offset:     10 * time.Second,
	})
	if err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	if len(res.Lines) != 2 {
		t.Fatalf("lines = %+v, want 2", res.Lines)
	}
	first, second := res.Lines[0], res.Lines[1]
	if first.Label != "Speaker_1" || first.Text != "hello world" || first.Speaker != "Speaker_1" {
		t.Errorf("first line = %+v", first)
	}
	if second.Label != "Speaker_2" || second.Speaker != "Bob" || second.Text != "bye" {
		t.Errorf("second line = %+v", second)
	}
	if first.Start != 10*time.Second+200*time.Millisecond {
		t.Errorf("first start = %v, want offset by the chunk start", first.Start)
	}
}

func TestProcessChunk_UntimedTokensAllocated(t *testing.T) {
	p := &asrmock.Provider{Result: asr.Result{Tokens: []asr.Token{
		{Text: "aaaaaa"}, {Text: "bb"},
	}}}
	o, _ := newOrchestrator(t, p, &halves{split: 1})

	res, err := o.ProcessChunk(context.Background(), audio.SampleChunk{
		Samples: tone(3*time.Second, 0.5), SampleRate: rate,
	})
	if err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	// 6 of 8 characters: the second token starts at 2.25 s, inside the
	// second segment.
	if len(res.Lines) != 2 {
		t.Fatalf("lines = %+v, want 2", res.Lines)
	}
	if res.Lines[1].Start != 2250*time.Millisecond || res.Lines[1].End != 3*time.Second {
		t.Errorf("second line = %+v", res.Lines[1])
	}
}

func TestProcessChunk_UntimedPhraseSplitAcrossSpeakers(t *testing.T) {
	p := &asrmock.Provider{Result: asr.Result{Tokens: []asr.Token{
		{Text: "hello there how are you doing today friend"},
	}}}
	o, mgr := newOrchestrator(t, p, &halves{split: 1})

	res, err := o.ProcessChunk(context.Background(), audio.SampleChunk{
		Samples: tone(3*time.Second, 0.5), SampleRate: rate,
	})
	if err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	if len(res.Lines) != 2 {
		t.Fatalf("lines = %+v, want 2", res.Lines)
	}
	if res.Lines[0].Text != "hello there how are you" || res.Lines[1].Text != "doing today friend" {
		t.Errorf("texts = %q / %q", res.Lines[0].Text, res.Lines[1].Text)
	}
	if mgr.Count() != 2 {
		t.Errorf("speakers = %d, want 2", mgr.Count())
	}
}

func TestProcessChunk_TimedSentenceSpreadAcrossSpeakers(t *testing.T) {
	p := &asrmock.Provider{Result: asr.Result{Tokens: []asr.Token{
		{Text: "one two three four", Start: 0, End: 3 * time.Second, HasTime: true},
	}}}
	o, _ := newOrchestrator(t, p, &halves{split: 1})

	res, err := o.ProcessChunk(context.Background(), audio.SampleChunk{
		Samples: tone(3*time.Second, 0.5), SampleRate: rate,
	})
	if err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	if len(res.Lines) != 2 || res.Lines[0].Text != "one two three" || res.Lines[1].Text != "four" {
		t.Fatalf("lines = %+v, want the sentence split at the speaker change", res.Lines)
	}
}

func TestProcessChunk_BackendError(t *testing.T) {
	boom := errors.New("backend down")
	p := &asrmock.Provider{Err: boom}
	o, mgr := newOrchestrator(t, p, &halves{split: 1})

	_, err := o.ProcessChunk(context.Background(), audio.SampleChunk{
		Samples: tone(time.Second, 0.5), SampleRate: rate,
	})
	if !errors.Is(err, transcript.ErrTranscription) || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want ErrTranscription wrapping backend error", err)
	}
	if n := mgr.Count(); n != 0 {
		t.Errorf("speakers after failed transcription = %d, want 0", n)
	}
}

func TestOrchestrator_Chunking(t *testing.T) {
	o, _ := newOrchestrator(t, &asrmock.Provider{}, nil, transcript.WithChunkDuration(time.Second))

	o.Feed(tone(600*time.Millisecond, 0.5))
	if o.Ready() {
		t.Fatal("Ready after 0.6 s")
	}
	if _, ok := o.Next(); ok {
		t.Fatal("Next returned a partial chunk")
	}
	o.Feed(tone(700*time.Millisecond, 0.5))
	if !o.Ready() {
		t.Fatal("not Ready after 1.3 s")
	}

	c, ok := o.Next()
	if !ok || len(c.Samples) != rate || c.Offset != 0 {
		t.Fatalf("first chunk = %d samples at %v, ok=%v", len(c.Samples), c.Offset, ok)
	}
	if got := o.Pending(); got != 300*time.Millisecond {
		t.Errorf("Pending = %v, want 300ms", got)
	}

	rest := o.Drain()
	if rest.Offset != time.Second || len(rest.Samples) != audio.DurationSamples(300*time.Millisecond, rate) {
		t.Errorf("drained chunk = %d samples at %v", len(rest.Samples), rest.Offset)
	}
	if o.Pending() != 0 {
		t.Error("Drain left samples behind")
	}
}

func TestOrchestrator_DiscardAdvancesTimeline(t *testing.T) {
	o, _ := newOrchestrator(t, &asrmock.Provider{}, nil, transcript.WithChunkDuration(time.Second))
	o.Feed(tone(400*time.Millisecond, 0.5))
	o.Discard()
	o.Feed(tone(time.Second, 0.5))

	c, ok := o.Next()
	if !ok {
		t.Fatal("expected a full chunk")
	}
	if c.Offset != 400*time.Millisecond {
		t.Errorf("Offset = %v, want 400ms", c.Offset)
	}
}

func TestFlush_ProcessesPartial(t *testing.T) {
	p := &asrmock.Provider{Result: asr.Result{Tokens: []asr.Token{{Text: "partial"}}}}
	o, _ := newOrchestrator(t, p, nil)
	o.Feed(tone(2*time.Second, 0.5))

	res, err := o.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(res.Lines) != 1 || !strings.Contains(res.Lines[0].Text, "partial") {
		t.Fatalf("lines = %+v", res.Lines)
	}
	if res.Lines[0].Label != speaker.UnknownLabel {
		t.Errorf("label = %q, want Unknown without a diariser", res.Lines[0].Label)
	}
	if o.Pending() != 0 {
		t.Error("Flush left pending audio")
	}
}

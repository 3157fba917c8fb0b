package pipeline_test

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/captioner/internal/observe"
	"github.com/MrWong99/captioner/internal/pipeline"
	"github.com/MrWong99/captioner/internal/transcript"
	"github.com/MrWong99/captioner/pkg/audio"
	audiomock "github.com/MrWong99/captioner/pkg/audio/mock"
	"github.com/MrWong99/captioner/pkg/provider/asr"
	asrmock "github.com/MrWong99/captioner/pkg/provider/asr/mock"
	"github.com/MrWong99/captioner/pkg/provider/vad"
	vadmock "github.com/MrWong99/captioner/pkg/provider/vad/mock"
)

const rate = 16000

var monoFloat = audio.Format{SampleRate: rate, Channels: 1, Encoding: audio.EncodingFloat32}

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

func tone(d time.Duration) []float32 {
	out := make([]float32, audio.DurationSamples(d, rate))
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*220*float64(i)/rate))
	}
	return out
}

// emit feeds samples to src in 100 ms frames.
func emit(t *testing.T, src *audiomock.Source, samples []float32) {
	t.Helper()
	const frame = rate / 10
	for len(samples) > 0 {
		n := min(frame, len(samples))
		if !src.Emit(audiomock.Float32Frame(samples[:n]...)) {
			t.Fatal("source not running")
		}
		samples = samples[n:]
	}
}

type fixture struct {
	src   *audiomock.Source
	asr   *asrmock.Provider
	sess  *pipeline.Session
	lines chan transcript.Line
}

func newFixture(t *testing.T, p *asrmock.Provider, opts ...pipeline.Option) *fixture {
	t.Helper()
	m := testMetrics(t)
	orch, err := transcript.New(p, nil, rate,
		transcript.WithChunkDuration(time.Second),
		transcript.WithMetrics(m),
	)
	if err != nil {
		t.Fatalf("transcript.New: %v", err)
	}
	src := &audiomock.Source{SourceFormat: monoFloat}
	opts = append([]pipeline.Option{
		pipeline.WithPollInterval(5 * time.Millisecond),
		pipeline.WithRingCapacity(1 << 17),
		pipeline.WithMetrics(m),
	}, opts...)
	sess, err := pipeline.New(src, orch, opts...)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	f := &fixture{src: src, asr: p, sess: sess, lines: make(chan transcript.Line, 16)}
	sess.OnLine(func(l transcript.Line) { f.lines <- l })
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = f.sess.Stop() })
}

func (f *fixture) nextLine(t *testing.T) transcript.Line {
	t.Helper()
	select {
	case l := <-f.lines:
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a transcript line")
		return transcript.Line{}
	}
}

func waitDone(t *testing.T, s *pipeline.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

func words(text string) *asrmock.Provider {
	return &asrmock.Provider{Result: asr.Result{Tokens: []asr.Token{{Text: text}}}}
}

func TestStart_DeviceErrorIsFatal(t *testing.T) {
	f := newFixture(t, words("x"))
	f.src.StartErr = audio.ErrNoDevice

	err := f.sess.Start(context.Background())
	if !errors.Is(err, audio.ErrNoDevice) {
		t.Fatalf("Start err = %v, want ErrNoDevice", err)
	}
	if got := f.sess.State(); got != pipeline.StateIdle {
		t.Errorf("State = %v, want idle", got)
	}
	if err := f.sess.Stop(); !errors.Is(err, pipeline.ErrNotStarted) {
		t.Errorf("Stop err = %v, want ErrNotStarted", err)
	}
}

func TestStart_RateMismatch(t *testing.T) {
	f := newFixture(t, words("x"))
	f.src.SourceFormat.SampleRate = 44100

	if err := f.sess.Start(context.Background()); !errors.Is(err, pipeline.ErrRateMismatch) {
		t.Fatalf("Start err = %v, want ErrRateMismatch", err)
	}
	if f.src.Running() {
		t.Error("source left running after failed Start")
	}
}

func TestStart_Twice(t *testing.T) {
	f := newFixture(t, words("x"))
	f.start(t)
	if err := f.sess.Start(context.Background()); !errors.Is(err, pipeline.ErrAlreadyStarted) {
		t.Fatalf("second Start err = %v, want ErrAlreadyStarted", err)
	}
}

func TestSession_EmitsLinePerChunk(t *testing.T) {
	f := newFixture(t, words("hello"), pipeline.WithID("session-1"))
	f.start(t)
	if f.sess.ID() != "session-1" {
		t.Errorf("ID = %q", f.sess.ID())
	}

	emit(t, f.src, tone(time.Second))
	l := f.nextLine(t)
	if l.Text != "hello" || l.Start != 0 {
		t.Errorf("first line = %+v", l)
	}

	emit(t, f.src, tone(time.Second))
	l = f.nextLine(t)
	if l.Start != time.Second {
		t.Errorf("second line start = %v, want 1s", l.Start)
	}
}

func TestStop_DiscardsPartialChunk(t *testing.T) {
	f := newFixture(t, words("tail"))
	f.start(t)

	emit(t, f.src, tone(600*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	if err := f.sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := f.asr.CallCount(); n != 0 {
		t.Errorf("backend called %d times, want 0", n)
	}
	if got := f.sess.State(); got != pipeline.StateStopped {
		t.Errorf("State = %v, want stopped", got)
	}
	if err := f.sess.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestFlush_ProcessesPartialChunk(t *testing.T) {
	f := newFixture(t, words("tail"))
	f.start(t)

	emit(t, f.src, tone(600*time.Millisecond))
	if err := f.sess.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if l := f.nextLine(t); l.Text != "tail" {
		t.Errorf("line = %+v", l)
	}
	if n := f.asr.CallCount(); n != 1 {
		t.Errorf("backend calls = %d, want 1", n)
	}
}

func TestFlush_ShortAudioYieldsNotice(t *testing.T) {
	f := newFixture(t, words("never"))
	notices := make(chan string, 1)
	f.sess.OnNotice(func(n string) { notices <- n })
	f.start(t)

	emit(t, f.src, tone(300*time.Millisecond))
	if err := f.sess.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	select {
	case n := <-notices:
		if n != transcript.MsgTooShort {
			t.Errorf("notice = %q", n)
		}
	case <-time.After(time.Second):
		t.Fatal("no notice")
	}
	if f.asr.CallCount() != 0 {
		t.Error("backend called for short audio")
	}
}

func TestStreamError_DrainsBufferedAudio(t *testing.T) {
	f := newFixture(t, words("last words"))
	f.start(t)

	emit(t, f.src, tone(700*time.Millisecond))
	unplugged := errors.New("device unplugged")
	f.src.Fail(unplugged)

	waitDone(t, f.sess)
	if !errors.Is(f.sess.Err(), unplugged) {
		t.Errorf("Err = %v, want device error", f.sess.Err())
	}
	if l := f.nextLine(t); l.Text != "last words" {
		t.Errorf("line = %+v", l)
	}
}

func TestEndOfInput_IsNotAnError(t *testing.T) {
	f := newFixture(t, words("done"))
	f.start(t)

	emit(t, f.src, tone(1500*time.Millisecond))
	f.src.Fail(io.EOF)

	waitDone(t, f.sess)
	if err := f.sess.Err(); err != nil {
		t.Errorf("Err = %v, want nil", err)
	}
	if n := f.asr.CallCount(); n != 2 {
		t.Errorf("backend calls = %d, want 2 (full chunk and tail)", n)
	}
}

func TestBackendError_SkipsChunkOnly(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	p := &asrmock.Provider{TranscribeFunc: func(context.Context, []float32, int) (asr.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return asr.Result{}, errors.New("rate limited")
		}
		return asr.Result{Tokens: []asr.Token{{Text: "recovered"}}}, nil
	}}
	f := newFixture(t, p)
	f.start(t)

	emit(t, f.src, tone(2*time.Second))
	l := f.nextLine(t)
	if l.Text != "recovered" || l.Start != time.Second {
		t.Errorf("line = %+v, want the second chunk", l)
	}
	if f.sess.State() != pipeline.StateRunning {
		t.Error("session stopped after a backend error")
	}
}

func TestVAD_EndOfUtteranceTriggersEarlyChunk(t *testing.T) {
	vs := &vadmock.Session{EventResult: vad.Event{Type: vad.SpeechEnd}}
	eng := &vadmock.Engine{Session: vs}
	f := newFixture(t, words("early"), pipeline.WithVAD(eng, vad.Config{FrameSizeMs: 20}))
	f.start(t)

	emit(t, f.src, tone(600*time.Millisecond))
	if l := f.nextLine(t); l.Text != "early" {
		t.Errorf("line = %+v", l)
	}
	if len(eng.Configs) != 1 || eng.Configs[0].SampleRate != rate {
		t.Errorf("vad configs = %+v", eng.Configs)
	}
	if vs.FrameCount() == 0 {
		t.Error("vad saw no frames")
	}
}

func TestRingOverflow_CountsDroppedSamples(t *testing.T) {
	f := newFixture(t, words("x"),
		pipeline.WithRingCapacity(1600),
		pipeline.WithPollInterval(time.Hour),
	)
	f.start(t)

	emit(t, f.src, tone(300*time.Millisecond))
	if got := f.sess.Dropped(); got != 3200 {
		t.Errorf("Dropped = %d, want 3200", got)
	}
}

func TestRingOverflow_CountsOversizedFrame(t *testing.T) {
	f := newFixture(t, words("x"),
		pipeline.WithRingCapacity(1600),
		pipeline.WithPollInterval(time.Hour),
	)
	f.start(t)

	if !f.src.Emit(audiomock.Float32Frame(tone(250 * time.Millisecond)...)) {
		t.Fatal("source not running")
	}
	if got := f.sess.Dropped(); got != 2400 {
		t.Errorf("Dropped = %d, want 2400", got)
	}
}

// backloggedSource records the backlog handed over by the session.
type backloggedSource struct {
	*audiomock.Source
	backlog audio.Backlog
}

func (b *backloggedSource) SetBacklog(bl audio.Backlog) { b.backlog = bl }

func TestStart_HandsRingToBackloggedSource(t *testing.T) {
	orch, err := transcript.New(words("x"), nil, rate, transcript.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	src := &backloggedSource{Source: &audiomock.Source{SourceFormat: monoFloat}}
	sess, err := pipeline.New(src, orch, pipeline.WithRingCapacity(4096), pipeline.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = sess.Stop() })

	if src.backlog == nil || src.backlog.Cap() != 4096 {
		t.Fatalf("backlog = %v, want the session ring of 4096 samples", src.backlog)
	}
}

func TestContextCancel_StopsSession(t *testing.T) {
	f := newFixture(t, words("x"))
	ctx, cancel := context.WithCancel(context.Background())
	if err := f.sess.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	waitDone(t, f.sess)
	if f.src.Running() {
		t.Error("source still running after cancel")
	}
}

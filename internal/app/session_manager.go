package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/captioner/internal/config"
	"github.com/MrWong99/captioner/internal/diarize"
	"github.com/MrWong99/captioner/internal/observe"
	"github.com/MrWong99/captioner/internal/pipeline"
	"github.com/MrWong99/captioner/internal/speaker"
	"github.com/MrWong99/captioner/internal/transcript"
	"github.com/MrWong99/captioner/pkg/audio"
	"github.com/MrWong99/captioner/pkg/features"
	"github.com/MrWong99/captioner/pkg/provider/vad"
	"github.com/MrWong99/captioner/pkg/store"
)

const (
	// recentLines is how many transcript lines of the active session are
	// kept in memory for the HTTP surface.
	recentLines = 500

	// saveTimeout bounds persisting the profile snapshot at session end.
	saveTimeout = 10 * time.Second
)

var (
	// ErrSessionActive is returned by Start while a session is running.
	ErrSessionActive = errors.New("app: a session is already active")

	// ErrNoSession is returned when an operation needs a session and none
	// was started.
	ErrNoSession = errors.New("app: no session")

	// ErrMetricMismatch is returned by Start when the configured metric does
	// not fit the configured vector source.
	ErrMetricMismatch = errors.New("app: diarization metric does not fit the vector source")
)

// defaultVADConfig is used for end-of-utterance detection when a VAD
// provider is configured. SampleRate is filled in by the pipeline.
var defaultVADConfig = vad.Config{
	FrameSizeMs:      20,
	SpeechThreshold:  0.5,
	SilenceThreshold: 0.35,
	MinSpeechMs:      100,
	MinSilenceMs:     500,
}

// SessionInfo holds metadata about the current or most recent session.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	State     string    `json:"state"`

	// Lines is the number of transcript lines emitted so far.
	Lines int `json:"lines"`

	// Speakers is the number of distinct speakers seen so far.
	Speakers int `json:"speakers"`

	// Dropped is the number of samples lost to ring buffer overflow.
	Dropped uint64 `json:"dropped_samples"`
}

// SessionManager manages the lifecycle of capture sessions.
// Only one session can be active at a time (enforced by mutex).
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu      sync.Mutex
	current *activeSession

	// Dependencies injected at construction.
	cfg       *config.Config
	providers *Providers
	store     store.Store
	metrics   *observe.Metrics
	names     func() map[string]string
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Providers *Providers

	// Store persists lines and profile snapshots. Nil disables persistence.
	Store store.Store

	Metrics *observe.Metrics

	// Names returns the display names every new session starts with.
	Names func() map[string]string
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		cfg:       cfg.Config,
		providers: cfg.Providers,
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		names:     cfg.Names,
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.names == nil {
		sm.names = func() map[string]string { return nil }
	}
	return sm
}

type activeSession struct {
	pipe      *pipeline.Session
	speakers  *speaker.Manager
	startedAt time.Time

	mu    sync.Mutex
	lines []transcript.Line
	total int

	finishOnce sync.Once
}

func (s *activeSession) addLine(line transcript.Line) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if len(s.lines) == recentLines {
		s.lines = slices.Delete(s.lines, 0, 1)
	}
	s.lines = append(s.lines, line)
}

func (s *activeSession) recent() []transcript.Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.lines)
}

func (s *activeSession) running() bool {
	select {
	case <-s.pipe.Done():
		return false
	default:
		return s.pipe.State() == pipeline.StateRunning
	}
}

// Start begins a new capture session reading from src. Returns
// [ErrSessionActive] if a session is still running.
func (sm *SessionManager) Start(ctx context.Context, src audio.Source) (SessionInfo, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.current != nil && sm.current.running() {
		return SessionInfo{}, fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.current.pipe.ID())
	}

	speakers, err := newSpeakerManager(sm.cfg.Diarization, sm.providers.Embeddings != nil)
	if err != nil {
		return SessionInfo{}, err
	}
	if err := speakers.ApplyAliases(sm.names()); err != nil {
		slog.Warn("session: some speaker names were skipped", "err", err)
	}

	engine, err := sm.newDiarizer(speakers)
	if err != nil {
		return SessionInfo{}, err
	}

	orch, err := transcript.New(sm.providers.ASR, engine, sm.cfg.Pipeline.SampleRate,
		transcript.WithChunkDuration(sm.cfg.Pipeline.ChunkDuration),
		transcript.WithTrimSilence(sm.cfg.Pipeline.TrimSilence),
		transcript.WithMetrics(sm.metrics),
		transcript.WithProviderName(sm.providers.ASRName),
	)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("session: create orchestrator: %w", err)
	}

	opts := []pipeline.Option{
		pipeline.WithPollInterval(sm.cfg.Pipeline.PollInterval),
		pipeline.WithRingCapacity(sm.cfg.Pipeline.RingCapacity),
		pipeline.WithMetrics(sm.metrics),
	}
	if sm.providers.VAD != nil {
		opts = append(opts, pipeline.WithVAD(sm.providers.VAD, defaultVADConfig))
	}
	pipe, err := pipeline.New(src, orch, opts...)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("session: create pipeline: %w", err)
	}

	sess := &activeSession{
		pipe:      pipe,
		speakers:  speakers,
		startedAt: time.Now().UTC(),
	}
	sessionID := pipe.ID()
	pipe.OnLine(func(line transcript.Line) {
		sess.addLine(line)
		sm.persistLine(context.WithoutCancel(ctx), sessionID, line)
	})
	pipe.OnNotice(func(notice string) {
		slog.Info("session: notice", "session_id", sessionID, "notice", notice)
	})

	if err := pipe.Start(ctx); err != nil {
		return SessionInfo{}, fmt.Errorf("session: %w", err)
	}

	// A source that ends on its own still gets its profiles saved.
	go func() {
		<-pipe.Done()
		sm.finish(context.WithoutCancel(ctx), sess)
	}()

	sm.current = sess
	info := sm.infoLocked()

	slog.Info("session started",
		"session_id", sessionID,
		"asr", sm.providers.ASRName,
		"metric", speakers.Metric().Name,
		"vad", sm.providers.VAD != nil,
	)
	return info, nil
}

// Stop ends the active session. Buffered audio that was not flushed is
// discarded. Stopping a session that already finished is not an error.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sess := sm.session()
	if sess == nil {
		return ErrNoSession
	}
	if err := sess.pipe.Stop(); err != nil && !errors.Is(err, pipeline.ErrNotStarted) {
		slog.Warn("session: stop error", "session_id", sess.pipe.ID(), "err", err)
	}
	sm.finish(ctx, sess)
	slog.Info("session stopped", "session_id", sess.pipe.ID())
	return nil
}

// Flush transcribes everything buffered so far, including a partial chunk.
func (sm *SessionManager) Flush(ctx context.Context) error {
	sess := sm.session()
	if sess == nil {
		return ErrNoSession
	}
	return sess.pipe.Flush(ctx)
}

// Wait blocks until the active session has finished and its profiles were
// saved, or ctx is done. It returns the device error that ended the session,
// if any.
func (sm *SessionManager) Wait(ctx context.Context) error {
	sess := sm.session()
	if sess == nil {
		return ErrNoSession
	}
	select {
	case <-sess.pipe.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	sm.finish(ctx, sess)
	return sess.pipe.Err()
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sess := sm.session()
	return sess != nil && sess.running()
}

// Info returns metadata about the current or most recent session.
// Returns zero value if no session was started.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.infoLocked()
}

func (sm *SessionManager) infoLocked() SessionInfo {
	sess := sm.current
	if sess == nil {
		return SessionInfo{}
	}
	sess.mu.Lock()
	total := sess.total
	sess.mu.Unlock()
	return SessionInfo{
		SessionID: sess.pipe.ID(),
		StartedAt: sess.startedAt,
		State:     sess.pipe.State().String(),
		Lines:     total,
		Speakers:  sess.speakers.Count(),
		Dropped:   sess.pipe.Dropped(),
	}
}

// Lines returns the most recent transcript lines of the current session.
func (sm *SessionManager) Lines() []transcript.Line {
	sess := sm.session()
	if sess == nil {
		return nil
	}
	return sess.recent()
}

// Speakers returns the speaker manager of the current session, or nil.
func (sm *SessionManager) Speakers() *speaker.Manager {
	sess := sm.session()
	if sess == nil {
		return nil
	}
	return sess.speakers
}

func (sm *SessionManager) session() *activeSession {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

func (sm *SessionManager) persistLine(ctx context.Context, sessionID string, line transcript.Line) {
	if sm.store == nil {
		return
	}
	err := sm.store.AppendLine(ctx, sessionID, store.Line{
		Speaker: line.Speaker,
		Label:   line.Label,
		Text:    line.Text,
		Start:   line.Start,
		End:     line.End,
	})
	if err != nil {
		slog.Warn("session: failed to persist line", "session_id", sessionID, "err", err)
	}
}

// finish saves the profile snapshot of sess once.
func (sm *SessionManager) finish(ctx context.Context, sess *activeSession) {
	sess.finishOnce.Do(func() {
		if sm.store == nil {
			return
		}
		profiles := sess.speakers.Profiles()
		if len(profiles) == 0 {
			return
		}
		snapshot := make([]store.Profile, 0, len(profiles))
		for _, p := range profiles {
			centroid := make([]float32, len(p.Centroid))
			for i, v := range p.Centroid {
				centroid[i] = float32(v)
			}
			snapshot = append(snapshot, store.Profile{
				Label:    p.Label,
				Name:     p.DisplayName,
				Segments: p.Segments,
				Centroid: centroid,
			})
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
		defer cancel()
		id := sess.pipe.ID()
		if err := sm.store.SaveProfiles(ctx, id, snapshot); err != nil {
			slog.Warn("session: failed to save speaker profiles", "session_id", id, "err", err)
			return
		}
		slog.Info("session: speaker profiles saved", "session_id", id, "speakers", len(snapshot))
	})
}

// newDiarizer picks the vector source: learned embeddings when a provider is
// configured, otherwise the built-in feature extractor.
func (sm *SessionManager) newDiarizer(speakers *speaker.Manager) (*diarize.Engine, error) {
	ext, err := features.NewExtractor(sm.cfg.Pipeline.SampleRate, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("session: create feature extractor: %w", err)
	}
	var src diarize.VectorSource = ext
	if sm.providers.Embeddings != nil {
		src = diarize.FromEmbeddings(sm.providers.Embeddings)
	}

	// Speaker changes inside a segment are found on features even when
	// segments are clustered by embeddings.
	opts := []diarize.Option{
		diarize.WithSegmentDuration(sm.cfg.Diarization.SegmentDuration),
		diarize.WithChangeDetector(ext),
	}
	if sm.cfg.Diarization.SilenceThreshold > 0 {
		opts = append(opts, diarize.WithSilenceThreshold(sm.cfg.Diarization.SilenceThreshold))
	}
	return diarize.New(speakers, src, opts...), nil
}

// newSpeakerManager builds the clustering rule from the diarization config.
// Embeddings are compared by cosine similarity; the feature-weighted distance
// only fits the built-in features.
func newSpeakerManager(cfg config.DiarizationConfig, embeddings bool) (*speaker.Manager, error) {
	name := cfg.Metric
	if name == "" {
		name = config.MetricEuclidean
		if embeddings {
			name = config.MetricCosine
		}
	}
	var metric speaker.Metric
	switch name {
	case config.MetricCosine:
		metric = speaker.Cosine(cfg.Threshold)
	case config.MetricEuclidean:
		if embeddings {
			return nil, fmt.Errorf("%w: euclidean distance over learned embeddings", ErrMetricMismatch)
		}
		metric = speaker.WeightedEuclidean(nil, cfg.Threshold)
	default:
		return nil, fmt.Errorf("session: unknown metric %q", cfg.Metric)
	}
	return speaker.NewManager(
		speaker.WithMetric(metric),
		speaker.WithRecencyWindow(cfg.RecencyWindow),
		speaker.WithMaxSpeakers(cfg.MaxSpeakers),
	), nil
}

// Package app wires all captioner subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the store, loads speaker
// names and registers readiness checks, Run drives one capture session until
// the source ends or the context is cancelled, and Shutdown tears everything
// down in order.
//
// For testing, inject test doubles via functional options (WithStore,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/captioner/internal/config"
	"github.com/MrWong99/captioner/internal/health"
	"github.com/MrWong99/captioner/internal/observe"
	"github.com/MrWong99/captioner/internal/resilience"
	"github.com/MrWong99/captioner/internal/speaker"
	"github.com/MrWong99/captioner/pkg/audio"
	"github.com/MrWong99/captioner/pkg/provider/asr"
	"github.com/MrWong99/captioner/pkg/provider/embeddings"
	"github.com/MrWong99/captioner/pkg/provider/vad"
	"github.com/MrWong99/captioner/pkg/store"
	"github.com/MrWong99/captioner/pkg/store/file"
	"github.com/MrWong99/captioner/pkg/store/postgres"
)

// flushTimeout bounds transcribing the partial chunk on interrupt.
const flushTimeout = 30 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// ASR is required. When fallbacks are configured it is the
	// [resilience.ASRFallback] wrapping all backends.
	ASR     asr.Provider
	ASRName string

	// ASRFallback is set when ASR has fallbacks; its breaker states feed
	// the readiness checks.
	ASRFallback *resilience.ASRFallback

	Embeddings embeddings.Provider
	VAD        vad.Engine
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	store    store.Store
	metrics  *observe.Metrics
	health   *health.Handler
	sessions *SessionManager
	level    *slog.LevelVar

	mu    sync.Mutex
	names map[string]string

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets configuration reloads change the log level through v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.ASR == nil {
		return nil, errors.New("app: an ASR provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// 1. Store
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// 2. Speaker names: config aliases, overlaid by names saved at runtime.
	if err := a.loadNames(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: load speaker names: %w", err)
	}

	// 3. Sessions
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Providers: providers,
		Store:     a.store,
		Metrics:   a.metrics,
		Names:     a.Names,
	})

	// 4. Readiness checks
	a.initHealth()

	return a, nil
}

// initStore opens the configured store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	switch a.cfg.Storage.Backend {
	case config.StorageNone:
		slog.Info("storage disabled, names and transcripts are not persisted")
		return nil
	case config.StorageFile:
		s, err := file.New(a.cfg.Storage.Path)
		if err != nil {
			return err
		}
		a.store = s
		slog.Info("using file store", "path", a.cfg.Storage.Path)
	case config.StoragePostgres:
		s, err := postgres.New(ctx, a.cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = s
		slog.Info("using postgres store")
	default:
		return fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
	a.closers = append(a.closers, a.store.Close)
	return nil
}

func (a *App) loadNames(ctx context.Context) error {
	names := make(map[string]string, len(a.cfg.Speakers))
	for label, name := range a.cfg.Speakers {
		if name = strings.TrimSpace(name); name != "" {
			names[label] = name
		}
	}
	if a.store != nil {
		saved, err := a.store.LoadNames(ctx)
		if err != nil {
			return err
		}
		maps.Copy(names, saved)
		slog.Info("loaded speaker names", "configured", len(a.cfg.Speakers), "saved", len(saved))
	}
	a.mu.Lock()
	a.names = names
	a.mu.Unlock()
	return nil
}

func (a *App) initHealth() {
	a.health = health.New(health.Checker{
		Name: "session",
		Check: func(context.Context) error {
			if !a.sessions.IsActive() {
				return errors.New("no capture session running")
			}
			return nil
		},
	})

	if a.store != nil {
		check := func(ctx context.Context) error {
			_, err := a.store.LoadNames(ctx)
			return err
		}
		if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
			check = p.Ping
		}
		a.health.Add(health.Checker{Name: "store", Check: check})
	}

	if fb := a.providers.ASRFallback; fb != nil {
		for _, name := range fb.Backends() {
			a.health.Add(health.Checker{
				Name:     "asr/" + name,
				Optional: true,
				Check: func(context.Context) error {
					if st := fb.States()[name]; st != resilience.StateClosed {
						return fmt.Errorf("circuit %s", st)
					}
					return nil
				},
			})
		}
	}
}

// Names returns a copy of the display names new sessions start with.
func (a *App) Names() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.names)
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Rename assigns name to the speaker label, persists it and applies it to the
// running session. An empty name clears the assignment.
func (a *App) Rename(ctx context.Context, label, name string) error {
	if _, err := speaker.ParseLabel(label); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if a.store != nil {
		if err := a.store.SaveName(ctx, label, name); err != nil {
			return fmt.Errorf("app: save speaker name: %w", err)
		}
	}
	a.setName(label, name)
	slog.Info("speaker renamed", "label", label, "name", name)
	return nil
}

func (a *App) setName(label, name string) {
	a.mu.Lock()
	if name == "" {
		delete(a.names, label)
	} else {
		a.names[label] = name
	}
	a.mu.Unlock()

	if mgr := a.sessions.Speakers(); mgr != nil {
		if err := mgr.Rename(label, name); err != nil {
			slog.Warn("rename on running session failed", "label", label, "err", err)
		}
	}
}

// ApplyConfig applies the settings that can change while running: log level
// and speaker aliases. It is the onChange callback of [config.Watcher].
// Alias changes are not written to the store.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	for label, name := range d.Aliases {
		a.setName(label, name)
	}
	if d.AliasesChanged() {
		slog.Info("speaker aliases reloaded", "changed", len(d.Aliases))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// Run starts a capture session on src and blocks until the source ends or
// ctx is cancelled. On cancellation the partial chunk is transcribed before
// the session stops, and Run returns nil. A device failure is returned.
func (a *App) Run(ctx context.Context, src audio.Source) error {
	info, err := a.sessions.Start(context.WithoutCancel(ctx), src)
	if err != nil {
		return err
	}
	slog.Info("app running", "session_id", info.SessionID)

	err = a.sessions.Wait(ctx)
	if ctx.Err() == nil {
		return err
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := a.sessions.Flush(fctx); err != nil {
		slog.Warn("final flush failed", "err", err)
	}
	if err := a.sessions.Stop(fctx); err != nil {
		slog.Warn("session stop failed", "err", err)
	}
	return nil
}

// Shutdown stops the session, then tears down all subsystems in init
// order. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.sessions.IsActive() {
			if err := a.sessions.Stop(ctx); err != nil {
				slog.Warn("session stop error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
	a.closers = nil
}

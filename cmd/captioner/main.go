// Command captioner transcribes a capture stream and labels every line with
// the speaker who said it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/captioner/internal/app"
	"github.com/MrWong99/captioner/internal/config"
	"github.com/MrWong99/captioner/internal/observe"
	"github.com/MrWong99/captioner/internal/resilience"
	"github.com/MrWong99/captioner/pkg/audio/wavfile"
	"github.com/MrWong99/captioner/pkg/provider/asr"
	"github.com/MrWong99/captioner/pkg/provider/asr/deepgram"
	oaasr "github.com/MrWong99/captioner/pkg/provider/asr/openai"
	"github.com/MrWong99/captioner/pkg/provider/asr/whisper"
	"github.com/MrWong99/captioner/pkg/provider/embeddings"
	"github.com/MrWong99/captioner/pkg/provider/embeddings/remote"
	"github.com/MrWong99/captioner/pkg/provider/vad"
	"github.com/MrWong99/captioner/pkg/provider/vad/energy"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	audioFile := flag.String("file", "", "WAV file to transcribe (overrides audio.file)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "captioner: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "captioner: %v\n", err)
		}
		return 1
	}
	if *audioFile != "" {
		cfg.Audio.File = *audioFile
	}
	if cfg.Audio.File == "" {
		fmt.Fprintln(os.Stderr, "captioner: no audio source, set audio.file or pass -file")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("captioner starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		SampleRate:     cfg.Pipeline.SampleRate,
		ASRProvider:    cfg.Providers.ASR.Name,
		Metric:         string(cfg.Diarization.Metric),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, closers, err := buildProviders(cfg, reg)
	defer closeAll(closers)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLevelVar(&level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── HTTP surface ──────────────────────────────────────────────────────────
	var srv *http.Server
	if cfg.Server.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		mux.Handle("/", application.Handler())
		srv = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "err", err)
				stop()
			}
		}()
	}

	slog.Info("captioner ready, press Ctrl+C to stop")

	src := wavfile.New(cfg.Audio.File,
		wavfile.WithRealtime(cfg.Audio.Realtime),
		wavfile.WithFrameDuration(cfg.Audio.FrameDuration),
	)
	exit := 0
	if err := application.Run(ctx, src); err != nil {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exit
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── ASR ───────────────────────────────────────────────────────────────────

	reg.RegisterASR("whisper", func(entry config.ProviderEntry) (asr.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if d := entry.OptionDuration("timeout", 0); d > 0 {
			opts = append(opts, whisper.WithTimeout(d))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterASR("whisper-native", func(entry config.ProviderEntry) (asr.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptionString("model_path", "")
		}
		var opts []whisper.NativeOption
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n := entry.OptionInt("concurrency", 0); n > 0 {
			opts = append(opts, whisper.WithNativeConcurrency(n))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterASR("deepgram", func(entry config.ProviderEntry) (asr.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if rate := entry.OptionInt("sample_rate", 0); rate > 0 {
			opts = append(opts, deepgram.WithSampleRate(rate))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterASR("openai", func(entry config.ProviderEntry) (asr.Provider, error) {
		var opts []oaasr.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaasr.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptionString("organization", ""); org != "" {
			opts = append(opts, oaasr.WithOrganization(org))
		}
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, oaasr.WithLanguage(lang))
		}
		if d := entry.OptionDuration("timeout", 0); d > 0 {
			opts = append(opts, oaasr.WithTimeout(d))
		}
		return oaasr.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("remote", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []remote.Option
		if d := entry.OptionDuration("timeout", 0); d > 0 {
			opts = append(opts, remote.WithTimeout(d))
		}
		if dims := entry.OptionInt("dimensions", 0); dims > 0 {
			opts = append(opts, remote.WithDimensions(dims))
		}
		return remote.New(entry.BaseURL, entry.Model, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		return energy.New(energy.WithReference(entry.OptionFloat("reference", 0))), nil
	})

	for _, kind := range []string{"asr", "embeddings", "vad"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. The returned closers release providers holding native resources
// and must be called even when an error is returned.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, []io.Closer, error) {
	ps := &app.Providers{ASRName: cfg.Providers.ASR.Name}
	var closers []io.Closer
	track := func(v any) {
		if c, ok := v.(io.Closer); ok {
			closers = append(closers, c)
		}
	}

	primary, err := reg.CreateASR(cfg.Providers.ASR)
	if err != nil {
		return nil, closers, fmt.Errorf("create asr provider %q: %w", cfg.Providers.ASR.Name, err)
	}
	track(primary)
	ps.ASR = primary
	slog.Info("provider created", "kind", "asr", "name", cfg.Providers.ASR.Name)

	if len(cfg.Providers.ASRFallbacks) > 0 {
		fb := resilience.NewASRFallback(primary, cfg.Providers.ASR.Name, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				OnStateChange: func(name string, from, to resilience.State) {
					slog.Warn("asr circuit breaker changed state", "backend", name, "from", from, "to", to)
				},
			},
		})
		for _, entry := range cfg.Providers.ASRFallbacks {
			p, err := reg.CreateASR(entry)
			if err != nil {
				return nil, closers, fmt.Errorf("create asr fallback %q: %w", entry.Name, err)
			}
			track(p)
			fb.AddFallback(entry.Name, p)
			slog.Info("provider created", "kind", "asr-fallback", "name", entry.Name)
		}
		ps.ASR = fb
		ps.ASRFallback = fb
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, closers, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		track(p)
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", name)
	}

	if name := cfg.Providers.VAD.Name; name != "" {
		p, err := reg.CreateVAD(cfg.Providers.VAD)
		if err != nil {
			return nil, closers, fmt.Errorf("create vad provider %q: %w", name, err)
		}
		ps.VAD = p
		slog.Info("provider created", "kind", "vad", "name", name)
	}

	return ps, closers, nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			slog.Warn("provider close error", "err", err)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       captioner, startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("ASR", cfg.Providers.ASR.Name, cfg.Providers.ASR.Model)
	for _, fb := range cfg.Providers.ASRFallbacks {
		printProvider("ASR fallback", fb.Name, fb.Model)
	}
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	printRow("Audio file", cfg.Audio.File)
	printRow("Chunk", cfg.Pipeline.ChunkDuration.String())
	printRow("Metric", string(cfg.Diarization.Metric))
	printRow("Storage", string(cfg.Storage.Backend))
	printRow("Aliases", fmt.Sprint(len(cfg.Speakers)))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(key, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", key, value)
}

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/captioner/internal/speaker"
)

// ValidProviderNames lists the built-in provider names per kind. [Validate]
// warns about names not listed here, since they may still be registered by
// an embedding program.
var ValidProviderNames = map[string][]string{
	"asr":        {"whisper", "whisper-native", "deepgram", "openai"},
	"embeddings": {"remote"},
	"vad":        {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected. An empty document yields
// the default configuration, which fails validation for lack of an ASR
// provider.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if !cfg.Providers.ASR.IsSet() {
		errs = append(errs, errors.New("providers.asr.name is required"))
	}
	validateProviderName("asr", cfg.Providers.ASR.Name)
	for i, fb := range cfg.Providers.ASRFallbacks {
		if !fb.IsSet() {
			errs = append(errs, fmt.Errorf("providers.asr_fallbacks[%d].name is required", i))
		}
		validateProviderName("asr", fb.Name)
	}
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	p := cfg.Pipeline
	if p.SampleRate < 8000 || p.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("pipeline.sample_rate %d is out of range [8000, 192000]", p.SampleRate))
	}
	if p.ChunkDuration < 500*time.Millisecond {
		errs = append(errs, fmt.Errorf("pipeline.chunk_duration %v is shorter than 500ms", p.ChunkDuration))
	}
	if p.RingCapacity < 0 {
		errs = append(errs, fmt.Errorf("pipeline.ring_capacity %d is negative", p.RingCapacity))
	}
	if p.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("pipeline.poll_interval %v is negative", p.PollInterval))
	}
	if cfg.Audio.FrameDuration < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration %v is negative", cfg.Audio.FrameDuration))
	}

	d := cfg.Diarization
	if !d.Metric.IsValid() {
		errs = append(errs, fmt.Errorf("diarization.metric %q is invalid; valid values: euclidean, cosine", d.Metric))
	}
	if d.Metric == MetricEuclidean && cfg.Providers.Embeddings.IsSet() {
		errs = append(errs, errors.New("diarization.metric euclidean cannot compare learned embeddings; use cosine with providers.embeddings"))
	}
	if d.Metric == MetricCosine && !cfg.Providers.Embeddings.IsSet() {
		slog.Warn("diarization.metric is cosine but no embeddings provider is configured; hand-crafted features will be compared by angle")
	}
	switch {
	case d.Threshold < 0:
		errs = append(errs, fmt.Errorf("diarization.threshold %.2f is negative", d.Threshold))
	case d.Metric == MetricCosine && d.Threshold > 1:
		errs = append(errs, fmt.Errorf("diarization.threshold %.2f is out of range [0, 1] for cosine", d.Threshold))
	}
	if d.SegmentDuration < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("diarization.segment_duration %v is shorter than 100ms", d.SegmentDuration))
	}
	if d.SegmentDuration > p.ChunkDuration {
		errs = append(errs, fmt.Errorf("diarization.segment_duration %v exceeds pipeline.chunk_duration %v", d.SegmentDuration, p.ChunkDuration))
	}
	if d.SilenceThreshold < 0 {
		errs = append(errs, fmt.Errorf("diarization.silence_threshold %.4f is negative", d.SilenceThreshold))
	}
	if d.RecencyWindow < 0 {
		errs = append(errs, fmt.Errorf("diarization.recency_window %d is negative", d.RecencyWindow))
	}

	s := cfg.Storage
	switch {
	case !s.Backend.IsValid():
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: none, file, postgres", s.Backend))
	case s.Backend == StorageFile && s.Path == "":
		errs = append(errs, errors.New("storage.path is required for the file backend"))
	case s.Backend == StoragePostgres && s.PostgresDSN == "":
		errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend"))
	}

	for label := range cfg.Speakers {
		if _, err := speaker.ParseLabel(label); err != nil {
			errs = append(errs, fmt.Errorf("speakers: %q: %w", label, err))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not a known
// built-in for kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

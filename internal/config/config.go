// Package config provides the configuration schema, loader, provider registry
// and hot-reload watcher of the captioner.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog level. Unknown values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MetricName selects how speaker vectors are compared.
type MetricName string

const (
	// MetricEuclidean is the weighted Euclidean distance over hand-crafted
	// features. It is the only metric that works without an embeddings
	// provider.
	MetricEuclidean MetricName = "euclidean"

	// MetricCosine is cosine similarity, meant for learned embeddings.
	MetricCosine MetricName = "cosine"
)

// IsValid reports whether m is a recognised metric.
func (m MetricName) IsValid() bool {
	return m == MetricEuclidean || m == MetricCosine
}

// StorageBackend selects where speaker names and transcripts are persisted.
type StorageBackend string

const (
	StorageNone     StorageBackend = "none"
	StorageFile     StorageBackend = "file"
	StoragePostgres StorageBackend = "postgres"
)

// IsValid reports whether b is a recognised backend.
func (b StorageBackend) IsValid() bool {
	switch b {
	case StorageNone, StorageFile, StoragePostgres:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultSampleRate      = 16000
	DefaultChunkDuration   = 5 * time.Second
	DefaultRingCapacity    = 1 << 16
	DefaultPollInterval    = 20 * time.Millisecond
	DefaultSegmentDuration = 1500 * time.Millisecond
	DefaultMaxSpeakers     = 8
	DefaultRecencyWindow   = 3
	DefaultStoragePath     = "captioner-data"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Audio       AudioConfig       `yaml:"audio"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Diarization DiarizationConfig `yaml:"diarization"`
	Storage     StorageConfig     `yaml:"storage"`

	// Speakers maps speaker labels ("Speaker_1") to display names. Changes
	// are applied while running.
	Speakers map[string]string `yaml:"speakers"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP surface (metrics, health,
	// speaker renames). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig selects the backend for each pluggable stage. Each entry
// names a factory registered in the [Registry].
type ProvidersConfig struct {
	// ASR is the primary speech-to-text backend. Required.
	ASR ProviderEntry `yaml:"asr"`

	// ASRFallbacks are tried in order when the primary fails.
	ASRFallbacks []ProviderEntry `yaml:"asr_fallbacks"`

	// Embeddings, when set, replaces the hand-crafted feature vectors with
	// learned speaker embeddings.
	Embeddings ProviderEntry `yaml:"embeddings"`

	// VAD, when set, closes chunks early at the end of an utterance.
	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
type ProviderEntry struct {
	// Name selects the registered implementation ("whisper", "deepgram").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider's API, if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// IsSet reports whether the entry selects a provider.
func (e ProviderEntry) IsSet() bool { return e.Name != "" }

// AudioConfig selects the capture source.
type AudioConfig struct {
	// File is a WAV file replayed as if it were a capture device.
	File string `yaml:"file"`

	// Realtime paces the replay at the file's own sample rate, dropping audio
	// the pipeline cannot keep up with like a live device would. Otherwise
	// the replay runs as fast as the pipeline consumes it and loses nothing.
	Realtime bool `yaml:"realtime"`

	// FrameDuration is the length of one delivered frame. Default 20ms.
	FrameDuration time.Duration `yaml:"frame_duration"`
}

// PipelineConfig tunes chunking and buffering.
type PipelineConfig struct {
	// SampleRate is the canonical analysis rate. Source audio at another
	// rate is rejected. Default 16000.
	SampleRate int `yaml:"sample_rate"`

	// ChunkDuration is the amount of audio transcribed at once. Default 5s.
	ChunkDuration time.Duration `yaml:"chunk_duration"`

	// RingCapacity is the size of the capture ring buffer in samples.
	RingCapacity int `yaml:"ring_capacity"`

	// PollInterval is how often the consumer drains the ring buffer.
	PollInterval time.Duration `yaml:"poll_interval"`

	// TrimSilence cuts leading and trailing silence before transcription.
	TrimSilence bool `yaml:"trim_silence"`
}

// DiarizationConfig tunes speaker clustering.
type DiarizationConfig struct {
	// Metric is "euclidean" or "cosine". It defaults to cosine when an
	// embeddings provider is configured and to euclidean otherwise.
	Metric MetricName `yaml:"metric"`

	// SegmentDuration is the length of one analysis segment. Default 1.5s.
	SegmentDuration time.Duration `yaml:"segment_duration"`

	// SilenceThreshold is the mean-square amplitude below which a segment
	// is not clustered. Zero selects the default.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// Threshold is the score that makes a vector join an existing speaker:
	// a distance for euclidean, a similarity for cosine. Zero selects the
	// metric's default.
	Threshold float64 `yaml:"threshold"`

	// RecencyWindow is how many recent vectors per speaker are compared.
	RecencyWindow int `yaml:"recency_window"`

	// MaxSpeakers caps the number of speakers. Zero selects the default of
	// 8; a negative value removes the cap.
	MaxSpeakers int `yaml:"max_speakers"`
}

// StorageConfig selects persistence for names, transcripts and profiles.
type StorageConfig struct {
	// Backend is "none", "file" (default) or "postgres".
	Backend StorageBackend `yaml:"backend"`

	// Path is the root directory of the file backend.
	Path string `yaml:"path"`

	// PostgresDSN is the connection string of the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Pipeline.SampleRate == 0 {
		cfg.Pipeline.SampleRate = DefaultSampleRate
	}
	if cfg.Pipeline.ChunkDuration == 0 {
		cfg.Pipeline.ChunkDuration = DefaultChunkDuration
	}
	if cfg.Pipeline.RingCapacity == 0 {
		cfg.Pipeline.RingCapacity = DefaultRingCapacity
	}
	if cfg.Pipeline.PollInterval == 0 {
		cfg.Pipeline.PollInterval = DefaultPollInterval
	}
	if cfg.Diarization.Metric == "" {
		cfg.Diarization.Metric = MetricEuclidean
		if cfg.Providers.Embeddings.IsSet() {
			cfg.Diarization.Metric = MetricCosine
		}
	}
	if cfg.Diarization.SegmentDuration == 0 {
		cfg.Diarization.SegmentDuration = DefaultSegmentDuration
	}
	if cfg.Diarization.RecencyWindow == 0 {
		cfg.Diarization.RecencyWindow = DefaultRecencyWindow
	}
	if cfg.Diarization.MaxSpeakers == 0 {
		cfg.Diarization.MaxSpeakers = DefaultMaxSpeakers
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageFile
	}
	if cfg.Storage.Backend == StorageFile && cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultStoragePath
	}
}

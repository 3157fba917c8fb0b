package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Only settings that
// can be applied without restarting the capture session are tracked; all
// other changes are listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Aliases holds the speaker labels whose display name changed, mapped
	// to the new name. An empty name means the alias was removed.
	Aliases map[string]string

	// RestartRequired names the top-level sections that changed in a way
	// that only takes effect after a restart.
	RestartRequired []string
}

// AliasesChanged reports whether any speaker alias changed.
func (d ConfigDiff) AliasesChanged() bool { return len(d.Aliases) > 0 }

// Diff compares old and new and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	for label, name := range new.Speakers {
		if prev, ok := old.Speakers[label]; !ok || prev != name {
			d.setAlias(label, name)
		}
	}
	for label := range old.Speakers {
		if _, ok := new.Speakers[label]; !ok {
			d.setAlias(label, "")
		}
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Pipeline != new.Pipeline {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}
	if old.Diarization != new.Diarization {
		d.RestartRequired = append(d.RestartRequired, "diarization")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	return d
}

func (d *ConfigDiff) setAlias(label, name string) {
	if d.Aliases == nil {
		d.Aliases = make(map[string]string)
	}
	d.Aliases[label] = name
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.ASR, b.ASR) &&
		entryEqual(a.Embeddings, b.Embeddings) &&
		entryEqual(a.VAD, b.VAD) &&
		slices.EqualFunc(a.ASRFallbacks, b.ASRFallbacks, entryEqual)
}

func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		reflect.DeepEqual(a.Options, b.Options)
}

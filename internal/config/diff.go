package config

import (
	"reflect"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SleepIntervalChanged bool
	NewSleepInterval     time.Duration

	PersistIntervalChanged bool
	NewPersistInterval     time.Duration

	// RestartRequired lists top-level sections that changed but cannot be
	// applied at runtime.
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SleepIntervalChanged && !d.PersistIntervalChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Substrate.SleepInterval != new.Substrate.SleepInterval {
		d.SleepIntervalChanged = true
		d.NewSleepInterval = new.Substrate.SleepInterval
	}
	if old.Substrate.PersistInterval != new.Substrate.PersistInterval {
		d.PersistIntervalChanged = true
		d.NewPersistInterval = new.Substrate.PersistInterval
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if !reflect.DeepEqual(old.Memory, new.Memory) {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

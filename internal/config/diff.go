package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// is reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TimingChanged is true if any delay in timing changed.
	TimingChanged bool

	// AssetsChanged is true if any assets setting changed. The resolver is
	// rebuilt and its cache cleared.
	AssetsChanged bool

	// RestartRequired lists changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.TimingChanged && !d.AssetsChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.TimingChanged = old.Timing != new.Timing
	d.AssetsChanged = !assetsEqual(old.Assets, new.Assets)

	if old.Server.ListenAddr != new.Server.ListenAddr || !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Queue != new.Queue {
		d.RestartRequired = append(d.RestartRequired, "queue")
	}
	if old.Combat != new.Combat {
		d.RestartRequired = append(d.RestartRequired, "combat")
	}
	if old.Journal != new.Journal {
		d.RestartRequired = append(d.RestartRequired, "journal")
	}
	if old.Discord != new.Discord {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func assetsEqual(a, b AssetsConfig) bool {
	return a.BaseDir == b.BaseDir &&
		a.BaseURL == b.BaseURL &&
		a.PublicPrefix == b.PublicPrefix &&
		a.CacheTTL == b.CacheTTL &&
		a.RecencySize == b.RecencySize &&
		a.CircuitBreaker == b.CircuitBreaker &&
		slices.Equal(a.Prewarm, b.Prewarm)
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

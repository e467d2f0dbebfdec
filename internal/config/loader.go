package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

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
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Timing
	for _, f := range []struct {
		name string
		d    time.Duration
	}{
		{"timing.setup_delay", cfg.Timing.SetupDelay},
		{"timing.resolving_delay", cfg.Timing.ResolvingDelay},
		{"timing.aftermath_delay", cfg.Timing.AftermathDelay},
		{"timing.tick_interval", cfg.Timing.TickInterval},
		{"timing.resume_settle", cfg.Timing.ResumeSettle},
	} {
		if f.d < 0 {
			errs = append(errs, fmt.Errorf("%s %s must not be negative", f.name, f.d))
		}
	}
	if cfg.Timing.TickInterval > 0 && cfg.Timing.TickInterval < 100*time.Millisecond {
		slog.Warn("timing.tick_interval is very short; the presentation layer will be flooded with ticks", "tick_interval", cfg.Timing.TickInterval)
	}
	if cfg.Timing.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timing.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timing.timezone %q: %w", cfg.Timing.Timezone, err))
		}
	}

	// Queue
	if cfg.Queue.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("queue.history_size %d must not be negative", cfg.Queue.HistorySize))
	}

	// Assets
	a := cfg.Assets
	if a.BaseDir == "" && a.BaseURL == "" {
		slog.Warn("neither assets.base_dir nor assets.base_url is set; every resolution will fall back to the static placeholder")
	}
	if a.BaseURL != "" {
		if u, err := url.Parse(a.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("assets.base_url %q must be an absolute http(s) URL", a.BaseURL))
		}
	}
	if a.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("assets.cache_ttl %s must not be negative", a.CacheTTL))
	}
	if a.RecencySize < 0 {
		errs = append(errs, fmt.Errorf("assets.recency_size %d must not be negative", a.RecencySize))
	}
	if a.CircuitBreaker.MaxFailures < 0 || a.CircuitBreaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("assets.circuit_breaker values must not be negative"))
	}

	// Combat
	if !cfg.Combat.Simulator.IsValid() {
		errs = append(errs, fmt.Errorf("combat.simulator %q is invalid; valid values: builtin, external", cfg.Combat.Simulator))
	}
	if cfg.Combat.RoundInterval < 0 {
		errs = append(errs, fmt.Errorf("combat.round_interval %s must not be negative", cfg.Combat.RoundInterval))
	}

	// Journal
	if cfg.Journal.MemorySize < 0 {
		errs = append(errs, fmt.Errorf("journal.memory_size %d must not be negative", cfg.Journal.MemorySize))
	}
	if cfg.Journal.PostgresDSN == "" {
		slog.Debug("journal.postgres_dsn is empty; resolved episodes are kept in memory only")
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %g must be within (0, 1]", r))
	}

	// Discord
	if (cfg.Discord.Token == "") != (cfg.Discord.ChannelID == "") {
		slog.Warn("discord narrator needs both token and channel_id; narrator disabled")
	}

	return errors.Join(errs...)
}

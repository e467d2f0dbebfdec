// Package config provides the configuration schema, loader, hot-reload
// watcher and diffing for the Stagecraft server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the Stagecraft server.
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

// Level maps l to its slog level. Unknown levels map to info.
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

// Simulator selects who resolves autobattler episodes.
type Simulator string

const (
	// SimulatorBuiltin runs the in-process seeded duel.
	SimulatorBuiltin Simulator = "builtin"

	// SimulatorExternal waits for an external collaborator to post
	// autobattler:resolve.
	SimulatorExternal Simulator = "external"
)

// IsValid reports whether s is a recognised simulator.
func (s Simulator) IsValid() bool {
	return s == SimulatorBuiltin || s == SimulatorExternal
}

// Defaults.
const (
	DefaultListenAddr     = ":8080"
	DefaultSetupDelay     = 2 * time.Second
	DefaultResolvingDelay = 1500 * time.Millisecond
	DefaultAftermathDelay = 2500 * time.Millisecond
	DefaultTickInterval   = time.Second
	DefaultResumeSettle   = 600 * time.Millisecond
	DefaultHistorySize    = 50
	DefaultCacheTTL       = 5 * time.Minute
	DefaultRecencySize    = 10
	DefaultPublicPrefix   = "/assets"
	DefaultRoundInterval  = 700 * time.Millisecond
	DefaultMaxFailures    = 5
	DefaultResetTimeout   = 30 * time.Second
	DefaultServiceName    = "stagecraft"
)

// Config is the root configuration structure for Stagecraft.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Timing    TimingConfig    `yaml:"timing"`
	Queue     QueueConfig     `yaml:"queue"`
	Assets    AssetsConfig    `yaml:"assets"`
	Combat    CombatConfig    `yaml:"combat"`
	Journal   JournalConfig   `yaml:"journal"`
	Discord   DiscordConfig   `yaml:"discord"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP gateway listens on. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TimingConfig holds the episode and queue delays. Hot-reloadable; changes
// apply to the next phase that is armed.
type TimingConfig struct {
	SetupDelay     time.Duration `yaml:"setup_delay"`
	ResolvingDelay time.Duration `yaml:"resolving_delay"`
	AftermathDelay time.Duration `yaml:"aftermath_delay"`
	TickInterval   time.Duration `yaml:"tick_interval"`
	ResumeSettle   time.Duration `yaml:"resume_settle"`

	// Timezone is the IANA zone used to derive an incident's time of day.
	// Empty means UTC.
	Timezone string `yaml:"timezone"`
}

// QueueConfig tunes the coordinator's bookkeeping.
type QueueConfig struct {
	// HistorySize bounds the number of completed episodes kept in memory.
	HistorySize int `yaml:"history_size"`
}

// AssetsConfig configures the asset resolver and its sources. Hot-reloadable;
// any change clears the resolver cache.
type AssetsConfig struct {
	// BaseDir is the local asset root.
	BaseDir string `yaml:"base_dir"`

	// BaseURL is an optional remote mirror tried before BaseDir.
	BaseURL string `yaml:"base_url"`

	// PublicPrefix is prepended to resolved asset URLs. Default "/assets".
	PublicPrefix string `yaml:"public_prefix"`

	// CacheTTL is the manifest cache lifetime. Default 5m.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// RecencySize is the repetition-penalty window. Default 10.
	RecencySize int `yaml:"recency_size"`

	// Prewarm lists beat types whose manifests are loaded at startup.
	Prewarm []string `yaml:"prewarm"`

	// CircuitBreaker tunes the per-source breakers.
	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// CombatConfig selects and tunes the autobattler collaborator.
type CombatConfig struct {
	Simulator     Simulator     `yaml:"simulator"`
	RoundInterval time.Duration `yaml:"round_interval"`

	// Seed fixes the duel dice. Zero derives the seed from the episode id.
	Seed int64 `yaml:"seed"`
}

// JournalConfig configures persistence of resolved episodes.
type JournalConfig struct {
	// PostgresDSN selects the PostgreSQL journal. Empty keeps the journal in
	// memory.
	PostgresDSN string `yaml:"postgres_dsn"`

	// MemorySize bounds the in-memory journal. Default 200.
	MemorySize int `yaml:"memory_size"`
}

// DiscordConfig configures the optional narrator.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether the narrator should run.
func (d DiscordConfig) Enabled() bool { return d.Token != "" && d.ChannelID != "" }

// TelemetryConfig configures the OpenTelemetry resource and trace sampling.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// Environment is reported as deployment.environment, e.g. "stage" or
	// "rehearsal". Empty omits the attribute.
	Environment string `yaml:"environment"`

	// TraceSampleRatio is the share of new traces recorded, in (0, 1].
	// Traces started upstream follow the caller's decision. Default: 1.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	t := &c.Timing
	setDuration(&t.SetupDelay, DefaultSetupDelay)
	setDuration(&t.ResolvingDelay, DefaultResolvingDelay)
	setDuration(&t.AftermathDelay, DefaultAftermathDelay)
	setDuration(&t.TickInterval, DefaultTickInterval)
	setDuration(&t.ResumeSettle, DefaultResumeSettle)
	if c.Queue.HistorySize == 0 {
		c.Queue.HistorySize = DefaultHistorySize
	}
	a := &c.Assets
	if a.PublicPrefix == "" {
		a.PublicPrefix = DefaultPublicPrefix
	}
	setDuration(&a.CacheTTL, DefaultCacheTTL)
	if a.RecencySize == 0 {
		a.RecencySize = DefaultRecencySize
	}
	if a.CircuitBreaker.MaxFailures == 0 {
		a.CircuitBreaker.MaxFailures = DefaultMaxFailures
	}
	setDuration(&a.CircuitBreaker.ResetTimeout, DefaultResetTimeout)
	if c.Combat.Simulator == "" {
		c.Combat.Simulator = SimulatorBuiltin
	}
	setDuration(&c.Combat.RoundInterval, DefaultRoundInterval)
	if c.Journal.MemorySize == 0 {
		c.Journal.MemorySize = 200
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
	if c.Telemetry.TraceSampleRatio == 0 {
		c.Telemetry.TraceSampleRatio = 1
	}
}

// Default returns a config with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// Location resolves Timing.Timezone. Unknown zones fall back to UTC; they
// are rejected by [Validate] before reaching here.
func (t TimingConfig) Location() *time.Location {
	if t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

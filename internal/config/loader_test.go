package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/stagecraft/internal/config"
)

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"log level", "server:\n  log_level: bananas\n", "server.log_level"},
		{"half tls", "server:\n  tls:\n    cert_file: c.pem\n", "server.tls"},
		{"negative delay", "timing:\n  setup_delay: -1s\n", "timing.setup_delay"},
		{"negative settle", "timing:\n  resume_settle: -5ms\n", "timing.resume_settle"},
		{"bad timezone", "timing:\n  timezone: Mars/Olympus\n", "timing.timezone"},
		{"negative history", "queue:\n  history_size: -1\n", "queue.history_size"},
		{"relative base url", "assets:\n  base_url: cdn/stage\n", "assets.base_url"},
		{"ftp base url", "assets:\n  base_url: ftp://cdn.example.com\n", "assets.base_url"},
		{"negative ttl", "assets:\n  cache_ttl: -1m\n", "assets.cache_ttl"},
		{"negative recency", "assets:\n  recency_size: -2\n", "assets.recency_size"},
		{"negative breaker", "assets:\n  circuit_breaker:\n    max_failures: -1\n", "assets.circuit_breaker"},
		{"simulator", "combat:\n  simulator: dice\n", "combat.simulator"},
		{"negative journal", "journal:\n  memory_size: -3\n", "journal.memory_size"},
		{"sample ratio above one", "telemetry:\n  trace_sample_ratio: 1.5\n", "telemetry.trace_sample_ratio"},
		{"negative sample ratio", "telemetry:\n  trace_sample_ratio: -0.1\n", "telemetry.trace_sample_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
combat:
  simulator: coin
queue:
  history_size: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "combat.simulator", "queue.history_size"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidate_WarningsAreNotErrors(t *testing.T) {
	t.Parallel()
	yaml := `
timing:
  tick_interval: 10ms
discord:
  token: only-token
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Discord.Enabled() {
		t.Error("narrator must stay disabled without channel_id")
	}
}

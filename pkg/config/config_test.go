package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v, want nil", err)
	}

	if cfg.Pipeline.Workers != 3 {
		t.Errorf("Workers = %d, want 3", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.HighWatermark != 500 || cfg.Pipeline.LowWatermark != 100 {
		t.Errorf("watermarks = %d/%d, want 500/100", cfg.Pipeline.HighWatermark, cfg.Pipeline.LowWatermark)
	}
	if cfg.Proxy.ValidationConcurrency != 20 {
		t.Errorf("ValidationConcurrency = %d, want 20", cfg.Proxy.ValidationConcurrency)
	}
	if cfg.Feed.BackoffCap != 5*time.Minute {
		t.Errorf("BackoffCap = %s, want 5m", cfg.Feed.BackoffCap)
	}
}

func TestLoadIni(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvester.ini")
	content := `
[pipeline]
workers = 8
high_watermark = 50
low_watermark = 10

[feed]
poll_interval = 30s

[proxy]
sources = proxyscrape,geonode
static = 10.0.0.1:8080,socks5://10.0.0.2:1080
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg := Default()
	if err := LoadIni(cfg, path); err != nil {
		t.Fatalf("LoadIni failed: %v", err)
	}

	if cfg.Pipeline.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.HighWatermark != 50 || cfg.Pipeline.LowWatermark != 10 {
		t.Errorf("watermarks = %d/%d, want 50/10", cfg.Pipeline.HighWatermark, cfg.Pipeline.LowWatermark)
	}
	if cfg.Feed.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %s, want 30s", cfg.Feed.PollInterval)
	}
	if len(cfg.Proxy.Sources) != 2 || cfg.Proxy.Sources[0] != SourceProxyScrape {
		t.Errorf("Sources = %v, want [proxyscrape geonode]", cfg.Proxy.Sources)
	}
	if len(cfg.Proxy.Static) != 2 {
		t.Errorf("Static = %v, want 2 entries", cfg.Proxy.Static)
	}
	// untouched keys keep their defaults
	if cfg.Pipeline.RetryBudget != 3 {
		t.Errorf("RetryBudget = %d, want 3", cfg.Pipeline.RetryBudget)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestLoadIni_Missing(t *testing.T) {
	if err := LoadIni(Default(), filepath.Join(t.TempDir(), "nope.ini")); err == nil {
		t.Error("LoadIni on missing file returned nil error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"inverted watermarks", func(c *Config) { c.Pipeline.HighWatermark = 10; c.Pipeline.LowWatermark = 10 }},
		{"zero retry budget", func(c *Config) { c.Pipeline.RetryBudget = 0 }},
		{"cap below base", func(c *Config) { c.Feed.BackoffCap = time.Second }},
		{"bad bloom fp", func(c *Config) { c.Dedup.BloomFP = 1 }},
		{"unknown source", func(c *Config) { c.Proxy.Sources = []string{"spys"} }},
		{"no targets", func(c *Config) { c.Proxy.ValidationTargets = nil }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() = nil, want error")
			}
		})
	}
}

package config

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds all configuration
type Config struct {
	Feed     FeedConfig     `ini:"feed"`
	Pipeline PipelineConfig `ini:"pipeline"`
	Proxy    ProxyConfig    `ini:"proxy"`
	Dedup    DedupConfig    `ini:"dedup"`
	Output   OutputConfig   `ini:"output"`
	Metrics  MetricsConfig  `ini:"metrics"`
	Log      LogConfig      `ini:"log"`
}

type FeedConfig struct {
	BaseURL             string        `ini:"base_url"`
	PollInterval        time.Duration `ini:"poll_interval"`
	PollJitter          time.Duration `ini:"poll_jitter"`
	BackoffBase         time.Duration `ini:"backoff_base"`
	BackoffCap          time.Duration `ini:"backoff_cap"`
	FailuresBeforeCycle int           `ini:"failures_before_cycle"`
	RequestTimeout      time.Duration `ini:"request_timeout"`
	RequestsPerSecond   float64       `ini:"requests_per_second"`
	Burst               int           `ini:"burst"`
}

type PipelineConfig struct {
	Workers        int           `ini:"workers"`
	HighWatermark  int64         `ini:"high_watermark"`
	LowWatermark   int64         `ini:"low_watermark"`
	RetryBudget    int           `ini:"retry_budget"`
	RetryBackoff   time.Duration `ini:"retry_backoff"`
	DequeueTimeout time.Duration `ini:"dequeue_timeout"`
	DirectFallback bool          `ini:"direct_fallback"`
}

type ProxyConfig struct {
	Enabled               bool          `ini:"enabled"`
	Sources               []string      `ini:"sources"`
	Static                []string      `ini:"static"`
	Capacity              int           `ini:"capacity"`
	ValidationConcurrency int           `ini:"validation_concurrency"`
	ValidationTimeout     time.Duration `ini:"validation_timeout"`
	ValidationTargets     []string      `ini:"validation_targets"`
	FailureThreshold      int           `ini:"failure_threshold"`
	MaxQuarantineStrikes  int           `ini:"max_quarantine_strikes"`
	QuarantineCooldown    time.Duration `ini:"quarantine_cooldown"`
	DeadGrace             time.Duration `ini:"dead_grace"`
	RefreshInterval       time.Duration `ini:"refresh_interval"`
	UnavailableThreshold  int           `ini:"unavailable_threshold"`
	PoolFile              string        `ini:"pool_file"`
}

type DedupConfig struct {
	Window       time.Duration `ini:"window"`
	BloomSize    uint          `ini:"bloom_size"`
	BloomFP      float64       `ini:"bloom_fp"`
	BloomFile    string        `ini:"bloom_file"`
	SaveInterval time.Duration `ini:"save_interval"`
}

type OutputConfig struct {
	ResultsFile     string        `ini:"results_file"`
	VerdictsFile    string        `ini:"verdicts_file"`
	DeadLettersFile string        `ini:"dead_letters_file"`
	ReportFile      string        `ini:"report_file"`
	ReportInterval  time.Duration `ini:"report_interval"`
	PostgresDSN     string        `ini:"postgres_dsn"`
}

type MetricsConfig struct {
	Enabled bool   `ini:"enabled"`
	Addr    string `ini:"addr"`
}

type LogConfig struct {
	Level  string `ini:"level"`
	Format string `ini:"format"`
	File   string `ini:"file"`
}

// Source names understood by the proxy pool
const (
	SourceFreeProxyList = "free-proxy-list"
	SourceProxyScrape   = "proxyscrape"
	SourceGeonode       = "geonode"
)

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Feed: FeedConfig{
			BaseURL:             "https://urlscan.io",
			PollInterval:        15 * time.Second,
			PollJitter:          5 * time.Second,
			BackoffBase:         5 * time.Second,
			BackoffCap:          5 * time.Minute,
			FailuresBeforeCycle: 3,
			RequestTimeout:      30 * time.Second,
			RequestsPerSecond:   2,
			Burst:               3,
		},
		Pipeline: PipelineConfig{
			Workers:        3,
			HighWatermark:  500,
			LowWatermark:   100,
			RetryBudget:    3,
			RetryBackoff:   2 * time.Second,
			DequeueTimeout: 2 * time.Second,
			DirectFallback: true,
		},
		Proxy: ProxyConfig{
			Enabled:               true,
			Sources:               []string{SourceFreeProxyList, SourceProxyScrape, SourceGeonode},
			Capacity:              1000,
			ValidationConcurrency: 20,
			ValidationTimeout:     5 * time.Second,
			ValidationTargets: []string{
				"https://www.google.com",
				"https://www.cloudflare.com",
				"https://www.amazon.com",
			},
			FailureThreshold:     3,
			MaxQuarantineStrikes: 2,
			QuarantineCooldown:   2 * time.Minute,
			DeadGrace:            10 * time.Minute,
			RefreshInterval:      5 * time.Minute,
			UnavailableThreshold: 5,
			PoolFile:             "proxies.jsonl",
		},
		Dedup: DedupConfig{
			Window:       6 * time.Hour,
			BloomSize:    1000000,
			BloomFP:      0.001,
			BloomFile:    "seen.bloom",
			SaveInterval: time.Minute,
		},
		Output: OutputConfig{
			ResultsFile:     "results.jsonl",
			VerdictsFile:    "verdicts.jsonl",
			DeadLettersFile: "deadletters.jsonl",
			ReportFile:      "report.txt",
			ReportInterval:  time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":2112",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadIni overlays the values found in an ini file onto cfg. Keys missing
// from the file keep their current value.
func LoadIni(cfg *Config, path string) error {
	file, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	if err := file.MapTo(cfg); err != nil {
		return fmt.Errorf("failed to map config file %s: %w", path, err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Feed.BaseURL == "" {
		return fmt.Errorf("feed base url must not be empty")
	}
	if c.Feed.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be > 0, got %s", c.Feed.PollInterval)
	}
	if c.Feed.PollJitter < 0 {
		return fmt.Errorf("poll jitter must be >= 0, got %s", c.Feed.PollJitter)
	}
	if c.Feed.BackoffBase <= 0 {
		return fmt.Errorf("backoff base must be > 0, got %s", c.Feed.BackoffBase)
	}
	if c.Feed.BackoffCap < c.Feed.BackoffBase {
		return fmt.Errorf("backoff cap must be >= backoff base, got %s < %s", c.Feed.BackoffCap, c.Feed.BackoffBase)
	}
	if c.Feed.FailuresBeforeCycle <= 0 {
		return fmt.Errorf("failures before cycle must be > 0, got %d", c.Feed.FailuresBeforeCycle)
	}
	if c.Feed.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be > 0, got %s", c.Feed.RequestTimeout)
	}
	if c.Feed.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests per second must be > 0, got %f", c.Feed.RequestsPerSecond)
	}
	if c.Feed.Burst <= 0 {
		return fmt.Errorf("burst must be > 0, got %d", c.Feed.Burst)
	}

	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("number of workers must be > 0, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.LowWatermark < 0 {
		return fmt.Errorf("low watermark must be >= 0, got %d", c.Pipeline.LowWatermark)
	}
	if c.Pipeline.HighWatermark <= c.Pipeline.LowWatermark {
		return fmt.Errorf("high watermark must be > low watermark, got %d <= %d", c.Pipeline.HighWatermark, c.Pipeline.LowWatermark)
	}
	if c.Pipeline.RetryBudget <= 0 {
		return fmt.Errorf("retry budget must be > 0, got %d", c.Pipeline.RetryBudget)
	}
	if c.Pipeline.DequeueTimeout <= 0 {
		return fmt.Errorf("dequeue timeout must be > 0, got %s", c.Pipeline.DequeueTimeout)
	}

	if c.Proxy.ValidationConcurrency <= 0 {
		return fmt.Errorf("proxy validation concurrency must be > 0, got %d", c.Proxy.ValidationConcurrency)
	}
	if c.Proxy.FailureThreshold <= 0 {
		return fmt.Errorf("proxy failure threshold must be > 0, got %d", c.Proxy.FailureThreshold)
	}
	if c.Proxy.MaxQuarantineStrikes <= 0 {
		return fmt.Errorf("max quarantine strikes must be > 0, got %d", c.Proxy.MaxQuarantineStrikes)
	}
	if c.Proxy.Capacity <= 0 {
		return fmt.Errorf("proxy capacity must be > 0, got %d", c.Proxy.Capacity)
	}
	if c.Proxy.RefreshInterval <= 0 {
		return fmt.Errorf("proxy refresh interval must be > 0, got %s", c.Proxy.RefreshInterval)
	}
	if c.Proxy.UnavailableThreshold <= 0 {
		return fmt.Errorf("unavailable threshold must be > 0, got %d", c.Proxy.UnavailableThreshold)
	}
	if len(c.Proxy.ValidationTargets) == 0 {
		return fmt.Errorf("at least one proxy validation target is required")
	}
	for _, name := range c.Proxy.Sources {
		switch name {
		case SourceFreeProxyList, SourceProxyScrape, SourceGeonode:
		default:
			return fmt.Errorf("unknown proxy source %q", name)
		}
	}

	if c.Dedup.Window <= 0 {
		return fmt.Errorf("dedup window must be > 0, got %s", c.Dedup.Window)
	}
	if c.Dedup.BloomSize == 0 {
		return fmt.Errorf("bloom filter size must be > 0")
	}
	if c.Dedup.BloomFP <= 0 || c.Dedup.BloomFP >= 1 {
		return fmt.Errorf("bloom filter false positive rate must be between 0 and 1, got %f", c.Dedup.BloomFP)
	}

	if c.Output.ResultsFile == "" || c.Output.VerdictsFile == "" || c.Output.DeadLettersFile == "" {
		return fmt.Errorf("output files must not be empty")
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log format must be console or json, got %q", c.Log.Format)
	}

	return nil
}

package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/WangYihang/urlscan-harvester/pkg/config"
	"github.com/jessevdk/go-flags"
)

// Options are the command line flags. Flags carry no defaults of their own:
// only flags given on the command line override the defaults and the ini file.
type Options struct {
	ConfigFile  string `short:"c" long:"config" description:"INI configuration file"`
	ShowVersion bool   `short:"v" long:"version" description:"Print version information and exit"`

	// Feed
	BaseURL      string        `long:"base-url" description:"urlscan base URL (default: https://urlscan.io)"`
	PollInterval time.Duration `long:"poll-interval" description:"Feed poll interval (default: 15s)"`
	PollJitter   time.Duration `long:"poll-jitter" description:"Random jitter added to the poll interval (default: 5s)"`
	BackoffCap   time.Duration `long:"backoff-cap" description:"Maximum backoff after feed failures (default: 5m)"`
	RateLimit    float64       `long:"rate" description:"Verdict requests per second over all workers (default: 2)"`

	// Pipeline
	Workers       int   `short:"w" long:"workers" description:"Number of verdict workers (default: 3)"`
	HighWatermark int64 `long:"high-watermark" description:"Backlog depth that pauses the producer (default: 500)"`
	LowWatermark  int64 `long:"low-watermark" description:"Backlog depth that resumes the producer (default: 100)"`
	RetryBudget   int   `long:"retry-budget" description:"Verdict attempts per candidate (default: 3)"`

	// Proxy
	NoProxy               bool     `long:"no-proxy" description:"Disable the proxy pool and always connect directly"`
	ProxySources          []string `long:"proxy-source" description:"Proxy source to pull from, repeatable (free-proxy-list, proxyscrape, geonode)"`
	StaticProxies         []string `long:"proxy" description:"Static proxy such as 10.0.0.1:8080 or socks5://10.0.0.2:1080, repeatable"`
	ValidationConcurrency int      `long:"validation-concurrency" description:"Concurrent proxy validations (default: 20)"`
	FailureThreshold      int      `long:"failure-threshold" description:"Consecutive failures before a proxy is quarantined (default: 3)"`
	ProxyFile             string   `long:"proxy-file" description:"Proxy pool persistence file (default: proxies.jsonl)"`

	// Output
	ResultsFile     string `short:"o" long:"results" description:"All verdict records (default: results.jsonl)"`
	VerdictsFile    string `long:"verdicts" description:"Malicious verdict records (default: verdicts.jsonl)"`
	DeadLettersFile string `long:"dead-letters" description:"Permanently failed candidates (default: deadletters.jsonl)"`
	ReportFile      string `long:"report" description:"Statistics report file (default: report.txt)"`
	BloomFile       string `long:"bloom-file" description:"Bloom filter persistence file (default: seen.bloom)"`
	PostgresDSN     string `long:"postgres-dsn" description:"Also write records to this PostgreSQL database"`

	// Observability
	MetricsAddr string `long:"metrics-addr" description:"Prometheus listen address (default: :2112)"`
	NoMetrics   bool   `long:"no-metrics" description:"Disable the Prometheus exporter"`
	LogLevel    string `long:"log-level" description:"Log level (default: info)"`
	LogFormat   string `long:"log-format" choice:"console" choice:"json" description:"Log format (default: console)"`
	LogFile     string `long:"log-file" description:"Write logs to this file instead of stderr"`

	// UI
	Dashboard bool `long:"dashboard" description:"Show interactive TUI dashboard"`
}

// Config is the resolved runtime configuration
type Config struct {
	*config.Config

	ShowVersion bool
	Dashboard   bool
}

// dashboardLogFile receives logs while the dashboard owns the terminal
const dashboardLogFile = "harvester.log"

// ParseFlags parses command line flags and resolves the configuration with
// the precedence defaults < ini file < flags
func ParseFlags(args []string) (*Config, error) {
	opts := &Options{}
	parser := flags.NewParser(opts, flags.Default)
	parser.Usage = "[OPTIONS]"

	if _, err := parser.ParseArgs(args); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		return nil, err
	}
	if opts.ShowVersion {
		return &Config{ShowVersion: true}, nil
	}

	cfg := config.Default()
	if opts.ConfigFile != "" {
		if err := config.LoadIni(cfg, opts.ConfigFile); err != nil {
			return nil, err
		}
	}
	applyFlags(parser, opts, cfg)

	resolved := &Config{Config: cfg, Dashboard: opts.Dashboard}
	if resolved.Dashboard && resolved.Log.File == "" {
		resolved.Log.File = dashboardLogFile
	}

	if err := resolved.Validate(); err != nil {
		return nil, err
	}
	return resolved, nil
}

// applyFlags copies every flag that was given on the command line into cfg
func applyFlags(parser *flags.Parser, opts *Options, cfg *config.Config) {
	set := func(name string) bool {
		opt := parser.FindOptionByLongName(name)
		return opt != nil && opt.IsSet()
	}

	if set("base-url") {
		cfg.Feed.BaseURL = opts.BaseURL
	}
	if set("poll-interval") {
		cfg.Feed.PollInterval = opts.PollInterval
	}
	if set("poll-jitter") {
		cfg.Feed.PollJitter = opts.PollJitter
	}
	if set("backoff-cap") {
		cfg.Feed.BackoffCap = opts.BackoffCap
	}
	if set("rate") {
		cfg.Feed.RequestsPerSecond = opts.RateLimit
	}

	if set("workers") {
		cfg.Pipeline.Workers = opts.Workers
	}
	if set("high-watermark") {
		cfg.Pipeline.HighWatermark = opts.HighWatermark
	}
	if set("low-watermark") {
		cfg.Pipeline.LowWatermark = opts.LowWatermark
	}
	if set("retry-budget") {
		cfg.Pipeline.RetryBudget = opts.RetryBudget
	}

	if opts.NoProxy {
		cfg.Proxy.Enabled = false
	}
	if set("proxy-source") {
		cfg.Proxy.Sources = opts.ProxySources
	}
	if set("proxy") {
		cfg.Proxy.Static = opts.StaticProxies
	}
	if set("validation-concurrency") {
		cfg.Proxy.ValidationConcurrency = opts.ValidationConcurrency
	}
	if set("failure-threshold") {
		cfg.Proxy.FailureThreshold = opts.FailureThreshold
	}
	if set("proxy-file") {
		cfg.Proxy.PoolFile = opts.ProxyFile
	}

	if set("results") {
		cfg.Output.ResultsFile = opts.ResultsFile
	}
	if set("verdicts") {
		cfg.Output.VerdictsFile = opts.VerdictsFile
	}
	if set("dead-letters") {
		cfg.Output.DeadLettersFile = opts.DeadLettersFile
	}
	if set("report") {
		cfg.Output.ReportFile = opts.ReportFile
	}
	if set("bloom-file") {
		cfg.Dedup.BloomFile = opts.BloomFile
	}
	if set("postgres-dsn") {
		cfg.Output.PostgresDSN = opts.PostgresDSN
	}

	if set("metrics-addr") {
		cfg.Metrics.Addr = opts.MetricsAddr
	}
	if opts.NoMetrics {
		cfg.Metrics.Enabled = false
	}
	if set("log-level") {
		cfg.Log.Level = opts.LogLevel
	}
	if set("log-format") {
		cfg.Log.Format = opts.LogFormat
	}
	if set("log-file") {
		cfg.Log.File = opts.LogFile
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Config == nil {
		return fmt.Errorf("configuration not resolved")
	}
	return c.Config.Validate()
}

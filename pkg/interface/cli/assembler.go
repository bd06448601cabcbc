package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/WangYihang/urlscan-harvester/internal/logger"
	"github.com/WangYihang/urlscan-harvester/pkg/application"
	"github.com/WangYihang/urlscan-harvester/pkg/config"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/repository"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/service"
	harvesthttp "github.com/WangYihang/urlscan-harvester/pkg/infrastructure/http"
	"github.com/WangYihang/urlscan-harvester/pkg/infrastructure/metrics"
	"github.com/WangYihang/urlscan-harvester/pkg/infrastructure/proxypool"
	"github.com/WangYihang/urlscan-harvester/pkg/infrastructure/report"
	"github.com/WangYihang/urlscan-harvester/pkg/infrastructure/storage"
	"github.com/WangYihang/urlscan-harvester/pkg/infrastructure/urlscan"
	"golang.org/x/time/rate"
)

// Assembler assembles all components for the application
type Assembler struct {
	config *Config
}

// NewAssembler creates a new assembler
func NewAssembler(config *Config) *Assembler {
	return &Assembler{config: config}
}

// AssemblePipeline builds the pipeline with all of its dependencies. The
// returned pipeline owns the record store and closes it when Run returns.
func (a *Assembler) AssemblePipeline(ctx context.Context) (*application.Pipeline, error) {
	cfg := a.config.Config
	log := logger.WithComponent("Assembler")

	client := harvesthttp.NewClient(harvesthttp.Config{
		Timeout: cfg.Feed.RequestTimeout,
	})

	pool := a.assemblePool(client)

	dedup := storage.NewDeduplicator(storage.DedupConfig{
		Window:            cfg.Dedup.Window,
		Size:              cfg.Dedup.BloomSize,
		FalsePositiveRate: cfg.Dedup.BloomFP,
	})
	if err := dedup.Load(cfg.Dedup.BloomFile); err != nil {
		log.Warn().Err(err).Str("path", cfg.Dedup.BloomFile).Msg("failed to load bloom filter, starting empty")
	}

	store, recorder, err := a.assembleStore(ctx)
	if err != nil {
		return nil, err
	}

	background := []application.Runner{
		storage.NewPersistenceManager(dedup, cfg.Dedup.BloomFile, cfg.Dedup.SaveInterval),
	}
	if recorder != nil {
		background = append(background, recorder)
	}

	workerConfig := application.WorkerConfig{
		RetryBudget:     cfg.Pipeline.RetryBudget,
		RetryBackoff:    cfg.Pipeline.RetryBackoff,
		RetryBackoffCap: cfg.Feed.BackoffCap,
		DequeueTimeout:  cfg.Pipeline.DequeueTimeout,
		DirectFallback:  cfg.Pipeline.DirectFallback || !cfg.Proxy.Enabled,
	}

	pipeline, err := application.NewPipeline(
		application.Config{
			Workers: cfg.Pipeline.Workers,
			Producer: application.ProducerConfig{
				PollInterval:        cfg.Feed.PollInterval,
				PollJitter:          cfg.Feed.PollJitter,
				BackoffBase:         cfg.Feed.BackoffBase,
				BackoffCap:          cfg.Feed.BackoffCap,
				HighWatermark:       cfg.Pipeline.HighWatermark,
				LowWatermark:        cfg.Pipeline.LowWatermark,
				FailuresBeforeCycle: cfg.Feed.FailuresBeforeCycle,
			},
			Worker: workerConfig,
		},
		application.Dependencies{
			Queue:      storage.NewCandidateQueue(),
			Dedup:      dedup,
			Store:      store,
			Pool:       pool,
			Feed:       urlscan.NewFeedFetcher(client, cfg.Feed.BaseURL),
			Verdicts:   urlscan.NewVerdictFetcher(client, cfg.Feed.BaseURL),
			Limiter:    rate.NewLimiter(rate.Limit(cfg.Feed.RequestsPerSecond), cfg.Feed.Burst),
			Background: background,
		},
	)
	if err != nil {
		store.Close()
		return nil, err
	}

	if cfg.Metrics.Enabled {
		exporter, err := metrics.NewExporter(cfg.Metrics.Addr, pipeline)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
		}
		pipeline.AddBackground(exporter)
	}

	log.Info().
		Int("workers", cfg.Pipeline.Workers).
		Bool("proxies", cfg.Proxy.Enabled).
		Bool("postgres", cfg.Output.PostgresDSN != "").
		Bool("metrics", cfg.Metrics.Enabled).
		Msg("pipeline assembled")
	return pipeline, nil
}

// assemblePool builds the proxy pool. With proxies disabled the pool has no
// sources and stays empty, so every request goes direct.
func (a *Assembler) assemblePool(client *harvesthttp.Client) *proxypool.Pool {
	cfg := a.config.Proxy
	poolConfig := proxypool.Config{
		Capacity:              cfg.Capacity,
		ValidationConcurrency: cfg.ValidationConcurrency,
		FailureThreshold:      cfg.FailureThreshold,
		MaxQuarantineStrikes:  cfg.MaxQuarantineStrikes,
		QuarantineCooldown:    cfg.QuarantineCooldown,
		DeadGrace:             cfg.DeadGrace,
		RefreshInterval:       cfg.RefreshInterval,
		UnavailableThreshold:  cfg.UnavailableThreshold,
	}
	if !cfg.Enabled {
		return proxypool.NewPool(poolConfig, nil, nil, nil)
	}

	sources := buildSources(cfg, client)
	var repo repository.ProxyRepository
	if cfg.PoolFile != "" {
		repo = proxypool.NewFileRepository(cfg.PoolFile)
	}
	return proxypool.NewPool(poolConfig, sources, proxypool.NewProber(cfg.ValidationTargets, cfg.ValidationTimeout), repo)
}

func buildSources(cfg config.ProxyConfig, client *harvesthttp.Client) []service.ProxySource {
	var sources []service.ProxySource
	for _, name := range cfg.Sources {
		switch name {
		case config.SourceFreeProxyList:
			sources = append(sources, proxypool.NewFreeProxyListSource(client, proxypool.FreeProxyListURL))
		case config.SourceProxyScrape:
			sources = append(sources, proxypool.NewProxyScrapeSource(client, proxypool.ProxyScrapeURL))
		case config.SourceGeonode:
			sources = append(sources, proxypool.NewGeonodeSource(client, proxypool.GeonodeURL))
		}
	}
	if len(cfg.Static) > 0 {
		sources = append(sources, proxypool.NewStaticSource(cfg.Static))
	}
	return sources
}

// assembleStore opens the JSONL sinks, the optional Postgres store and the
// statistics recorder around them
func (a *Assembler) assembleStore(ctx context.Context) (repository.RecordStore, *report.Recorder, error) {
	cfg := a.config.Output

	jsonl, err := storage.NewJSONLStore(storage.JSONLPaths{
		Results:     cfg.ResultsFile,
		Verdicts:    cfg.VerdictsFile,
		DeadLetters: cfg.DeadLettersFile,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open record store: %w", err)
	}

	var store repository.RecordStore = jsonl
	if cfg.PostgresDSN != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		pg, err := storage.NewPostgresStore(connectCtx, cfg.PostgresDSN, a.config.Pipeline.Workers+1)
		if err != nil {
			jsonl.Close()
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		store = storage.NewMultiStore(jsonl, pg)
	}

	if cfg.ReportFile == "" {
		return store, nil, nil
	}
	recorder := report.NewRecorder(store, cfg.ReportFile, cfg.ReportInterval)
	return recorder, recorder, nil
}

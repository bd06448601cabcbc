package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/WangYihang/urlscan-harvester/internal/logger"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/repository"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/service"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ProxyPool is the part of the proxy pool the pipeline depends on
type ProxyPool interface {
	Acquire() (entity.ProxyEntry, error)
	ReportFailure(entry entity.ProxyEntry)
	ReportSuccess(entry entity.ProxyEntry)
	Healthy(entry entity.ProxyEntry) bool
	Cycle(ctx context.Context) error
	Run(ctx context.Context) error
	Counts() map[entity.ProxyState]int
}

// Runner is a background task that lives as long as the pipeline, such as
// the seen-filter persistence or the metrics exporter. Runners are stopped
// after the workers have drained.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Config holds the pipeline configuration
type Config struct {
	Workers  int
	Producer ProducerConfig
	Worker   WorkerConfig
}

// Dependencies are the shared handles injected into the pipeline
type Dependencies struct {
	Queue      repository.CandidateQueue
	Dedup      repository.SeenFilter
	Store      repository.RecordStore
	Pool       ProxyPool
	Feed       service.FeedFetcher
	Verdicts   service.VerdictFetcher
	Limiter    *rate.Limiter
	Background []Runner
}

// Pipeline owns the producer, the workers and the shared state between them
type Pipeline struct {
	config    Config
	deps      Dependencies
	backlog   *BacklogTracker
	stats     *Stats
	producer  *Producer
	workers   []*Worker
	startedAt time.Time
}

// NewPipeline wires the producer and the workers around the shared handles
func NewPipeline(config Config, deps Dependencies) (*Pipeline, error) {
	if config.Workers <= 0 {
		return nil, fmt.Errorf("number of workers must be > 0, got %d", config.Workers)
	}
	if deps.Queue == nil || deps.Dedup == nil || deps.Store == nil || deps.Pool == nil || deps.Feed == nil || deps.Verdicts == nil {
		return nil, errors.New("pipeline dependencies are incomplete")
	}

	p := &Pipeline{
		config:    config,
		deps:      deps,
		backlog:   NewBacklogTracker(),
		stats:     &Stats{},
		startedAt: time.Now(),
	}
	p.producer = NewProducer(config.Producer, deps.Feed, deps.Dedup, deps.Queue, p.backlog, deps.Pool, p.stats)
	p.workers = make([]*Worker, config.Workers)
	for i := range p.workers {
		p.workers[i] = NewWorker(i, config.Worker, deps.Queue, deps.Verdicts, deps.Store, deps.Pool, p.backlog, deps.Limiter, p.stats)
	}
	return p, nil
}

// AddBackground registers a runner that depends on the pipeline itself, such
// as the metrics exporter. It must be called before Run.
func (p *Pipeline) AddBackground(r Runner) {
	p.deps.Background = append(p.deps.Background, r)
}

// Backlog returns the shared backlog tracker
func (p *Pipeline) Backlog() *BacklogTracker {
	return p.backlog
}

// Run starts everything and blocks until ctx is cancelled and every
// in-flight candidate is finished. Candidates still queued at that point
// are dropped. The store is flushed and closed before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	log := logger.WithComponent("Pipeline")
	log.Info().Int("workers", len(p.workers)).Msg("pipeline started")

	// background tasks outlive the workers so they observe the final state
	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBackground()
	background, bgCtx := errgroup.WithContext(bgCtx)
	background.Go(func() error { return p.deps.Pool.Run(bgCtx) })
	for _, r := range p.deps.Background {
		background.Go(func() error { return r.Run(bgCtx) })
	}

	var g errgroup.Group
	g.Go(func() error { return p.producer.Run(ctx) })
	for _, w := range p.workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	runErr := g.Wait()

	if dropped := p.deps.Queue.Len(); dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("queued candidates were not processed before shutdown")
	}

	stopBackground()
	bgErr := background.Wait()

	storeErr := p.deps.Store.Flush()
	if err := p.deps.Store.Close(); err != nil {
		storeErr = errors.Join(storeErr, err)
	}

	snapshot := p.Snapshot()
	log.Info().
		Int64("discovered", snapshot.Discovered).
		Int64("persisted", snapshot.Persisted).
		Int64("malicious", snapshot.Malicious).
		Int64("dead_lettered", snapshot.DeadLettered).
		Dur("uptime", time.Since(p.startedAt)).
		Msg("pipeline stopped")

	return errors.Join(runErr, bgErr, storeErr)
}

// Snapshot returns a consistent-enough view of the pipeline for display
func (p *Pipeline) Snapshot() *entity.Snapshot {
	workers := make([]entity.WorkerStats, len(p.workers))
	for i, w := range p.workers {
		workers[i] = w.Stats()
	}
	return &entity.Snapshot{
		StartedAt:    p.startedAt,
		TakenAt:      time.Now(),
		BacklogDepth: p.backlog.Snapshot(),
		QueueLength:  p.deps.Queue.Len(),
		Discovered:   p.stats.Discovered.Load(),
		Duplicates:   p.stats.Duplicates.Load(),
		Polls:        p.stats.Polls.Load(),
		PollFailures: p.stats.PollFailures.Load(),
		Persisted:    p.stats.Persisted.Load(),
		Malicious:    p.stats.Malicious.Load(),
		DeadLettered: p.stats.DeadLettered.Load(),
		Paused:       p.producer.Paused(),
		ProxyCounts:  p.deps.Pool.Counts(),
		Workers:      workers,
		Recent:       p.stats.Recent(),
	}
}

package application

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/WangYihang/urlscan-harvester/internal/logger"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/repository"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/service"
	"github.com/rs/zerolog"
)

// ProducerConfig holds feed producer configuration
type ProducerConfig struct {
	PollInterval        time.Duration
	PollJitter          time.Duration
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	HighWatermark       int64
	LowWatermark        int64
	FailuresBeforeCycle int
}

// Producer polls the feed and turns unseen entries into queued candidates.
// It is the only writer of the candidate queue.
type Producer struct {
	config  ProducerConfig
	fetcher service.FeedFetcher
	dedup   repository.SeenFilter
	queue   repository.CandidateQueue
	backlog *BacklogTracker
	pool    ProxyPool
	stats   *Stats
	log     *zerolog.Logger

	egress     *entity.ProxyEntry
	failures   int
	pausedFlag atomic.Bool

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
	now    func() time.Time
}

// NewProducer creates a producer that starts on a direct connection
func NewProducer(
	config ProducerConfig,
	fetcher service.FeedFetcher,
	dedup repository.SeenFilter,
	queue repository.CandidateQueue,
	backlog *BacklogTracker,
	pool ProxyPool,
	stats *Stats,
) *Producer {
	if config.FailuresBeforeCycle <= 0 {
		config.FailuresBeforeCycle = 3
	}
	return &Producer{
		config:  config,
		fetcher: fetcher,
		dedup:   dedup,
		queue:   queue,
		backlog: backlog,
		pool:    pool,
		stats:   stats,
		log:     logger.WithComponent("Pipeline/Producer"),
		sleep:   sleepCtx,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
		now: time.Now,
	}
}

// Run polls until ctx is done, then closes the queue. Fetch errors never
// stop the producer.
func (p *Producer) Run(ctx context.Context) error {
	defer p.queue.Close()
	p.log.Info().
		Dur("interval", p.config.PollInterval).
		Int64("high_watermark", p.config.HighWatermark).
		Int64("low_watermark", p.config.LowWatermark).
		Msg("producer started")

	for ctx.Err() == nil {
		if err := p.gate(ctx); err != nil {
			break
		}

		var wait time.Duration
		if err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			wait = p.onFailure(ctx, err)
		} else {
			p.failures = 0
			wait = p.config.PollInterval + p.jitter(p.config.PollJitter)
		}

		if err := p.sleep(ctx, wait); err != nil {
			break
		}
	}

	p.log.Info().Int64("discovered", p.stats.Discovered.Load()).Msg("producer stopped")
	return nil
}

// Paused reports whether the producer is held by the backpressure gate
func (p *Producer) Paused() bool {
	return p.pausedFlag.Load()
}

// gate pauses while the backlog is above the high watermark and resumes once
// it drops below the low watermark
func (p *Producer) gate(ctx context.Context) error {
	if p.config.HighWatermark <= 0 || p.backlog.Snapshot() <= p.config.HighWatermark {
		return nil
	}

	p.pausedFlag.Store(true)
	defer p.pausedFlag.Store(false)
	p.log.Info().
		Int64("backlog", p.backlog.Snapshot()).
		Int64("resume_below", p.config.LowWatermark).
		Msg("backlog above high watermark, pausing")

	if err := p.backlog.WaitBelow(ctx, p.config.LowWatermark); err != nil {
		return err
	}
	p.log.Info().Int64("backlog", p.backlog.Snapshot()).Msg("backlog drained, resuming")
	return nil
}

// PollOnce polls the feed once and enqueues every unseen entry
func (p *Producer) PollOnce(ctx context.Context) error {
	entries, err := p.fetcher.Poll(ctx, p.egress)
	p.stats.Polls.Add(1)
	if err != nil {
		p.stats.PollFailures.Add(1)
		return err
	}
	if p.egress != nil {
		p.pool.ReportSuccess(*p.egress)
	}

	fresh := 0
	for _, entry := range entries {
		if !p.dedup.Observe(entry.Identifier) {
			p.stats.Duplicates.Add(1)
			continue
		}

		candidate := &entity.ScanCandidate{Entry: entry, DiscoveredAt: p.now()}
		p.backlog.Increment()
		if err := p.queue.Enqueue(candidate); err != nil {
			p.backlog.Decrement()
			p.log.Debug().Str("identifier", entry.Identifier).Err(err).Msg("candidate not enqueued")
			return nil
		}
		p.stats.Discovered.Add(1)
		fresh++
	}

	p.log.Debug().
		Int("listed", len(entries)).
		Int("new", fresh).
		Str("proxy", entity.ProxyLabel(p.egress)).
		Msg("feed polled")
	return nil
}

// onFailure reports the failure, rotates the egress path when needed and
// returns how long to back off
func (p *Producer) onFailure(ctx context.Context, err error) time.Duration {
	p.failures++
	kind := entity.KindOf(err)

	p.log.Warn().
		Err(err).
		Str("kind", string(kind)).
		Str("proxy", entity.ProxyLabel(p.egress)).
		Int("consecutive_failures", p.failures).
		Msg("feed poll failed")

	rotate := kind == entity.KindBlocked
	if p.egress != nil && kind != entity.KindParse {
		p.pool.ReportFailure(*p.egress)
		// quarantined or evicted egress is left at once
		if !p.pool.Healthy(*p.egress) {
			rotate = true
		}
	}

	switch {
	case p.failures%p.config.FailuresBeforeCycle == 0:
		p.log.Info().Int("consecutive_failures", p.failures).Msg("forcing proxy pool cycle")
		if err := p.pool.Cycle(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn().Err(err).Msg("proxy pool cycle failed")
		}
		p.rotate()
	case rotate:
		p.rotate()
	}

	return backoff(p.config.BackoffBase, p.config.BackoffCap, p.failures)
}

// rotate switches to a freshly acquired proxy, or to a direct connection
// when none is healthy
func (p *Producer) rotate() {
	next, err := p.pool.Acquire()
	if err != nil {
		p.egress = nil
		p.log.Info().Msg("no healthy proxy, polling directly")
		return
	}
	p.egress = &next
	p.log.Info().Str("proxy", next.String()).Msg("rotated feed egress")
}

package application

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/WangYihang/urlscan-harvester/internal/logger"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/repository"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/service"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// WorkerConfig holds verdict worker configuration
type WorkerConfig struct {
	RetryBudget     int
	RetryBackoff    time.Duration
	RetryBackoffCap time.Duration
	DequeueTimeout  time.Duration
	DirectFallback  bool
}

// errorKindPersist marks items whose verdict could not be written
const errorKindPersist = "persist"

// Worker resolves candidates into verdict records. Every dequeued candidate
// ends either persisted or dead-lettered, and the backlog is decremented
// exactly once for it.
type Worker struct {
	id      int
	config  WorkerConfig
	queue   repository.CandidateQueue
	fetcher service.VerdictFetcher
	store   repository.RecordStore
	pool    ProxyPool
	backlog *BacklogTracker
	limiter *rate.Limiter
	stats   *Stats
	log     zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time

	processed atomic.Int64
	failed    atomic.Int64
	current   atomic.Value // stores string
}

// NewWorker creates a worker. limiter may be nil.
func NewWorker(
	id int,
	config WorkerConfig,
	queue repository.CandidateQueue,
	fetcher service.VerdictFetcher,
	store repository.RecordStore,
	pool ProxyPool,
	backlog *BacklogTracker,
	limiter *rate.Limiter,
	stats *Stats,
) *Worker {
	if config.RetryBudget <= 0 {
		config.RetryBudget = 3
	}
	if config.DequeueTimeout <= 0 {
		config.DequeueTimeout = 2 * time.Second
	}
	if config.RetryBackoffCap < config.RetryBackoff {
		config.RetryBackoffCap = config.RetryBackoff
	}
	w := &Worker{
		id:      id,
		config:  config,
		queue:   queue,
		fetcher: fetcher,
		store:   store,
		pool:    pool,
		backlog: backlog,
		limiter: limiter,
		stats:   stats,
		log:     logger.WithComponent("Pipeline/Worker").With().Int("worker", id).Logger(),
		sleep:   sleepCtx,
		now:     time.Now,
	}
	w.current.Store("")
	return w
}

// Run processes candidates until the queue is closed or ctx is done. An item
// taken before shutdown is finished with its full retry budget.
func (w *Worker) Run(ctx context.Context) error {
	for {
		candidate, ok := w.queue.Dequeue(ctx, w.config.DequeueTimeout)
		if !ok {
			if ctx.Err() != nil || w.queue.Closed() {
				return nil
			}
			continue
		}
		w.Process(context.WithoutCancel(ctx), candidate)
	}
}

// Stats returns the worker's counters
func (w *Worker) Stats() entity.WorkerStats {
	return entity.WorkerStats{
		ID:        w.id,
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
		Current:   w.current.Load().(string),
	}
}

// Process resolves one candidate: queued -> in-flight -> persisted or dead-lettered
func (w *Worker) Process(ctx context.Context, candidate *entity.ScanCandidate) {
	id := candidate.Identifier()
	w.current.Store(id)
	defer func() {
		w.current.Store("")
		w.processed.Add(1)
		w.backlog.Decrement()
	}()

	var (
		lastErr   error
		lastProxy *entity.ProxyEntry
		attempts  int
	)
	for attempt := 1; attempt <= w.config.RetryBudget; attempt++ {
		attempts = attempt

		proxy, err := w.egress()
		if err != nil {
			lastErr = err
			w.log.Debug().Str("identifier", id).Int("attempt", attempt).Err(err).Msg("no egress available")
			w.backoff(ctx, attempt)
			continue
		}
		lastProxy = proxy

		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}

		verdict, err := w.fetcher.Resolve(ctx, id, proxy)
		if err == nil {
			if proxy != nil {
				w.pool.ReportSuccess(*proxy)
			}
			w.persist(ctx, candidate, verdict, attempt, proxy)
			return
		}

		lastErr = err
		kind := entity.KindOf(err)
		if proxy != nil && kind != entity.KindParse {
			w.pool.ReportFailure(*proxy)
		}
		w.log.Warn().
			Str("identifier", id).
			Str("kind", string(kind)).
			Str("proxy", entity.ProxyLabel(proxy)).
			Int("attempt", attempt).
			Err(err).
			Msg("verdict fetch failed")

		if kind == entity.KindParse {
			break
		}
		w.backoff(ctx, attempt)
	}

	w.deadLetter(ctx, candidate, errorKind(lastErr), lastErr, attempts, lastProxy)
}

// egress returns the proxy for the next attempt, nil meaning direct
func (w *Worker) egress() (*entity.ProxyEntry, error) {
	proxy, err := w.pool.Acquire()
	if err == nil {
		return &proxy, nil
	}
	if errors.Is(err, entity.ErrUnavailable) && w.config.DirectFallback {
		return nil, nil
	}
	return nil, err
}

func (w *Worker) backoff(ctx context.Context, attempt int) {
	if attempt >= w.config.RetryBudget {
		return
	}
	_ = w.sleep(ctx, backoff(w.config.RetryBackoff, w.config.RetryBackoffCap, attempt))
}

func (w *Worker) persist(ctx context.Context, candidate *entity.ScanCandidate, verdict *entity.Verdict, attempts int, proxy *entity.ProxyEntry) {
	record := entity.NewVerdictRecord(candidate, verdict, w.now().UTC())

	if err := w.store.Append(ctx, record); err != nil {
		if errors.Is(err, entity.ErrDuplicateRecord) {
			w.log.Warn().Str("identifier", record.Identifier).Msg("record already persisted, skipping")
			return
		}
		w.log.Error().Str("identifier", record.Identifier).Err(err).Msg("failed to persist record")
		w.deadLetter(ctx, candidate, errorKindPersist, err, attempts, proxy)
		return
	}
	w.stats.Persisted.Add(1)

	if !record.IsMalicious {
		return
	}
	w.stats.Malicious.Add(1)
	w.stats.AddRecent(record.TargetURL)
	if err := w.store.AppendMalicious(ctx, record); err != nil && !errors.Is(err, entity.ErrDuplicateRecord) {
		w.log.Error().Str("identifier", record.Identifier).Err(err).Msg("failed to write malicious verdict")
	}
	w.log.Info().
		Str("identifier", record.Identifier).
		Str("target", record.TargetURL).
		Int("brands", len(record.TargetedBrands)).
		Msg("malicious verdict")
}

func (w *Worker) deadLetter(ctx context.Context, candidate *entity.ScanCandidate, kind string, cause error, attempts int, proxy *entity.ProxyEntry) {
	w.failed.Add(1)
	w.stats.DeadLettered.Add(1)

	letter := &entity.DeadLetter{
		ID:         uuid.NewString(),
		Identifier: candidate.Identifier(),
		ScanURL:    candidate.Entry.ScanURL,
		ErrorKind:  kind,
		Attempts:   attempts,
		FailedAt:   w.now().UTC(),
	}
	if cause != nil {
		letter.Error = cause.Error()
	}
	if proxy != nil {
		letter.LastProxy = proxy.String()
	}

	w.log.Warn().
		Str("identifier", letter.Identifier).
		Str("kind", kind).
		Str("proxy", entity.ProxyLabel(proxy)).
		Int("attempts", attempts).
		Msg("candidate dead-lettered")

	if err := w.store.AppendDeadLetter(ctx, letter); err != nil {
		w.log.Error().Str("identifier", letter.Identifier).Err(err).Msg("failed to write dead letter")
	}
}

func errorKind(err error) string {
	if errors.Is(err, entity.ErrUnavailable) {
		return "unavailable"
	}
	return string(entity.KindOf(err))
}

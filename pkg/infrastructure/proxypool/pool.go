package proxypool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/WangYihang/urlscan-harvester/internal/logger"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/repository"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/service"
	"golang.org/x/sync/errgroup"
)

// Config holds proxy pool configuration
type Config struct {
	Capacity              int
	ValidationConcurrency int
	FailureThreshold      int
	MaxQuarantineStrikes  int
	QuarantineCooldown    time.Duration
	DeadGrace             time.Duration
	RefreshInterval       time.Duration
	UnavailableThreshold  int
}

// Pool keeps the set of egress proxies and their health. Entries move
// untested -> healthy <-> quarantined -> dead; an untested entry that fails
// validation is dropped and never becomes healthy or dead.
type Pool struct {
	config  Config
	sources []service.ProxySource
	prober  service.ProxyProber
	repo    repository.ProxyRepository

	entries     map[string]*entity.ProxyEntry
	order       []string
	rejected    map[string]time.Time
	cursor      int
	unavailable int
	now         func() time.Time
	mu          sync.Mutex

	refresh chan struct{}
	cycleMu sync.Mutex
}

// NewPool creates a pool. repo may be nil.
func NewPool(config Config, sources []service.ProxySource, prober service.ProxyProber, repo repository.ProxyRepository) *Pool {
	if config.ValidationConcurrency <= 0 {
		config.ValidationConcurrency = 20
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.MaxQuarantineStrikes <= 0 {
		config.MaxQuarantineStrikes = 2
	}
	if config.UnavailableThreshold <= 0 {
		config.UnavailableThreshold = 5
	}
	return &Pool{
		config:   config,
		sources:  sources,
		prober:   prober,
		repo:     repo,
		entries:  make(map[string]*entity.ProxyEntry),
		rejected: make(map[string]time.Time),
		now:      time.Now,
		refresh:  make(chan struct{}, 1),
	}
}

// Acquire returns a copy of the next healthy entry in round-robin order, or
// entity.ErrUnavailable. Repeated Unavailable results request a refresh.
func (p *Pool) Acquire() (entity.ProxyEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.order)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		e := p.entries[p.order[idx]]
		if e.State != entity.ProxyHealthy {
			continue
		}
		p.cursor = (idx + 1) % n
		p.unavailable = 0
		return *e, nil
	}

	p.unavailable++
	if p.unavailable >= p.config.UnavailableThreshold && len(p.sources) > 0 {
		p.unavailable = 0
		p.RequestRefresh()
	}
	return entity.ProxyEntry{}, entity.ErrUnavailable
}

// ReportFailure records a failed request through entry
func (p *Pool) ReportFailure(entry entity.ProxyEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[entry.Key()]
	if !ok {
		return
	}
	e.ConsecutiveFailures++

	switch e.State {
	case entity.ProxyHealthy:
		if e.ConsecutiveFailures >= p.config.FailureThreshold {
			p.quarantine(e)
		}
	case entity.ProxyQuarantined:
		p.strike(e)
	}
}

// ReportSuccess records a successful request through entry
func (p *Pool) ReportSuccess(entry entity.ProxyEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[entry.Key()]
	if !ok {
		return
	}
	e.ConsecutiveFailures = 0
	if e.State == entity.ProxyQuarantined {
		e.State = entity.ProxyHealthy
	}
}

// Healthy reports whether entry is still in the pool and healthy
func (p *Pool) Healthy(entry entity.ProxyEntry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[entry.Key()]
	return ok && e.State == entity.ProxyHealthy
}

func (p *Pool) quarantine(e *entity.ProxyEntry) {
	e.State = entity.ProxyQuarantined
	e.QuarantinedAt = p.now()
	logger.WithComponent("ProxyPool").Debug().
		Str("proxy", e.String()).
		Int("failures", e.ConsecutiveFailures).
		Msg("proxy quarantined")
}

func (p *Pool) strike(e *entity.ProxyEntry) {
	e.QuarantineStrikes++
	if e.QuarantineStrikes >= p.config.MaxQuarantineStrikes {
		e.State = entity.ProxyDead
		e.DeadAt = p.now()
		logger.WithComponent("ProxyPool").Debug().
			Str("proxy", e.String()).
			Int("strikes", e.QuarantineStrikes).
			Msg("proxy marked dead")
	}
}

// RequestRefresh asks Run for an immediate maintenance cycle. It never blocks.
func (p *Pool) RequestRefresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// Refresh pulls every source concurrently and merges new addresses as
// untested. It fails only when every source failed.
func (p *Pool) Refresh(ctx context.Context) (int, error) {
	log := logger.WithComponent("ProxyPool")
	if len(p.sources) == 0 {
		return 0, nil
	}

	results := make([][]entity.ProxyEntry, len(p.sources))
	errs := make([]error, len(p.sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, source := range p.sources {
		g.Go(func() error {
			entries, err := source.List(gctx)
			if err != nil {
				log.Warn().Err(err).Str("source", source.Name()).Msg("proxy source failed")
				errs[i] = err
				return nil
			}
			log.Debug().Int("count", len(entries)).Str("source", source.Name()).Msg("proxy source listed")
			results[i] = entries
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for key, at := range p.rejected {
		if now.Sub(at) >= p.config.DeadGrace {
			delete(p.rejected, key)
		}
	}

	added := 0
	for i, entries := range results {
		for _, entry := range entries {
			if entry.Source == "" {
				entry.Source = p.sources[i].Name()
			}
			if p.add(entry, now) {
				added++
			}
		}
	}
	p.evictOverCapacity()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed == len(p.sources) {
		return added, errors.Join(errs...)
	}
	return added, nil
}

// add inserts entry as untested unless its address is known or was rejected
// recently. Caller holds p.mu.
func (p *Pool) add(entry entity.ProxyEntry, now time.Time) bool {
	key := entry.Key()
	if _, ok := p.entries[key]; ok {
		return false
	}
	if _, ok := p.rejected[key]; ok {
		return false
	}
	if entry.Protocol == "" {
		entry.Protocol = "http"
	}
	entry.State = entity.ProxyUntested
	entry.ConsecutiveFailures = 0
	entry.QuarantineStrikes = 0
	entry.QuarantinedAt = time.Time{}
	entry.DeadAt = time.Time{}
	entry.AddedAt = now
	p.entries[key] = &entry
	p.order = append(p.order, key)
	return true
}

var evictionRank = map[entity.ProxyState]int{
	entity.ProxyDead:        0,
	entity.ProxyQuarantined: 1,
	entity.ProxyUntested:    2,
	entity.ProxyHealthy:     3,
}

// evictOverCapacity drops dead, then quarantined, then untested, then
// healthy entries, oldest first. Caller holds p.mu.
func (p *Pool) evictOverCapacity() {
	excess := len(p.order) - p.config.Capacity
	if p.config.Capacity <= 0 || excess <= 0 {
		return
	}
	keys := append([]string(nil), p.order...)
	sort.SliceStable(keys, func(i, j int) bool {
		a, b := p.entries[keys[i]], p.entries[keys[j]]
		if evictionRank[a.State] != evictionRank[b.State] {
			return evictionRank[a.State] < evictionRank[b.State]
		}
		return a.AddedAt.Before(b.AddedAt)
	})
	victims := make(map[string]struct{}, excess)
	for _, key := range keys[:excess] {
		victims[key] = struct{}{}
	}
	p.remove(victims)
}

// remove deletes keys from the pool. Caller holds p.mu.
func (p *Pool) remove(keys map[string]struct{}) {
	if len(keys) == 0 {
		return
	}
	order := p.order[:0]
	for _, key := range p.order {
		if _, ok := keys[key]; ok {
			delete(p.entries, key)
			continue
		}
		order = append(order, key)
	}
	p.order = order
	if len(p.order) == 0 {
		p.cursor = 0
	} else {
		p.cursor %= len(p.order)
	}
}

type probeResult struct {
	key     string
	state   entity.ProxyState
	latency time.Duration
	err     error
}

// ValidateAll probes untested entries and quarantined entries whose cooldown
// elapsed, with bounded parallelism. No lock is held while probing.
func (p *Pool) ValidateAll(ctx context.Context) error {
	if p.prober == nil {
		return nil
	}

	p.mu.Lock()
	now := p.now()
	var targets []entity.ProxyEntry
	for _, key := range p.order {
		e := p.entries[key]
		switch e.State {
		case entity.ProxyUntested:
			targets = append(targets, *e)
		case entity.ProxyQuarantined:
			since := e.QuarantinedAt
			if e.LastValidatedAt.After(since) {
				since = e.LastValidatedAt
			}
			if now.Sub(since) >= p.config.QuarantineCooldown {
				targets = append(targets, *e)
			}
		}
	}
	p.mu.Unlock()

	if len(targets) == 0 {
		return nil
	}

	results := make([]probeResult, len(targets))
	g := new(errgroup.Group)
	g.SetLimit(p.config.ValidationConcurrency)
	for i, target := range targets {
		g.Go(func() error {
			latency, err := p.prober.Probe(ctx, target)
			results[i] = probeResult{key: target.Key(), state: target.State, latency: latency, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now = p.now()
	healthy := 0
	drop := make(map[string]struct{})
	for _, r := range results {
		e, ok := p.entries[r.key]
		if !ok || e.State != r.state {
			// evicted or reported on while probing
			continue
		}
		e.LastValidatedAt = now
		if r.err == nil {
			e.State = entity.ProxyHealthy
			e.ConsecutiveFailures = 0
			e.Latency = r.latency
			healthy++
			continue
		}
		switch e.State {
		case entity.ProxyUntested:
			drop[r.key] = struct{}{}
			p.rejected[r.key] = now
		case entity.ProxyQuarantined:
			e.ConsecutiveFailures++
			p.strike(e)
		}
	}
	p.remove(drop)

	logger.WithComponent("ProxyPool").Info().
		Int("probed", len(targets)).
		Int("healthy", healthy).
		Int("rejected", len(drop)).
		Msg("validation finished")
	return nil
}

// Sweep evicts dead entries older than the grace period
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	victims := make(map[string]struct{})
	for key, e := range p.entries {
		if e.State == entity.ProxyDead && now.Sub(e.DeadAt) >= p.config.DeadGrace {
			victims[key] = struct{}{}
		}
	}
	p.remove(victims)
	return len(victims)
}

// Cycle runs Refresh, ValidateAll and Sweep. Concurrent calls are serialised.
func (p *Pool) Cycle(ctx context.Context) error {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	log := logger.WithComponent("ProxyPool")
	added, err := p.Refresh(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("every proxy source failed")
	}
	if err := p.ValidateAll(ctx); err != nil {
		return err
	}
	swept := p.Sweep()

	counts := p.Counts()
	log.Info().
		Int("added", added).
		Int("swept", swept).
		Int("healthy", counts[entity.ProxyHealthy]).
		Int("quarantined", counts[entity.ProxyQuarantined]).
		Int("dead", counts[entity.ProxyDead]).
		Msg("proxy cycle finished")

	if err := p.Save(); err != nil {
		log.Warn().Err(err).Msg("failed to save proxy pool")
	}
	return nil
}

// Run loads the saved pool, then runs a cycle at start, on every refresh
// interval and whenever a refresh is requested, until ctx is done
func (p *Pool) Run(ctx context.Context) error {
	log := logger.WithComponent("ProxyPool")
	if err := p.Load(); err != nil {
		log.Warn().Err(err).Msg("failed to load proxy pool, starting empty")
	}

	interval := p.config.RefreshInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.Cycle(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("proxy cycle failed")
		}
		select {
		case <-ctx.Done():
			if err := p.Save(); err != nil {
				log.Warn().Err(err).Msg("failed to save proxy pool")
			}
			return nil
		case <-ticker.C:
		case <-p.refresh:
			log.Debug().Msg("refresh requested")
		}
	}
}

// Counts returns the number of entries in each state
func (p *Pool) Counts() map[entity.ProxyState]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := make(map[entity.ProxyState]int, len(entity.ProxyStates))
	for _, s := range entity.ProxyStates {
		counts[s] = 0
	}
	for _, e := range p.entries {
		counts[e.State]++
	}
	return counts
}

// Entries returns copies of every entry in insertion order
func (p *Pool) Entries() []entity.ProxyEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]entity.ProxyEntry, 0, len(p.order))
	for _, key := range p.order {
		out = append(out, *p.entries[key])
	}
	return out
}

// Load restores entries from the repository. They re-enter as untested.
func (p *Pool) Load() error {
	if p.repo == nil {
		return nil
	}
	entries, err := p.repo.Load()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for _, e := range entries {
		if e.State == entity.ProxyDead {
			continue
		}
		p.add(e, now)
	}
	p.evictOverCapacity()
	return nil
}

// Save persists every live entry to the repository
func (p *Pool) Save() error {
	if p.repo == nil {
		return nil
	}
	var live []entity.ProxyEntry
	for _, e := range p.Entries() {
		if e.State != entity.ProxyDead {
			live = append(live, e)
		}
	}
	return p.repo.Save(live)
}

package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
)

func feedEntry(id string) entity.FeedEntry {
	return entity.FeedEntry{
		Identifier:  id,
		TargetURL:   "https://" + id + ".example",
		ScanURL:     "https://urlscan.example/result/" + id + "/",
		Requests:    "3",
		IPs:         "192.0.2.1",
		AccessLevel: entity.AccessPublic,
	}
}

func entries(ids ...string) []entity.FeedEntry {
	out := make([]entity.FeedEntry, len(ids))
	for i, id := range ids {
		out[i] = feedEntry(id)
	}
	return out
}

type pollResult struct {
	entries []entity.FeedEntry
	err     error
}

// fakeFeed replays results in order, then returns empty polls
type fakeFeed struct {
	mu      sync.Mutex
	results []pollResult
	proxies []string
}

func (f *fakeFeed) Poll(_ context.Context, proxy *entity.ProxyEntry) ([]entity.FeedEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.proxies = append(f.proxies, entity.ProxyLabel(proxy))
	if len(f.results) == 0 {
		return nil, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.entries, r.err
}

func (f *fakeFeed) egressHistory() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.proxies...)
}

type resolveFunc func(ctx context.Context, identifier string, proxy *entity.ProxyEntry) (*entity.Verdict, error)

type fakeVerdicts struct {
	mu    sync.Mutex
	calls map[string]int
	fn    resolveFunc
}

func newFakeVerdicts(fn resolveFunc) *fakeVerdicts {
	return &fakeVerdicts{calls: make(map[string]int), fn: fn}
}

func (f *fakeVerdicts) Resolve(ctx context.Context, identifier string, proxy *entity.ProxyEntry) (*entity.Verdict, error) {
	f.mu.Lock()
	f.calls[identifier]++
	f.mu.Unlock()
	return f.fn(ctx, identifier, proxy)
}

func (f *fakeVerdicts) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func maliciousVerdict(_ context.Context, id string, _ *entity.ProxyEntry) (*entity.Verdict, error) {
	return &entity.Verdict{Identifier: id, Verdict: "Malicious"}, nil
}

func cleanVerdict(_ context.Context, id string, _ *entity.ProxyEntry) (*entity.Verdict, error) {
	return &entity.Verdict{Identifier: id, Verdict: "No classification"}, nil
}

func transientError(op string) error {
	return entity.NewFetchError(entity.KindTransport, op, errors.New("connection reset by peer"))
}

func blockedError(op string) error {
	return &entity.FetchError{Kind: entity.KindBlocked, Op: op, StatusCode: 429, Err: errors.New("Too Many Requests")}
}

// memStore is an in-memory RecordStore
type memStore struct {
	mu          sync.Mutex
	records     map[string]*entity.VerdictRecord
	malicious   map[string]*entity.VerdictRecord
	deadLetters []*entity.DeadLetter
	appendErr   error
	flushed     bool
	closed      bool
}

func newMemStore() *memStore {
	return &memStore{
		records:   make(map[string]*entity.VerdictRecord),
		malicious: make(map[string]*entity.VerdictRecord),
	}
}

func (s *memStore) Append(_ context.Context, r *entity.VerdictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	if _, ok := s.records[r.Identifier]; ok {
		return entity.ErrDuplicateRecord
	}
	s.records[r.Identifier] = r
	return nil
}

func (s *memStore) AppendMalicious(_ context.Context, r *entity.VerdictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.malicious[r.Identifier]; ok {
		return entity.ErrDuplicateRecord
	}
	s.malicious[r.Identifier] = r
	return nil
}

func (s *memStore) AppendDeadLetter(_ context.Context, l *entity.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, l)
	return nil
}

func (s *memStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed = true
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memStore) counts() (records, malicious, dead int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), len(s.malicious), len(s.deadLetters)
}

// fakePool records the calls the pipeline makes
type fakePool struct {
	mu        sync.Mutex
	healthy   []entity.ProxyEntry
	next      int
	failures  map[string]int
	successes map[string]int
	cycles    int
}

func newFakePool(n int) *fakePool {
	p := &fakePool{failures: make(map[string]int), successes: make(map[string]int)}
	for i := 0; i < n; i++ {
		p.healthy = append(p.healthy, entity.ProxyEntry{
			Address:  fmt.Sprintf("10.0.0.%d", i+1),
			Port:     8080,
			Protocol: "http",
			State:    entity.ProxyHealthy,
		})
	}
	return p
}

func (p *fakePool) Acquire() (entity.ProxyEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.healthy) == 0 {
		return entity.ProxyEntry{}, entity.ErrUnavailable
	}
	e := p.healthy[p.next%len(p.healthy)]
	p.next++
	return e, nil
}

func (p *fakePool) ReportFailure(e entity.ProxyEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[e.Key()]++
}

func (p *fakePool) ReportSuccess(e entity.ProxyEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successes[e.Key()]++
}

func (p *fakePool) Healthy(e entity.ProxyEntry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.healthy {
		if h.Key() == e.Key() {
			return true
		}
	}
	return false
}

func (p *fakePool) successCount(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.successes[key]
}

func (p *fakePool) Cycle(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cycles++
	return nil
}

func (p *fakePool) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (p *fakePool) Counts() map[entity.ProxyState]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[entity.ProxyState]int{entity.ProxyHealthy: len(p.healthy)}
}

func (p *fakePool) failureCount(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures[key]
}

func (p *fakePool) cycleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycles
}

func noSleep(context.Context, time.Duration) error { return nil }

// waitFor polls cond until it holds or the deadline passes
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

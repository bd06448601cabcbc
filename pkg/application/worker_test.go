package application

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"testing"
	"time"

	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/service"
	"github.com/WangYihang/urlscan-harvester/pkg/infrastructure/proxypool"
	"github.com/WangYihang/urlscan-harvester/pkg/infrastructure/storage"
)

type okProber struct{}

func (okProber) Probe(context.Context, entity.ProxyEntry) (time.Duration, error) {
	return 10 * time.Millisecond, nil
}

// newHealthyPool returns a real proxy pool whose entries all passed validation
func newHealthyPool(t *testing.T, specs ...string) *proxypool.Pool {
	t.Helper()
	pool := proxypool.NewPool(
		proxypool.Config{
			Capacity:             10,
			FailureThreshold:     3,
			MaxQuarantineStrikes: 2,
			QuarantineCooldown:   time.Hour,
			UnavailableThreshold: 100,
		},
		[]service.ProxySource{proxypool.NewStaticSource(specs)},
		okProber{},
		nil,
	)
	if err := pool.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}
	if got := pool.Counts()[entity.ProxyHealthy]; got != len(specs) {
		t.Fatalf("healthy proxies = %d, want %d", got, len(specs))
	}
	return pool
}

type workerFixture struct {
	worker  *Worker
	queue   *storage.CandidateQueue
	backlog *BacklogTracker
	store   *memStore
	stats   *Stats
}

func newWorkerFixture(config WorkerConfig, fetcher *fakeVerdicts, pool ProxyPool) *workerFixture {
	f := &workerFixture{
		queue:   storage.NewCandidateQueue(),
		backlog: NewBacklogTracker(),
		store:   newMemStore(),
		stats:   &Stats{},
	}
	f.worker = NewWorker(0, config, f.queue, fetcher, f.store, pool, f.backlog, nil, f.stats)
	f.worker.sleep = noSleep
	return f
}

// process hands one candidate to the worker the way the producer accounts for it
func (f *workerFixture) process(id string) {
	f.backlog.Increment()
	f.worker.Process(context.Background(), &entity.ScanCandidate{Entry: feedEntry(id), DiscoveredAt: time.Now()})
}

func TestWorker_PersistsVerdicts(t *testing.T) {
	tests := []struct {
		name          string
		resolve       resolveFunc
		wantMalicious int
	}{
		{"clean verdict", cleanVerdict, 0},
		{"malicious verdict", maliciousVerdict, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWorkerFixture(WorkerConfig{RetryBudget: 3, DirectFallback: true}, newFakeVerdicts(tt.resolve), newFakePool(0))
			f.process("A")

			records, malicious, dead := f.store.counts()
			if records != 1 || malicious != tt.wantMalicious || dead != 0 {
				t.Errorf("records/malicious/dead = %d/%d/%d, want 1/%d/0", records, malicious, dead, tt.wantMalicious)
			}
			if got := f.backlog.Snapshot(); got != 0 {
				t.Errorf("backlog = %d, want 0", got)
			}
			stats := f.worker.Stats()
			if stats.Processed != 1 || stats.Failed != 0 || stats.Current != "" {
				t.Errorf("worker stats = %+v", stats)
			}
			if got := f.stats.Malicious.Load(); got != int64(tt.wantMalicious) {
				t.Errorf("malicious counter = %d, want %d", got, tt.wantMalicious)
			}

			record := f.store.records["A"]
			if record.TargetURL != "https://A.example" || record.RequestCount != 3 {
				t.Errorf("record = %+v, want feed metadata merged", record)
			}
		})
	}
}

func TestWorker_RetryBudgetExhausted(t *testing.T) {
	fetcher := newFakeVerdicts(func(context.Context, string, *entity.ProxyEntry) (*entity.Verdict, error) {
		return nil, transientError("verdict")
	})
	f := newWorkerFixture(WorkerConfig{RetryBudget: 2, DirectFallback: true}, fetcher, newFakePool(0))
	f.process("A")

	if got := fetcher.totalCalls(); got != 2 {
		t.Errorf("resolve calls = %d, want 2", got)
	}
	records, _, dead := f.store.counts()
	if records != 0 || dead != 1 {
		t.Fatalf("records/dead = %d/%d, want 0/1", records, dead)
	}
	letter := f.store.deadLetters[0]
	if letter.Identifier != "A" || letter.Attempts != 2 || letter.ErrorKind != string(entity.KindTransport) {
		t.Errorf("dead letter = %+v", letter)
	}
	if letter.ID == "" {
		t.Error("dead letter has no ID")
	}
	if got := f.backlog.Snapshot(); got != 0 {
		t.Errorf("backlog = %d, want 0", got)
	}
	if got := f.worker.Stats().Failed; got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
}

func TestWorker_RecoversWithinBudget(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	fetcher := newFakeVerdicts(func(ctx context.Context, id string, p *entity.ProxyEntry) (*entity.Verdict, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, entity.NewFetchError(entity.KindTimeout, "verdict", context.DeadlineExceeded)
		}
		return cleanVerdict(ctx, id, p)
	})
	f := newWorkerFixture(WorkerConfig{RetryBudget: 3, DirectFallback: true}, fetcher, newFakePool(0))
	f.process("A")

	records, _, dead := f.store.counts()
	if records != 1 || dead != 0 {
		t.Errorf("records/dead = %d/%d, want 1/0", records, dead)
	}
}

func TestWorker_ParseErrorIsTerminal(t *testing.T) {
	fetcher := newFakeVerdicts(func(context.Context, string, *entity.ProxyEntry) (*entity.Verdict, error) {
		return nil, entity.NewFetchError(entity.KindParse, "verdict", errors.New("summary missing"))
	})
	pool := newFakePool(1)
	f := newWorkerFixture(WorkerConfig{RetryBudget: 5}, fetcher, pool)
	f.process("A")

	if got := fetcher.totalCalls(); got != 1 {
		t.Errorf("resolve calls = %d, want 1", got)
	}
	_, _, dead := f.store.counts()
	if dead != 1 || f.store.deadLetters[0].ErrorKind != string(entity.KindParse) {
		t.Fatalf("dead letters = %+v, want one parse letter", f.store.deadLetters)
	}
	if got := pool.failureCount(pool.healthy[0].Key()); got != 0 {
		t.Errorf("parse error reported %d proxy failures, want 0", got)
	}
}

func TestWorker_PersistFailureDeadLetters(t *testing.T) {
	f := newWorkerFixture(WorkerConfig{RetryBudget: 3, DirectFallback: true}, newFakeVerdicts(maliciousVerdict), newFakePool(0))
	f.store.appendErr = errors.New("disk full")
	f.process("A")

	records, malicious, dead := f.store.counts()
	if records != 0 || malicious != 0 || dead != 1 {
		t.Fatalf("records/malicious/dead = %d/%d/%d, want 0/0/1", records, malicious, dead)
	}
	if got := f.store.deadLetters[0].ErrorKind; got != errorKindPersist {
		t.Errorf("error kind = %q, want %q", got, errorKindPersist)
	}
	if got := f.backlog.Snapshot(); got != 0 {
		t.Errorf("backlog = %d, want 0", got)
	}
}

func TestWorker_SecondaryStoreFailureKeepsRecord(t *testing.T) {
	f := newWorkerFixture(WorkerConfig{RetryBudget: 3, DirectFallback: true}, newFakeVerdicts(maliciousVerdict), newFakePool(0))
	secondary := newMemStore()
	secondary.appendErr = errors.New("connection refused")
	f.worker.store = storage.NewMultiStore(f.store, secondary)
	f.process("A")

	records, malicious, dead := f.store.counts()
	if records != 1 || malicious != 1 || dead != 0 {
		t.Errorf("records/malicious/dead = %d/%d/%d, want 1/1/0", records, malicious, dead)
	}
	if got := f.stats.Persisted.Load(); got != 1 {
		t.Errorf("persisted = %d, want 1", got)
	}
	if got := f.stats.DeadLettered.Load(); got != 0 {
		t.Errorf("dead lettered = %d, want 0", got)
	}
	if got := f.backlog.Snapshot(); got != 0 {
		t.Errorf("backlog = %d, want 0", got)
	}
}

func TestWorker_DuplicateRecordSkipped(t *testing.T) {
	f := newWorkerFixture(WorkerConfig{RetryBudget: 3, DirectFallback: true}, newFakeVerdicts(cleanVerdict), newFakePool(0))
	f.process("A")
	f.process("A")

	records, _, dead := f.store.counts()
	if records != 1 || dead != 0 {
		t.Errorf("records/dead = %d/%d, want 1/0", records, dead)
	}
	if got := f.stats.Persisted.Load(); got != 1 {
		t.Errorf("persisted = %d, want 1", got)
	}
	if got := f.backlog.Snapshot(); got != 0 {
		t.Errorf("backlog = %d, want 0", got)
	}
}

func TestWorker_Unavailable(t *testing.T) {
	tests := []struct {
		name        string
		fallback    bool
		wantCalls   int
		wantRecords int
		wantKind    string
	}{
		{"direct fallback", true, 1, 1, ""},
		{"no fallback", false, 0, 0, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sawProxy bool
			fetcher := newFakeVerdicts(func(ctx context.Context, id string, p *entity.ProxyEntry) (*entity.Verdict, error) {
				sawProxy = p != nil
				return cleanVerdict(ctx, id, p)
			})
			f := newWorkerFixture(WorkerConfig{RetryBudget: 2, DirectFallback: tt.fallback}, fetcher, newFakePool(0))
			f.process("A")

			if got := fetcher.totalCalls(); got != tt.wantCalls {
				t.Errorf("resolve calls = %d, want %d", got, tt.wantCalls)
			}
			if sawProxy {
				t.Error("resolve used a proxy, want direct")
			}
			records, _, _ := f.store.counts()
			if records != tt.wantRecords {
				t.Errorf("records = %d, want %d", records, tt.wantRecords)
			}
			if tt.wantKind != "" && f.store.deadLetters[0].ErrorKind != tt.wantKind {
				t.Errorf("error kind = %q, want %q", f.store.deadLetters[0].ErrorKind, tt.wantKind)
			}
		})
	}
}

func TestWorker_BlockedProxyIsQuarantined(t *testing.T) {
	pool := newHealthyPool(t, "10.0.0.1:8080", "10.0.0.2:8080")
	blockedKey := "10.0.0.1:8080"

	var mu sync.Mutex
	throughBlocked := 0
	fetcher := newFakeVerdicts(func(ctx context.Context, id string, p *entity.ProxyEntry) (*entity.Verdict, error) {
		if p != nil && p.Key() == blockedKey {
			mu.Lock()
			throughBlocked++
			mu.Unlock()
			return nil, blockedError("verdict")
		}
		return maliciousVerdict(ctx, id, p)
	})
	f := newWorkerFixture(WorkerConfig{RetryBudget: 3, DirectFallback: true}, fetcher, pool)

	for i := 0; i < 6; i++ {
		f.process(fmt.Sprintf("scan-%d", i))
	}

	records, malicious, dead := f.store.counts()
	if records != 6 || malicious != 6 || dead != 0 {
		t.Errorf("records/malicious/dead = %d/%d/%d, want 6/6/0", records, malicious, dead)
	}
	if throughBlocked != 3 {
		t.Errorf("requests through the blocked proxy = %d, want 3", throughBlocked)
	}
	counts := pool.Counts()
	if counts[entity.ProxyHealthy] != 1 || counts[entity.ProxyQuarantined] != 1 {
		t.Errorf("pool counts = %v, want 1 healthy and 1 quarantined", counts)
	}
	for i := 0; i < 4; i++ {
		next, err := pool.Acquire()
		if err != nil || next.Key() == blockedKey {
			t.Fatalf("Acquire() = %v, %v, want the healthy proxy", next, err)
		}
	}
}

func TestWorker_FallsBackToDirectWhenPoolEmpties(t *testing.T) {
	pool := newHealthyPool(t, "10.0.0.1:8080")

	var mu sync.Mutex
	var egress []string
	fetcher := newFakeVerdicts(func(ctx context.Context, id string, p *entity.ProxyEntry) (*entity.Verdict, error) {
		mu.Lock()
		egress = append(egress, entity.ProxyLabel(p))
		mu.Unlock()
		if p != nil {
			return nil, blockedError("verdict")
		}
		return cleanVerdict(ctx, id, p)
	})
	f := newWorkerFixture(WorkerConfig{RetryBudget: 5, DirectFallback: true}, fetcher, pool)
	f.process("A")

	want := []string{"http://10.0.0.1:8080", "http://10.0.0.1:8080", "http://10.0.0.1:8080", "direct"}
	if len(egress) != len(want) {
		t.Fatalf("egress = %v, want %v", egress, want)
	}
	for i := range want {
		if egress[i] != want[i] {
			t.Errorf("attempt %d egress = %s, want %s", i+1, egress[i], want[i])
		}
	}
	records, _, _ := f.store.counts()
	if records != 1 {
		t.Errorf("records = %d, want 1", records)
	}
}

func TestWorker_RunExactlyOneOutcome(t *testing.T) {
	// roughly a third of the identifiers never resolve
	fetcher := newFakeVerdicts(func(ctx context.Context, id string, p *entity.ProxyEntry) (*entity.Verdict, error) {
		h := fnv.New32a()
		h.Write([]byte(id))
		if h.Sum32()%3 == 0 {
			return nil, transientError("verdict")
		}
		return cleanVerdict(ctx, id, p)
	})

	queue := storage.NewCandidateQueue()
	backlog := NewBacklogTracker()
	store := newMemStore()
	stats := &Stats{}
	pool := newFakePool(0)

	const items = 60
	for i := 0; i < items; i++ {
		backlog.Increment()
		if err := queue.Enqueue(&entity.ScanCandidate{Entry: feedEntry(fmt.Sprintf("scan-%d", i))}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for id := 0; id < 4; id++ {
		w := NewWorker(id, WorkerConfig{RetryBudget: 2, DequeueTimeout: 10 * time.Millisecond, DirectFallback: true},
			queue, fetcher, store, pool, backlog, nil, stats)
		w.sleep = noSleep
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				t.Errorf("Run() error = %v", err)
			}
		}()
	}

	if !waitFor(5*time.Second, func() bool { return backlog.Snapshot() == 0 }) {
		t.Fatalf("backlog = %d, want 0", backlog.Snapshot())
	}
	cancel()
	wg.Wait()

	outcomes := make(map[string]int)
	for id := range store.records {
		outcomes[id]++
	}
	for _, l := range store.deadLetters {
		outcomes[l.Identifier]++
	}
	if len(outcomes) != items {
		t.Errorf("items with an outcome = %d, want %d", len(outcomes), items)
	}
	for id, n := range outcomes {
		if n != 1 {
			t.Errorf("%s has %d outcomes, want 1", id, n)
		}
	}
	if got := stats.Persisted.Load() + stats.DeadLettered.Load(); got != items {
		t.Errorf("persisted + dead-lettered = %d, want %d", got, items)
	}
}

func TestWorker_RunStopsWhenQueueClosed(t *testing.T) {
	f := newWorkerFixture(WorkerConfig{DequeueTimeout: 10 * time.Millisecond}, newFakeVerdicts(cleanVerdict), newFakePool(0))
	f.queue.Close()

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after the queue was closed")
	}
}

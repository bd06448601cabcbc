package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
	"github.com/WangYihang/urlscan-harvester/pkg/infrastructure/storage"
)

func newTestProducer(feed *fakeFeed, pool ProxyPool, config ProducerConfig) (*Producer, *storage.CandidateQueue, *BacklogTracker) {
	queue := storage.NewCandidateQueue()
	backlog := NewBacklogTracker()
	dedup := storage.NewDeduplicator(storage.DedupConfig{Window: time.Hour, Size: 1000, FalsePositiveRate: 0.0001})
	p := NewProducer(config, feed, dedup, queue, backlog, pool, &Stats{})
	p.sleep = func(ctx context.Context, _ time.Duration) error {
		return sleepCtx(ctx, time.Millisecond)
	}
	return p, queue, backlog
}

func TestProducer_PollOnceDeduplicates(t *testing.T) {
	feed := &fakeFeed{results: []pollResult{{entries: entries("A", "B", "A")}}}
	p, queue, backlog := newTestProducer(feed, newFakePool(0), ProducerConfig{})

	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}

	if got := backlog.Snapshot(); got != 2 {
		t.Errorf("backlog = %d, want 2", got)
	}
	if got := queue.Len(); got != 2 {
		t.Errorf("queue length = %d, want 2", got)
	}
	if got := p.stats.Duplicates.Load(); got != 1 {
		t.Errorf("duplicates = %d, want 1", got)
	}

	first, ok := queue.Dequeue(context.Background(), time.Second)
	if !ok || first.Identifier() != "A" {
		t.Errorf("first candidate = %v, want A", first)
	}
}

func TestProducer_SeenAcrossPolls(t *testing.T) {
	feed := &fakeFeed{results: []pollResult{
		{entries: entries("A", "B")},
		{entries: entries("B", "C")},
	}}
	p, _, backlog := newTestProducer(feed, newFakePool(0), ProducerConfig{})

	for i := 0; i < 2; i++ {
		if err := p.PollOnce(context.Background()); err != nil {
			t.Fatalf("PollOnce() error = %v", err)
		}
	}
	if got := backlog.Snapshot(); got != 3 {
		t.Errorf("backlog = %d, want 3", got)
	}
	if got := p.stats.Discovered.Load(); got != 3 {
		t.Errorf("discovered = %d, want 3", got)
	}
}

func TestProducer_EnqueueAfterClose(t *testing.T) {
	feed := &fakeFeed{results: []pollResult{{entries: entries("A")}}}
	p, queue, backlog := newTestProducer(feed, newFakePool(0), ProducerConfig{})
	queue.Close()

	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}
	if got := backlog.Snapshot(); got != 0 {
		t.Errorf("backlog = %d, want 0 after rejected enqueue", got)
	}
}

func TestProducer_BlockedRotatesAndCycles(t *testing.T) {
	feed := &fakeFeed{results: []pollResult{
		{err: blockedError("feed")},
		{err: blockedError("feed")},
		{err: blockedError("feed")},
		{entries: entries("A")},
	}}
	pool := newFakePool(2)
	config := ProducerConfig{BackoffBase: time.Second, BackoffCap: time.Minute, FailuresBeforeCycle: 3}
	p, _, _ := newTestProducer(feed, pool, config)
	ctx := context.Background()

	var waits []time.Duration
	for i := 0; i < 3; i++ {
		err := p.PollOnce(ctx)
		if !entity.IsBlocked(err) {
			t.Fatalf("poll %d error = %v, want blocked", i, err)
		}
		waits = append(waits, p.onFailure(ctx, err))
	}
	if err := p.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}

	proxyA, proxyB := pool.healthy[0], pool.healthy[1]
	expected := []string{"direct", proxyA.String(), proxyB.String(), proxyA.String()}
	history := feed.egressHistory()
	if len(history) != len(expected) {
		t.Fatalf("egress history = %v, want %v", history, expected)
	}
	for i := range expected {
		if history[i] != expected[i] {
			t.Errorf("poll %d egress = %s, want %s", i, history[i], expected[i])
		}
	}

	if got := pool.failureCount(proxyA.Key()); got != 1 {
		t.Errorf("failures reported for A = %d, want 1", got)
	}
	if got := pool.failureCount(proxyB.Key()); got != 1 {
		t.Errorf("failures reported for B = %d, want 1", got)
	}
	if got := pool.cycleCount(); got != 1 {
		t.Errorf("pool cycles = %d, want 1", got)
	}

	wantWaits := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i := range wantWaits {
		if waits[i] != wantWaits[i] {
			t.Errorf("backoff %d = %v, want %v", i, waits[i], wantWaits[i])
		}
	}
}

func TestProducer_TransientFailureKeepsEgress(t *testing.T) {
	pool := newFakePool(1)
	p, _, _ := newTestProducer(&fakeFeed{}, pool, ProducerConfig{BackoffBase: time.Second, BackoffCap: time.Minute})

	p.onFailure(context.Background(), transientError("feed"))
	if p.egress != nil {
		t.Errorf("egress = %s, want direct after one transient failure", p.egress)
	}
	if pool.cycleCount() != 0 {
		t.Errorf("pool cycled after a single failure")
	}
}

func TestProducer_ParseErrorNotReported(t *testing.T) {
	pool := newFakePool(1)
	p, _, _ := newTestProducer(&fakeFeed{}, pool, ProducerConfig{BackoffBase: time.Second, BackoffCap: time.Minute})
	proxy := pool.healthy[0]
	p.egress = &proxy

	p.onFailure(context.Background(), entity.NewFetchError(entity.KindParse, "feed", errors.New("no table")))
	if got := pool.failureCount(proxy.Key()); got != 0 {
		t.Errorf("parse error reported %d proxy failures, want 0", got)
	}
}

func TestProducer_RotateWithoutHealthyProxyGoesDirect(t *testing.T) {
	pool := newFakePool(0)
	p, _, _ := newTestProducer(&fakeFeed{}, pool, ProducerConfig{})
	p.egress = &entity.ProxyEntry{Address: "10.0.0.9", Port: 3128}

	p.rotate()
	if p.egress != nil {
		t.Errorf("egress = %s, want direct", p.egress)
	}
}

func TestProducer_WatermarkGate(t *testing.T) {
	feed := &fakeFeed{}
	config := ProducerConfig{HighWatermark: 4, LowWatermark: 2}
	p, queue, backlog := newTestProducer(feed, newFakePool(0), config)
	for i := 0; i < 5; i++ {
		backlog.Increment()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	if !waitFor(time.Second, p.Paused) {
		t.Fatal("producer did not pause above the high watermark")
	}
	for i := 0; i < 3; i++ {
		backlog.Decrement()
	}
	time.Sleep(30 * time.Millisecond)
	if len(feed.egressHistory()) != 0 {
		t.Fatal("producer polled before the backlog fell below the low watermark")
	}

	backlog.Decrement()
	if !waitFor(time.Second, func() bool { return len(feed.egressHistory()) > 0 }) {
		t.Fatal("producer did not resume below the low watermark")
	}
	if p.Paused() {
		t.Error("Paused() = true after resuming")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
	if !queue.Closed() {
		t.Error("queue not closed after producer stopped")
	}
}

func TestProducer_RunSurvivesErrors(t *testing.T) {
	feed := &fakeFeed{results: []pollResult{
		{err: transientError("feed")},
		{err: entity.NewFetchError(entity.KindParse, "feed", errors.New("bad html"))},
		{entries: entries("A", "B")},
	}}
	p, queue, _ := newTestProducer(feed, newFakePool(0), ProducerConfig{BackoffBase: time.Millisecond, BackoffCap: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	if !waitFor(time.Second, func() bool { return queue.Len() == 2 }) {
		t.Fatalf("queue length = %d, want 2", queue.Len())
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if got := p.stats.PollFailures.Load(); got != 2 {
		t.Errorf("poll failures = %d, want 2", got)
	}
}

func TestProducer_SuccessReportedToEgress(t *testing.T) {
	pool := newFakePool(1)
	p, _, _ := newTestProducer(&fakeFeed{results: []pollResult{{entries: entries("A")}}}, pool, ProducerConfig{})
	proxy := pool.healthy[0]
	p.egress = &proxy

	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}
	if got := pool.successCount(proxy.Key()); got != 1 {
		t.Errorf("successes reported = %d, want 1", got)
	}
}

func TestProducer_SuccessResetsProxyFailures(t *testing.T) {
	pool := newHealthyPool(t, "10.0.0.1:8080")
	feed := &fakeFeed{results: []pollResult{
		{err: transientError("feed")},
		{err: transientError("feed")},
		{entries: entries("A")},
		{err: transientError("feed")},
	}}
	p, _, _ := newTestProducer(feed, pool, ProducerConfig{FailuresBeforeCycle: 10, BackoffBase: time.Second, BackoffCap: time.Minute})
	proxy, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.egress = &proxy

	for i := 0; i < 4; i++ {
		if err := p.PollOnce(context.Background()); err != nil {
			p.onFailure(context.Background(), err)
		}
	}

	counts := pool.Counts()
	if counts[entity.ProxyHealthy] != 1 || counts[entity.ProxyQuarantined] != 0 {
		t.Errorf("counts = %v, want the proxy still healthy", counts)
	}
	if p.egress == nil || p.egress.Key() != proxy.Key() {
		t.Errorf("egress = %v, want %s", p.egress, proxy.Key())
	}
}

func TestProducer_QuarantinedEgressRotates(t *testing.T) {
	pool := newHealthyPool(t, "10.0.0.1:8080", "10.0.0.2:8080")
	p, _, _ := newTestProducer(&fakeFeed{}, pool, ProducerConfig{FailuresBeforeCycle: 10, BackoffBase: time.Second, BackoffCap: time.Minute})
	first, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.egress = &first

	for i := 0; i < 2; i++ {
		p.onFailure(context.Background(), transientError("feed"))
		if p.egress == nil || p.egress.Key() != first.Key() {
			t.Fatalf("egress after %d failures = %v, want %s", i+1, p.egress, first.Key())
		}
	}

	p.onFailure(context.Background(), transientError("feed"))
	if pool.Healthy(first) {
		t.Fatalf("%s still healthy after three failures", first.Key())
	}
	if p.egress == nil || p.egress.Key() == first.Key() {
		t.Errorf("egress = %v, want the other healthy proxy", p.egress)
	}

	p.onFailure(context.Background(), transientError("feed"))
	if got := pool.Counts()[entity.ProxyDead]; got != 0 {
		t.Errorf("dead proxies = %d, want 0", got)
	}
}

package repository

import (
	"context"
	"time"

	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
)

// SeenFilter provides deduplication capabilities
type SeenFilter interface {
	// Observe returns true the first time an identifier is seen
	Observe(identifier string) bool
	// Save persists the filter state
	Save(filename string) error
	// Load restores the filter state
	Load(filename string) error
}

// RecordStore is the only write path of the pipeline. Every append writes one
// whole record and is safe for concurrent use.
type RecordStore interface {
	// Append writes a record to the all-records sink
	Append(ctx context.Context, record *entity.VerdictRecord) error
	// AppendMalicious writes a record to the malicious-only sink
	AppendMalicious(ctx context.Context, record *entity.VerdictRecord) error
	// AppendDeadLetter writes a permanently failed item
	AppendDeadLetter(ctx context.Context, letter *entity.DeadLetter) error
	// Flush ensures all buffered data is written
	Flush() error
	// Close closes the store
	Close() error
}

// CandidateQueue hands candidates from the producer to the workers
type CandidateQueue interface {
	// Enqueue adds a candidate, failing with entity.ErrQueueClosed after Close
	Enqueue(candidate *entity.ScanCandidate) error
	// Dequeue waits up to timeout for a candidate. ok is false on timeout,
	// cancellation or once the queue is closed.
	Dequeue(ctx context.Context, timeout time.Duration) (candidate *entity.ScanCandidate, ok bool)
	// Len returns the current queue length
	Len() int
	// Close stops the queue. Items still queued are never handed out.
	Close()
	// Closed reports whether Close was called
	Closed() bool
}

// ProxyRepository persists the proxy pool between runs
type ProxyRepository interface {
	Load() ([]entity.ProxyEntry, error)
	Save(entries []entity.ProxyEntry) error
}

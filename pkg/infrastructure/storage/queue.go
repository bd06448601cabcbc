package storage

import (
	"context"
	"sync"
	"time"

	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
)

// CandidateQueue implements repository.CandidateQueue. It is unbounded; the
// producer bounds it through the backlog watermarks.
type CandidateQueue struct {
	items  []*entity.ScanCandidate
	notify chan struct{}
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

// NewCandidateQueue creates a new candidate queue
func NewCandidateQueue() *CandidateQueue {
	return &CandidateQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Enqueue adds a candidate to the queue
func (q *CandidateQueue) Enqueue(candidate *entity.ScanCandidate) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return entity.ErrQueueClosed
	}
	q.items = append(q.items, candidate)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Dequeue removes and returns the oldest candidate, waiting up to timeout.
// Nothing is handed out once ctx is done or the queue is closed.
func (q *CandidateQueue) Dequeue(ctx context.Context, timeout time.Duration) (*entity.ScanCandidate, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.closed || ctx.Err() != nil {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.items) > 0 {
			candidate := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				// wake the next waiter
				q.signal()
			}
			return candidate, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
			return nil, false
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
			return nil, false
		}
	}
}

// Len returns the current queue length
func (q *CandidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close closes the queue. Queued candidates stay in place and are reported
// by Len but are never handed out.
func (q *CandidateQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

// Closed reports whether Close was called
func (q *CandidateQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *CandidateQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

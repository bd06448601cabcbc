package application

import (
	"sync"
	"sync/atomic"
)

const recentLimit = 10

// Stats holds the pipeline-wide counters shared by the producer and the workers
type Stats struct {
	Polls        atomic.Int64
	PollFailures atomic.Int64
	Discovered   atomic.Int64
	Duplicates   atomic.Int64
	Persisted    atomic.Int64
	Malicious    atomic.Int64
	DeadLettered atomic.Int64

	recent []string
	mu     sync.Mutex
}

// AddRecent remembers a recently found malicious target
func (s *Stats) AddRecent(target string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent = append(s.recent, target)
	if len(s.recent) > recentLimit {
		s.recent = s.recent[len(s.recent)-recentLimit:]
	}
}

// Recent returns the most recent malicious targets, newest last
func (s *Stats) Recent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.recent...)
}

package entity

import "time"

// WorkerStats is the per-worker part of a snapshot
type WorkerStats struct {
	ID        int    `json:"id"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
	Current   string `json:"current,omitempty"`
}

// Snapshot is a read-only view of the pipeline, polled by the dashboard,
// the progress monitor and the Prometheus collector
type Snapshot struct {
	StartedAt    time.Time          `json:"started_at"`
	TakenAt      time.Time          `json:"taken_at"`
	BacklogDepth int64              `json:"backlog_depth"`
	QueueLength  int                `json:"queue_length"`
	Discovered   int64              `json:"discovered"`
	Duplicates   int64              `json:"duplicates"`
	Polls        int64              `json:"polls"`
	PollFailures int64              `json:"poll_failures"`
	Persisted    int64              `json:"persisted"`
	Malicious    int64              `json:"malicious"`
	DeadLettered int64              `json:"dead_lettered"`
	Paused       bool               `json:"paused"`
	ProxyCounts  map[ProxyState]int `json:"proxy_counts"`
	Workers      []WorkerStats      `json:"workers"`
	Recent       []string           `json:"recent,omitempty"`
}

// TotalProxies sums the proxy counts over all states
func (s *Snapshot) TotalProxies() int {
	total := 0
	for _, n := range s.ProxyCounts {
		total += n
	}
	return total
}

// Processed sums worker processed counters
func (s *Snapshot) Processed() int64 {
	var total int64
	for _, w := range s.Workers {
		total += w.Processed
	}
	return total
}

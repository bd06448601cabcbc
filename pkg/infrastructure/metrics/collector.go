package metrics

import (
	"strconv"

	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "harvester"

// SnapshotSource is implemented by the pipeline
type SnapshotSource interface {
	Snapshot() *entity.Snapshot
}

// Collector exposes pipeline snapshots as Prometheus metrics. Values are read
// at scrape time, nothing is cached between scrapes.
type Collector struct {
	source SnapshotSource

	backlog    *prometheus.Desc
	queue      *prometheus.Desc
	paused     *prometheus.Desc
	proxies    *prometheus.Desc
	processed  *prometheus.Desc
	failed     *prometheus.Desc
	discovered *prometheus.Desc
	duplicates *prometheus.Desc
	polls      *prometheus.Desc
	records    *prometheus.Desc
}

// NewCollector creates a collector reading from source
func NewCollector(source SnapshotSource) *Collector {
	return &Collector{
		source: source,
		backlog: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "backlog_depth"),
			"Candidates enqueued but not yet persisted or dead-lettered.", nil, nil),
		queue: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "queue_length"),
			"Candidates waiting in the queue.", nil, nil),
		paused: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "producer_paused"),
			"1 while the producer is held by the backlog watermark.", nil, nil),
		proxies: prometheus.NewDesc(prometheus.BuildFQName(namespace, "proxy", "entries"),
			"Proxy pool entries by health state.", []string{"state"}, nil),
		processed: prometheus.NewDesc(prometheus.BuildFQName(namespace, "worker", "processed_total"),
			"Candidates completed by each worker.", []string{"worker"}, nil),
		failed: prometheus.NewDesc(prometheus.BuildFQName(namespace, "worker", "failed_total"),
			"Candidates dead-lettered by each worker.", []string{"worker"}, nil),
		discovered: prometheus.NewDesc(prometheus.BuildFQName(namespace, "candidates", "discovered_total"),
			"Feed entries accepted as new candidates.", nil, nil),
		duplicates: prometheus.NewDesc(prometheus.BuildFQName(namespace, "candidates", "duplicate_total"),
			"Feed entries rejected by the deduplicator.", nil, nil),
		polls: prometheus.NewDesc(prometheus.BuildFQName(namespace, "feed", "polls_total"),
			"Feed polls by outcome.", []string{"outcome"}, nil),
		records: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "records_total"),
			"Records written by sink.", []string{"sink"}, nil),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.backlog
	ch <- c.queue
	ch <- c.paused
	ch <- c.proxies
	ch <- c.processed
	ch <- c.failed
	ch <- c.discovered
	ch <- c.duplicates
	ch <- c.polls
	ch <- c.records
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.backlog, prometheus.GaugeValue, float64(s.BacklogDepth))
	ch <- prometheus.MustNewConstMetric(c.queue, prometheus.GaugeValue, float64(s.QueueLength))
	paused := 0.0
	if s.Paused {
		paused = 1
	}
	ch <- prometheus.MustNewConstMetric(c.paused, prometheus.GaugeValue, paused)

	for _, state := range entity.ProxyStates {
		ch <- prometheus.MustNewConstMetric(c.proxies, prometheus.GaugeValue, float64(s.ProxyCounts[state]), string(state))
	}
	for _, w := range s.Workers {
		id := strconv.Itoa(w.ID)
		ch <- prometheus.MustNewConstMetric(c.processed, prometheus.CounterValue, float64(w.Processed), id)
		ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(w.Failed), id)
	}

	ch <- prometheus.MustNewConstMetric(c.discovered, prometheus.CounterValue, float64(s.Discovered))
	ch <- prometheus.MustNewConstMetric(c.duplicates, prometheus.CounterValue, float64(s.Duplicates))
	ch <- prometheus.MustNewConstMetric(c.polls, prometheus.CounterValue, float64(s.Polls-s.PollFailures), "success")
	ch <- prometheus.MustNewConstMetric(c.polls, prometheus.CounterValue, float64(s.PollFailures), "failure")
	ch <- prometheus.MustNewConstMetric(c.records, prometheus.CounterValue, float64(s.Persisted), "results")
	ch <- prometheus.MustNewConstMetric(c.records, prometheus.CounterValue, float64(s.Malicious), "verdicts")
	ch <- prometheus.MustNewConstMetric(c.records, prometheus.CounterValue, float64(s.DeadLettered), "deadletters")
}

var _ prometheus.Collector = (*Collector)(nil)

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// DedupConfig holds deduplicator configuration
type DedupConfig struct {
	Window            time.Duration
	Size              uint
	FalsePositiveRate float64
}

type seenAt struct {
	identifier string
	at         time.Time
}

// Deduplicator implements repository.SeenFilter. Identifiers seen within the
// window are kept in an exact set; older ones stay represented in a Bloom
// filter that survives restarts.
type Deduplicator struct {
	window time.Duration
	exact  map[string]time.Time
	order  []seenAt
	filter *bloom.BloomFilter
	size   uint
	fpRate float64
	now    func() time.Time
	mu     sync.Mutex
}

// NewDeduplicator creates a new deduplicator
func NewDeduplicator(config DedupConfig) *Deduplicator {
	return &Deduplicator{
		window: config.Window,
		exact:  make(map[string]time.Time),
		filter: bloom.NewWithEstimates(config.Size, config.FalsePositiveRate),
		size:   config.Size,
		fpRate: config.FalsePositiveRate,
		now:    time.Now,
	}
}

// Observe returns true the first time identifier is seen. Check and insert
// happen under one lock.
func (d *Deduplicator) Observe(identifier string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.evict(now)

	if _, ok := d.exact[identifier]; ok {
		return false
	}
	if d.filter.TestAndAdd([]byte(identifier)) {
		return false
	}

	d.exact[identifier] = now
	d.order = append(d.order, seenAt{identifier: identifier, at: now})
	return true
}

// Len returns the number of identifiers held in the exact window
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.exact)
}

func (d *Deduplicator) evict(now time.Time) {
	if d.window <= 0 {
		return
	}
	cutoff := now.Add(-d.window)
	i := 0
	for ; i < len(d.order) && d.order[i].at.Before(cutoff); i++ {
		delete(d.exact, d.order[i].identifier)
	}
	if i > 0 {
		d.order = append(d.order[:0:0], d.order[i:]...)
	}
}

// Save persists the Bloom filter. The file is replaced atomically.
func (d *Deduplicator) Save(filename string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := d.filter.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write bloom filter: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filename)
}

// Load restores the Bloom filter. A missing file is not an error.
func (d *Deduplicator) Load(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	filter := bloom.NewWithEstimates(d.size, d.fpRate)
	if _, err := filter.ReadFrom(file); err != nil {
		return fmt.Errorf("failed to read bloom filter %s: %w", filename, err)
	}

	d.mu.Lock()
	d.filter = filter
	d.mu.Unlock()
	return nil
}

package storage

import (
	"context"
	"errors"

	"github.com/WangYihang/urlscan-harvester/internal/logger"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/repository"
)

// MultiStore fans every write out to several stores. The first store is the
// primary and decides the outcome of an append: once it accepted a record,
// secondary failures are logged and never reported to the caller.
type MultiStore struct {
	stores []repository.RecordStore
}

// NewMultiStore creates a fan-out store
func NewMultiStore(primary repository.RecordStore, secondaries ...repository.RecordStore) *MultiStore {
	return &MultiStore{stores: append([]repository.RecordStore{primary}, secondaries...)}
}

// write appends through the primary, then through every secondary unless the
// primary failed
func (m *MultiStore) write(op, identifier string, fn func(repository.RecordStore) error) error {
	err := fn(m.stores[0])
	if err != nil && !errors.Is(err, entity.ErrDuplicateRecord) {
		return err
	}
	log := logger.WithComponent("Storage/Multi")
	for i, s := range m.stores[1:] {
		if serr := fn(s); !errIgnore(serr) {
			log.Warn().
				Err(serr).
				Int("store", i+1).
				Str("op", op).
				Str("identifier", identifier).
				Msg("secondary store write failed")
		}
	}
	return err
}

func (m *MultiStore) each(fn func(repository.RecordStore) error) error {
	var errs []error
	for i, s := range m.stores {
		err := fn(s)
		if i > 0 && errIgnore(err) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Append writes a record to every store
func (m *MultiStore) Append(ctx context.Context, record *entity.VerdictRecord) error {
	return m.write("append", record.Identifier, func(s repository.RecordStore) error { return s.Append(ctx, record) })
}

// AppendMalicious writes a malicious record to every store
func (m *MultiStore) AppendMalicious(ctx context.Context, record *entity.VerdictRecord) error {
	return m.write("append_malicious", record.Identifier, func(s repository.RecordStore) error { return s.AppendMalicious(ctx, record) })
}

// AppendDeadLetter writes a dead letter to every store
func (m *MultiStore) AppendDeadLetter(ctx context.Context, letter *entity.DeadLetter) error {
	return m.write("append_dead_letter", letter.Identifier, func(s repository.RecordStore) error { return s.AppendDeadLetter(ctx, letter) })
}

// Flush flushes every store
func (m *MultiStore) Flush() error {
	return m.each(func(s repository.RecordStore) error { return s.Flush() })
}

// Close closes every store
func (m *MultiStore) Close() error {
	return m.each(func(s repository.RecordStore) error { return s.Close() })
}

// errIgnore reports whether a secondary store error can be treated as success
func errIgnore(err error) bool {
	return err == nil || errors.Is(err, entity.ErrDuplicateRecord)
}

var (
	_ repository.RecordStore    = (*JSONLStore)(nil)
	_ repository.RecordStore    = (*PostgresStore)(nil)
	_ repository.RecordStore    = (*MultiStore)(nil)
	_ repository.CandidateQueue = (*CandidateQueue)(nil)
	_ repository.SeenFilter     = (*Deduplicator)(nil)
)

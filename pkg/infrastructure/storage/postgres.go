package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	tableRecords     = "verdict_records"
	tableMalicious   = "malicious_verdicts"
	tableDeadLetters = "dead_letters"
)

const recordColumns = `
	identifier        TEXT PRIMARY KEY,
	target_url        TEXT NOT NULL,
	scan_url          TEXT NOT NULL,
	age_of_scan       TEXT,
	page_size         TEXT,
	request_count     INTEGER,
	ip_addresses      TEXT[],
	detected_threats  TEXT[],
	access_level      TEXT NOT NULL,
	country           TEXT,
	verdict           TEXT,
	is_malicious      BOOLEAN NOT NULL,
	targeted_brands   JSONB,
	captured_at       TIMESTAMPTZ NOT NULL`

// PostgresStore implements repository.RecordStore on Postgres. Inserts use
// ON CONFLICT DO NOTHING so an identifier lands at most once per table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the tables if needed
func NewPostgresStore(ctx context.Context, dsn string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	store := &PostgresStore{pool: pool}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// EnsureSchema creates the tables used by the store
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + tableRecords + ` (` + recordColumns + `)`,
		`CREATE TABLE IF NOT EXISTS ` + tableMalicious + ` (` + recordColumns + `)`,
		`CREATE TABLE IF NOT EXISTS ` + tableDeadLetters + ` (
			id          UUID PRIMARY KEY,
			identifier  TEXT NOT NULL,
			scan_url    TEXT,
			error_kind  TEXT NOT NULL,
			error       TEXT,
			attempts    INTEGER NOT NULL,
			last_proxy  TEXT,
			failed_at   TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) insertRecord(ctx context.Context, table string, r *entity.VerdictRecord) error {
	brands, err := json.Marshal(r.TargetedBrands)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+table+`
		(identifier, target_url, scan_url, age_of_scan, page_size, request_count,
		 ip_addresses, detected_threats, access_level, country, verdict, is_malicious,
		 targeted_brands, captured_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (identifier) DO NOTHING`,
		r.Identifier, r.TargetURL, r.ScanURL, r.AgeOfScan, r.PageSize, r.RequestCount,
		r.IPAddresses, r.DetectedThreats, string(r.AccessLevel), r.Country, r.Verdict, r.IsMalicious,
		brands, r.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrDuplicateRecord
	}
	return nil
}

// Append writes a record to the all-records table
func (s *PostgresStore) Append(ctx context.Context, record *entity.VerdictRecord) error {
	return s.insertRecord(ctx, tableRecords, record)
}

// AppendMalicious writes a record to the malicious-only table
func (s *PostgresStore) AppendMalicious(ctx context.Context, record *entity.VerdictRecord) error {
	return s.insertRecord(ctx, tableMalicious, record)
}

// AppendDeadLetter writes a permanently failed item
func (s *PostgresStore) AppendDeadLetter(ctx context.Context, l *entity.DeadLetter) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+tableDeadLetters+`
		(id, identifier, scan_url, error_kind, error, attempts, last_proxy, failed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING`,
		l.ID, l.Identifier, l.ScanURL, l.ErrorKind, l.Error, l.Attempts, l.LastProxy, l.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

// Flush is a no-op, every insert is committed on its own
func (s *PostgresStore) Flush() error {
	return nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

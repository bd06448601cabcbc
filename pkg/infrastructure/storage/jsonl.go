package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
)

// Sink names, also used as metric labels
const (
	SinkResults     = "results"
	SinkVerdicts    = "verdicts"
	SinkDeadLetters = "deadletters"
)

// sink is one append-only JSON-lines file. Each record is marshalled first
// and written with a single Write call under the sink's own lock.
type sink struct {
	name    string
	file    *os.File
	written map[string]struct{}
	mu      sync.Mutex
}

type keyed struct {
	Identifier string `json:"identifier"`
	ID         string `json:"id"`
}

func openSink(name, path string, keyOf func(keyed) string) (*sink, error) {
	written, err := loadKeys(path, keyOf)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s sink: %w", name, err)
	}
	return &sink{name: name, file: file, written: written}, nil
}

// loadKeys reads the keys already present in an existing sink so the
// at-most-once guard holds across restarts
func loadKeys(path string, keyOf func(keyed) string) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return keys, nil
		}
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var k keyed
		if err := json.Unmarshal(scanner.Bytes(), &k); err != nil {
			// a torn last line from a crash, skip it
			continue
		}
		if key := keyOf(k); key != "" {
			keys[key] = struct{}{}
		}
	}
	return keys, scanner.Err()
}

func (s *sink) write(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", s.name, err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.written[key]; ok {
		return entity.ErrDuplicateRecord
	}
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("failed to write %s record: %w", s.name, err)
	}
	s.written[key] = struct{}{}
	return nil
}

func (s *sink) sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Sync()
}

func (s *sink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// JSONLPaths names the three sink files
type JSONLPaths struct {
	Results     string
	Verdicts    string
	DeadLetters string
}

// JSONLStore implements repository.RecordStore on JSON-lines files
type JSONLStore struct {
	results     *sink
	verdicts    *sink
	deadLetters *sink
}

// NewJSONLStore opens (or creates) the three sinks in append mode
func NewJSONLStore(paths JSONLPaths) (*JSONLStore, error) {
	byIdentifier := func(k keyed) string { return k.Identifier }
	byID := func(k keyed) string { return k.ID }

	results, err := openSink(SinkResults, paths.Results, byIdentifier)
	if err != nil {
		return nil, err
	}
	verdicts, err := openSink(SinkVerdicts, paths.Verdicts, byIdentifier)
	if err != nil {
		results.close()
		return nil, err
	}
	deadLetters, err := openSink(SinkDeadLetters, paths.DeadLetters, byID)
	if err != nil {
		results.close()
		verdicts.close()
		return nil, err
	}

	return &JSONLStore{
		results:     results,
		verdicts:    verdicts,
		deadLetters: deadLetters,
	}, nil
}

// Append writes a record to the all-records sink
func (s *JSONLStore) Append(_ context.Context, record *entity.VerdictRecord) error {
	return s.results.write(record.Identifier, record)
}

// AppendMalicious writes a record to the malicious-only sink
func (s *JSONLStore) AppendMalicious(_ context.Context, record *entity.VerdictRecord) error {
	return s.verdicts.write(record.Identifier, record)
}

// AppendDeadLetter writes a permanently failed item
func (s *JSONLStore) AppendDeadLetter(_ context.Context, letter *entity.DeadLetter) error {
	return s.deadLetters.write(letter.ID, letter)
}

// Flush syncs every sink to disk
func (s *JSONLStore) Flush() error {
	return errors.Join(s.results.sync(), s.verdicts.sync(), s.deadLetters.sync())
}

// Close closes every sink
func (s *JSONLStore) Close() error {
	return errors.Join(s.results.close(), s.verdicts.close(), s.deadLetters.close())
}

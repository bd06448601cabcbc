package proxypool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/WangYihang/urlscan-harvester/internal/logger"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
)

// FileRepository implements repository.ProxyRepository as a JSON-lines file
type FileRepository struct {
	path string
	mu   sync.Mutex
}

// NewFileRepository creates a new file repository
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{path: path}
}

// Load reads every entry. A missing file yields an empty pool.
func (r *FileRepository) Load() ([]entity.ProxyEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := logger.WithComponent("ProxyPool/Storage")
	file, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", r.path).Msg("proxy file not found, starting with an empty pool")
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []entity.ProxyEntry
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e entity.ProxyEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			log.Warn().Int("line", lineNum).Err(err).Msg("skipping malformed line in proxy file")
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// Save replaces the file with entries
func (r *FileRepository) Save(entries []entity.ProxyEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), r.path)
}

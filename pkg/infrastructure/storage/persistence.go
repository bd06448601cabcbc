package storage

import (
	"context"
	"time"

	"github.com/WangYihang/urlscan-harvester/internal/logger"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/repository"
)

// PersistenceManager periodically saves a SeenFilter
type PersistenceManager struct {
	filter   repository.SeenFilter
	path     string
	interval time.Duration
}

// NewPersistenceManager creates manager
func NewPersistenceManager(filter repository.SeenFilter, path string, interval time.Duration) *PersistenceManager {
	return &PersistenceManager{
		filter:   filter,
		path:     path,
		interval: interval,
	}
}

// Run saves the filter on every tick and once more when ctx is done
func (pm *PersistenceManager) Run(ctx context.Context) error {
	log := logger.WithComponent("Storage/Persistence")
	if pm.path == "" {
		return nil
	}

	if pm.interval > 0 {
		ticker := time.NewTicker(pm.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := pm.filter.Save(pm.path); err != nil {
					log.Warn().Err(err).Str("path", pm.path).Msg("failed to save seen filter")
				}
			case <-ctx.Done():
				return pm.final()
			}
		}
	}

	<-ctx.Done()
	return pm.final()
}

func (pm *PersistenceManager) final() error {
	if err := pm.filter.Save(pm.path); err != nil {
		return err
	}
	logger.WithComponent("Storage/Persistence").Info().Str("path", pm.path).Msg("seen filter saved")
	return nil
}

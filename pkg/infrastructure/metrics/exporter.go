package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/WangYihang/urlscan-harvester/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter serves /metrics on addr, by default :2112
type Exporter struct {
	addr     string
	registry *prometheus.Registry
}

// NewExporter registers the pipeline collector next to the Go runtime and
// process collectors
func NewExporter(addr string, source SnapshotSource) (*Exporter, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(NewCollector(source)); err != nil {
		return nil, err
	}
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	return &Exporter{addr: addr, registry: registry}, nil
}

// Handler returns the /metrics handler
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Run serves until ctx is done
func (e *Exporter) Run(ctx context.Context) error {
	log := logger.WithComponent("Metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	server := &http.Server{
		Addr:              e.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", e.addr).Msg("serving prometheus metrics")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		// listen errors are logged, the pipeline keeps running
		log.Error().Err(err).Str("addr", e.addr).Msg("metrics exporter stopped")
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

package proxypool

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
	harvesthttp "github.com/WangYihang/urlscan-harvester/pkg/infrastructure/http"
)

// Prober implements service.ProxyProber by fetching a random well-known
// target through the proxy
type Prober struct {
	targets []string
	timeout time.Duration
}

// NewProber creates a new prober
func NewProber(targets []string, timeout time.Duration) *Prober {
	return &Prober{targets: targets, timeout: timeout}
}

// Probe returns the round-trip latency, or an error when the target was not
// reachable through the proxy. 2xx and 3xx count as reachable.
func (p *Prober) Probe(ctx context.Context, proxy entity.ProxyEntry) (time.Duration, error) {
	if len(p.targets) == 0 {
		return 0, fmt.Errorf("no validation targets configured")
	}
	transport, err := harvesthttp.NewTransport(&proxy, p.timeout)
	if err != nil {
		return 0, err
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   p.timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	target := p.targets[rand.Intn(len(p.targets))]
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return 0, fmt.Errorf("received non-successful status code: %d", resp.StatusCode)
	}
	return time.Since(start), nil
}

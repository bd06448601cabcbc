package presenter

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/WangYihang/urlscan-harvester/internal/common"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// ProgressMonitor renders plain-mode progress bars for the verdict backlog
// and the proxy pool
type ProgressMonitor struct {
	source SnapshotSource
	output io.Writer
	width  int
}

// NewProgressMonitor creates a monitor writing to output
func NewProgressMonitor(source SnapshotSource, output io.Writer) *ProgressMonitor {
	return &ProgressMonitor{
		source: source,
		output: output,
		width:  min(common.TerminalWidth()/3, 60),
	}
}

// Run updates and redraws the bars on every tick until ctx is done. Drawing
// is driven by the ticker so output that is not a terminal gets frames too.
func (m *ProgressMonitor) Run(ctx context.Context) error {
	refresh := make(chan interface{})
	p := mpb.New(
		mpb.WithOutput(m.output),
		mpb.WithWidth(m.width),
		mpb.WithManualRefresh(refresh),
	)

	verdicts := p.AddBar(0,
		mpb.PrependDecorators(
			decor.Name("verdicts", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.CountersNoUnit("[%d / %d]", decor.WCSyncWidth),
			decor.Percentage(decor.WCSyncSpace),
			decor.Any(func(decor.Statistics) string {
				return m.status()
			}, decor.WCSyncSpace),
		),
	)
	proxies := p.AddBar(0,
		mpb.PrependDecorators(
			decor.Name("healthy proxies", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.CountersNoUnit("[%d / %d]", decor.WCSyncWidth),
		),
	)

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	update := func() {
		s := m.source.Snapshot()
		verdicts.SetTotal(max(s.Discovered, 1), false)
		verdicts.SetCurrent(s.Processed())
		proxies.SetTotal(int64(max(s.TotalProxies(), 1)), false)
		proxies.SetCurrent(int64(s.ProxyCounts[entity.ProxyHealthy]))
		refresh <- time.Now()
	}

	update()
	for {
		select {
		case <-ctx.Done():
			update()
			verdicts.SetTotal(-1, true)
			proxies.SetTotal(-1, true)
			p.Wait()
			return nil
		case <-ticker.C:
			update()
		}
	}
}

func (m *ProgressMonitor) status() string {
	s := m.source.Snapshot()
	state := ""
	if s.Paused {
		state = " paused"
	}
	return fmt.Sprintf("backlog %d malicious %d dead %d%s", s.BacklogDepth, s.Malicious, s.DeadLettered, state)
}

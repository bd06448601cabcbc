package presenter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/WangYihang/urlscan-harvester/internal/common"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// SnapshotSource is implemented by the pipeline
type SnapshotSource interface {
	Snapshot() *entity.Snapshot
}

const refreshInterval = 500 * time.Millisecond

// Dashboard is a TUI dashboard polling pipeline snapshots
type Dashboard struct {
	source   SnapshotSource
	onQuit   func()
	snapshot *entity.Snapshot
	health   progress.Model
	width    int
	height   int
}

type tickMsg time.Time

// NewDashboard creates a new TUI dashboard. onQuit is called when the user
// quits, typically cancelling the pipeline.
func NewDashboard(source SnapshotSource, onQuit func()) *Dashboard {
	return &Dashboard{
		source:   source,
		onQuit:   onQuit,
		snapshot: source.Snapshot(),
		health:   progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
}

// Init initializes the dashboard
func (d *Dashboard) Init() tea.Cmd {
	return tickCmd()
}

// Update handles dashboard updates
func (d *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "Q", "ctrl+c":
			if d.onQuit != nil {
				d.onQuit()
			}
			return d, tea.Quit
		}

	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height
		return d, nil

	case tickMsg:
		d.snapshot = d.source.Snapshot()
		return d, tickCmd()
	}

	return d, nil
}

// View renders the dashboard
func (d *Dashboard) View() string {
	if d.width == 0 {
		return "Initializing..."
	}

	header := d.renderHeader()
	footer := d.renderFooter()

	availableHeight := d.height - lipgloss.Height(header) - lipgloss.Height(footer)
	if availableHeight < 0 {
		availableHeight = 0
	}
	halfHeight := availableHeight / 2
	leftWidth := d.width / 2
	rightWidth := d.width - leftWidth

	row1 := lipgloss.JoinHorizontal(
		lipgloss.Top,
		d.renderPipelineStats(leftWidth, halfHeight),
		d.renderProxyStats(rightWidth, halfHeight),
	)
	remainingHeight := availableHeight - halfHeight
	row2 := lipgloss.JoinHorizontal(
		lipgloss.Top,
		d.renderWorkers(leftWidth, remainingHeight),
		d.renderRecentMalicious(rightWidth, remainingHeight),
	)

	return lipgloss.JoinVertical(lipgloss.Left, header, row1, row2, footer)
}

func panel(color string, width, height int) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(color)).
		Padding(1, 2).
		Width(max(width-2, 0)).
		Height(max(height-2, 0))
}

func (d *Dashboard) renderHeader() string {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#7D56F4")).
		Padding(0, 1)
	timeStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#999999"))

	elapsed := time.Since(d.snapshot.StartedAt).Truncate(time.Second)
	title := titleStyle.Render("urlscan harvester " + common.PV.Short())
	timeInfo := timeStyle.Render(fmt.Sprintf(" Running: %s | Time: %s", elapsed, time.Now().Format("15:04:05")))
	return title + timeInfo
}

func (d *Dashboard) renderPipelineStats(width, height int) string {
	s := d.snapshot
	state := "polling"
	if s.Paused {
		state = "paused (backlog above high watermark)"
	}

	stats := []string{
		"Pipeline",
		"",
		fmt.Sprintf("Producer:        %s", state),
		fmt.Sprintf("Backlog:         %d", s.BacklogDepth),
		fmt.Sprintf("Queued:          %d", s.QueueLength),
		fmt.Sprintf("Polls:           %d (%d failed)", s.Polls, s.PollFailures),
		fmt.Sprintf("Discovered:      %d", s.Discovered),
		fmt.Sprintf("Duplicates:      %d", s.Duplicates),
		fmt.Sprintf("Persisted:       %d", s.Persisted),
		fmt.Sprintf("Malicious:       %d", s.Malicious),
		fmt.Sprintf("Dead-lettered:   %d", s.DeadLettered),
	}
	if elapsed := s.TakenAt.Sub(s.StartedAt).Seconds(); elapsed > 0 {
		stats = append(stats, "", fmt.Sprintf("Verdict Rate:    %.2f/s", float64(s.Processed())/elapsed))
	}

	return panel("#874BFD", width, height).Render(strings.Join(stats, "\n"))
}

func (d *Dashboard) renderProxyStats(width, height int) string {
	s := d.snapshot
	total := s.TotalProxies()

	lines := []string{
		fmt.Sprintf("Proxy Pool (Total: %d)", total),
		"",
	}
	for _, state := range entity.ProxyStates {
		lines = append(lines, fmt.Sprintf("%-13s %d", string(state)+":", s.ProxyCounts[state]))
	}

	healthy := 0.0
	if total > 0 {
		healthy = float64(s.ProxyCounts[entity.ProxyHealthy]) / float64(total)
	}
	d.health.Width = max(width-10, 10)
	lines = append(lines, "", fmt.Sprintf("Healthy: %.0f%%", healthy*100), d.health.ViewAs(healthy))

	return panel("#FF6B6B", width, height).Render(strings.Join(lines, "\n"))
}

func (d *Dashboard) renderWorkers(width, height int) string {
	lines := []string{
		fmt.Sprintf("Workers (%d)", len(d.snapshot.Workers)),
		"",
	}
	for _, w := range d.snapshot.Workers {
		current := w.Current
		if current == "" {
			current = "idle"
		}
		lines = append(lines, fmt.Sprintf("#%-2d done %-6d failed %-4d %s", w.ID, w.Processed, w.Failed, current))
	}
	return panel("#4ECDC4", width, height).Render(strings.Join(lines, "\n"))
}

func (d *Dashboard) renderRecentMalicious(width, height int) string {
	recent := d.snapshot.Recent
	lines := []string{
		fmt.Sprintf("Recent Malicious (Total: %d)", d.snapshot.Malicious),
		"",
	}

	if len(recent) == 0 {
		lines = append(lines, "No malicious verdicts yet...")
	} else {
		// border, padding and title take six lines
		maxShow := max(height-6, 0)
		start := max(len(recent)-maxShow, 0)
		for i := start; i < len(recent); i++ {
			lines = append(lines, fmt.Sprintf("  • %s", recent[i]))
		}
	}

	return panel("#04B575", width, height).Render(strings.Join(lines, "\n"))
}

func (d *Dashboard) renderFooter() string {
	footerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#626262")).
		Padding(1, 0)
	return footerStyle.Render("Press 'q' or 'Ctrl+C' to stop")
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Run shows the dashboard until the user quits or ctx is done
func (d *Dashboard) Run(ctx context.Context) error {
	p := tea.NewProgram(d, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/WangYihang/urlscan-harvester/internal/logger"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/entity"
	"github.com/WangYihang/urlscan-harvester/pkg/domain/repository"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const topLimit = 10

// Count is one line of a ranking
type Count struct {
	Name  string
	Count int
}

// Summary is the aggregated view written to the report file
type Summary struct {
	GeneratedAt       time.Time
	Analysed          int
	Malicious         int
	UnknownTargets    int
	TopBrands         []Count
	TopBrandCountries []Count
}

// MaliciousPercentage is the share of analysed records that were malicious
func (s Summary) MaliciousPercentage() float64 {
	if s.Analysed == 0 {
		return 0
	}
	return float64(s.Malicious) * 100 / float64(s.Analysed)
}

// UnknownPercentage is the share of malicious records without a targeted brand
func (s Summary) UnknownPercentage() float64 {
	if s.Malicious == 0 {
		return 0
	}
	return float64(s.UnknownTargets) * 100 / float64(s.Malicious)
}

// Recorder decorates a RecordStore and aggregates statistics over every
// record written through it
type Recorder struct {
	next     repository.RecordStore
	path     string
	interval time.Duration
	now      func() time.Time

	analysed  int
	malicious int
	unknown   int
	brands    map[string]int
	countries map[string]int
	mu        sync.Mutex
}

// NewRecorder wraps next. The report is rewritten to path every interval and
// when the store is flushed or closed.
func NewRecorder(next repository.RecordStore, path string, interval time.Duration) *Recorder {
	return &Recorder{
		next:      next,
		path:      path,
		interval:  interval,
		now:       time.Now,
		brands:    make(map[string]int),
		countries: make(map[string]int),
	}
}

func (r *Recorder) Append(ctx context.Context, record *entity.VerdictRecord) error {
	if err := r.next.Append(ctx, record); err != nil {
		return err
	}
	r.mu.Lock()
	r.analysed++
	r.mu.Unlock()
	return nil
}

func (r *Recorder) AppendMalicious(ctx context.Context, record *entity.VerdictRecord) error {
	if err := r.next.AppendMalicious(ctx, record); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.malicious++
	if len(record.TargetedBrands) == 0 {
		r.unknown++
		return nil
	}
	for _, b := range record.TargetedBrands {
		if b.Name != "" {
			r.brands[b.Name]++
		}
		if b.Country != "" {
			r.countries[b.Country]++
		}
	}
	return nil
}

func (r *Recorder) AppendDeadLetter(ctx context.Context, letter *entity.DeadLetter) error {
	return r.next.AppendDeadLetter(ctx, letter)
}

func (r *Recorder) Flush() error {
	if err := r.WriteReport(); err != nil {
		logger.WithComponent("Report").Warn().Err(err).Str("path", r.path).Msg("failed to write report")
	}
	return r.next.Flush()
}

func (r *Recorder) Close() error {
	if err := r.WriteReport(); err != nil {
		logger.WithComponent("Report").Warn().Err(err).Str("path", r.path).Msg("failed to write report")
	}
	return r.next.Close()
}

// Summary returns the current statistics
func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Summary{
		GeneratedAt:       r.now().UTC(),
		Analysed:          r.analysed,
		Malicious:         r.malicious,
		UnknownTargets:    r.unknown,
		TopBrands:         top(r.brands, topLimit),
		TopBrandCountries: top(r.countries, topLimit),
	}
}

// Run rewrites the report every interval until ctx is done
func (r *Recorder) Run(ctx context.Context) error {
	if r.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log := logger.WithComponent("Report")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.WriteReport(); err != nil {
				log.Warn().Err(err).Str("path", r.path).Msg("failed to write report")
			}
		}
	}
}

// WriteReport replaces the report file with the current summary
func (r *Recorder) WriteReport() error {
	if r.path == "" {
		return nil
	}
	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Render(tmp, r.Summary()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), r.path)
}

// Render writes s as a plain text report
func Render(w io.Writer, s Summary) error {
	p := message.NewPrinter(language.English)
	rule := strings.Repeat("-", 40)

	var b strings.Builder
	p.Fprintf(&b, "urlscan harvester report, generated at %s\n", s.GeneratedAt.Format(time.RFC3339))
	b.WriteString(strings.Repeat("=", 80) + "\n\n")

	b.WriteString("Overall\n" + rule + "\n")
	p.Fprintf(&b, "Scans analysed:      %d\n", s.Analysed)
	p.Fprintf(&b, "Malicious verdicts:  %d (%.2f%%)\n", s.Malicious, s.MaliciousPercentage())
	p.Fprintf(&b, "Unknown targets:     %d (%.2f%% of malicious)\n\n", s.UnknownTargets, s.UnknownPercentage())

	b.WriteString("Top targeted brands\n" + rule + "\n")
	writeRanking(p, &b, s.TopBrands)
	b.WriteString("\nTop targeted brand countries\n" + rule + "\n")
	writeRanking(p, &b, s.TopBrandCountries)

	_, err := io.WriteString(w, b.String())
	return err
}

func writeRanking(p *message.Printer, b *strings.Builder, counts []Count) {
	if len(counts) == 0 {
		b.WriteString("(none)\n")
		return
	}
	for i, c := range counts {
		p.Fprintf(b, "%2d. %s: %d\n", i+1, c.Name, c.Count)
	}
}

// top returns the n largest counts, ties broken by name
func top(m map[string]int, n int) []Count {
	out := make([]Count, 0, len(m))
	for name, count := range m {
		out = append(out, Count{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

var _ repository.RecordStore = (*Recorder)(nil)

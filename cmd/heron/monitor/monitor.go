package monitor

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/table"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"golang.org/x/exp/slices"
)

// Counter is the slice of the FHIR client the monitor needs.
type Counter interface {
	CountResources(ctx context.Context, resourceType string) (int, error)
}

// Expected maps resource types to the counts a finished import should show.
type Expected map[string]int

// LoadExpected reads expected counts from a YAML file of type: count pairs.
func LoadExpected(path string) (Expected, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read expected counts: %w", err)
	}
	expected := make(Expected)
	if err := yaml.Unmarshal(raw, &expected); err != nil {
		return nil, fmt.Errorf("failed to parse expected counts: %w", err)
	}
	return expected, nil
}

// Types returns the resource types with expectations, sorted.
func (e Expected) Types() []string {
	types := make([]string, 0, len(e))
	for resourceType := range e {
		types = append(types, resourceType)
	}
	slices.Sort(types)
	return types
}

// Row is one resource type's server-side count. Known is false when the
// count could not be fetched this cycle.
type Row struct {
	ResourceType string
	Count        int
	Known        bool
	Expected     int
}

// Percent is the progress toward the expected count, or -1 without one.
func (r Row) Percent() float64 {
	if !r.Known || r.Expected <= 0 {
		return -1
	}
	return float64(r.Count) / float64(r.Expected) * 100
}

// Snapshot is one monitoring cycle over all watched types.
type Snapshot struct {
	TakenAt time.Time
	Rows    []Row
}

// Service periodically asks the FHIR server how many resources of each type
// it holds. Count failures mark the row unknown and never abort the cycle.
type Service struct {
	counter Counter
	log     zerolog.Logger
}

func NewService(counter Counter, log zerolog.Logger) *Service {
	return &Service{counter: counter, log: log}
}

// Snapshot counts every type once.
func (s *Service) Snapshot(ctx context.Context, types []string, expected Expected) Snapshot {
	snap := Snapshot{TakenAt: time.Now()}
	for _, resourceType := range types {
		row := Row{ResourceType: resourceType, Expected: expected[resourceType]}

		count, err := s.counter.CountResources(ctx, resourceType)
		if err != nil {
			s.log.Warn().Err(err).Str("resourceType", resourceType).Msg("Count failed")
		} else {
			row.Count = count
			row.Known = true
		}
		snap.Rows = append(snap.Rows, row)
	}
	return snap
}

// Watch renders a snapshot immediately and then every interval until the
// context ends.
func (s *Service) Watch(ctx context.Context, types []string, expected Expected, interval time.Duration, w io.Writer) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snap := s.Snapshot(ctx, types, expected)
		snap.Render(w)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Render writes the snapshot as a table.
func (snap Snapshot) Render(w io.Writer) {
	fmt.Fprintf(w, "Resource counts at %s\n", snap.TakenAt.Format("15:04:05"))

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Resource Type", "Count", "Expected", "Progress"})

	var totalCount, totalExpected int
	for _, row := range snap.Rows {
		count := "unknown"
		if row.Known {
			count = fmt.Sprintf("%d", row.Count)
			totalCount += row.Count
		}

		expected, progress := "", ""
		if row.Expected > 0 {
			expected = fmt.Sprintf("%d", row.Expected)
			totalExpected += row.Expected
			if pct := row.Percent(); pct >= 0 {
				progress = fmt.Sprintf("%.1f%%", pct)
			}
		}
		t.AppendRow(table.Row{row.ResourceType, count, expected, progress})
	}

	footerProgress := ""
	if totalExpected > 0 {
		footerProgress = fmt.Sprintf("%.1f%%", float64(totalCount)/float64(totalExpected)*100)
	}
	t.AppendFooter(table.Row{"TOTAL", totalCount, totalExpected, footerProgress})
	t.Render()
	fmt.Fprintln(w)
}

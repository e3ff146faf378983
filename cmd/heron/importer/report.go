package importer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/table"
)

// Describe summarizes the session in one line.
func (s *Session) Describe() string {
	counts := s.CountByState()
	inFlight := counts[StateSubmitted] + counts[StatePolling]
	return fmt.Sprintf("%d succeeded, %d failed, %d timed out, %d pending, %d in flight",
		counts[StateSucceeded], counts[StateFailed], counts[StateTimedOut],
		counts[StatePending], inFlight)
}

// Render writes the per-job outcome table followed by the session summary.
func (s *Session) Render(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Level", "File", "Type", "State", "Attempts", "Resources", "Time", "Detail"})
	for _, job := range s.Jobs {
		t.AppendRow(table.Row{
			job.Level,
			job.File.Name,
			job.File.ResourceType,
			string(job.State),
			job.Attempts,
			job.Resources,
			job.Duration().Round(time.Second),
			truncate(job.Error, 60),
		})
	}
	t.Render()

	fmt.Fprintf(w, "\nSession %s: %s in %s, %d resources loaded\n",
		s.ID, s.Describe(), s.Elapsed().Round(time.Second), s.TotalResources())
	if s.Aborted {
		fmt.Fprintln(w, "Session aborted after a job failure; remaining files were not submitted.")
	}
}

// WriteReport persists the full session as JSON for later inspection.
func (s *Session) WriteReport(path string) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session report: %w", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("failed to write session report: %w", err)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

package filter

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/table"
)

// SummaryFileName is written into the output directory after every run.
const SummaryFileName = "SUMMARY.txt"

// Summary aggregates the per-file results of one filter run.
type Summary struct {
	OutputDir  string
	CohortSize int
	Files      []FileResult
	Elapsed    time.Duration
}

// Totals are the line counters summed over all files.
type Totals struct {
	Read, Kept, Dropped, Malformed int64
}

func (s *Summary) Totals() Totals {
	var t Totals
	for _, f := range s.Files {
		t.Read += f.Read
		t.Kept += f.Kept
		t.Dropped += f.Dropped
		t.Malformed += f.Malformed
	}
	return t
}

// Failures returns the files that did not complete.
func (s *Summary) Failures() []FileResult {
	var failed []FileResult
	for _, f := range s.Files {
		if f.Err != nil {
			failed = append(failed, f)
		}
	}
	return failed
}

// Render writes a human-readable report of the run.
func (s *Summary) Render(w io.Writer) {
	fmt.Fprintf(w, "Cohort filter run %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(w, "Cohort size: %d patients\n", s.CohortSize)
	fmt.Fprintf(w, "Output: %s\n\n", s.OutputDir)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"File", "Mode", "Read", "Kept", "Dropped", "Malformed", "Time"})
	for _, f := range s.Files {
		t.AppendRow(table.Row{
			f.Name, f.Mode, f.Read, f.Kept, f.Dropped, f.Malformed,
			f.Duration.Round(time.Millisecond),
		})
	}
	totals := s.Totals()
	t.AppendFooter(table.Row{
		"TOTAL", "", totals.Read, totals.Kept, totals.Dropped, totals.Malformed,
		s.Elapsed.Round(time.Millisecond),
	})
	t.Render()

	if failures := s.Failures(); len(failures) > 0 {
		fmt.Fprintf(w, "\n%d file(s) failed:\n", len(failures))
		for _, f := range failures {
			fmt.Fprintf(w, "  %s: %v\n", f.Name, f.Err)
		}
	}
}

// WriteFile stores the report as SUMMARY.txt next to the filtered output.
func (s *Summary) WriteFile() error {
	f, err := os.Create(filepath.Join(s.OutputDir, SummaryFileName))
	if err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	defer f.Close()
	s.Render(f)
	return nil
}

// WriteJSON stores the machine-readable counterpart of Render.
func (s *Summary) WriteJSON(path string) error {
	type fileReport struct {
		Name         string `json:"name"`
		ResourceType string `json:"resourceType"`
		Mode         string `json:"mode"`
		Read         int64  `json:"read"`
		Kept         int64  `json:"kept"`
		Dropped      int64  `json:"dropped"`
		Malformed    int64  `json:"malformed"`
		DurationMs   int64  `json:"durationMs"`
		Error        string `json:"error,omitempty"`
	}

	files := make([]fileReport, 0, len(s.Files))
	for _, f := range s.Files {
		r := fileReport{
			Name:         f.Name,
			ResourceType: f.ResourceType,
			Mode:         f.Mode,
			Read:         f.Read,
			Kept:         f.Kept,
			Dropped:      f.Dropped,
			Malformed:    f.Malformed,
			DurationMs:   f.Duration.Milliseconds(),
		}
		if f.Err != nil {
			r.Error = f.Err.Error()
		}
		files = append(files, r)
	}

	report := struct {
		OutputDir  string       `json:"outputDir"`
		CohortSize int          `json:"cohortSize"`
		ElapsedMs  int64        `json:"elapsedMs"`
		Files      []fileReport `json:"files"`
	}{s.OutputDir, s.CohortSize, s.Elapsed.Milliseconds(), files}

	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0644)
}

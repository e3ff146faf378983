package filter

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/SanteonNL/heron/cmd/heron/cohort"
	"github.com/SanteonNL/heron/cmd/heron/manifest"
	"github.com/SanteonNL/heron/models/fhir"
)

// maxLineBytes caps a single NDJSON line. MIMIC observation rows stay far
// below this; anything larger is corrupt input.
const maxLineBytes = 64 * 1024 * 1024

var newline = []byte("\n")

// FileResult reports the filtering outcome for one file. Read always equals
// Kept + Dropped + Malformed.
type FileResult struct {
	Name         string
	ResourceType string
	Mode         string
	Read         int64
	Kept         int64
	Dropped      int64
	Malformed    int64
	Duration     time.Duration
	Err          error
}

// Service filters NDJSON resource files down to a patient cohort. Files are
// processed concurrently; one failing file never stops its siblings.
type Service struct {
	cohort  *cohort.Set
	workers int
	log     zerolog.Logger
}

func NewService(members *cohort.Set, workers int, log zerolog.Logger) *Service {
	if workers < 1 {
		workers = 1
	}
	return &Service{cohort: members, workers: workers, log: log}
}

// Run filters every file in the manifest into outDir, which is created on
// demand. Per-file failures are reported in the summary rather than
// returned.
func (s *Service) Run(ctx context.Context, files manifest.Manifest, outDir string) (*Summary, error) {
	if s.cohort == nil || s.cohort.Len() == 0 {
		return nil, cohort.ErrEmptyCohort
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	s.log.Info().
		Int("files", len(files)).
		Int("cohort", s.cohort.Len()).
		Int("workers", s.workers).
		Str("outputDir", outDir).
		Msg("Starting cohort filter")

	start := time.Now()
	results := make([]FileResult, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			results[i] = s.filterFile(gctx, file, outDir)

			r := results[i]
			if r.Err != nil {
				s.log.Error().Err(r.Err).Str("file", r.Name).Msg("Failed to filter file")
				return nil
			}
			s.log.Info().
				Str("file", r.Name).
				Str("mode", r.Mode).
				Int64("read", r.Read).
				Int64("kept", r.Kept).
				Int64("dropped", r.Dropped).
				Int64("malformed", r.Malformed).
				Msg("Filtered file")
			return nil
		})
	}
	g.Wait()

	summary := &Summary{
		OutputDir:  outDir,
		CohortSize: s.cohort.Len(),
		Files:      results,
		Elapsed:    time.Since(start),
	}
	return summary, nil
}

func (s *Service) filterFile(ctx context.Context, file manifest.ResourceFile, outDir string) FileResult {
	start := time.Now()
	rule := RuleFor(file.ResourceType)
	result := FileResult{
		Name:         file.Name,
		ResourceType: file.ResourceType,
		Mode:         rule.Kind.String(),
	}
	fail := func(err error) FileResult {
		result.Err = err
		result.Duration = time.Since(start)
		return result
	}

	in, err := os.Open(file.Path)
	if err != nil {
		return fail(fmt.Errorf("failed to open input: %w", err))
	}
	defer in.Close()

	var reader io.Reader = in
	if file.Compressed {
		gz, err := gzip.NewReader(in)
		if err != nil {
			return fail(fmt.Errorf("failed to read gzip header: %w", err))
		}
		defer gz.Close()
		reader = gz
	}

	out, err := os.Create(filepath.Join(outDir, file.Name))
	if err != nil {
		return fail(fmt.Errorf("failed to create output: %w", err))
	}

	buffered := bufio.NewWriterSize(out, 1<<20)
	var writer io.Writer = buffered
	var gzWriter *gzip.Writer
	if file.Compressed {
		gzWriter = gzip.NewWriter(buffered)
		writer = gzWriter
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 1024*1024), maxLineBytes)

	for scanner.Scan() {
		if result.Read%4096 == 0 {
			select {
			case <-ctx.Done():
				out.Close()
				return fail(ctx.Err())
			default:
			}
		}

		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		result.Read++

		switch evaluate(line, rule, s.cohort) {
		case verdictKeep:
			if _, err := writer.Write(line); err != nil {
				out.Close()
				return fail(fmt.Errorf("failed to write output: %w", err))
			}
			if _, err := writer.Write(newline); err != nil {
				out.Close()
				return fail(fmt.Errorf("failed to write output: %w", err))
			}
			result.Kept++
		case verdictDrop:
			result.Dropped++
		case verdictMalformed:
			result.Malformed++
		}
	}
	if err := scanner.Err(); err != nil {
		out.Close()
		return fail(fmt.Errorf("failed to read input: %w", err))
	}

	if gzWriter != nil {
		if err := gzWriter.Close(); err != nil {
			out.Close()
			return fail(fmt.Errorf("failed to finish gzip stream: %w", err))
		}
	}
	if err := buffered.Flush(); err != nil {
		out.Close()
		return fail(fmt.Errorf("failed to flush output: %w", err))
	}
	if err := out.Close(); err != nil {
		return fail(fmt.Errorf("failed to close output: %w", err))
	}

	result.Duration = time.Since(start)
	return result
}

type verdict int

const (
	verdictKeep verdict = iota
	verdictDrop
	verdictMalformed
)

// evaluate decides one line. A record stays as soon as any of the rule's
// fields points into the cohort. Records that cannot be linked to any
// patient count as malformed; records linked only to patients outside the
// cohort are ordinary drops.
func evaluate(line []byte, rule Rule, members *cohort.Set) verdict {
	switch rule.Kind {
	case Unfiltered:
		return verdictKeep

	case Direct:
		var record struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(line, &record); err != nil || record.ID == "" {
			return verdictMalformed
		}
		if members.Contains(record.ID) {
			return verdictKeep
		}
		return verdictDrop

	default:
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(line, &doc); err != nil {
			return verdictMalformed
		}
		linked := false
		for _, field := range rule.Fields {
			raw, ok := doc[field]
			if !ok {
				continue
			}
			var ref fhir.Reference
			if err := json.Unmarshal(raw, &ref); err != nil {
				continue
			}
			id, ok := ref.PatientID()
			if !ok {
				continue
			}
			if members.Contains(id) {
				return verdictKeep
			}
			linked = true
		}
		if linked {
			return verdictDrop
		}
		return verdictMalformed
	}
}

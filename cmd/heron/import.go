package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/table"
	"github.com/spf13/cobra"

	"github.com/SanteonNL/heron/cmd/heron/fhir/client"
	"github.com/SanteonNL/heron/cmd/heron/importer"
	"github.com/SanteonNL/heron/cmd/heron/manifest"
	"github.com/SanteonNL/heron/cmd/heron/plan"
	"github.com/SanteonNL/heron/util"
)

var (
	importSource      string
	importFileServer  string
	importFiles       []string
	importConcurrency int
	importContinue    bool
	importTimeout     time.Duration
	importJobTimeout  time.Duration
	importDryRun      bool
	importYes         bool
	importReport      string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import NDJSON resource files into the FHIR server in dependency order",
	RunE:  runImport,
}

func init() {
	importCmd.Flags().StringVar(&importSource, "source", "", "Directory holding the NDJSON files (required)")
	importCmd.Flags().StringVar(&importFileServer, "file-server", "",
		"Base URL under which the FHIR server can fetch the files (default $FILE_SERVER_URL)")
	importCmd.Flags().StringSliceVar(&importFiles, "files", nil, "Only import these files")
	importCmd.Flags().IntVar(&importConcurrency, "concurrency", 3, "Concurrent import jobs per level")
	importCmd.Flags().BoolVar(&importContinue, "continue-on-error", false, "Keep submitting after a job fails")
	importCmd.Flags().Var(durationFlag{&importTimeout}, "timeout",
		"Abort the whole session after this long, bare numbers are seconds (0 = never)")
	importCmd.Flags().Var(durationFlag{&importJobTimeout}, "job-timeout",
		"Give up on a single job after this long, bare numbers are seconds (0 = never)")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Show the plan without submitting anything")
	importCmd.Flags().BoolVar(&importYes, "yes", false, "Skip the confirmation prompt")
	importCmd.Flags().StringVar(&importReport, "report", "", "Where to write the session report JSON")
	importCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	sourceDir, err := util.GetAbsolutePath(importSource)
	if err != nil {
		return err
	}

	m, err := manifest.Discover(sourceDir)
	if err != nil {
		return err
	}
	if len(importFiles) > 0 {
		var missing []string
		m, missing = m.Select(importFiles)
		for _, name := range missing {
			logger.Warn().Str("file", name).Msg("Requested file not found in source directory")
		}
		if len(m) == 0 {
			return fmt.Errorf("none of the requested files exist in %s", sourceDir)
		}
	}

	p, err := plan.Build(m)
	if err != nil {
		return err
	}

	fhirURL := effectiveFHIRURL()
	fileServerURL := effectiveFileServerURL()
	if fileServerURL == "" {
		return fmt.Errorf("no file server URL configured, set --file-server or FILE_SERVER_URL")
	}

	fmt.Printf("Import plan for %s (%d files):\n", sourceDir, p.FileCount())
	renderPlan(os.Stdout, p)
	if len(p.Unknown) > 0 {
		logger.Warn().Strs("types", p.Unknown).Msg("Unrecognized resource types import last")
	}

	if importDryRun {
		logger.Info().Msg("Dry run, nothing submitted")
		return nil
	}
	if !importYes {
		prompt := fmt.Sprintf("Import %d files into %s?", p.FileCount(), fhirURL)
		if !confirm(os.Stdin, os.Stdout, prompt) {
			logger.Info().Msg("Import cancelled")
			return nil
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fhirClient := client.NewFHIRApiClient(fhirURL, logger)
	healthCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := fhirClient.Healthy(healthCtx); err != nil {
		return fmt.Errorf("FHIR server not reachable at %s: %w", fhirURL, err)
	}

	executor := importer.NewExecutor(fhirClient, importer.Options{
		FHIRBaseURL:     fhirURL,
		FileServerURL:   fileServerURL,
		Concurrency:     importConcurrency,
		ContinueOnError: importContinue,
		JobTimeout:      importJobTimeout,
		SessionTimeout:  importTimeout,
	}, logger)

	session, err := executor.Run(ctx, p)
	if err != nil {
		return err
	}

	session.Render(os.Stdout)

	reportPath := importReport
	if reportPath == "" {
		reportPath = fmt.Sprintf("heron-session-%.8s.json", session.ID)
	}
	if err := session.WriteReport(reportPath); err != nil {
		logger.Warn().Err(err).Msg("Failed to write session report")
	} else {
		logger.Info().Str("report", reportPath).Msg("Session report written")
	}

	if !session.Succeeded() {
		return fmt.Errorf("import finished with problems: %s", session.Describe())
	}
	return nil
}

func renderPlan(w io.Writer, p plan.Plan) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Level", "Types", "Files", "Size", "Est. Records"})
	for i, level := range p.Levels {
		var estimate int64
		for _, file := range level.Files {
			estimate += file.RecordEstimate
		}
		t.AppendRow(table.Row{
			i,
			strings.Join(level.Types, ", "),
			len(level.Files),
			humanize.IBytes(uint64(level.Files.TotalBytes())),
			estimate,
		})
	}
	t.AppendFooter(table.Row{"", "TOTAL", p.FileCount(), humanize.IBytes(uint64(p.TotalBytes())), ""})
	t.Render()
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

func effectiveFileServerURL() string {
	if importFileServer != "" {
		return importFileServer
	}
	return os.Getenv("FILE_SERVER_URL")
}

// durationFlag accepts either a Go duration string ("5m") or a bare number
// of seconds ("300").
type durationFlag struct {
	d *time.Duration
}

func (f durationFlag) String() string {
	if f.d == nil {
		return "0s"
	}
	return f.d.String()
}

func (f durationFlag) Set(value string) error {
	if seconds, err := strconv.Atoi(value); err == nil {
		*f.d = time.Duration(seconds) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q, use seconds or a value like 90s or 5m", value)
	}
	*f.d = parsed
	return nil
}

func (f durationFlag) Type() string {
	return "duration"
}

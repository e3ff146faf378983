package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/SanteonNL/heron/cmd/heron/cohort"
	"github.com/SanteonNL/heron/cmd/heron/fhir/client"
	"github.com/SanteonNL/heron/cmd/heron/filter"
	"github.com/SanteonNL/heron/cmd/heron/manifest"
	"github.com/SanteonNL/heron/util"
)

var (
	filterInputDir      string
	filterOutputDir     string
	filterFiles         []string
	filterPatientList   string
	filterPatients      []string
	filterConditionCode string
	filterPatientSQL    string
	filterWorkers       int
	filterReport        string
)

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Reduce NDJSON resource files to a patient cohort",
	Long: `filter streams every resource file and keeps only the records linked
to the cohort patients. The cohort can come from a list file, explicit
IDs, a FHIR condition-code search, a SQL query, or any combination.`,
	RunE: runFilter,
}

func init() {
	filterCmd.Flags().StringVar(&filterInputDir, "input-dir", "", "Directory holding the NDJSON files (required)")
	filterCmd.Flags().StringVar(&filterOutputDir, "output-dir", "", "Directory for the filtered files (required)")
	filterCmd.Flags().StringSliceVar(&filterFiles, "files", nil, "Only filter these files")
	filterCmd.Flags().StringVar(&filterPatientList, "patient-list", "", "File with one patient ID per line")
	filterCmd.Flags().StringSliceVar(&filterPatients, "patients", nil, "Patient IDs given directly")
	filterCmd.Flags().StringVar(&filterConditionCode, "condition-code", "", "Include patients having a Condition with this code")
	filterCmd.Flags().StringVar(&filterPatientSQL, "patient-sql", "", "SQL query, or path to a .sql file, returning patient IDs (connects via $COHORT_DB_URL)")
	filterCmd.Flags().IntVar(&filterWorkers, "workers", defaultWorkers(), "Concurrent files being filtered")
	filterCmd.Flags().StringVar(&filterReport, "report", "", "Also write the run summary as JSON to this path")
	filterCmd.MarkFlagRequired("input-dir")
	filterCmd.MarkFlagRequired("output-dir")
	rootCmd.AddCommand(filterCmd)
}

func defaultWorkers() int {
	if n := runtime.NumCPU() - 1; n > 1 {
		return n
	}
	return 1
}

// resolvePatientSQL accepts either a literal query or a path to a file
// holding one.
func resolvePatientSQL(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if _, err := os.Stat(value); err != nil {
		return value, nil
	}
	raw, err := os.ReadFile(value)
	if err != nil {
		return "", fmt.Errorf("failed to read SQL file %s: %w", value, err)
	}
	query := strings.TrimSpace(string(raw))
	if query == "" {
		return "", fmt.Errorf("SQL file %s is empty", value)
	}
	return query, nil
}

func runFilter(cmd *cobra.Command, args []string) error {
	sourceDir, err := util.GetAbsolutePath(filterInputDir)
	if err != nil {
		return err
	}
	outputDir, err := util.GetAbsolutePath(filterOutputDir)
	if err != nil {
		return err
	}

	m, err := manifest.Discover(sourceDir)
	if err != nil {
		return err
	}
	if len(filterFiles) > 0 {
		var missing []string
		m, missing = m.Select(filterFiles)
		for _, name := range missing {
			logger.Warn().Str("file", name).Msg("Requested file not found in source directory")
		}
		if len(m) == 0 {
			return fmt.Errorf("none of the requested files exist in %s", sourceDir)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var searcher cohort.ConditionSearcher
	if filterConditionCode != "" {
		searcher = client.NewFHIRApiClient(effectiveFHIRURL(), logger)
	}

	patientSQL, err := resolvePatientSQL(filterPatientSQL)
	if err != nil {
		return err
	}

	var db *sqlx.DB
	if patientSQL != "" {
		dsn := os.Getenv("COHORT_DB_URL")
		if dsn == "" {
			return fmt.Errorf("--patient-sql requires COHORT_DB_URL to be set")
		}
		db, err = sqlx.ConnectContext(ctx, "postgres", dsn)
		if err != nil {
			return fmt.Errorf("failed to connect to cohort database: %w", err)
		}
		defer db.Close()
	}

	resolver := cohort.NewResolver(searcher, db, logger)
	members, err := resolver.Resolve(ctx, cohort.Options{
		ListFile:      filterPatientList,
		IDs:           filterPatients,
		ConditionCode: filterConditionCode,
		SQL:           patientSQL,
	})
	if err != nil {
		return err
	}

	service := filter.NewService(members, filterWorkers, logger)
	summary, err := service.Run(ctx, m, outputDir)
	if err != nil {
		return err
	}

	summary.Render(os.Stdout)
	if err := summary.WriteFile(); err != nil {
		logger.Warn().Err(err).Msg("Failed to write summary file")
	}
	if filterReport != "" {
		if err := summary.WriteJSON(filterReport); err != nil {
			logger.Warn().Err(err).Msg("Failed to write JSON report")
		}
	}

	if failures := summary.Failures(); len(failures) > 0 {
		return fmt.Errorf("%d of %d files failed to filter", len(failures), len(summary.Files))
	}
	return nil
}

package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var logger zerolog.Logger

var (
	flagFHIRURL  string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "heron",
	Short: "Load and filter MIMIC-style FHIR NDJSON exports",
	Long: `heron drives bulk imports of NDJSON resource files into a HAPI FHIR
server in dependency order, filters exports down to a patient cohort,
serves files to the import process, and monitors loading progress.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = logger.Level(effectiveLogLevel())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagFHIRURL, "fhir-url", "",
		"Base URL of the FHIR server (default $FHIR_BASE_URL or http://localhost:8080/fhir)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "",
		"Log level: trace, debug, info, warn, error (default $LOG_LEVEL or info)")
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		logger.Error().Err(err).Msg("Command failed")
		return 1
	}
	return 0
}

func effectiveFHIRURL() string {
	if flagFHIRURL != "" {
		return flagFHIRURL
	}
	if v := os.Getenv("FHIR_BASE_URL"); v != "" {
		return v
	}
	return "http://localhost:8080/fhir"
}

func effectiveLogLevel() zerolog.Level {
	value := flagLogLevel
	if value == "" {
		value = os.Getenv("LOG_LEVEL")
	}
	level, err := zerolog.ParseLevel(value)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SanteonNL/heron/cmd/heron/fhir/client"
	"github.com/SanteonNL/heron/cmd/heron/monitor"
	"github.com/SanteonNL/heron/cmd/heron/plan"
)

var (
	monitorExpectedFile string
	monitorTypes        []string
	monitorInterval     time.Duration
	monitorOnce         bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch resource counts on the FHIR server while an import runs",
	RunE:  runMonitor,
}

func init() {
	monitorCmd.Flags().StringVar(&monitorExpectedFile, "expected", "", "YAML file with expected counts per resource type")
	monitorCmd.Flags().StringSliceVar(&monitorTypes, "types", nil, "Resource types to watch (default: expected file keys, else all known types)")
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 30*time.Second, "Time between count cycles")
	monitorCmd.Flags().BoolVar(&monitorOnce, "once", false, "Take a single snapshot and exit")
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	expected := monitor.Expected{}
	if monitorExpectedFile != "" {
		var err error
		expected, err = monitor.LoadExpected(monitorExpectedFile)
		if err != nil {
			return err
		}
	}

	types := monitorTypes
	if len(types) == 0 {
		types = expected.Types()
	}
	if len(types) == 0 {
		types = plan.KnownTypes()
	}

	fhirClient := client.NewFHIRApiClient(effectiveFHIRURL(), logger)
	service := monitor.NewService(fhirClient, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if monitorOnce {
		snap := service.Snapshot(ctx, types, expected)
		snap.Render(os.Stdout)
		return nil
	}
	return service.Watch(ctx, types, expected, monitorInterval, os.Stdout)
}

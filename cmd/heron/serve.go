package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/table"
	"github.com/spf13/cobra"

	"github.com/SanteonNL/heron/cmd/heron/fileserver"
	"github.com/SanteonNL/heron/cmd/heron/manifest"
	"github.com/SanteonNL/heron/util"
)

var (
	serveDir  string
	serveAddr string
	serveList bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve NDJSON files over HTTP for the FHIR server to fetch",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveDir, "dir", "", "Directory to serve (required)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8000", "Listen address")
	serveCmd.Flags().BoolVar(&serveList, "list", false, "List the servable files and exit")
	serveCmd.MarkFlagRequired("dir")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	dir, err := util.GetAbsolutePath(serveDir)
	if err != nil {
		return err
	}

	if serveList {
		m, err := manifest.Discover(dir)
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"File", "Type", "Size", "Est. Records", "Compressed"})
		for _, file := range m {
			t.AppendRow(table.Row{
				file.Name, file.ResourceType, humanize.IBytes(uint64(file.SizeBytes)),
				file.RecordEstimate, file.Compressed,
			})
		}
		t.AppendFooter(table.Row{"TOTAL", "", humanize.IBytes(uint64(m.TotalBytes())), "", ""})
		t.Render()
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := fileserver.NewServer(dir, logger)
	return server.ListenAndServe(ctx, serveAddr)
}

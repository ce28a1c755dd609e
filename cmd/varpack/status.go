package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/varpack/internal/index"
)

var (
	statusRuns   int
	statusRunID  int64
	statusFailed bool
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display library, optimization and download history",
		Long: `Display what the database knows about the library: package counts by
status, recent optimization batches, downloads that keep failing, and the
latest export or import.

Use --run to list the per-package results of one batch, or --failed to show
only failed downloads.`,
		Example: `  varpack status
  varpack status --runs 20
  varpack status --run 7
  varpack status --failed`,
		Args: cobra.NoArgs,
		RunE: statusRun,
	}

	cmd.Flags().IntVar(&statusRuns, "runs", 5, "number of recent batches to show")
	cmd.Flags().Int64Var(&statusRunID, "run", 0, "show the items of one batch run")
	cmd.Flags().BoolVar(&statusFailed, "failed", false, "show only failed downloads")
	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	out := cmd.OutOrStdout()

	if statusRunID != 0 {
		return printRunItems(out, statusRunID)
	}
	if statusFailed {
		return printFailedDownloads(out)
	}

	fmt.Fprintln(out, "Library")
	t := newTable(out, table.Row{"Status", "Packages"})
	for _, st := range []index.Status{index.StatusLoaded, index.StatusArchived, index.StatusMissing} {
		n, err := globalStore.CountPackages(string(st))
		if err != nil {
			return err
		}
		t.AppendRow(table.Row{st, n})
	}
	t.Render()

	runs, err := globalStore.ListBatchRuns(statusRuns)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "\nRecent optimization batches")
	if len(runs) == 0 {
		fmt.Fprintln(out, "  none")
	} else {
		t = newTable(out, table.Row{"Run", "Started", "Status", "Total", "OK", "Partial", "Unchanged", "Failed", "Saved"})
		for _, r := range runs {
			t.AppendRow(table.Row{
				r.ID, humanize.Time(r.StartTime), r.Status, r.Total,
				r.Completed, r.Partial, r.Unchanged, r.Failed, formatBytes(r.BytesSaved),
			})
		}
		t.Render()
	}

	if err := printFailedDownloads(out); err != nil {
		return err
	}

	transfers, err := globalStore.ListTransfers(3)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "\nTransfers")
	if len(transfers) == 0 {
		fmt.Fprintln(out, "  none")
		return nil
	}
	t = newTable(out, table.Row{"Direction", "Started", "Status", "Packages", "Archives", "Size", "Path"})
	for _, tr := range transfers {
		t.AppendRow(table.Row{
			tr.Direction, humanize.Time(tr.StartTime), tr.Status,
			tr.PackageCount, tr.ArchiveCount, formatBytes(tr.TotalSize), tr.Path,
		})
	}
	t.Render()
	return nil
}

func printFailedDownloads(out io.Writer) error {
	failed, err := globalStore.ListFailedDownloads()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "\nFailed downloads")
	if len(failed) == 0 {
		fmt.Fprintln(out, "  none")
		return nil
	}
	t := newTable(out, table.Row{"Package", "Attempts", "Last Failure", "Error"})
	for _, f := range failed {
		t.AppendRow(table.Row{f.Package, f.RetryCount, humanize.Time(f.LastFailure), f.Error})
	}
	t.Render()
	return nil
}

func printRunItems(out io.Writer, runID int64) error {
	items, err := globalStore.ListBatchItems(runID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("no items recorded for batch run %d", runID)
	}
	t := newTable(out, table.Row{"Package", "Status", "Before", "After", "Assets", "Elapsed", "Errors"})
	for _, it := range items {
		t.AppendRow(table.Row{
			it.Package, it.Status, formatBytes(it.OriginalSize), formatBytes(it.NewSize),
			it.TransformedAssets, it.Elapsed, len(it.Errors),
		})
	}
	t.Render()
	return nil
}

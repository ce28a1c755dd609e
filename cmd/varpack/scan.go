package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/varpack/internal/index"
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Rebuild the package index from the library",
		Long: `Walk the library and archive directories and rebuild the package index.
Records for files that disappeared are dropped, new files are added, and the
result is persisted to the database.`,
		Example: `  varpack scan
  varpack scan --library /srv/vam/AddonPackages`,
		Args: cobra.NoArgs,
		RunE: scanRun,
	}
	return cmd
}

func scanRun(cmd *cobra.Command, args []string) error {
	if globalIndex == nil {
		return fmt.Errorf("index not initialized")
	}

	start := time.Now()
	globalIndex.Invalidate()
	snap, err := globalIndex.Rebuild(cmd.Context())
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	counts := make(map[index.Status]int)
	var total int64
	for _, rec := range snap.Records() {
		counts[rec.Status]++
		total += rec.Size
	}

	out := cmd.OutOrStdout()
	printf(out, "Indexed %d packages (%s) in %s\n\n", snap.Len(), formatBytes(total), time.Since(start).Round(time.Millisecond))
	if quiet {
		return nil
	}
	t := newTable(out, table.Row{"Status", "Packages"})
	for _, st := range []index.Status{index.StatusLoaded, index.StatusArchived, index.StatusMissing, index.StatusUnknown} {
		if counts[st] > 0 {
			t.AppendRow(table.Row{st, counts[st]})
		}
	}
	t.Render()
	return nil
}

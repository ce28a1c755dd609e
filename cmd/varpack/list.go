package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/varpack/internal/index"
	"github.com/BadgerOps/varpack/internal/pkgid"
)

var (
	listStatus    string
	listOptimized bool
)

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [CREATOR.NAME]",
		Short: "List indexed packages",
		Long: `List packages in the index. With a base name, only versions of that
package are shown. Use --status to filter by loaded, archived or missing.`,
		Example: `  varpack list
  varpack list Acme.Scene
  varpack list --status archived
  varpack list --optimized`,
		Args: cobra.MaximumNArgs(1),
		RunE: listRun,
	}

	cmd.Flags().StringVar(&listStatus, "status", "", "only show packages with this status")
	cmd.Flags().BoolVar(&listOptimized, "optimized", false, "only show packages varpack has rewritten")
	return cmd
}

func listRun(cmd *cobra.Command, args []string) error {
	snap, err := refreshIndex(cmd.Context())
	if err != nil {
		return err
	}

	var records []index.Record
	if len(args) == 1 {
		records = snap.ByBaseName(pkgid.BaseName(args[0]))
	} else {
		records = snap.Records()
	}

	want := index.Status(strings.ToLower(listStatus))
	out := cmd.OutOrStdout()
	t := newTable(out, table.Row{"Package", "Status", "Size", "Modified", "Path"})
	shown := 0
	var total int64
	for _, rec := range records {
		if want != "" && rec.Status != want {
			continue
		}
		if listOptimized && !isOptimized(rec) {
			continue
		}
		modified := ""
		if !rec.ModTime.IsZero() {
			modified = humanize.Time(rec.ModTime)
		}
		t.AppendRow(table.Row{rec.ID.String(), rec.Status, formatBytes(rec.Size), modified, rec.Path})
		shown++
		total += rec.Size
	}

	if shown == 0 {
		fmt.Fprintln(out, "No packages found matching criteria")
		return nil
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d packages", shown), "", formatBytes(total), "", ""})
	t.Render()
	return nil
}

func isOptimized(rec index.Record) bool {
	if globalRepack == nil || rec.Path == "" {
		return false
	}
	ok, err := globalRepack.IsOptimized(rec.Path)
	if err != nil {
		logger.Debug("could not read package marker", "package", rec.ID, "error", err)
	}
	return ok
}

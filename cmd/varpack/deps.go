package main

import (
	"fmt"
	"log/slog"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/varpack/internal/index"
	"github.com/BadgerOps/varpack/internal/resolve"
)

var (
	depsAll     bool
	depsMissing bool
	depsDisable []string
)

func newDepsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deps [PACKAGE...]",
		Short: "Show the dependencies packages declare and whether they are present",
		Long: `Read the manifest of each package and list every dependency it declares,
including nested ones, with the local package that satisfies it. A dependency
is satisfied only by a loaded package whose version meets the requirement.

Packages may be named by identifier (Creator.Name.12, Creator.Name.latest) or
by path.`,
		Example: `  varpack deps Acme.Scene.3
  varpack deps --all --missing
  varpack deps Acme.Scene.3 --disable Acme.Unused`,
		RunE: depsRun,
	}

	cmd.Flags().BoolVar(&depsAll, "all", false, "check every loaded package")
	cmd.Flags().BoolVar(&depsMissing, "missing", false, "only show unsatisfied dependencies")
	cmd.Flags().StringSliceVar(&depsDisable, "disable", nil, "base names to treat as disabled")
	return cmd
}

// collectDeclarations reads the declarations of every package, logging and
// skipping packages whose manifest cannot be read.
func collectDeclarations(log *slog.Logger, recs []index.Record) []resolve.Declaration {
	var decls []resolve.Declaration
	for _, rec := range recs {
		d, err := resolve.ReadDeclarations(rec.Path)
		if err != nil {
			log.Warn("skipping package with unreadable manifest", "package", rec.ID.String(), "error", err)
			continue
		}
		decls = append(decls, d...)
	}
	return decls
}

func depsRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	recs, err := packagesFromArgs(cmd.Context(), args, depsAll)
	if err != nil {
		return err
	}
	decls := resolve.Disable(collectDeclarations(log, recs), depsDisable)
	snap := globalIndex.Snapshot()

	out := cmd.OutOrStdout()
	if len(decls) == 0 {
		fmt.Fprintln(out, "No dependencies declared")
		return nil
	}

	t := newTable(out, table.Row{"Package", "Dependency", "Requirement", "Local Match", "State"})
	missing := 0
	for _, d := range decls {
		state, match := "satisfied", ""
		if d.UserDisabled {
			state = "disabled"
		} else if rec, ok := resolve.FindLocalMatch(d, snap); ok {
			match = rec.ID.String()
		} else {
			state = "missing"
			missing++
		}
		if depsMissing && state != "missing" {
			continue
		}
		parent := ""
		if d.Parent != nil {
			parent = d.Parent.String()
		}
		t.AppendRow(table.Row{parent, d.DisplayName(), d.Requirement, match, state})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d declared", len(decls)), "", "", fmt.Sprintf("%d missing", missing)})
	t.Render()
	return nil
}

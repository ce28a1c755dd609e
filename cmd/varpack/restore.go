package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/varpack/internal/repack"
)

var restoreAll bool

func newRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore [PACKAGE...]",
		Short: "Put the original of an optimized package back",
		Long: `Copy the backup taken before a package was first optimized back over the
package and remove the backup. Packages without a backup are reported and
skipped.`,
		Example: `  varpack restore Acme.Scene.3
  varpack restore --all`,
		RunE: restoreRun,
	}

	cmd.Flags().BoolVar(&restoreAll, "all", false, "restore every loaded package that has a backup")
	return cmd
}

func restoreRun(cmd *cobra.Command, args []string) error {
	if globalRepack == nil {
		return fmt.Errorf("rewrite engine not initialized")
	}
	recs, err := packagesFromArgs(cmd.Context(), args, restoreAll)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	restored, failed := 0, 0
	for _, rec := range recs {
		backup, err := globalRepack.Restore(rec.Path)
		switch {
		case errors.Is(err, repack.ErrNoBackup):
			if !restoreAll {
				printf(out, "  %s: no backup\n", rec.ID)
			}
		case err != nil:
			fmt.Fprintf(out, "  %s: %v\n", rec.ID, err)
			failed++
		default:
			printf(out, "  %s restored from %s\n", rec.ID, backup)
			restored++
		}
	}

	if restored > 0 {
		globalIndex.Invalidate()
		if _, err := globalIndex.Rebuild(cmd.Context()); err != nil {
			logger.Warn("index rebuild after restore failed", "error", err)
		}
	}
	printf(out, "Restored %d package(s)\n", restored)
	if failed > 0 {
		return fmt.Errorf("%d package(s) could not be restored", failed)
	}
	return nil
}

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/varpack/internal/engine"
)

var (
	importFrom          string
	importVerifyOnly    bool
	importForce         bool
	importSkipValidated bool
)

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a bundle written by export",
		Long: `Import a bundle produced by "varpack export" into the library. Every archive
is checked against the manifest's sha256 before anything is extracted; if any
archive fails, nothing is written.

Use --verify-only to check a bundle without extracting it, and
--skip-validated to skip archives a previous import already extracted.`,
		Example: `  varpack import --from /mnt/usb
  varpack import --from /mnt/usb --verify-only
  varpack import --from /mnt/usb --skip-validated`,
		Args: cobra.NoArgs,
		RunE: importRun,
	}

	cmd.Flags().StringVar(&importFrom, "from", "", "directory holding the bundle (required)")
	cmd.Flags().BoolVar(&importVerifyOnly, "verify-only", false, "validate the bundle without extracting")
	cmd.Flags().BoolVar(&importForce, "force", false, "skip checksum validation")
	cmd.Flags().BoolVar(&importSkipValidated, "skip-validated", false, "skip archives already validated by a previous import")

	if err := cmd.MarkFlagRequired("from"); err != nil {
		panic(err)
	}
	return cmd
}

func importRun(cmd *cobra.Command, args []string) error {
	if globalIndex == nil {
		return fmt.Errorf("index not initialized")
	}

	out := cmd.OutOrStdout()
	printf(out, "Importing from %s...\n", importFrom)
	if importVerifyOnly {
		printf(out, "  Mode: verify only\n")
	}
	if importForce {
		printf(out, "  Mode: force (skip checksum verification)\n")
	}
	printf(out, "\n")

	lib := engine.NewLibrary(globalIndex, globalStore, logger)
	report, err := lib.Import(cmd.Context(), engine.ImportOptions{
		SourceDir:     importFrom,
		VerifyOnly:    importVerifyOnly,
		Force:         importForce,
		SkipValidated: importSkipValidated,
	})
	if err != nil {
		// Still print partial report if available
		if report != nil {
			printImportReport(out, report)
		}
		return fmt.Errorf("import failed: %w", err)
	}

	printImportReport(out, report)
	return nil
}

func printImportReport(out io.Writer, report *engine.ImportReport) {
	printf(out, "Import results:\n")
	printf(out, "  Archives validated: %d\n", report.ArchivesValidated)
	printf(out, "  Archives skipped: %d\n", report.ArchivesSkipped)
	printf(out, "  Archives failed: %d\n", report.ArchivesFailed)
	printf(out, "  Files extracted: %d\n", report.FilesExtracted)
	printf(out, "  Total size: %s\n", formatBytes(report.TotalSize))
	printf(out, "  Duration: %s\n", report.Duration.Round(time.Second))
	if len(report.Errors) > 0 {
		fmt.Fprintln(out, "  Errors:")
		for _, e := range report.Errors {
			fmt.Fprintf(out, "    - %s\n", e)
		}
	}
}

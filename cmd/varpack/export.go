package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/varpack/internal/engine"
	"github.com/BadgerOps/varpack/internal/pkgid"
)

var (
	exportTo        string
	exportSplitSize string
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export [PACKAGE...]",
		Short: "Export the library for transfer to another machine",
		Long: `Export loaded packages as split tar.zst archives with a JSON manifest and
sha256 sidecar files, suitable for copying to removable media. By default the
whole library is exported; name packages to export only those.

The output directory defaults to export.output_dir and the split size to
export.split_size.`,
		Example: `  varpack export --to /mnt/usb
  varpack export --to /mnt/usb --split-size 4GB
  varpack export --to /mnt/usb Acme.Scene.3 Acme.Look.1`,
		RunE: exportRun,
	}

	cmd.Flags().StringVar(&exportTo, "to", "", "output directory for the bundle")
	cmd.Flags().StringVar(&exportSplitSize, "split-size", "", "maximum archive size, e.g. 4GB or 700MiB")
	return cmd
}

func exportRun(cmd *cobra.Command, args []string) error {
	if globalIndex == nil {
		return fmt.Errorf("index not initialized")
	}

	outputDir := globalCfg.Export.OutputDir
	if exportTo != "" {
		outputDir = exportTo
	}
	sizeText := globalCfg.Export.SplitSize
	if exportSplitSize != "" {
		sizeText = exportSplitSize
	}
	splitSize, err := engine.ParseSize(sizeText)
	if err != nil {
		return fmt.Errorf("invalid split size %q: %w", sizeText, err)
	}

	ids := make([]pkgid.Identifier, 0, len(args))
	if len(args) > 0 {
		snap, err := refreshIndex(cmd.Context())
		if err != nil {
			return err
		}
		for _, a := range args {
			rec, err := resolvePackageArg(snap, a)
			if err != nil {
				return err
			}
			ids = append(ids, rec.ID)
		}
	}

	out := cmd.OutOrStdout()
	printf(out, "Exporting to %s...\n", outputDir)
	printf(out, "  Split size: %s\n\n", formatBytes(splitSize))

	lib := engine.NewLibrary(globalIndex, globalStore, logger)
	report, err := lib.Export(cmd.Context(), engine.ExportOptions{
		OutputDir: outputDir,
		SplitSize: splitSize,
		Packages:  ids,
	})
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	printf(out, "Export complete:\n")
	printf(out, "  Archives: %d\n", len(report.Archives))
	printf(out, "  Packages: %d\n", report.TotalPackages)
	printf(out, "  Total size: %s\n", formatBytes(report.TotalSize))
	printf(out, "  Duration: %s\n", report.Duration.Round(time.Second))
	printf(out, "  Manifest: %s\n", report.ManifestPath)
	for _, arch := range report.Archives {
		printf(out, "  - %s (%s, %d packages)\n", arch.Name, formatBytes(arch.Size), len(arch.Files))
	}
	return nil
}

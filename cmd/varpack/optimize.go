package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/varpack/internal/config"
	"github.com/BadgerOps/varpack/internal/engine"
	"github.com/BadgerOps/varpack/internal/repack"
)

var (
	optimizeAll         bool
	optimizeTextureSize int
	optimizeJPEGQuality int
	optimizeMinify      bool
	optimizeTextures    []string
	optimizeSettings    []string
	optimizeStrip       []string
	optimizeRelatch     []string
	optimizeOutput      string
	optimizeConflict    string
	optimizeNoChange    string
)

func newOptimizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "optimize [PACKAGE...]",
		Short: "Rewrite packages with smaller textures and adjusted settings",
		Long: `Rewrite package archives in place. Textures larger than the target size are
downsampled, scene settings are overwritten, dependency entries can be
stripped or relatched to .latest, and documents can be minified. The first
rewrite of a package saves the original under the backup directory.

Packages are processed one at a time. A package that fails does not stop the
batch, and an asset that fails to convert is kept as it was. Defaults come
from the optimize section of the config file; flags override them.`,
		Example: `  varpack optimize Acme.Scene.3 --texture-size 2048
  varpack optimize --all --texture-size 1024 --jpeg-quality 85
  varpack optimize Acme.Scene.3 --texture Custom/skin.jpg=4096 --setting shadowResolution=2
  varpack optimize Acme.Scene.3 --strip Acme.Unused --relatch Acme.Base
  varpack optimize Acme.Scene.3 --output /tmp/Acme.Scene.3.var`,
		RunE: optimizeRun,
	}

	cmd.Flags().BoolVar(&optimizeAll, "all", false, "optimize every loaded package")
	cmd.Flags().IntVar(&optimizeTextureSize, "texture-size", 0, "maximum texture dimension in pixels (0 leaves textures alone)")
	cmd.Flags().IntVar(&optimizeJPEGQuality, "jpeg-quality", 0, "JPEG encoder quality (1-100)")
	cmd.Flags().BoolVar(&optimizeMinify, "minify", false, "write JSON documents without whitespace")
	cmd.Flags().StringArrayVar(&optimizeTextures, "texture", nil, "per-texture size as ENTRY=PIXELS (repeatable)")
	cmd.Flags().StringArrayVar(&optimizeSettings, "setting", nil, "scene setting as FIELD=VALUE (repeatable)")
	cmd.Flags().StringSliceVar(&optimizeStrip, "strip", nil, "dependency base names to remove")
	cmd.Flags().StringSliceVar(&optimizeRelatch, "relatch", nil, "dependency base names to point at .latest")
	cmd.Flags().StringVar(&optimizeOutput, "output", "", "write the result here instead of in place (single package only)")
	cmd.Flags().StringVar(&optimizeConflict, "conflict", "", "when the output exists: rename or overwrite")
	cmd.Flags().StringVar(&optimizeNoChange, "no-change", "", "already-optimized packages with nothing to do: skip or refresh-marker")
	return cmd
}

// optimizeConfig layers the command-line flags over the config defaults.
func optimizeConfig(cmd *cobra.Command, base config.OptimizeConfig) (repack.Config, error) {
	o := base
	flags := cmd.Flags()
	if flags.Changed("texture-size") {
		o.DefaultTextureSize = optimizeTextureSize
	}
	if flags.Changed("jpeg-quality") {
		o.JPEGQuality = optimizeJPEGQuality
	}
	if flags.Changed("minify") {
		o.Minify = optimizeMinify
	}
	if flags.Changed("conflict") {
		o.Conflict = optimizeConflict
	}
	if flags.Changed("no-change") {
		o.NoChange = optimizeNoChange
	}
	if flags.Changed("strip") {
		o.StripDependencies = optimizeStrip
	}
	if flags.Changed("relatch") {
		o.RelatchDependencies = optimizeRelatch
	}

	textures, err := parseIntPairs(optimizeTextures)
	if err != nil {
		return repack.Config{}, fmt.Errorf("--texture: %w", err)
	}
	if len(textures) > 0 {
		merged := make(map[string]int, len(o.Textures)+len(textures))
		for k, v := range o.Textures {
			merged[k] = v
		}
		for k, v := range textures {
			merged[k] = v
		}
		o.Textures = merged
	}

	settings, err := parseFloatPairs(optimizeSettings)
	if err != nil {
		return repack.Config{}, fmt.Errorf("--setting: %w", err)
	}
	if len(settings) > 0 {
		merged := make(map[string]float64, len(o.SceneSettings)+len(settings))
		for k, v := range o.SceneSettings {
			merged[k] = v
		}
		for k, v := range settings {
			merged[k] = v
		}
		o.SceneSettings = merged
	}

	return o.ToRepackConfig()
}

func optimizeRun(cmd *cobra.Command, args []string) error {
	if globalRepack == nil {
		return fmt.Errorf("rewrite engine not initialized")
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := optimizeConfig(cmd, globalCfg.Optimize)
	if err != nil {
		return err
	}
	recs, err := packagesFromArgs(ctx, args, optimizeAll)
	if err != nil {
		return err
	}
	if optimizeOutput != "" {
		if len(recs) != 1 {
			return fmt.Errorf("--output needs exactly one package, got %d", len(recs))
		}
		cfg.OutputPath = optimizeOutput
	}

	items := make([]engine.BatchItem, len(recs))
	for i, rec := range recs {
		items[i] = engine.BatchItem{Package: rec.ID, Path: rec.Path, Config: cfg}
	}

	out := cmd.OutOrStdout()
	printf(out, "Optimizing %d package(s)...\n", len(items))
	batch := engine.NewBatchOptimizer(globalRepack, globalIndex, globalStore, logger)
	report := batch.Run(ctx, items, func(p engine.BatchProgress) {
		if len(p.RecentItems) == 0 {
			return
		}
		last := p.RecentItems[0]
		printf(out, "  [%d/%d] %s %s\n", p.Done, p.Total, last.Package, last.Status)
	})

	printBatchReport(out, report)
	if report.Cancelled {
		return engine.ErrCancelled
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d package(s) failed", report.Failed)
	}
	return nil
}

func printBatchReport(out io.Writer, report engine.BatchReport) {
	if quiet {
		return
	}
	t := newTable(out, table.Row{"Package", "Status", "Before", "After", "Saved", "Assets", "Note"})
	for _, item := range report.Items {
		row := table.Row{item.Package, item.Status, "", "", "", "", item.Error}
		if r := item.Result; r != nil {
			row[2] = formatBytes(r.OriginalSize)
			row[3] = formatBytes(r.NewSize)
			row[4] = formatBytes(r.BytesSaved())
			row[5] = r.TransformedAssets
			if len(r.Errors) > 0 {
				row[6] = fmt.Sprintf("%d asset error(s): %s", len(r.Errors), r.Errors[0])
			}
		}
		t.AppendRow(row)
	}
	t.AppendFooter(table.Row{
		fmt.Sprintf("%d packages", len(report.Items)),
		fmt.Sprintf("%d ok, %d partial, %d unchanged, %d failed", report.Completed, report.Partial, report.Unchanged, report.Failed),
		"", "", formatBytes(report.BytesSaved), "", report.Duration.Round(time.Millisecond),
	})
	t.Render()
}

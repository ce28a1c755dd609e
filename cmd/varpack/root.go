package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/varpack/internal/config"
	"github.com/BadgerOps/varpack/internal/index"
	"github.com/BadgerOps/varpack/internal/repack"
	"github.com/BadgerOps/varpack/internal/store"
)

var (
	// Global flags
	cfgPath    string
	libraryDir string
	logLevel   string
	logFormat  string
	quiet      bool
	globalCfg  *config.Config
	logger     *slog.Logger

	// Global components
	globalStore  *store.Store
	globalIndex  *index.Index
	globalRepack *repack.Engine
)

// initializeComponents opens the store and builds the index and rewrite engine
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	lib := globalCfg.Library

	if err := os.MkdirAll(filepath.Dir(lib.DBPath), 0o755); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}
	st, err := store.New(lib.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	globalIndex = index.New(index.Options{
		LibraryDir: lib.Dir,
		ArchiveDir: lib.ArchiveDir,
		SkipDirs:   []string{lib.BackupDir},
	}, globalStore, logger)

	globalRepack = repack.New(repack.Options{
		LibraryDir: lib.Dir,
		BackupDir:  lib.BackupDir,
		Tool:       "varpack/" + version,
		Logger:     logger,
	})

	logger.Debug("components initialized", "library", lib.Dir, "db", lib.DBPath)
	return nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	skipInitCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"completion": true,
	}
	for c := cmd; c != nil; c = c.Parent() {
		if skipInitCmds[c.Name()] || c.Name() == "config" {
			return true
		}
	}
	return false
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "varpack",
		Short: "Manage, optimize and transfer .var package libraries",
		Long: `varpack maintains a library of .var content packages. It indexes the
library, resolves the dependencies packages declare, downloads missing ones
from a remote catalog, and rewrites package archives in place to shrink
textures, tune scene settings and clean up dependency lists. Every rewrite
keeps a backup of the original package so it can be restored.`,
		Example: `  varpack scan
  varpack deps Acme.Scene.3
  varpack fetch --missing Acme.Scene.3
  varpack optimize --texture-size 2048 --all
  varpack restore Acme.Scene.3
  varpack export --to /mnt/usb`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			// Override with command-line flags if provided
			if libraryDir != "" {
				globalCfg.Library.Dir = libraryDir
			}

			logger.Debug("config loaded", "path", cfgPath, "library", globalCfg.Library.Dir)

			if !shouldSkipComponentInit(cmd) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&libraryDir, "library", "", "override the library directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	cmd.AddCommand(
		newScanCmd(),
		newListCmd(),
		newDepsCmd(),
		newFetchCmd(),
		newOptimizeCmd(),
		newRestoreCmd(),
		newStatusCmd(),
		newExportCmd(),
		newImportCmd(),
		newServeCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelError {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// refreshIndex makes sure the index reflects the library before a command reads it.
func refreshIndex(ctx context.Context) (*index.Snapshot, error) {
	if globalIndex == nil {
		return nil, fmt.Errorf("index not initialized")
	}
	snap, err := globalIndex.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanning library: %w", err)
	}
	return snap, nil
}

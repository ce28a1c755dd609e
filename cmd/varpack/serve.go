package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/varpack/internal/server"
)

var (
	serveListen   string
	serveIndexTTL time.Duration
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Publish the library as a catalog for other hosts",
		Long: `Start an HTTP server that publishes the library in the catalog format
"varpack fetch" reads: an index at /index.json (also .zst and .xz) and package
files under /files/. Another host can point download.catalog_url here.

By default, the server listens on the address configured in the config file
(default: 0.0.0.0:8080). Use --listen to override.`,
		Example: `  varpack serve
  varpack serve --listen 127.0.0.1:9000`,
		Args: cobra.NoArgs,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port)")
	cmd.Flags().DurationVar(&serveIndexTTL, "index-ttl", server.DefaultIndexTTL, "how long a built index is reused")
	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	listen := globalCfg.Server.Listen
	if serveListen != "" {
		listen = serveListen
	}

	srv := server.NewServer(globalCfg.Library.Dir, globalStore, logger)
	srv.SetIndexTTL(serveIndexTTL)

	// Channel to listen for errors from server
	errChan := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on %s...\n", globalCfg.Library.Dir, listen)
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Server stopped gracefully")
	}
	return nil
}

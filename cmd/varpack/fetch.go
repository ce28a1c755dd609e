package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/varpack/internal/catalog"
	"github.com/BadgerOps/varpack/internal/download"
	"github.com/BadgerOps/varpack/internal/engine"
	"github.com/BadgerOps/varpack/internal/resolve"
)

var (
	fetchMissing bool
	fetchAll     bool
	fetchCatalog string
	fetchWorkers int
	fetchDisable []string
)

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch [PACKAGE...]",
		Short: "Download packages or missing dependencies from the catalog",
		Long: `Download packages from the remote catalog into the library.

Without --missing, every argument is a package identifier to download
(Creator.Name.12, Creator.Name.latest, Creator.Name.min3). Packages already
satisfied locally are not downloaded again.

With --missing, the arguments name local packages, and every dependency they
declare that has no local match is downloaded. Use --all to check every
loaded package.`,
		Example: `  varpack fetch Acme.Scene.latest
  varpack fetch --missing Acme.Scene.3
  varpack fetch --missing --all --workers 4`,
		RunE: fetchRun,
	}

	cmd.Flags().BoolVar(&fetchMissing, "missing", false, "download the missing dependencies of the named packages")
	cmd.Flags().BoolVar(&fetchAll, "all", false, "with --missing, check every loaded package")
	cmd.Flags().StringVar(&fetchCatalog, "catalog", "", "catalog base URL (overrides download.catalog_url)")
	cmd.Flags().IntVar(&fetchWorkers, "workers", 0, "concurrent downloads (overrides download.max_concurrent)")
	cmd.Flags().StringSliceVar(&fetchDisable, "disable", nil, "base names never to download")
	return cmd
}

// newQueue wires the catalog client and download queue from config.
func newQueue(out io.Writer) (*download.Queue, error) {
	dl := globalCfg.Download
	catalogURL := dl.CatalogURL
	if fetchCatalog != "" {
		catalogURL = fetchCatalog
	}
	if catalogURL == "" {
		return nil, errors.New("no catalog configured: set download.catalog_url or pass --catalog")
	}
	timeout, err := dl.Timeout()
	if err != nil {
		return nil, err
	}

	// Client retries cover catalog index requests; package bodies are
	// fetched once per queue attempt.
	client := download.NewClient(logger)
	client.SetRetries(dl.RetryAttempts)
	client.SetUserAgent("varpack/" + version)
	src, err := catalog.NewHTTP(catalogURL, client, logger)
	if err != nil {
		return nil, err
	}

	workers := dl.MaxConcurrent
	if fetchWorkers > 0 {
		workers = fetchWorkers
	}
	// Workers emit events concurrently.
	var mu sync.Mutex
	onEvent := func(ev download.Event) {
		mu.Lock()
		defer mu.Unlock()
		printEvent(out, ev)
	}
	return download.NewQueue(src, download.Options{
		Dir:            globalCfg.Library.Dir,
		Workers:        workers,
		RequestTimeout: timeout,
		RetryAttempts:  dl.RetryAttempts,
		Locate:         download.IndexLocator(globalCfg.Library.Dir, globalIndex),
		OnEvent:        onEvent,
		Store:          globalStore,
		Logger:         logger,
	}), nil
}

func printEvent(out io.Writer, ev download.Event) {
	switch ev.Kind {
	case download.EventStarted:
		printf(out, "  downloading %s\n", ev.ID)
	case download.EventCompleted:
		if ev.AlreadyExisted {
			printf(out, "  %s already present\n", ev.ID)
			return
		}
		printf(out, "  %s done (%s)\n", ev.ID, formatBytes(ev.Bytes))
	case download.EventError:
		printf(out, "  %s failed: %v\n", ev.ID, ev.Err)
	}
}

func fetchRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var decls []resolve.Declaration
	if fetchMissing {
		recs, err := packagesFromArgs(ctx, args, fetchAll)
		if err != nil {
			return err
		}
		decls = collectDeclarations(log, recs)
	} else {
		if len(args) == 0 {
			return errors.New("name at least one package to download")
		}
		if _, err := refreshIndex(ctx); err != nil {
			return err
		}
		for _, a := range args {
			decls = append(decls, resolve.NewDeclaration(a, nil))
		}
	}
	decls = resolve.Disable(decls, fetchDisable)

	out := cmd.OutOrStdout()
	queue, err := newQueue(out)
	if err != nil {
		return err
	}
	planner := engine.NewDependencyPlanner(globalIndex, queue, logger)

	missing := planner.Missing(decls)
	if len(missing) == 0 {
		fmt.Fprintln(out, "Nothing to download: every dependency is satisfied locally")
		return nil
	}
	printf(out, "Fetching %d package(s)...\n", len(missing))

	report, err := planner.Fetch(ctx, decls)
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	return printFetchReport(out, report)
}

func printFetchReport(out io.Writer, report *engine.FetchReport) error {
	failed := 0
	t := newTable(out, table.Row{"Requested", "Resolved", "Status", "Size", "Error"})
	for _, o := range report.Outcomes {
		errMsg := ""
		if o.Err != nil {
			errMsg = o.Err.Error()
		}
		resolved := ""
		if !o.Resolved.IsZero() {
			resolved = o.Resolved.String()
		}
		if o.Status != download.EventCompleted {
			failed++
		}
		t.AppendRow(table.Row{o.ID.String(), resolved, o.Status, formatBytes(o.Bytes), errMsg})
	}
	if !quiet {
		t.Render()
		fmt.Fprintf(out, "\nResolved %d declaration(s), %d still unresolved\n", len(report.Resolved), len(report.Unresolved))
	}
	if failed > 0 {
		return fmt.Errorf("%d download(s) did not complete", failed)
	}
	return nil
}

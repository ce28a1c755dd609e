package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/BadgerOps/varpack/internal/index"
	"github.com/BadgerOps/varpack/internal/pkgid"
	"github.com/BadgerOps/varpack/internal/resolve"
)

func newTable(w io.Writer, header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	return t
}

// formatBytes renders a size with IEC units, e.g. "1.5 MiB".
func formatBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}

// printf writes to w unless --quiet is set.
func printf(w io.Writer, format string, args ...any) {
	if quiet {
		return
	}
	fmt.Fprintf(w, format, args...)
}

// resolvePackageArg maps a command-line argument to an indexed package. The
// argument may be a path to a package file or an identifier; an identifier
// that is not exact resolves to the best local match.
func resolvePackageArg(snap *index.Snapshot, arg string) (index.Record, error) {
	if fi, err := os.Stat(arg); err == nil && !fi.IsDir() && index.IsPackageFile(arg) {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return index.Record{}, err
		}
		return index.Record{
			ID:     pkgid.Parse(filepath.Base(arg)),
			Path:   abs,
			Status: index.StatusLoaded,
			Size:   fi.Size(),
		}, nil
	}

	id := pkgid.Parse(arg)
	if id.IsZero() {
		return index.Record{}, fmt.Errorf("invalid package reference %q", arg)
	}
	if id.Version.Kind == pkgid.Exact {
		if rec, ok := snap.ByFullIdentifier(id); ok && rec.Path != "" {
			return rec, nil
		}
	}
	d := resolve.Declaration{Target: id.BaseName(), Requirement: id.Version, Raw: id.String()}
	if rec, ok := resolve.FindLocalMatch(d, snap); ok {
		return rec, nil
	}
	return index.Record{}, fmt.Errorf("package %s is not in the library", id)
}

// loadedPackages returns every loaded record, in index order.
func loadedPackages(snap *index.Snapshot) []index.Record {
	var out []index.Record
	for _, rec := range snap.Records() {
		if rec.Status == index.StatusLoaded && rec.Path != "" {
			out = append(out, rec)
		}
	}
	return out
}

// packagesFromArgs resolves args, or every loaded package when all is set.
func packagesFromArgs(ctx context.Context, args []string, all bool) ([]index.Record, error) {
	if !all && len(args) == 0 {
		return nil, fmt.Errorf("name at least one package or pass --all")
	}
	snap, err := refreshIndex(ctx)
	if err != nil {
		return nil, err
	}
	if all {
		return loadedPackages(snap), nil
	}
	recs := make([]index.Record, 0, len(args))
	for _, arg := range args {
		rec, err := resolvePackageArg(snap, arg)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// parseIntPairs parses "key=value" flags whose value is an integer.
func parseIntPairs(pairs []string) (map[string]int, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]int, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[strings.TrimSpace(k)] = n
	}
	return out, nil
}

// parseFloatPairs parses "key=value" flags; true and false map to 1 and 0.
func parseFloatPairs(pairs []string) (map[string]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		v = strings.TrimSpace(v)
		switch strings.ToLower(v) {
		case "true":
			out[strings.TrimSpace(k)] = 1
			continue
		case "false":
			out[strings.TrimSpace(k)] = 0
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[strings.TrimSpace(k)] = f
	}
	return out, nil
}

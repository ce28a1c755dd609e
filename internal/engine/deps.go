package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/BadgerOps/varpack/internal/download"
	"github.com/BadgerOps/varpack/internal/index"
	"github.com/BadgerOps/varpack/internal/pkgid"
	"github.com/BadgerOps/varpack/internal/resolve"
)

// Fetcher downloads packages. *download.Queue satisfies it.
type Fetcher interface {
	Run(ctx context.Context, ids []pkgid.Identifier) []download.Outcome
}

// DependencyPlanner connects the resolver to the download queue: it works
// out which declarations have no local match, fetches them, and reports
// which declarations each download resolved.
type DependencyPlanner struct {
	index   *index.Index
	fetcher Fetcher
	logger  *slog.Logger
}

// FetchReport is the result of DependencyPlanner.Fetch.
type FetchReport struct {
	Requested  []pkgid.Identifier
	Outcomes   []download.Outcome
	Resolved   []resolve.Declaration
	Unresolved []resolve.Declaration
}

// NewDependencyPlanner creates a planner over idx. fetcher may be nil when
// only Missing is needed.
func NewDependencyPlanner(idx *index.Index, fetcher Fetcher, logger *slog.Logger) *DependencyPlanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &DependencyPlanner{index: idx, fetcher: fetcher, logger: logger}
}

// Missing returns the enabled declarations that no local package satisfies.
func (p *DependencyPlanner) Missing(decls []resolve.Declaration) []resolve.Declaration {
	return resolve.Unsatisfied(decls, p.index)
}

// Fetch downloads every missing declaration, then rebuilds the index so the
// new packages are visible. Download failures are reported per package in
// the outcomes; only a failed index rebuild is returned as an error.
func (p *DependencyPlanner) Fetch(ctx context.Context, decls []resolve.Declaration) (*FetchReport, error) {
	if p.fetcher == nil {
		return nil, fmt.Errorf("dependency planner has no download queue")
	}
	missing := p.Missing(decls)
	report := &FetchReport{}
	if len(missing) == 0 {
		return report, nil
	}

	seen := make(map[string]bool)
	for _, d := range missing {
		id := d.Identifier()
		if seen[id.Key()] {
			continue
		}
		seen[id.Key()] = true
		report.Requested = append(report.Requested, id)
	}

	p.logger.Info("fetching missing dependencies", "count", len(report.Requested))
	report.Outcomes = p.fetcher.Run(ctx, report.Requested)

	resolved := make(map[int]bool)
	for _, out := range report.Outcomes {
		if out.Status != download.EventCompleted || out.Resolved.IsZero() {
			continue
		}
		p.putDownloaded(out)
		for _, d := range resolve.FindMatchingDeclarations(out.Resolved, missing) {
			for i := range missing {
				if !resolved[i] && missing[i].Raw == d.Raw && missing[i].Parent == d.Parent {
					resolved[i] = true
				}
			}
		}
	}
	for i, d := range missing {
		if resolved[i] {
			report.Resolved = append(report.Resolved, d)
		} else {
			report.Unresolved = append(report.Unresolved, d)
		}
	}

	p.index.Invalidate()
	if _, err := p.index.Rebuild(context.WithoutCancel(ctx)); err != nil {
		return report, err
	}
	for _, d := range report.Unresolved {
		p.index.MarkMissing(d.Identifier())
	}
	p.logger.Info("dependency fetch finished", "resolved", len(report.Resolved), "unresolved", len(report.Unresolved))
	return report, nil
}

// putDownloaded makes a finished download visible before the rescan completes.
func (p *DependencyPlanner) putDownloaded(out download.Outcome) {
	rec := index.Record{ID: out.Resolved, Path: out.Path, Status: index.StatusLoaded, Size: out.Bytes}
	if info, err := os.Stat(out.Path); err == nil {
		rec.Size = info.Size()
		rec.ModTime = info.ModTime()
	}
	p.index.Put(rec)
}

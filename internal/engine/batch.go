// Package engine orchestrates library-wide operations on top of the
// single-package building blocks: batch optimization, dependency fetching and
// export/import of library bundles.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BadgerOps/varpack/internal/index"
	"github.com/BadgerOps/varpack/internal/pkgid"
	"github.com/BadgerOps/varpack/internal/repack"
	"github.com/BadgerOps/varpack/internal/store"
)

// ErrCancelled marks batch items that never ran because the run was cancelled.
var ErrCancelled = errors.New("batch cancelled")

// ItemStatus is the final state of one batch item.
type ItemStatus string

const (
	StatusSucceeded ItemStatus = "succeeded"
	StatusPartial   ItemStatus = "partial" // rewritten, but some assets failed
	StatusUnchanged ItemStatus = "unchanged"
	StatusFailed    ItemStatus = "failed"
	StatusCancelled ItemStatus = "cancelled"
)

// BatchItem is one package to optimize. Path may be empty, in which case
// the package is looked up in the index.
type BatchItem struct {
	Package pkgid.Identifier
	Path    string
	Config  repack.Config
}

// ItemReport is the outcome of one batch item.
type ItemReport struct {
	Package string         `json:"package"`
	Status  ItemStatus     `json:"status"`
	Result  *repack.Result `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
	Elapsed time.Duration  `json:"elapsed"`
}

// BatchReport summarizes a batch run. Items are in request order.
type BatchReport struct {
	RunID      int64         `json:"run_id,omitempty"`
	Items      []ItemReport  `json:"items"`
	Completed  int           `json:"completed"`
	Partial    int           `json:"partial"`
	Unchanged  int           `json:"unchanged"`
	Failed     int           `json:"failed"`
	Cancelled  bool          `json:"cancelled"`
	BytesSaved int64         `json:"bytes_saved"`
	Duration   time.Duration `json:"duration"`
}

type optimizeFunc func(path string, cfg repack.Config, progress repack.ProgressFunc) (*repack.Result, error)

// BatchOptimizer runs the rewrite engine over many packages, one at a time.
// A failing package never stops the batch.
type BatchOptimizer struct {
	engine   *repack.Engine
	index    *index.Index
	store    *store.Store
	logger   *slog.Logger
	optimize optimizeFunc

	trackerMu     sync.RWMutex
	activeTracker *BatchTracker
}

// NewBatchOptimizer creates an orchestrator. idx and st may be nil.
func NewBatchOptimizer(eng *repack.Engine, idx *index.Index, st *store.Store, logger *slog.Logger) *BatchOptimizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchOptimizer{
		engine:   eng,
		index:    idx,
		store:    st,
		logger:   logger,
		optimize: eng.Optimize,
	}
}

// ActiveProgress returns the tracker of the current or most recent run, or nil.
func (b *BatchOptimizer) ActiveProgress() *BatchTracker {
	b.trackerMu.RLock()
	defer b.trackerMu.RUnlock()
	return b.activeTracker
}

// Run optimizes items sequentially. Cancellation is honoured between items
// only: the running item always finishes and every item after it is reported
// cancelled. onProgress, if set, is called after each item.
func (b *BatchOptimizer) Run(ctx context.Context, items []BatchItem, onProgress func(BatchProgress)) BatchReport {
	start := time.Now()
	report := BatchReport{Items: make([]ItemReport, 0, len(items))}

	tracker := NewBatchTracker(len(items))
	b.trackerMu.Lock()
	b.activeTracker = tracker
	b.trackerMu.Unlock()
	tracker.SetPhase(PhaseOptimizing)

	run := b.startRun(start, len(items))
	if run != nil {
		report.RunID = run.ID
	}
	b.logger.Info("batch optimization starting", "packages", len(items), "run_id", report.RunID)

	for i, item := range items {
		if ctx.Err() != nil {
			report.Cancelled = true
			for _, rest := range items[i:] {
				ir := ItemReport{Package: rest.Package.String(), Status: StatusCancelled, Error: ErrCancelled.Error()}
				report.Items = append(report.Items, ir)
				b.recordItem(report.RunID, ir)
			}
			b.logger.Info("batch cancelled", "remaining", len(items)-i)
			break
		}

		tracker.ItemStarted(item.Package.String())
		ir := b.runItem(item, tracker)
		report.Items = append(report.Items, ir)

		switch ir.Status {
		case StatusSucceeded:
			report.Completed++
		case StatusPartial:
			report.Partial++
		case StatusUnchanged:
			report.Unchanged++
		case StatusFailed:
			report.Failed++
		}
		report.BytesSaved += ir.Result.BytesSaved()

		tracker.ItemFinished(ir)
		b.recordItem(report.RunID, ir)
		if onProgress != nil {
			onProgress(tracker.Snapshot())
		}
	}

	if report.Cancelled {
		tracker.SetPhase(PhaseCancelled)
	} else {
		tracker.SetPhase(PhaseComplete)
	}
	report.Duration = time.Since(start)
	b.finishRun(run, &report)

	if b.index != nil {
		b.index.Invalidate()
		// The batch outcome is already decided; a cancelled ctx must not
		// leave the index stale.
		if _, err := b.index.Rebuild(context.WithoutCancel(ctx)); err != nil {
			b.logger.Warn("index rebuild after batch failed", "error", err)
		}
	}

	b.logger.Info("batch optimization finished",
		"completed", report.Completed,
		"partial", report.Partial,
		"unchanged", report.Unchanged,
		"failed", report.Failed,
		"cancelled", report.Cancelled,
		"bytes_saved", report.BytesSaved,
		"duration", report.Duration,
	)
	return report
}

func (b *BatchOptimizer) runItem(item BatchItem, tracker *BatchTracker) (ir ItemReport) {
	start := time.Now()
	ir.Package = item.Package.String()
	defer func() {
		if r := recover(); r != nil {
			ir.Status = StatusFailed
			ir.Result = nil
			ir.Error = fmt.Sprintf("panic while optimizing: %v", r)
			b.logger.Error("optimization panicked", "package", ir.Package, "panic", r)
		}
		ir.Elapsed = time.Since(start)
	}()

	path, err := b.locate(item)
	if err != nil {
		ir.Status = StatusFailed
		ir.Error = err.Error()
		return ir
	}

	res, err := b.optimize(path, item.Config, tracker.ItemProgress)
	if err != nil {
		ir.Status = StatusFailed
		ir.Error = err.Error()
		b.logger.Error("optimization failed", "package", ir.Package, "error", err)
		return ir
	}

	ir.Result = res
	switch {
	case res.Outcome == repack.OutcomeNoChangesNeeded:
		ir.Status = StatusUnchanged
	case res.HasErrors():
		ir.Status = StatusPartial
	default:
		ir.Status = StatusSucceeded
	}
	return ir
}

func (b *BatchOptimizer) locate(item BatchItem) (string, error) {
	if item.Path != "" {
		return item.Path, nil
	}
	if b.index != nil {
		if rec, ok := b.index.ByFullIdentifier(item.Package); ok && rec.Path != "" {
			return rec.Path, nil
		}
	}
	return "", fmt.Errorf("%w: %s is not in the library", repack.ErrArchiveUnreadable, item.Package)
}

func (b *BatchOptimizer) startRun(start time.Time, total int) *store.BatchRun {
	if b.store == nil {
		return nil
	}
	run := &store.BatchRun{StartTime: start, Total: total, Status: "running"}
	if err := b.store.CreateBatchRun(run); err != nil {
		b.logger.Warn("failed to record batch run", "error", err)
		return nil
	}
	return run
}

func (b *BatchOptimizer) recordItem(runID int64, ir ItemReport) {
	if b.store == nil || runID == 0 {
		return
	}
	row := &store.BatchItem{
		RunID:   runID,
		Package: ir.Package,
		Status:  string(ir.Status),
		Elapsed: ir.Elapsed,
	}
	if r := ir.Result; r != nil {
		row.OriginalSize = r.OriginalSize
		row.NewSize = r.NewSize
		row.TransformedAssets = r.TransformedAssets
		row.OutputPath = r.OutputPath
		row.BackupPath = r.BackupPath
		row.Errors = r.Errors
	}
	if ir.Error != "" {
		row.Errors = append(row.Errors, ir.Error)
	}
	if err := b.store.AddBatchItem(row); err != nil {
		b.logger.Warn("failed to record batch item", "package", ir.Package, "error", err)
	}
}

func (b *BatchOptimizer) finishRun(run *store.BatchRun, report *BatchReport) {
	if run == nil {
		return
	}
	run.EndTime = run.StartTime.Add(report.Duration)
	run.Completed = report.Completed
	run.Partial = report.Partial
	run.Unchanged = report.Unchanged
	run.Failed = report.Failed
	run.BytesSaved = report.BytesSaved
	switch {
	case report.Cancelled:
		run.Status = "cancelled"
	case report.Failed > 0 && report.Failed == len(report.Items):
		run.Status = "failed"
		run.ErrorMessage = "every package failed"
	default:
		run.Status = "completed"
	}
	if err := b.store.UpdateBatchRun(run); err != nil {
		b.logger.Warn("failed to update batch run", "error", err)
	}
}

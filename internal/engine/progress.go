package engine

import (
	"sync"
	"time"
)

// BatchPhase is the current phase of a batch run.
type BatchPhase string

const (
	PhasePending    BatchPhase = "pending"
	PhaseOptimizing BatchPhase = "optimizing"
	PhaseComplete   BatchPhase = "complete"
	PhaseCancelled  BatchPhase = "cancelled"
)

// maxRecentItems caps the rolling log kept in a snapshot.
const maxRecentItems = 20

// ItemEvent records a finished package for the recent activity log.
type ItemEvent struct {
	Package string     `json:"package"`
	Status  ItemStatus `json:"status"`
	Error   string     `json:"error,omitempty"`
	Saved   int64      `json:"saved,omitempty"`
	Elapsed string     `json:"elapsed"`
}

// BatchProgress is a snapshot of a batch run, safe for JSON serialization.
type BatchProgress struct {
	Phase          BatchPhase  `json:"phase"`
	Total          int         `json:"total"`
	Done           int         `json:"done"`
	Succeeded      int         `json:"succeeded"`
	Partial        int         `json:"partial"`
	Unchanged      int         `json:"unchanged"`
	Failed         int         `json:"failed"`
	BytesSaved     int64       `json:"bytes_saved"`
	Percent        float64     `json:"percent"`
	Current        string      `json:"current,omitempty"`
	CurrentMessage string      `json:"current_message,omitempty"`
	CurrentStep    int         `json:"current_step"`
	CurrentSteps   int         `json:"current_steps"`
	RecentItems    []ItemEvent `json:"recent_items,omitempty"`
	ETA            string      `json:"eta,omitempty"`
	StartTime      time.Time   `json:"start_time"`
	Elapsed        string      `json:"elapsed"`
}

// BatchTracker accumulates batch progress in a thread-safe manner. Watchers
// call Wait to block until the next update.
type BatchTracker struct {
	mu sync.Mutex

	phase      BatchPhase
	total      int
	succeeded  int
	partial    int
	unchanged  int
	failed     int
	bytesSaved int64
	itemTime   time.Duration // summed elapsed time of finished items
	startTime  time.Time
	now        func() time.Time

	current     string
	message     string
	step, steps int

	recent []ItemEvent

	// Close-and-replace: any update closes notify and installs a fresh channel.
	notify chan struct{}
}

// NewBatchTracker creates a tracker for a run of total items.
func NewBatchTracker(total int) *BatchTracker {
	return &BatchTracker{
		phase:     PhasePending,
		total:     total,
		startTime: time.Now(),
		now:       time.Now,
		notify:    make(chan struct{}),
	}
}

// Snapshot returns a copy of the current progress state.
func (t *BatchTracker) Snapshot() BatchProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	done := t.succeeded + t.partial + t.unchanged + t.failed
	var pct float64
	if t.total > 0 {
		pct = float64(done) / float64(t.total) * 100
	}

	// ETA from the mean time of finished items.
	var eta string
	if done > 0 && done < t.total && t.phase == PhaseOptimizing {
		mean := t.itemTime / time.Duration(done)
		eta = (mean * time.Duration(t.total-done)).Truncate(time.Second).String()
	}

	recent := make([]ItemEvent, len(t.recent))
	copy(recent, t.recent)

	return BatchProgress{
		Phase:          t.phase,
		Total:          t.total,
		Done:           done,
		Succeeded:      t.succeeded,
		Partial:        t.partial,
		Unchanged:      t.unchanged,
		Failed:         t.failed,
		BytesSaved:     t.bytesSaved,
		Percent:        pct,
		Current:        t.current,
		CurrentMessage: t.message,
		CurrentStep:    t.step,
		CurrentSteps:   t.steps,
		RecentItems:    recent,
		ETA:            eta,
		StartTime:      t.startTime,
		Elapsed:        t.now().Sub(t.startTime).Truncate(time.Second).String(),
	}
}

// Wait returns a channel that is closed on the next update.
func (t *BatchTracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// signal must be called with t.mu held.
func (t *BatchTracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// SetPhase updates the run phase.
func (t *BatchTracker) SetPhase(phase BatchPhase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	if phase != PhaseOptimizing {
		t.current, t.message, t.step, t.steps = "", "", 0, 0
	}
	t.signal()
}

// ItemStarted records the package now being optimized.
func (t *BatchTracker) ItemStarted(pkg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = pkg
	t.message, t.step, t.steps = "", 0, 0
	t.signal()
}

// ItemProgress records entry-level progress of the current package.
func (t *BatchTracker) ItemProgress(message string, current, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.message, t.step, t.steps = message, current, total
	t.signal()
}

// ItemFinished folds a finished package into the aggregates.
func (t *BatchTracker) ItemFinished(item ItemReport) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch item.Status {
	case StatusSucceeded:
		t.succeeded++
	case StatusPartial:
		t.partial++
	case StatusUnchanged:
		t.unchanged++
	case StatusFailed:
		t.failed++
	default:
		return
	}
	t.itemTime += item.Elapsed
	saved := item.Result.BytesSaved()
	t.bytesSaved += saved

	t.recent = append([]ItemEvent{{
		Package: item.Package,
		Status:  item.Status,
		Error:   item.Error,
		Saved:   saved,
		Elapsed: item.Elapsed.Truncate(time.Millisecond).String(),
	}}, t.recent...)
	if len(t.recent) > maxRecentItems {
		t.recent = t.recent[:maxRecentItems]
	}
	t.current, t.message, t.step, t.steps = "", "", 0, 0
	t.signal()
}

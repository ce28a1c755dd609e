package engine

import (
	"testing"
	"time"

	"github.com/BadgerOps/varpack/internal/repack"
)

func TestTrackerWaitIsSignalled(t *testing.T) {
	tr := NewBatchTracker(2)
	ch := tr.Wait()
	tr.ItemStarted("Acme.A.1")
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Wait channel was not closed by an update")
	}
	if tr.Wait() == ch {
		t.Error("a fresh channel should be installed after signalling")
	}
}

func TestTrackerAggregates(t *testing.T) {
	tr := NewBatchTracker(4)
	start := tr.startTime
	tr.now = func() time.Time { return start.Add(30 * time.Second) }
	tr.SetPhase(PhaseOptimizing)

	tr.ItemStarted("Acme.A.1")
	tr.ItemProgress("processing tex/a.png", 2, 5)
	snap := tr.Snapshot()
	if snap.Current != "Acme.A.1" || snap.CurrentStep != 2 || snap.CurrentSteps != 5 {
		t.Errorf("current item = %+v", snap)
	}

	tr.ItemFinished(ItemReport{
		Package: "Acme.A.1",
		Status:  StatusSucceeded,
		Result:  &repack.Result{OriginalSize: 1000, NewSize: 400},
		Elapsed: 10 * time.Second,
	})
	tr.ItemFinished(ItemReport{Package: "Acme.B.1", Status: StatusFailed, Error: "boom", Elapsed: 10 * time.Second})
	tr.ItemFinished(ItemReport{Package: "Acme.C.1", Status: StatusCancelled})

	snap = tr.Snapshot()
	if snap.Done != 2 || snap.Succeeded != 1 || snap.Failed != 1 {
		t.Errorf("counts = %+v", snap)
	}
	if snap.BytesSaved != 600 {
		t.Errorf("bytes saved = %d", snap.BytesSaved)
	}
	if snap.Percent != 50 {
		t.Errorf("percent = %v", snap.Percent)
	}
	if snap.ETA != "20s" {
		t.Errorf("eta = %q, want 20s", snap.ETA)
	}
	if snap.Elapsed != "30s" {
		t.Errorf("elapsed = %q", snap.Elapsed)
	}
	if len(snap.RecentItems) != 2 || snap.RecentItems[0].Package != "Acme.B.1" {
		t.Errorf("recent items = %+v", snap.RecentItems)
	}
	if snap.Current != "" {
		t.Errorf("current should clear after an item finishes, got %q", snap.Current)
	}

	tr.SetPhase(PhaseComplete)
	if tr.Snapshot().ETA != "" {
		t.Error("no ETA once the run is complete")
	}
}

func TestTrackerRecentItemsCapped(t *testing.T) {
	tr := NewBatchTracker(50)
	for i := 0; i < 30; i++ {
		tr.ItemFinished(ItemReport{Package: "p", Status: StatusUnchanged})
	}
	if got := len(tr.Snapshot().RecentItems); got != maxRecentItems {
		t.Errorf("recent items = %d, want %d", got, maxRecentItems)
	}
}

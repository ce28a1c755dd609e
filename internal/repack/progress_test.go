package repack

import (
	"sync"
	"testing"
	"time"
)

func TestRelayDoesNotBlockOnSlowCallback(t *testing.T) {
	release := make(chan struct{})
	var (
		mu   sync.Mutex
		seen []int
	)
	r := newRelay(func(_ string, cur, _ int) {
		<-release
		mu.Lock()
		seen = append(seen, cur)
		mu.Unlock()
	})

	start := time.Now()
	for i := 1; i <= 1000; i++ {
		r.report("entry", i, 1000)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("reporting blocked for %v", elapsed)
	}

	close(release)
	r.close()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[len(seen)-1] != 1000 {
		t.Errorf("final update not delivered: %v", seen)
	}
	if len(seen) > 3 {
		t.Errorf("updates were not coalesced: %d callbacks", len(seen))
	}
}

func TestNilRelay(t *testing.T) {
	r := newRelay(nil)
	r.report("x", 1, 1)
	r.close()
}

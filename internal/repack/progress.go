package repack

import (
	"sync"
	"time"
)

// ProgressFunc receives rewrite progress after each entry.
type ProgressFunc func(message string, current, total int)

// relayCloseWait bounds how long finishing a rewrite waits for a slow callback.
const relayCloseWait = 2 * time.Second

type progressUpdate struct {
	message        string
	current, total int
}

// relay decouples the engine from its progress callback. Reports never block:
// the latest update replaces any the callback has not consumed yet, and the
// callback runs on its own goroutine.
type relay struct {
	fn     ProgressFunc
	mu     sync.Mutex
	latest progressUpdate
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func newRelay(fn ProgressFunc) *relay {
	if fn == nil {
		return nil
	}
	r := &relay{
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *relay) loop() {
	defer close(r.done)
	for range r.signal {
		r.mu.Lock()
		u := r.latest
		r.mu.Unlock()
		r.fn(u.message, u.current, u.total)
	}
}

func (r *relay) report(message string, current, total int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.latest = progressUpdate{message: message, current: current, total: total}
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// close delivers the final pending update and waits a bounded time for the
// callback to return.
func (r *relay) close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.signal)
	}
	r.mu.Unlock()

	t := time.NewTimer(relayCloseWait)
	defer t.Stop()
	select {
	case <-r.done:
	case <-t.C:
	}
}

package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/varpack/internal/pkgid"
	"github.com/BadgerOps/varpack/internal/safety"
	"github.com/BadgerOps/varpack/internal/store"
)

// DefaultWorkers keeps the load on the remote catalog small.
const DefaultWorkers = 2

// progressStep is the minimum number of bytes between Progress events.
const progressStep = 256 << 10

var errVerification = errors.New("download verification failed")

// EventKind identifies a queue event.
type EventKind int

const (
	EventQueued EventKind = iota
	EventStarted
	EventProgress
	EventCompleted
	EventError
	EventSkipped
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventQueued:
		return "queued"
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventError:
		return "error"
	case EventSkipped:
		return "skipped"
	case EventCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Event is emitted for every state change of a queued item.
type Event struct {
	Kind           EventKind
	ID             pkgid.Identifier
	Bytes          int64
	Total          int64
	AlreadyExisted bool
	Path           string
	Err            error
}

// Outcome is the final state of one requested package. Status is one of
// EventCompleted, EventError, EventSkipped or EventCancelled.
type Outcome struct {
	ID             pkgid.Identifier
	Resolved       pkgid.Identifier // identifier of the file actually obtained
	Status         EventKind
	Path           string
	Bytes          int64
	AlreadyExisted bool
	Err            error
	Elapsed        time.Duration
}

// Options configures a Queue.
type Options struct {
	// Dir receives downloaded packages.
	Dir            string
	Workers        int
	RequestTimeout time.Duration
	RetryAttempts  int
	// Locate re-checks whether a package is already on disk. Defaults to DirLocator(Dir).
	Locate LocateFunc
	// Skip, when it returns true, drops a single queued item.
	Skip    func(pkgid.Identifier) bool
	OnEvent func(Event)
	// Store, when set, receives failed downloads in its dead-letter table.
	Store  *store.Store
	Logger *slog.Logger

	backoff func(attempt int) time.Duration
}

// Queue downloads packages from a Source through a fixed number of workers,
// in the order they were requested.
type Queue struct {
	src    Source
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	current *session
}

// session is the set of items of one Run. Cancelling it drops every item not
// yet handed to a worker.
type session struct {
	mu        sync.Mutex
	pending   []int
	dropped   []int
	cancelled bool
}

func (s *session) next(ctx context.Context) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil && !s.cancelled {
		s.cancelLocked()
	}
	if s.cancelled || len(s.pending) == 0 {
		return 0, false
	}
	i := s.pending[0]
	s.pending = s.pending[1:]
	return i, true
}

func (s *session) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

func (s *session) cancelLocked() {
	s.cancelled = true
	s.dropped = append(s.dropped, s.pending...)
	s.pending = nil
}

// NewQueue creates a queue over src.
func NewQueue(src Source, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.Locate == nil {
		opts.Locate = DirLocator(opts.Dir)
	}
	if opts.backoff == nil {
		opts.backoff = calculateBackoffDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{src: src, opts: opts, logger: logger}
}

// Run downloads every requested package and blocks until all items reach a
// final state. Outcomes are returned in request order. Cancelling ctx or
// calling CancelSession drops items that have not started; items already
// running finish or fail on their own.
func (q *Queue) Run(ctx context.Context, ids []pkgid.Identifier) []Outcome {
	outcomes := make([]Outcome, len(ids))
	if len(ids) == 0 {
		return outcomes
	}

	sess := &session{pending: make([]int, len(ids))}
	for i := range ids {
		sess.pending[i] = i
	}
	q.mu.Lock()
	q.current = sess
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		if q.current == sess {
			q.current = nil
		}
		q.mu.Unlock()
	}()

	for _, id := range ids {
		q.emit(Event{Kind: EventQueued, ID: id})
	}

	workers := q.opts.Workers
	if workers > len(ids) {
		workers = len(ids)
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i, ok := sess.next(ctx)
				if !ok {
					return
				}
				outcomes[i] = q.process(ctx, ids[i])
			}
		}()
	}
	wg.Wait()

	sess.mu.Lock()
	dropped := append([]int(nil), sess.dropped...)
	sess.mu.Unlock()
	for _, i := range dropped {
		outcomes[i] = Outcome{ID: ids[i], Status: EventCancelled, Err: context.Canceled}
		q.emit(Event{Kind: EventCancelled, ID: ids[i]})
	}
	return outcomes
}

// CancelSession drops every item of the running session that no worker has
// picked up yet.
func (q *Queue) CancelSession() {
	q.mu.Lock()
	sess := q.current
	q.mu.Unlock()
	if sess != nil {
		sess.cancel()
		q.logger.Info("download session cancelled")
	}
}

func (q *Queue) emit(ev Event) {
	if q.opts.OnEvent != nil {
		q.opts.OnEvent(ev)
	}
}

func (q *Queue) process(ctx context.Context, id pkgid.Identifier) Outcome {
	start := time.Now()
	out := Outcome{ID: id}

	if q.opts.Skip != nil && q.opts.Skip(id) {
		out.Status = EventSkipped
		q.emit(Event{Kind: EventSkipped, ID: id})
		return out
	}

	q.emit(Event{Kind: EventStarted, ID: id})

	if p, ok := q.opts.Locate(id); ok {
		out.Status = EventCompleted
		out.Path = p
		out.AlreadyExisted = true
		out.Resolved = pkgid.Parse(filepath.Base(p))
		out.Elapsed = time.Since(start)
		q.logger.Debug("package already present", "package", id.String(), "path", p)
		q.emit(Event{Kind: EventCompleted, ID: id, Path: p, AlreadyExisted: true})
		return out
	}

	path, n, err := q.fetch(ctx, id)
	out.Elapsed = time.Since(start)
	if err != nil {
		out.Status = EventError
		out.Err = err
		q.logger.Error("download failed", "package", id.String(), "error", err)
		q.recordFailure(id, err)
		q.emit(Event{Kind: EventError, ID: id, Err: err})
		return out
	}

	out.Status = EventCompleted
	out.Path = path
	out.Bytes = n
	out.Resolved = pkgid.Parse(filepath.Base(path))
	q.logger.Info("package downloaded", "package", id.String(), "path", path, "size", n)
	q.resolveFailure(id)
	q.emit(Event{Kind: EventCompleted, ID: id, Path: path, Bytes: n, Total: n})
	return out
}

func (q *Queue) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if q.opts.RequestTimeout > 0 {
		return context.WithTimeout(ctx, q.opts.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func (q *Queue) fetch(ctx context.Context, id pkgid.Identifier) (string, int64, error) {
	actx, cancel := q.requestContext(ctx)
	ok, err := q.src.IsAvailable(actx, id.String())
	cancel()
	if err != nil {
		return "", 0, fmt.Errorf("checking availability of %s: %w", id, err)
	}
	if !ok {
		return "", 0, fmt.Errorf("%s: %w", id, ErrDependencyUnavailable)
	}

	var lastErr error
	for attempt := 1; attempt <= q.opts.RetryAttempts; attempt++ {
		path, n, err := q.fetchAttempt(ctx, id)
		if err == nil {
			return path, n, nil
		}
		lastErr = err
		if ctx.Err() != nil || shouldNotRetry(err) {
			return "", 0, err
		}
		if attempt < q.opts.RetryAttempts {
			delay := q.opts.backoff(attempt)
			q.logger.Warn("download attempt failed", "package", id.String(), "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", 0, fmt.Errorf("download cancelled during retry: %w", ctx.Err())
			}
		}
	}
	return "", 0, fmt.Errorf("download failed after %d attempts: %w", q.opts.RetryAttempts, lastErr)
}

// fetchAttempt streams one package into a temporary .part file, verifies it and moves
// it into place.
func (q *Queue) fetchAttempt(ctx context.Context, id pkgid.Identifier) (string, int64, error) {
	rctx, cancel := q.requestContext(ctx)
	defer cancel()

	stream, err := q.src.Fetch(rctx, id)
	if err != nil {
		return "", 0, err
	}
	defer stream.Body.Close()

	name := stream.FileName
	if name == "" {
		name = id.FileName()
	}
	name = filepath.Base(name)
	if !strings.HasSuffix(strings.ToLower(name), pkgid.ArchiveExt) {
		name += pkgid.ArchiveExt
	}
	dest, err := safety.SafeJoinUnder(q.opts.Dir, name)
	if err != nil {
		return "", 0, fmt.Errorf("%w: bad file name %q: %v", errVerification, stream.FileName, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", 0, fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
	}

	// Several references can resolve to the same file, so every attempt
	// streams into its own temporary name.
	f, err := os.CreateTemp(filepath.Dir(dest), "."+name+".*.part")
	if err != nil {
		return "", 0, fmt.Errorf("creating temporary file for %s: %w", dest, err)
	}
	part := f.Name()
	fail := func(err error) (string, int64, error) {
		f.Close()
		os.Remove(part)
		return "", 0, err
	}

	var lastReported int64
	reader := &progressReader{
		reader: stream.Body,
		total:  stream.Size,
		callback: func(done, total int64) {
			if done-lastReported >= progressStep || (total > 0 && done == total) {
				lastReported = done
				q.emit(Event{Kind: EventProgress, ID: id, Bytes: done, Total: total})
			}
		},
	}
	n, err := io.Copy(f, reader)
	if err != nil {
		return fail(fmt.Errorf("writing %s: %w", part, err))
	}
	if err := f.Close(); err != nil {
		os.Remove(part)
		return "", 0, err
	}

	if stream.Size > 0 && n != stream.Size {
		os.Remove(part)
		return "", 0, fmt.Errorf("%w: size mismatch: got %d bytes, expected %d", errVerification, n, stream.Size)
	}
	if stream.SHA256 != "" {
		sum, err := hashFile(part)
		if err != nil {
			os.Remove(part)
			return "", 0, err
		}
		if !strings.EqualFold(sum, stream.SHA256) {
			os.Remove(part)
			return "", 0, fmt.Errorf("%w: checksum mismatch: got %s, expected %s", errVerification, sum, stream.SHA256)
		}
	}

	if sameFile(dest, n, stream.SHA256) {
		os.Remove(part)
		q.logger.Debug("identical file already in place", "package", id.String(), "path", dest)
		return dest, n, nil
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return "", 0, fmt.Errorf("moving %s into place: %w", dest, err)
	}
	return dest, n, nil
}

// sameFile reports whether path already holds a download of size n with the
// given checksum. Without a checksum the caller replaces the file.
func sameFile(path string, n int64, sha string) bool {
	if sha == "" {
		return false
	}
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() || st.Size() != n {
		return false
	}
	sum, err := hashFile(path)
	return err == nil && strings.EqualFold(sum, sha)
}

func (q *Queue) recordFailure(id pkgid.Identifier, err error) {
	if q.opts.Store == nil || errors.Is(err, context.Canceled) {
		return
	}
	if serr := q.opts.Store.RecordFailedDownload(id.String(), err.Error()); serr != nil {
		q.logger.Warn("failed to record failed download", "package", id.String(), "error", serr)
	}
}

func (q *Queue) resolveFailure(id pkgid.Identifier) {
	if q.opts.Store == nil {
		return
	}
	if err := q.opts.Store.ResolveFailedDownload(id.String()); err != nil {
		q.logger.Warn("failed to clear failed download", "package", id.String(), "error", err)
	}
}

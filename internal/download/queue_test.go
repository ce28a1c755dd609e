package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BadgerOps/varpack/internal/pkgid"
	"github.com/BadgerOps/varpack/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource serves package bodies from memory.
type fakeSource struct {
	mu        sync.Mutex
	packages  map[string][]byte // key: lowercase base name -> body of the newest version
	versions  map[string]uint32
	checksums map[string]string
	failFirst map[string]error

	availCalls atomic.Int32
	fetchCalls atomic.Int32
	delay      time.Duration
	onFetch    func(id pkgid.Identifier)
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		packages:  make(map[string][]byte),
		versions:  make(map[string]uint32),
		checksums: make(map[string]string),
		failFirst: make(map[string]error),
	}
}

func (s *fakeSource) add(base string, version uint32, body []byte) {
	s.packages[strings.ToLower(base)] = body
	s.versions[strings.ToLower(base)] = version
}

func (s *fakeSource) IsAvailable(_ context.Context, ref string) (bool, error) {
	s.availCalls.Add(1)
	_, ok := s.packages[pkgid.Parse(ref).BaseKey()]
	return ok, nil
}

func (s *fakeSource) Fetch(ctx context.Context, id pkgid.Identifier) (*Stream, error) {
	s.fetchCalls.Add(1)
	if s.onFetch != nil {
		s.onFetch(id)
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	if err, ok := s.failFirst[id.BaseKey()]; ok {
		delete(s.failFirst, id.BaseKey())
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	body := s.packages[id.BaseKey()]
	v := s.versions[id.BaseKey()]
	return &Stream{
		Body:     io.NopCloser(bytes.NewReader(body)),
		Size:     int64(len(body)),
		FileName: pkgid.New(id.BaseName(), pkgid.ExactVersion(v)).FileName(),
		SHA256:   s.checksums[id.BaseKey()],
	}, nil
}

func newTestQueue(t *testing.T, src Source, opts Options) *Queue {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	opts.Logger = testLogger()
	opts.backoff = func(int) time.Duration { return 0 }
	return NewQueue(src, opts)
}

func ids(raw ...string) []pkgid.Identifier {
	out := make([]pkgid.Identifier, len(raw))
	for i, r := range raw {
		out[i] = pkgid.Parse(r)
	}
	return out
}

func TestQueueAlreadyPresentSkipsNetwork(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "Creator.Pkg.1.var")
	if err := os.WriteFile(existing, []byte("local"), 0o644); err != nil {
		t.Fatal(err)
	}
	src := newFakeSource()
	src.add("Creator.Pkg", 1, []byte("remote"))

	var events []Event
	q := newTestQueue(t, src, Options{Dir: dir, OnEvent: func(ev Event) { events = append(events, ev) }})
	out := q.Run(context.Background(), ids("Creator.Pkg.1"))

	if out[0].Status != EventCompleted || !out[0].AlreadyExisted {
		t.Fatalf("outcome = %+v, want completed/already existed", out[0])
	}
	if out[0].Bytes != 0 {
		t.Errorf("bytes transferred = %d, want 0", out[0].Bytes)
	}
	if out[0].Path != existing {
		t.Errorf("path = %q, want %q", out[0].Path, existing)
	}
	if src.availCalls.Load() != 0 || src.fetchCalls.Load() != 0 {
		t.Errorf("network touched: %d availability checks, %d fetches", src.availCalls.Load(), src.fetchCalls.Load())
	}

	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.Kind.String())
	}
	if got := strings.Join(kinds, ","); got != "queued,started,completed" {
		t.Errorf("events = %s", got)
	}
	if !events[2].AlreadyExisted {
		t.Error("completed event does not report AlreadyExisted")
	}
}

func TestQueueConcurrencyBound(t *testing.T) {
	src := newFakeSource()
	for _, name := range []string{"A.One", "A.Two", "A.Three", "A.Four", "A.Five"} {
		src.add(name, 1, []byte(name))
	}
	src.delay = 30 * time.Millisecond

	var (
		mu        sync.Mutex
		active    int
		maxActive int
	)
	q := newTestQueue(t, src, Options{Workers: 2, OnEvent: func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Kind {
		case EventStarted:
			active++
			if active > maxActive {
				maxActive = active
			}
		case EventCompleted, EventError:
			active--
		}
	}})

	out := q.Run(context.Background(), ids("A.One.1", "A.Two.1", "A.Three.1", "A.Four.1", "A.Five.1"))
	for i, o := range out {
		if o.Status != EventCompleted {
			t.Errorf("item %d: %+v", i, o)
		}
	}
	if maxActive > 2 {
		t.Errorf("max concurrently started = %d, want <= 2", maxActive)
	}
	if maxActive == 0 {
		t.Error("no item was ever started")
	}
}

func TestQueueDownloadsAndVerifies(t *testing.T) {
	body := bytes.Repeat([]byte("package-bytes-"), 40000) // > progressStep
	sum := sha256.Sum256(body)

	src := newFakeSource()
	src.add("Creator.Big", 5, body)
	src.checksums["creator.big"] = hex.EncodeToString(sum[:])

	var progress int
	q := newTestQueue(t, src, Options{OnEvent: func(ev Event) {
		if ev.Kind == EventProgress {
			progress++
			if ev.Total != int64(len(body)) {
				t.Errorf("progress total = %d", ev.Total)
			}
		}
	}})
	out := q.Run(context.Background(), ids("Creator.Big.latest"))[0]

	if out.Status != EventCompleted || out.AlreadyExisted {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Bytes != int64(len(body)) {
		t.Errorf("bytes = %d, want %d", out.Bytes, len(body))
	}
	if out.Resolved.String() != "Creator.Big.5" {
		t.Errorf("resolved = %s, want Creator.Big.5", out.Resolved)
	}
	data, err := os.ReadFile(out.Path)
	if err != nil || !bytes.Equal(data, body) {
		t.Errorf("downloaded file differs (err %v)", err)
	}
	assertNoPartFiles(t, filepath.Dir(out.Path))
	if progress == 0 {
		t.Error("no progress events")
	}
}

func assertNoPartFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".part") {
			t.Errorf("temporary file %s left behind", e.Name())
		}
	}
}

func TestQueueReferencesResolvingToOneFile(t *testing.T) {
	body := bytes.Repeat([]byte("shared-"), 5000)
	sum := sha256.Sum256(body)

	tests := []struct {
		name     string
		checksum string
	}{
		{"with checksum", hex.EncodeToString(sum[:])},
		{"without checksum", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource()
			src.add("Acme.Base", 5, body)
			src.checksums["acme.base"] = tt.checksum

			// Hold both fetches until each worker has one in flight.
			var arrived sync.WaitGroup
			arrived.Add(2)
			src.onFetch = func(pkgid.Identifier) {
				arrived.Done()
				done := make(chan struct{})
				go func() { arrived.Wait(); close(done) }()
				select {
				case <-done:
				case <-time.After(2 * time.Second):
				}
			}

			dir := t.TempDir()
			q := newTestQueue(t, src, Options{Dir: dir, Workers: 2, RetryAttempts: 1})
			out := q.Run(context.Background(), ids("Acme.Base.latest", "Acme.Base.min3"))

			want := filepath.Join(dir, "Acme.Base.5.var")
			for i, o := range out {
				if o.Status != EventCompleted {
					t.Fatalf("item %d: %+v", i, o)
				}
				if o.Path != want {
					t.Errorf("item %d path = %q, want %q", i, o.Path, want)
				}
			}
			data, err := os.ReadFile(want)
			if err != nil || !bytes.Equal(data, body) {
				t.Errorf("shared file differs (err %v)", err)
			}
			assertNoPartFiles(t, dir)
		})
	}
}

func TestQueueChecksumMismatchIsNotRetried(t *testing.T) {
	src := newFakeSource()
	src.add("Creator.Bad", 1, []byte("payload"))
	src.checksums["creator.bad"] = strings.Repeat("0", 64)

	dir := t.TempDir()
	q := newTestQueue(t, src, Options{Dir: dir, RetryAttempts: 3})
	out := q.Run(context.Background(), ids("Creator.Bad.1"))[0]

	if out.Status != EventError || !errors.Is(out.Err, errVerification) {
		t.Fatalf("outcome = %+v", out)
	}
	if n := src.fetchCalls.Load(); n != 1 {
		t.Errorf("fetch calls = %d, want 1", n)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("files left after failed verification: %v", entries)
	}
}

func TestQueueRetriesTransientFailure(t *testing.T) {
	src := newFakeSource()
	src.add("Creator.Flaky", 2, []byte("ok"))
	src.failFirst["creator.flaky"] = &HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}

	q := newTestQueue(t, src, Options{})
	out := q.Run(context.Background(), ids("Creator.Flaky.2"))[0]
	if out.Status != EventCompleted {
		t.Fatalf("outcome = %+v", out)
	}
	if n := src.fetchCalls.Load(); n != 2 {
		t.Errorf("fetch calls = %d, want 2", n)
	}
}

func TestQueueUnavailableRecordsDeadLetter(t *testing.T) {
	st, err := store.New(":memory:", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	src := newFakeSource()
	src.add("Creator.Here", 1, []byte("x"))
	q := newTestQueue(t, src, Options{Store: st})

	out := q.Run(context.Background(), ids("Creator.Gone.3", "Creator.Here.1"))
	if out[0].Status != EventError || !errors.Is(out[0].Err, ErrDependencyUnavailable) {
		t.Errorf("missing package outcome = %+v", out[0])
	}
	if out[1].Status != EventCompleted {
		t.Errorf("available package outcome = %+v", out[1])
	}
	if src.fetchCalls.Load() != 1 {
		t.Errorf("fetch calls = %d, want 1", src.fetchCalls.Load())
	}

	failed, err := st.ListFailedDownloads()
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Package != "Creator.Gone.3" {
		t.Errorf("dead letters = %+v", failed)
	}
}

func TestQueueSkipPredicate(t *testing.T) {
	src := newFakeSource()
	src.add("A.Keep", 1, []byte("k"))
	src.add("A.Drop", 1, []byte("d"))

	q := newTestQueue(t, src, Options{Skip: func(id pkgid.Identifier) bool {
		return id.BaseKey() == "a.drop"
	}})
	out := q.Run(context.Background(), ids("A.Keep.1", "A.Drop.1"))
	if out[0].Status != EventCompleted {
		t.Errorf("kept item = %+v", out[0])
	}
	if out[1].Status != EventSkipped {
		t.Errorf("skipped item = %+v", out[1])
	}
	if src.fetchCalls.Load() != 1 {
		t.Errorf("fetch calls = %d, want 1", src.fetchCalls.Load())
	}
}

func TestQueueCancelSessionDropsPending(t *testing.T) {
	src := newFakeSource()
	for _, name := range []string{"A.One", "A.Two", "A.Three"} {
		src.add(name, 1, []byte(name))
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	src.onFetch = func(pkgid.Identifier) {
		once.Do(func() {
			close(started)
			<-release
		})
	}

	q := newTestQueue(t, src, Options{Workers: 1})
	done := make(chan []Outcome)
	go func() { done <- q.Run(context.Background(), ids("A.One.1", "A.Two.1", "A.Three.1")) }()

	<-started
	q.CancelSession()
	close(release)
	out := <-done

	if out[0].Status != EventCompleted {
		t.Errorf("in-flight item should finish, got %+v", out[0])
	}
	for _, o := range out[1:] {
		if o.Status != EventCancelled {
			t.Errorf("pending item %s = %v, want cancelled", o.ID, o.Status)
		}
	}
	if src.fetchCalls.Load() != 1 {
		t.Errorf("fetch calls = %d, want 1", src.fetchCalls.Load())
	}

	// A new session is unaffected by the earlier cancellation.
	again := q.Run(context.Background(), ids("A.Two.1"))
	if again[0].Status != EventCompleted {
		t.Errorf("next session outcome = %+v", again[0])
	}
}

func TestQueueContextCancelled(t *testing.T) {
	src := newFakeSource()
	src.add("A.One", 1, []byte("1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := newTestQueue(t, src, Options{})
	out := q.Run(ctx, ids("A.One.1"))
	if out[0].Status != EventCancelled {
		t.Errorf("outcome = %+v, want cancelled", out[0])
	}
}

func TestQueueRequestTimeout(t *testing.T) {
	src := newFakeSource()
	src.add("A.Slow", 1, []byte("s"))
	src.delay = time.Second

	q := newTestQueue(t, src, Options{RequestTimeout: 20 * time.Millisecond, RetryAttempts: 1})
	out := q.Run(context.Background(), ids("A.Slow.1"))[0]
	if out.Status != EventError || !errors.Is(out.Err, context.DeadlineExceeded) {
		t.Errorf("outcome = %+v, want deadline exceeded", out)
	}
}

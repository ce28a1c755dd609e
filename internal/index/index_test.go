package index

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BadgerOps/varpack/internal/pkgid"
	"github.com/BadgerOps/varpack/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func touch(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRebuild(t *testing.T) {
	lib := t.TempDir()
	arc := t.TempDir()
	backup := filepath.Join(lib, "backup")

	touch(t, filepath.Join(lib, "Creator.Pkg.1.var"), 10)
	touch(t, filepath.Join(lib, "sub", "Creator.Pkg.3.var"), 30)
	touch(t, filepath.Join(lib, "Creator.Other.2.var"), 5)
	touch(t, filepath.Join(lib, "notes.txt"), 1)
	touch(t, filepath.Join(backup, "Creator.Pkg.1.var"), 10)
	touch(t, filepath.Join(arc, "Creator.Pkg.2.var"), 20)

	idx := New(Options{LibraryDir: lib, ArchiveDir: arc, SkipDirs: []string{backup}}, nil, testLogger())
	if !idx.Stale() {
		t.Error("new index should be stale")
	}

	snap, err := idx.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild() failed: %v", err)
	}
	if idx.Stale() {
		t.Error("index should not be stale after rebuild")
	}
	if snap.Len() != 4 {
		t.Fatalf("expected 4 records, got %d: %+v", snap.Len(), snap.Records())
	}

	versions := idx.ByBaseName("creator.pkg")
	if len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(versions))
	}
	for i, want := range []uint32{1, 2, 3} {
		if versions[i].ID.Version.Number != want {
			t.Errorf("versions[%d] = %d, want %d", i, versions[i].ID.Version.Number, want)
		}
	}

	rec, ok := idx.ByFullIdentifier(pkgid.Parse("Creator.Pkg.2"))
	if !ok || rec.Status != StatusArchived {
		t.Errorf("expected Creator.Pkg.2 archived, got %+v (found %v)", rec, ok)
	}
	if got := snap.Status(pkgid.Parse("Nobody.Pkg.1")); got != StatusUnknown {
		t.Errorf("unknown package status = %q", got)
	}
}

func TestRebuildMissingLibrary(t *testing.T) {
	idx := New(Options{LibraryDir: filepath.Join(t.TempDir(), "absent")}, nil, testLogger())
	snap, err := idx.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild() failed: %v", err)
	}
	if snap.Len() != 0 {
		t.Errorf("expected empty snapshot, got %d", snap.Len())
	}
}

func TestRebuildDropsRemovedFiles(t *testing.T) {
	lib := t.TempDir()
	path := filepath.Join(lib, "Creator.Pkg.1.var")
	touch(t, path, 4)

	idx := New(Options{LibraryDir: lib}, nil, testLogger())
	if _, err := idx.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	old := idx.Snapshot()

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	idx.Invalidate()
	snap, err := idx.Refresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Len() != 0 {
		t.Errorf("expected removed file to drop from index, got %d", snap.Len())
	}
	// Earlier snapshots are immutable.
	if old.Len() != 1 {
		t.Errorf("old snapshot changed: %d records", old.Len())
	}
}

func TestIndexedAtPreservedForUnchangedFiles(t *testing.T) {
	lib := t.TempDir()
	touch(t, filepath.Join(lib, "Creator.Pkg.1.var"), 4)

	idx := New(Options{LibraryDir: lib}, nil, testLogger())
	if _, err := idx.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	first, _ := idx.ByFullIdentifier(pkgid.Parse("Creator.Pkg.1"))

	time.Sleep(5 * time.Millisecond)
	if _, err := idx.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	second, _ := idx.ByFullIdentifier(pkgid.Parse("Creator.Pkg.1"))
	if !first.IndexedAt.Equal(second.IndexedAt) {
		t.Errorf("IndexedAt changed for unchanged file: %v -> %v", first.IndexedAt, second.IndexedAt)
	}
}

func TestIndexedAtSurvivesRestart(t *testing.T) {
	lib := t.TempDir()
	touch(t, filepath.Join(lib, "Creator.Pkg.1.var"), 4)
	st, err := store.New(":memory:", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	first := New(Options{LibraryDir: lib}, st, testLogger())
	if _, err := first.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	before, _ := first.ByFullIdentifier(pkgid.Parse("Creator.Pkg.1"))

	time.Sleep(5 * time.Millisecond)
	second := New(Options{LibraryDir: lib}, st, testLogger())
	if _, err := second.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	after, _ := second.ByFullIdentifier(pkgid.Parse("Creator.Pkg.1"))
	if !before.IndexedAt.Equal(after.IndexedAt) {
		t.Errorf("IndexedAt not restored from the store: %v -> %v", before.IndexedAt, after.IndexedAt)
	}
}

func TestPutAndMarkMissing(t *testing.T) {
	lib := t.TempDir()
	st, err := store.New(":memory:", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	idx := New(Options{LibraryDir: lib}, st, testLogger())

	path := filepath.Join(lib, "Creator.Pkg.4.var")
	touch(t, path, 8)
	idx.Put(Record{ID: pkgid.Parse("Creator.Pkg.4"), Path: path, Status: StatusLoaded, Size: 8})
	idx.MarkMissing(pkgid.Parse("Creator.Dep.2"))
	idx.MarkMissing(pkgid.Parse("Creator.Pkg.4")) // already loaded: no-op

	if got := idx.Snapshot().Status(pkgid.Parse("Creator.Pkg.4")); got != StatusLoaded {
		t.Errorf("Creator.Pkg.4 status = %q, want loaded", got)
	}
	if got := idx.Snapshot().Status(pkgid.Parse("Creator.Dep.2")); got != StatusMissing {
		t.Errorf("Creator.Dep.2 status = %q, want missing", got)
	}

	rows, err := st.ListPackages("")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Identifier != "Creator.Pkg.4" {
		t.Errorf("persisted rows = %+v", rows)
	}
}

func TestConcurrentReadersDuringRebuild(t *testing.T) {
	lib := t.TempDir()
	for _, name := range []string{"A.One.1.var", "A.One.2.var", "B.Two.1.var"} {
		touch(t, filepath.Join(lib, name), 1)
	}
	idx := New(Options{LibraryDir: lib}, nil, testLogger())
	if _, err := idx.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				idx.Invalidate()
				if _, err := idx.Rebuild(context.Background()); err != nil {
					t.Error(err)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if n := idx.Snapshot().Len(); n != 3 {
					t.Errorf("reader saw partial snapshot with %d records", n)
					return
				}
			}
		}()
	}
	wg.Wait()
}

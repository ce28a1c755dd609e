package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BadgerOps/varpack/internal/catalog"
	"github.com/BadgerOps/varpack/internal/download"
	"github.com/BadgerOps/varpack/internal/pkgid"
	"github.com/BadgerOps/varpack/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func setupTestServer(t *testing.T, st *store.Store) (*Server, *httptest.Server, string) {
	t.Helper()
	lib := t.TempDir()
	writeFile(t, filepath.Join(lib, "Acme.Scene.3.var"), "old scene")
	writeFile(t, filepath.Join(lib, "Acme.Scene.7.var"), "newest scene body")
	writeFile(t, filepath.Join(lib, "looks", "Acme.Look.1.var"), "look")
	writeFile(t, filepath.Join(lib, "notes.txt"), "private")

	srv := NewServer(lib, st, testLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, lib
}

func TestIndexEncodings(t *testing.T) {
	_, ts, _ := setupTestServer(t, nil)

	for _, suffix := range []string{"", ".zst", ".xz"} {
		t.Run("index.json"+suffix, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/index.json" + suffix)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatal(err)
			}
			ix, err := catalog.Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if len(ix.Packages) != 3 {
				t.Fatalf("expected 3 packages, got %+v", ix.Packages)
			}
			e, ok := ix.Lookup(pkgid.Parse("Acme.Look.1"))
			if !ok || e.File != "looks/Acme.Look.1.var" || e.Size != 4 {
				t.Errorf("look entry = %+v, %v", e, ok)
			}
		})
	}
}

func TestPackageFilesHidesNonPackages(t *testing.T) {
	_, ts, _ := setupTestServer(t, nil)

	tests := []struct {
		path string
		want int
	}{
		{"/files/Acme.Scene.7.var", http.StatusOK},
		{"/files/looks/Acme.Look.1.var", http.StatusOK},
		{"/files/notes.txt", http.StatusNotFound},
		{"/files/", http.StatusNotFound},
		{"/files/looks/", http.StatusNotFound},
		{"/files/Acme.Ghost.1.var", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
			}
		})
	}
}

func TestIndexCachedUntilTTL(t *testing.T) {
	srv, ts, lib := setupTestServer(t, nil)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	current := base
	srv.now = func() time.Time { return current }

	h, err := catalog.NewHTTP(ts.URL, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	h.SetTTL(0)

	if _, err := h.Index(context.Background()); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(lib, "Acme.Extra.2.var"), "extra")

	ok, err := h.IsAvailable(context.Background(), "Acme.Extra")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("new package should not appear before the server TTL passes")
	}

	current = base.Add(DefaultIndexTTL)
	ok, err = h.IsAvailable(context.Background(), "Acme.Extra")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("new package should appear once the index is rebuilt")
	}
}

func TestQueueDownloadsFromServer(t *testing.T) {
	_, ts, _ := setupTestServer(t, nil)

	h, err := catalog.NewHTTP(ts.URL, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	local := t.TempDir()
	q := download.NewQueue(h, download.Options{Dir: local, Logger: testLogger()})

	outcomes := q.Run(context.Background(), []pkgid.Identifier{
		pkgid.Parse("Acme.Scene.min4"),
		pkgid.Parse("Acme.Look.1"),
	})
	for _, o := range outcomes {
		if o.Status != download.EventCompleted {
			t.Fatalf("%s status = %s, err = %v", o.ID, o.Status, o.Err)
		}
	}
	if outcomes[0].Resolved.String() != "Acme.Scene.7" {
		t.Errorf("resolved = %s", outcomes[0].Resolved)
	}
	body, err := os.ReadFile(filepath.Join(local, "Acme.Scene.7.var"))
	if err != nil || string(body) != "newest scene body" {
		t.Errorf("downloaded body = %q, %v", body, err)
	}
}

func TestHandleAPIStatus(t *testing.T) {
	st, err := store.New(":memory:", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Fatalf("failed to close store: %v", err)
		}
	})
	run := &store.BatchRun{Total: 2, StartTime: time.Now(), Status: "running"}
	if err := st.CreateBatchRun(run); err != nil {
		t.Fatal(err)
	}
	run.Completed, run.Failed, run.BytesSaved, run.Status = 1, 1, 4096, "completed"
	if err := st.UpdateBatchRun(run); err != nil {
		t.Fatal(err)
	}
	if err := st.RecordFailedDownload("Acme.Lost.1", "dependency unavailable"); err != nil {
		t.Fatal(err)
	}

	srv, _, _ := setupTestServer(t, st)
	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	srv.handleAPIStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var status StatusJSON
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if status.Packages != 3 || status.TotalSize != int64(len("old scene")+len("newest scene body")+len("look")) {
		t.Errorf("package totals = %+v", status)
	}
	if status.FailedFetches != 1 {
		t.Errorf("failed fetches = %d", status.FailedFetches)
	}
	if len(status.RecentBatches) != 1 || status.RecentBatches[0].BytesSaved != 4096 {
		t.Errorf("recent batches = %+v", status.RecentBatches)
	}
	if status.RecentTransfer != nil {
		t.Errorf("unexpected transfer %+v", status.RecentTransfer)
	}
}

package catalog

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	kgzip "github.com/klauspost/compress/gzip"

	"github.com/BadgerOps/varpack/internal/download"
	"github.com/BadgerOps/varpack/internal/pkgid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleIndex() *Index {
	return &Index{
		GeneratedAt: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Packages: []Entry{
			{ID: "Acme.Scene.3", File: "Acme.Scene.3.var", Size: 3},
			{ID: "Acme.Scene.7", File: "Acme.Scene.7.var", Size: 7},
			{ID: "Acme.Look.1", File: "looks/Acme.Look.1.var", Size: 1},
		},
	}
}

func TestLookup(t *testing.T) {
	ix := sampleIndex()
	tests := []struct {
		ref  string
		want string
		ok   bool
	}{
		{"Acme.Scene.3", "Acme.Scene.3", true},
		{"acme.scene.latest", "Acme.Scene.7", true},
		{"Acme.Scene.min4", "Acme.Scene.7", true},
		{"Acme.Scene", "Acme.Scene.7", true},
		{"Acme.Scene.5", "", false},
		{"Acme.Scene.min8", "", false},
		{"Other.Thing.latest", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, ok := ix.Lookup(pkgid.Parse(tt.ref))
			if ok != tt.ok {
				t.Fatalf("Lookup(%q) ok = %v, want %v", tt.ref, ok, tt.ok)
			}
			if ok && got.ID != tt.want {
				t.Errorf("Lookup(%q) = %s, want %s", tt.ref, got.ID, tt.want)
			}
		})
	}
}

func TestEncodeDecodeCompressions(t *testing.T) {
	for _, c := range []string{CompressionNone, CompressionZstd, CompressionXZ} {
		t.Run("compression="+c, func(t *testing.T) {
			data, err := Encode(sampleIndex(), c)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			ix, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if len(ix.Packages) != 3 || ix.Packages[2].File != "looks/Acme.Look.1.var" {
				t.Errorf("unexpected packages: %+v", ix.Packages)
			}
		})
	}
}

func TestDecodeGzip(t *testing.T) {
	plain, err := Encode(sampleIndex(), CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	zw := kgzip.NewWriter(&buf)
	if _, err := zw.Write(plain); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	ix, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(ix.Packages) != 3 {
		t.Errorf("expected 3 packages, got %d", len(ix.Packages))
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	if _, err := Decode([]byte("not json at all")); err == nil {
		t.Error("expected parse error")
	}
	if _, err := Decode([]byte(`{"packages":[{"id":"  ","file":"x.var"}]}`)); err == nil {
		t.Error("expected error for entry without id")
	}
	if _, err := Encode(sampleIndex(), "bz2"); err == nil {
		t.Error("expected error for unknown compression")
	}
}

func TestSortIsStable(t *testing.T) {
	ix := sampleIndex()
	ix.Sort()
	want := []string{"Acme.Look.1", "Acme.Scene.3", "Acme.Scene.7"}
	for i, e := range ix.Packages {
		if e.ID != want[i] {
			t.Fatalf("position %d = %s, want %s", i, e.ID, want[i])
		}
	}
}

func TestBuildIndex(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Acme.Scene.2.var"), "two")
	writeFile(t, filepath.Join(dir, "sub", "Acme.Look.1.var"), "look")
	writeFile(t, filepath.Join(dir, "Acme.Loose.var"), "no version")
	writeFile(t, filepath.Join(dir, "readme.txt"), "ignored")

	ix, err := BuildIndex(dir, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	if len(ix.Packages) != 2 {
		t.Fatalf("expected 2 packages, got %+v", ix.Packages)
	}
	look := ix.Packages[0]
	if look.ID != "Acme.Look.1" || look.File != "sub/Acme.Look.1.var" || look.Size != 4 {
		t.Errorf("unexpected entry %+v", look)
	}
	sum := sha256.Sum256([]byte("look"))
	if look.SHA256 != hex.EncodeToString(sum[:]) {
		t.Errorf("sha256 = %s", look.SHA256)
	}
}

// catalogServer serves a directory as a catalog, with the index encoded as
// the given compression.
func catalogServer(t *testing.T, dir, compression string, indexHits *atomic.Int32) *httptest.Server {
	t.Helper()
	ix, err := BuildIndex(dir, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	data, err := Encode(ix, compression)
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/cat/index.json", func(w http.ResponseWriter, r *http.Request) {
		if indexHits != nil {
			indexHits.Add(1)
		}
		_, _ = w.Write(data)
	})
	mux.Handle("/cat/files/", http.StripPrefix("/cat/files/", http.FileServer(http.Dir(dir))))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeFile(t *testing.T, p, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestHTTPIndexCaching(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Acme.Scene.2.var"), "two")
	var hits atomic.Int32
	srv := catalogServer(t, dir, CompressionZstd, &hits)

	h, err := NewHTTP(srv.URL+"/cat/", nil, testLogger())
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	clock := time.Unix(1000, 0)
	h.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		if ok, err := h.IsAvailable(context.Background(), "Acme.Scene.latest"); err != nil || !ok {
			t.Fatalf("IsAvailable = %v, %v", ok, err)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 index fetch, got %d", hits.Load())
	}

	clock = clock.Add(DefaultIndexTTL + time.Second)
	if _, err := h.Index(context.Background()); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 2 {
		t.Errorf("expected refetch after TTL, got %d fetches", hits.Load())
	}

	h.Invalidate()
	if _, err := h.Index(context.Background()); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 3 {
		t.Errorf("expected refetch after Invalidate, got %d fetches", hits.Load())
	}
}

func TestHTTPIsAvailable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Acme.Scene.2.var"), "two")
	srv := catalogServer(t, dir, CompressionXZ, nil)
	h, err := NewHTTP(srv.URL+"/cat", nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	for ref, want := range map[string]bool{
		"Acme.Scene":      true,
		"Acme.Scene.2":    true,
		"Acme.Scene.min3": false,
		"Nobody.Here":     false,
		"":                false,
	} {
		got, err := h.IsAvailable(context.Background(), ref)
		if err != nil {
			t.Fatalf("IsAvailable(%q): %v", ref, err)
		}
		if got != want {
			t.Errorf("IsAvailable(%q) = %v, want %v", ref, got, want)
		}
	}
}

func TestNewHTTPRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"ftp://example.com", "http://user:pw@example.com", "not a url"} {
		if _, err := NewHTTP(raw, nil, testLogger()); err == nil {
			t.Errorf("NewHTTP(%q) expected error", raw)
		}
	}
}

func TestFetchUnknownPackage(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Acme.Scene.2.var"), "two")
	srv := catalogServer(t, dir, CompressionNone, nil)
	h, err := NewHTTP(srv.URL+"/cat", nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.Fetch(context.Background(), pkgid.Parse("Acme.Other.1"))
	if !errors.Is(err, download.ErrDependencyUnavailable) {
		t.Errorf("expected ErrDependencyUnavailable, got %v", err)
	}
}

func TestFetchMissingFileIsUnavailable(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "Acme.Scene.2.var")
	writeFile(t, p, "two")
	srv := catalogServer(t, dir, CompressionNone, nil)
	if err := os.Remove(p); err != nil {
		t.Fatal(err)
	}
	h, err := NewHTTP(srv.URL+"/cat", nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.Fetch(context.Background(), pkgid.Parse("Acme.Scene.2"))
	if !errors.Is(err, download.ErrDependencyUnavailable) {
		t.Errorf("expected ErrDependencyUnavailable, got %v", err)
	}
}

func TestQueueDownloadsThroughCatalog(t *testing.T) {
	remote := t.TempDir()
	writeFile(t, filepath.Join(remote, "Acme.Scene.3.var"), "old scene")
	writeFile(t, filepath.Join(remote, "Acme.Scene.7.var"), "newest scene body")
	writeFile(t, filepath.Join(remote, "looks", "Acme.Look.1.var"), "look")
	srv := catalogServer(t, remote, CompressionZstd, nil)

	h, err := NewHTTP(srv.URL+"/cat", nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	local := t.TempDir()
	q := download.NewQueue(h, download.Options{Dir: local, Logger: testLogger()})

	outcomes := q.Run(context.Background(), []pkgid.Identifier{
		pkgid.Parse("Acme.Scene.latest"),
		pkgid.Parse("Acme.Look.1"),
		pkgid.Parse("Acme.Missing.1"),
	})

	scene := outcomes[0]
	if scene.Status != download.EventCompleted {
		t.Fatalf("scene status = %s, err = %v", scene.Status, scene.Err)
	}
	if scene.Resolved.String() != "Acme.Scene.7" {
		t.Errorf("resolved = %s, want Acme.Scene.7", scene.Resolved)
	}
	body, err := os.ReadFile(filepath.Join(local, "Acme.Scene.7.var"))
	if err != nil || string(body) != "newest scene body" {
		t.Errorf("downloaded body = %q, %v", body, err)
	}

	if outcomes[1].Status != download.EventCompleted || filepath.Base(outcomes[1].Path) != "Acme.Look.1.var" {
		t.Errorf("look outcome = %+v", outcomes[1])
	}
	if outcomes[2].Status != download.EventError || !errors.Is(outcomes[2].Err, download.ErrDependencyUnavailable) {
		t.Errorf("missing outcome = %+v", outcomes[2])
	}
}

func TestQueueRetriesPackageFetchOnce(t *testing.T) {
	remote := t.TempDir()
	writeFile(t, filepath.Join(remote, "Acme.Scene.3.var"), "scene")
	ix, err := BuildIndex(remote, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	data, err := Encode(ix, CompressionNone)
	if err != nil {
		t.Fatal(err)
	}

	var fileHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/cat/index.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(data)
	})
	mux.HandleFunc("/cat/files/", func(w http.ResponseWriter, r *http.Request) {
		fileHits.Add(1)
		http.Error(w, "overloaded", http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := download.NewClient(testLogger())
	client.SetRetries(3)
	h, err := NewHTTP(srv.URL+"/cat", client, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	q := download.NewQueue(h, download.Options{Dir: t.TempDir(), RetryAttempts: 2, Logger: testLogger()})

	out := q.Run(context.Background(), []pkgid.Identifier{pkgid.Parse("Acme.Scene.3")})[0]
	if out.Status != download.EventError {
		t.Fatalf("outcome = %+v", out)
	}
	var httpErr *download.HTTPError
	if !errors.As(out.Err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Errorf("err = %v, want a 502 HTTPError", out.Err)
	}
	if n := fileHits.Load(); n != 2 {
		t.Errorf("package requests = %d, want 2 (one per queue attempt)", n)
	}
}

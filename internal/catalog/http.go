package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/varpack/internal/download"
	"github.com/BadgerOps/varpack/internal/pkgid"
	"github.com/BadgerOps/varpack/internal/safety"
)

// DefaultIndexTTL is how long a fetched index is reused before refetching.
const DefaultIndexTTL = 5 * time.Minute

// IndexFile is the index path relative to the catalog base URL.
const IndexFile = "index.json"

// HTTP is a catalog served over HTTP(S):
//
//	<base>/index.json      package index, optionally zstd/xz/gzip compressed
//	<base>/files/<file>    package archives
type HTTP struct {
	base   *url.URL
	client *download.Client
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	index     *Index
	fetchedAt time.Time
}

// NewHTTP creates a catalog source rooted at baseURL.
func NewHTTP(baseURL string, client *download.Client, logger *slog.Logger) (*HTTP, error) {
	u, err := safety.ParseBaseURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("catalog url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if u.Scheme == "http" && !safety.IsLoopbackHost(u) {
		logger.Warn("catalog is not served over https; packages are verified only by declared checksums", "url", u.String())
	}
	if client == nil {
		client = download.NewClient(logger)
	}
	return &HTTP{
		base:   u,
		client: client,
		logger: logger,
		ttl:    DefaultIndexTTL,
		now:    time.Now,
	}, nil
}

// SetTTL changes how long the index is cached. Zero disables caching.
func (h *HTTP) SetTTL(ttl time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ttl = ttl
}

// Invalidate drops the cached index.
func (h *HTTP) Invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.index = nil
}

// Index returns the catalog index, fetching it when the cache is stale.
func (h *HTTP) Index(ctx context.Context) (*Index, error) {
	h.mu.Lock()
	if h.index != nil && h.ttl > 0 && h.now().Sub(h.fetchedAt) < h.ttl {
		ix := h.index
		h.mu.Unlock()
		return ix, nil
	}
	h.mu.Unlock()

	resp, err := h.client.Get(ctx, h.resolve(IndexFile))
	if err != nil {
		return nil, fmt.Errorf("fetching catalog index: %w", err)
	}
	defer resp.Body.Close()

	data, err := safety.ReadAllWithLimit(resp.Body, maxIndexSize)
	if err != nil {
		return nil, fmt.Errorf("reading catalog index: %w", err)
	}
	ix, err := Decode(data)
	if err != nil {
		return nil, err
	}
	h.logger.Debug("catalog index fetched", "url", h.base.String(), "packages", len(ix.Packages))

	h.mu.Lock()
	h.index = ix
	h.fetchedAt = h.now()
	h.mu.Unlock()
	return ix, nil
}

// IsAvailable reports whether the catalog offers a version satisfying ref.
func (h *HTTP) IsAvailable(ctx context.Context, ref string) (bool, error) {
	id := pkgid.Parse(ref)
	if id.IsZero() {
		return false, nil
	}
	ix, err := h.Index(ctx)
	if err != nil {
		return false, err
	}
	_, ok := ix.Lookup(id)
	return ok, nil
}

// Fetch opens the archive that best serves id. The body request is made
// once; the download queue retries failed fetches.
func (h *HTTP) Fetch(ctx context.Context, id pkgid.Identifier) (*download.Stream, error) {
	ix, err := h.Index(ctx)
	if err != nil {
		return nil, err
	}
	entry, ok := ix.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", download.ErrDependencyUnavailable, id)
	}
	rel, err := safety.CleanRelativePath(entry.File)
	if err != nil {
		return nil, fmt.Errorf("catalog entry %s: %w", entry.ID, err)
	}

	resp, err := h.client.GetOnce(ctx, h.resolve("files/"+filepath.ToSlash(rel)))
	if err != nil {
		var httpErr *download.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s: %w", download.ErrDependencyUnavailable, id, err)
		}
		return nil, err
	}

	size := entry.Size
	if size <= 0 && resp.ContentLength > 0 {
		size = resp.ContentLength
	}
	return &download.Stream{
		Body:     resp.Body,
		Size:     size,
		FileName: filepath.Base(rel),
		SHA256:   strings.ToLower(entry.SHA256),
	}, nil
}

func (h *HTTP) resolve(rel string) string {
	u := *h.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + rel
	u.RawPath = ""
	return u.String()
}

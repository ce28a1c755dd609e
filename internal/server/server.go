// Package server publishes a local package library as a catalog that
// catalog.HTTP on another host can download from.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/varpack/internal/catalog"
	"github.com/BadgerOps/varpack/internal/index"
	"github.com/BadgerOps/varpack/internal/store"
)

// DefaultIndexTTL bounds how long a built catalog index is served before the
// library is walked again.
const DefaultIndexTTL = time.Minute

// Server represents the HTTP catalog server.
type Server struct {
	libraryDir string
	store      *store.Store
	logger     *slog.Logger
	httpServer *http.Server

	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	index   *catalog.Index
	builtAt time.Time
}

// NewServer creates a server for the library rooted at libraryDir. The store
// is optional and only feeds /api/status.
func NewServer(libraryDir string, st *store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		libraryDir: libraryDir,
		store:      st,
		logger:     logger,
		ttl:        DefaultIndexTTL,
		now:        time.Now,
	}
}

// SetIndexTTL changes how long a built index is reused. Zero rebuilds on
// every request.
func (s *Server) SetIndexTTL(ttl time.Duration) {
	s.mu.Lock()
	s.ttl = ttl
	s.mu.Unlock()
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	s.httpServer = &http.Server{
		Addr:              listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("starting catalog server", "addr", listenAddr, "library", s.libraryDir)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down catalog server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler. Package downloads have no write
// timeout, so Start leaves WriteTimeout unset.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /"+catalog.IndexFile, s.handleIndex(catalog.CompressionNone))
	mux.HandleFunc("GET /"+catalog.IndexFile+".zst", s.handleIndex(catalog.CompressionZstd))
	mux.HandleFunc("GET /"+catalog.IndexFile+".xz", s.handleIndex(catalog.CompressionXZ))
	mux.Handle("GET /files/", http.StripPrefix("/files", s.packageFiles()))
	mux.HandleFunc("GET /api/status", s.handleAPIStatus)

	return mux
}

// catalogIndex returns the cached index, rebuilding it once the TTL passes.
func (s *Server) catalogIndex() (*catalog.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.index != nil && now.Sub(s.builtAt) < s.ttl {
		return s.index, nil
	}
	ix, err := catalog.BuildIndex(s.libraryDir, now)
	if err != nil {
		return nil, err
	}
	s.index = ix
	s.builtAt = now
	s.logger.Debug("catalog index built", "packages", len(ix.Packages))
	return ix, nil
}

func (s *Server) handleIndex(compression string) http.HandlerFunc {
	contentType := "application/json"
	switch compression {
	case catalog.CompressionZstd:
		contentType = "application/zstd"
	case catalog.CompressionXZ:
		contentType = "application/x-xz"
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ix, err := s.catalogIndex()
		if err != nil {
			s.logger.Error("failed to build catalog index", "error", err)
			jsonError(w, http.StatusInternalServerError, "index unavailable")
			return
		}
		data, err := catalog.Encode(ix, compression)
		if err != nil {
			s.logger.Error("failed to encode catalog index", "compression", compression, "error", err)
			jsonError(w, http.StatusInternalServerError, "index unavailable")
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := w.Write(data); err != nil {
			s.logger.Debug("index write interrupted", "error", err)
		}
	}
}

// packageFiles serves package archives from the library. Directory listings
// and anything that is not a package archive are hidden.
func (s *Server) packageFiles() http.Handler {
	files := http.FileServer(http.Dir(s.libraryDir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := path.Clean(r.URL.Path)
		if strings.HasSuffix(r.URL.Path, "/") || !index.IsPackageFile(name) {
			http.NotFound(w, r)
			return
		}
		s.logger.Debug("serving package", "file", name, "remote", r.RemoteAddr)
		files.ServeHTTP(w, r)
	})
}

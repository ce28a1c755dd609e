// Package index tracks which package archives exist in a library.
//
// Readers always see a complete snapshot: Rebuild builds a new one off to the
// side and swaps it in atomically, so a lookup racing a rebuild observes either
// the old state or the new state, never a mix.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/BadgerOps/varpack/internal/pkgid"
	"github.com/BadgerOps/varpack/internal/store"
)

// Status is the on-disk state of an indexed package.
type Status string

const (
	StatusLoaded   Status = "loaded"
	StatusMissing  Status = "missing"
	StatusArchived Status = "archived"
	StatusUnknown  Status = "unknown"
)

// Record describes one package version known to the index.
type Record struct {
	ID        pkgid.Identifier
	Path      string // empty for missing packages
	Status    Status
	Size      int64
	ModTime   time.Time
	IndexedAt time.Time
}

// Snapshot is an immutable view of the library at one point in time.
type Snapshot struct {
	records []Record
	byKey   map[string]int   // full identifier key -> record position
	byBase  map[string][]int // base key -> record positions
	BuiltAt time.Time
}

func newSnapshot(records []Record) *Snapshot {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.ID.BaseKey() != b.ID.BaseKey() {
			return a.ID.BaseKey() < b.ID.BaseKey()
		}
		if a.ID.Version.Number != b.ID.Version.Number {
			return a.ID.Version.Number < b.ID.Version.Number
		}
		return statusRank(a.Status) < statusRank(b.Status)
	})

	s := &Snapshot{
		records: records,
		byKey:   make(map[string]int, len(records)),
		byBase:  make(map[string][]int),
		BuiltAt: time.Now(),
	}
	for i, rec := range records {
		key := rec.ID.Key()
		// A loaded copy shadows an archived or missing one with the same identifier.
		if prev, ok := s.byKey[key]; !ok || statusRank(rec.Status) < statusRank(s.records[prev].Status) {
			s.byKey[key] = i
		}
		s.byBase[rec.ID.BaseKey()] = append(s.byBase[rec.ID.BaseKey()], i)
	}
	return s
}

func statusRank(s Status) int {
	switch s {
	case StatusLoaded:
		return 0
	case StatusArchived:
		return 1
	case StatusMissing:
		return 2
	default:
		return 3
	}
}

// Records returns a copy of every record, ordered by base name then version.
func (s *Snapshot) Records() []Record {
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Len returns the number of records.
func (s *Snapshot) Len() int { return len(s.records) }

// ByFullIdentifier looks a record up by its complete identifier.
func (s *Snapshot) ByFullIdentifier(id pkgid.Identifier) (Record, bool) {
	i, ok := s.byKey[id.Key()]
	if !ok {
		return Record{}, false
	}
	return s.records[i], true
}

// ByBaseName returns all records sharing a base name, lowest version first.
func (s *Snapshot) ByBaseName(base string) []Record {
	positions := s.byBase[strings.ToLower(base)]
	out := make([]Record, 0, len(positions))
	for _, i := range positions {
		out = append(out, s.records[i])
	}
	return out
}

// Status reports the status of an identifier, StatusUnknown if never seen.
func (s *Snapshot) Status(id pkgid.Identifier) Status {
	rec, ok := s.ByFullIdentifier(id)
	if !ok {
		return StatusUnknown
	}
	return rec.Status
}

// Options configures an Index.
type Options struct {
	LibraryDir string
	ArchiveDir string   // optional directory of disabled packages
	SkipDirs   []string // directories never scanned, e.g. the backup root
}

// Index is the shared package index. It is safe for concurrent use.
type Index struct {
	opts   Options
	store  *store.Store
	logger *slog.Logger

	snap  atomic.Pointer[Snapshot]
	dirty atomic.Bool
	group singleflight.Group

	// writeMu serializes copy-on-write updates against each other.
	writeMu sync.Mutex
}

// New creates an empty index. st may be nil to skip persistence.
func New(opts Options, st *store.Store, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	idx := &Index{opts: opts, store: st, logger: logger}
	idx.snap.Store(newSnapshot(nil))
	idx.dirty.Store(true)
	return idx
}

// LibraryDir returns the directory holding loaded packages.
func (x *Index) LibraryDir() string { return x.opts.LibraryDir }

// Snapshot returns the current snapshot without rebuilding.
func (x *Index) Snapshot() *Snapshot { return x.snap.Load() }

// ByFullIdentifier looks up an identifier in the current snapshot.
func (x *Index) ByFullIdentifier(id pkgid.Identifier) (Record, bool) {
	return x.Snapshot().ByFullIdentifier(id)
}

// ByBaseName returns all versions of base in the current snapshot.
func (x *Index) ByBaseName(base string) []Record {
	return x.Snapshot().ByBaseName(base)
}

// Invalidate marks the index stale; the next Refresh rebuilds it.
func (x *Index) Invalidate() {
	x.dirty.Store(true)
}

// Stale reports whether Invalidate was called since the last rebuild.
func (x *Index) Stale() bool {
	return x.dirty.Load()
}

// Refresh rebuilds the index only if it is stale.
func (x *Index) Refresh(ctx context.Context) (*Snapshot, error) {
	if !x.dirty.Load() {
		return x.Snapshot(), nil
	}
	return x.Rebuild(ctx)
}

// Rebuild rescans the library and atomically installs the new snapshot.
// Concurrent callers share a single scan.
func (x *Index) Rebuild(ctx context.Context) (*Snapshot, error) {
	v, err, _ := x.group.Do("rebuild", func() (interface{}, error) {
		// Cleared before scanning so an Invalidate during the scan is not lost.
		x.dirty.Store(false)

		prev := x.Snapshot()
		if prev.Len() == 0 {
			prev = x.loadPersisted()
		}
		records, err := scan(ctx, x.opts, prev)
		if err != nil {
			x.dirty.Store(true)
			return nil, err
		}

		x.writeMu.Lock()
		next := newSnapshot(records)
		x.snap.Store(next)
		x.writeMu.Unlock()

		x.persist(next)
		x.logger.Debug("index rebuilt", "packages", next.Len())
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("rebuilding index: %w", err)
	}
	return v.(*Snapshot), nil
}

// Put adds or replaces a record without a full rescan, e.g. after a download completes.
func (x *Index) Put(rec Record) {
	if rec.IndexedAt.IsZero() {
		rec.IndexedAt = time.Now()
	}

	x.writeMu.Lock()
	cur := x.Snapshot()
	records := make([]Record, 0, cur.Len()+1)
	for _, r := range cur.records {
		if sameSlot(r, rec) {
			continue
		}
		records = append(records, r)
	}
	records = append(records, rec)
	next := newSnapshot(records)
	x.snap.Store(next)
	x.writeMu.Unlock()

	if x.store != nil && rec.Path != "" {
		row := toRow(rec)
		if err := x.store.UpsertPackage(&row); err != nil {
			x.logger.Warn("failed to persist package record", "package", rec.ID.String(), "error", err)
		}
	}
}

// MarkMissing records a declared package that is not present on disk.
// An existing loaded or archived record is left untouched.
func (x *Index) MarkMissing(id pkgid.Identifier) {
	if _, ok := x.ByFullIdentifier(id); ok {
		return
	}
	x.Put(Record{ID: id, Status: StatusMissing})
}

func sameSlot(a, b Record) bool {
	if a.Path != "" || b.Path != "" {
		return a.Path == b.Path
	}
	return a.ID.Key() == b.ID.Key()
}

func (x *Index) persist(s *Snapshot) {
	if x.store == nil {
		return
	}
	rows := make([]store.PackageRow, 0, s.Len())
	for _, rec := range s.records {
		if rec.Path == "" {
			continue
		}
		rows = append(rows, toRow(rec))
	}
	if err := x.store.ReplacePackages(rows); err != nil {
		x.logger.Warn("failed to persist index", "error", err)
	}
}

// loadPersisted returns the records saved by an earlier process, so a first
// scan keeps their IndexedAt times.
func (x *Index) loadPersisted() *Snapshot {
	if x.store == nil {
		return newSnapshot(nil)
	}
	rows, err := x.store.ListPackages("")
	if err != nil {
		x.logger.Warn("failed to load persisted index", "error", err)
		return newSnapshot(nil)
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, Record{
			ID:        pkgid.Parse(row.Identifier),
			Path:      row.Path,
			Status:    Status(row.Status),
			Size:      row.Size,
			ModTime:   row.ModTime,
			IndexedAt: row.IndexedAt,
		})
	}
	return newSnapshot(records)
}

func toRow(rec Record) store.PackageRow {
	return store.PackageRow{
		Key:        rec.ID.Key(),
		BaseKey:    rec.ID.BaseKey(),
		Identifier: rec.ID.String(),
		Path:       rec.Path,
		Status:     string(rec.Status),
		Size:       rec.Size,
		ModTime:    rec.ModTime,
		IndexedAt:  rec.IndexedAt,
	}
}

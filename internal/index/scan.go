package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/varpack/internal/pkgid"
)

// IsPackageFile reports whether name looks like a package archive.
func IsPackageFile(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), pkgid.ArchiveExt)
}

func scan(ctx context.Context, opts Options, prev *Snapshot) ([]Record, error) {
	previous := make(map[string]Record, prev.Len())
	for _, rec := range prev.records {
		if rec.Path != "" {
			previous[rec.Path] = rec
		}
	}

	skip := make(map[string]bool, len(opts.SkipDirs))
	for _, d := range opts.SkipDirs {
		if abs, err := filepath.Abs(d); err == nil {
			skip[abs] = true
		}
	}

	now := time.Now()
	var records []Record

	roots := []struct {
		dir    string
		status Status
	}{
		{opts.LibraryDir, StatusLoaded},
		{opts.ArchiveDir, StatusArchived},
	}
	for _, root := range roots {
		if root.dir == "" {
			continue
		}
		if abs, err := filepath.Abs(root.dir); err == nil && root.status == StatusLoaded && opts.ArchiveDir != "" {
			// The archive directory may live inside the library; it is scanned separately.
			if archAbs, err := filepath.Abs(opts.ArchiveDir); err == nil && archAbs != abs {
				skip[archAbs] = true
			}
		}

		err := filepath.WalkDir(root.dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && path == root.dir {
					return filepath.SkipDir
				}
				return err
			}
			if d.IsDir() {
				if path != root.dir {
					if abs, err := filepath.Abs(path); err == nil && skip[abs] {
						return filepath.SkipDir
					}
				}
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if !IsPackageFile(d.Name()) {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				// Vanished between readdir and stat.
				return nil
			}

			rec := Record{
				ID:        pkgid.Parse(d.Name()),
				Path:      path,
				Status:    root.status,
				Size:      info.Size(),
				ModTime:   info.ModTime(),
				IndexedAt: now,
			}
			if old, ok := previous[path]; ok && old.Size == rec.Size && old.ModTime.Equal(rec.ModTime) {
				rec.IndexedAt = old.IndexedAt
			}
			records = append(records, rec)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", root.dir, err)
		}
	}

	return records, nil
}

// Exists re-checks a record's backing file, ignoring what the index believes.
func Exists(rec Record) bool {
	if rec.Path == "" {
		return false
	}
	info, err := os.Stat(rec.Path)
	return err == nil && info.Mode().IsRegular()
}

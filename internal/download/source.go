package download

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/BadgerOps/varpack/internal/pkgid"
	"github.com/BadgerOps/varpack/internal/resolve"
)

// ErrDependencyUnavailable means the catalog does not offer the requested package.
var ErrDependencyUnavailable = errors.New("dependency unavailable")

// Stream is an open package body returned by a Source.
type Stream struct {
	Body     io.ReadCloser
	Size     int64  // 0 when unknown
	FileName string // archive file name, e.g. Creator.Name.12.var
	SHA256   string // hex digest, empty when the source does not publish one
}

// Source is the remote catalog the queue downloads from.
type Source interface {
	// IsAvailable reports whether ref, a base name or full identifier, can be fetched.
	IsAvailable(ctx context.Context, ref string) (bool, error)
	// Fetch opens the package body. A Latest or minimum requirement resolves to
	// the newest version the catalog carries.
	Fetch(ctx context.Context, id pkgid.Identifier) (*Stream, error)
}

// LocateFunc finds a package already present on disk.
type LocateFunc func(id pkgid.Identifier) (string, bool)

// DirLocator looks for the exact archive file name in dir. Only exact
// identifiers can be located this way.
func DirLocator(dir string) LocateFunc {
	return func(id pkgid.Identifier) (string, bool) {
		if id.Version.Kind != pkgid.Exact {
			return "", false
		}
		p := filepath.Join(dir, id.FileName())
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, true
		}
		return "", false
	}
}

// IndexLocator checks dir for the exact file first and then asks the index
// for any local version satisfying id. Every hit is confirmed on disk.
func IndexLocator(dir string, idx resolve.Lookup) LocateFunc {
	byName := DirLocator(dir)
	return func(id pkgid.Identifier) (string, bool) {
		if p, ok := byName(id); ok {
			return p, true
		}
		d := resolve.Declaration{Target: id.BaseName(), Requirement: id.Version, Raw: id.String()}
		rec, ok := resolve.FindLocalMatch(d, idx)
		if !ok {
			return "", false
		}
		return rec.Path, true
	}
}

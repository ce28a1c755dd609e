// Package safety keeps names that arrive from archives, catalogs and bundles
// from reaching outside the directory they are meant for.
package safety

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is wrapped by every rejection in this package.
var ErrUnsafePath = errors.New("unsafe path")

func rejectf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrUnsafePath}, args...)...)
}

// climbs reports whether a cleaned relative path leaves its base.
func climbs(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// CleanRelativePath normalizes p to the host separator. Empty, absolute and
// upward paths are rejected.
func CleanRelativePath(p string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(p))
	switch {
	case p == "" || clean == ".":
		return "", rejectf("empty path %q", p)
	case filepath.IsAbs(clean) || filepath.VolumeName(clean) != "":
		return "", rejectf("absolute path %q", p)
	case climbs(clean):
		return "", rejectf("%q leaves its directory", p)
	}
	return clean, nil
}

// SafeJoinUnder returns root/rel as an absolute path, provided rel is a
// clean relative path that stays below root.
func SafeJoinUnder(root, rel string) (string, error) {
	clean, err := CleanRelativePath(rel)
	if err != nil {
		return "", err
	}
	return EnsureUnderRoot(root, filepath.Join(root, clean))
}

// EnsureUnderRoot returns candidate as an absolute path if it lies at or
// below root.
func EnsureUnderRoot(root, candidate string) (string, error) {
	base, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(candidate)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil || climbs(rel) {
		return "", rejectf("%s is outside %s", candidate, root)
	}
	return abs, nil
}

// Package pkgid parses and compares package identifiers of the form
// Creator.Name.Version, where Version is a number, "latest", or "minN".
package pkgid

import (
	"fmt"
	"strconv"
	"strings"
)

// VersionKind distinguishes the three shapes a version requirement can take.
type VersionKind int

const (
	// MinimumInclusive accepts any version >= Number. Number 0 means "unversioned".
	MinimumInclusive VersionKind = iota
	// Exact accepts only Number.
	Exact
	// Latest accepts whatever is newest.
	Latest
)

func (k VersionKind) String() string {
	switch k {
	case Exact:
		return "exact"
	case Latest:
		return "latest"
	default:
		return "minimum"
	}
}

// VersionSpec is a tagged version: Exact(n), Latest, or MinimumInclusive(n).
type VersionSpec struct {
	Kind   VersionKind
	Number uint32
}

// ExactVersion returns Exact(n).
func ExactVersion(n uint32) VersionSpec { return VersionSpec{Kind: Exact, Number: n} }

// LatestVersion returns Latest.
func LatestVersion() VersionSpec { return VersionSpec{Kind: Latest} }

// MinVersion returns MinimumInclusive(n).
func MinVersion(n uint32) VersionSpec { return VersionSpec{Kind: MinimumInclusive, Number: n} }

// Unversioned reports whether the spec came from an identifier without a version segment.
func (v VersionSpec) Unversioned() bool {
	return v.Kind == MinimumInclusive && v.Number == 0
}

// Token renders the version as it appears in an identifier string.
// Unversioned specs render as "".
func (v VersionSpec) Token() string {
	switch v.Kind {
	case Exact:
		return strconv.FormatUint(uint64(v.Number), 10)
	case Latest:
		return "latest"
	default:
		if v.Number == 0 {
			return ""
		}
		return "min" + strconv.FormatUint(uint64(v.Number), 10)
	}
}

func (v VersionSpec) String() string {
	if v.Unversioned() {
		return "unversioned"
	}
	return v.Token()
}

// Identifier is a parsed package identifier.
type Identifier struct {
	Creator string
	Name    string
	Version VersionSpec
}

// BaseName returns Creator.Name without any version.
func (id Identifier) BaseName() string {
	if id.Creator == "" {
		return id.Name
	}
	return id.Creator + "." + id.Name
}

// BaseKey is the case-folded base name, used as the join key between
// packages and dependency declarations.
func (id Identifier) BaseKey() string {
	return strings.ToLower(id.BaseName())
}

// String renders the canonical identifier, e.g. "Creator.Name.7" or "Creator.Name.latest".
func (id Identifier) String() string {
	tok := id.Version.Token()
	if tok == "" {
		return id.BaseName()
	}
	return id.BaseName() + "." + tok
}

// Key is the case-folded full identifier.
func (id Identifier) Key() string {
	return strings.ToLower(id.String())
}

// FileName returns the archive file name for an exact identifier.
func (id Identifier) FileName() string {
	return id.String() + ArchiveExt
}

// IsZero reports whether the identifier has no base name.
func (id Identifier) IsZero() bool {
	return id.Creator == "" && id.Name == ""
}

// SameBase reports whether a and b share a base name, ignoring case and version.
func SameBase(a, b Identifier) bool {
	return strings.EqualFold(a.BaseName(), b.BaseName())
}

// ArchiveExt is the extension of package archives in a library.
const ArchiveExt = ".var"

var containerExts = []string{ArchiveExt, ".zip"}

// Parse turns raw into an Identifier. It never fails: input without a
// recognizable version segment is treated as unversioned (MinimumInclusive(0)),
// because manifests are only partially trusted and callers must keep working.
func Parse(raw string) Identifier {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	for _, ext := range containerExts {
		if strings.HasSuffix(lower, ext) && len(s) > len(ext) {
			s = s[:len(s)-len(ext)]
			lower = lower[:len(lower)-len(ext)]
			break
		}
	}

	if strings.HasSuffix(lower, ".latest") {
		return split(s[:len(s)-len(".latest")], LatestVersion())
	}

	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		seg := s[i+1:]
		if n, ok := parseNumber(seg); ok {
			return split(s[:i], ExactVersion(n))
		}
		if len(seg) > 3 && strings.EqualFold(seg[:3], "min") {
			if n, ok := parseNumber(seg[3:]); ok {
				return split(s[:i], MinVersion(n))
			}
		}
	}
	return split(s, MinVersion(0))
}

// BaseName is shorthand for Parse(raw).BaseName().
func BaseName(raw string) string {
	return Parse(raw).BaseName()
}

// New builds an identifier from a base name and version.
func New(base string, v VersionSpec) Identifier {
	return split(base, v)
}

// MustExact parses raw and fails if it does not carry an exact version.
// Intended for callers holding trusted file names.
func MustExact(raw string) (Identifier, error) {
	id := Parse(raw)
	if id.Version.Kind != Exact {
		return Identifier{}, fmt.Errorf("identifier %q has no exact version", raw)
	}
	return id, nil
}

func split(base string, v VersionSpec) Identifier {
	creator, name, found := strings.Cut(base, ".")
	if !found {
		return Identifier{Name: base, Version: v}
	}
	return Identifier{Creator: creator, Name: name, Version: v}
}

func parseNumber(seg string) (uint32, bool) {
	if seg == "" {
		return 0, false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(seg, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// Package resolve answers dependency questions against the package index:
// is a declaration satisfied locally, which local version is best, and which
// outstanding declarations a freshly downloaded package resolves.
package resolve

import (
	"strings"

	"github.com/BadgerOps/varpack/internal/index"
	"github.com/BadgerOps/varpack/internal/pkgid"
)

// Declaration is one dependency reference found inside a package.
type Declaration struct {
	Target       string // base name, Creator.Name
	Requirement  pkgid.VersionSpec
	Raw          string // reference exactly as written in the manifest
	Parent       *pkgid.Identifier
	UserDisabled bool // stripped by the operator; never checked or resolved
}

// NewDeclaration builds a declaration from a raw reference such as "Creator.Name.latest".
func NewDeclaration(raw string, parent *pkgid.Identifier) Declaration {
	id := pkgid.Parse(raw)
	return Declaration{
		Target:      id.BaseName(),
		Requirement: id.Version,
		Raw:         strings.TrimSpace(raw),
		Parent:      parent,
	}
}

// Identifier returns the declaration as an identifier.
func (d Declaration) Identifier() pkgid.Identifier {
	return pkgid.New(d.Target, d.Requirement)
}

// DisplayName renders base name plus version token, e.g. "Creator.Name.min3".
func (d Declaration) DisplayName() string {
	return d.Identifier().String()
}

// BaseKey is the case-folded target base name.
func (d Declaration) BaseKey() string {
	return strings.ToLower(d.Target)
}

// Lookup is the read side of the package index.
type Lookup interface {
	ByBaseName(base string) []index.Record
}

// IsSatisfiedBy reports whether candidate meets req. See pkgid.IsSatisfiedBy.
func IsSatisfiedBy(req pkgid.VersionSpec, candidate uint32) bool {
	return pkgid.IsSatisfiedBy(req, candidate)
}

// FindBestLocalMatch returns the highest installed version of base whose file
// exists right now. The index may lag behind the file system, so every
// candidate is re-checked on disk. Equal versions prefer the most recently
// indexed record.
func FindBestLocalMatch(base string, idx Lookup) (index.Record, bool) {
	return bestMatching(idx.ByBaseName(base), func(uint32) bool { return true })
}

// FindLocalMatch returns the best installed version satisfying d, if any.
func FindLocalMatch(d Declaration, idx Lookup) (index.Record, bool) {
	if d.Requirement.Kind == pkgid.Exact {
		return bestMatching(idx.ByBaseName(d.Target), func(v uint32) bool { return v == d.Requirement.Number })
	}
	return bestMatching(idx.ByBaseName(d.Target), func(v uint32) bool {
		return pkgid.IsSatisfiedBy(d.Requirement, v)
	})
}

// IsSatisfiedLocally reports whether a non-disabled declaration has a local match.
func IsSatisfiedLocally(d Declaration, idx Lookup) bool {
	if d.UserDisabled {
		return true
	}
	_, ok := FindLocalMatch(d, idx)
	return ok
}

func bestMatching(records []index.Record, accept func(uint32) bool) (index.Record, bool) {
	var (
		best  index.Record
		found bool
	)
	for _, rec := range records {
		if rec.Status != index.StatusLoaded || !accept(rec.ID.Version.Number) {
			continue
		}
		if !index.Exists(rec) {
			continue
		}
		if !found ||
			rec.ID.Version.Number > best.ID.Version.Number ||
			(rec.ID.Version.Number == best.ID.Version.Number && rec.IndexedAt.After(best.IndexedAt)) {
			best = rec
			found = true
		}
	}
	return best, found
}

// FindMatchingDeclarations returns the declarations resolved by a newly
// available package, most specific matches first: exact raw identifier, then
// displayed name, then base name with a satisfied requirement. Disabled
// declarations never match.
func FindMatchingDeclarations(downloaded pkgid.Identifier, decls []Declaration) []Declaration {
	full := downloaded.String()
	used := make([]bool, len(decls))
	var out []Declaration

	pass := func(match func(Declaration) bool) {
		for i, d := range decls {
			if used[i] || d.UserDisabled || !match(d) {
				continue
			}
			used[i] = true
			out = append(out, d)
		}
	}

	pass(func(d Declaration) bool { return strings.EqualFold(d.Raw, full) })
	pass(func(d Declaration) bool { return strings.EqualFold(d.DisplayName(), full) })
	pass(func(d Declaration) bool {
		return strings.EqualFold(d.Target, downloaded.BaseName()) &&
			pkgid.IsSatisfiedBy(d.Requirement, downloaded.Version.Number)
	})
	return out
}

// Unsatisfied filters decls down to enabled declarations with no local match.
// Declarations sharing a display name are reported once.
func Unsatisfied(decls []Declaration, idx Lookup) []Declaration {
	seen := make(map[string]bool)
	var out []Declaration
	for _, d := range decls {
		if d.UserDisabled {
			continue
		}
		key := strings.ToLower(d.DisplayName())
		if seen[key] {
			continue
		}
		seen[key] = true
		if !IsSatisfiedLocally(d, idx) {
			out = append(out, d)
		}
	}
	return out
}

package resolve

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BadgerOps/varpack/internal/pkgid"
	"github.com/BadgerOps/varpack/internal/varfile"
)

// maxDependencyDepth bounds recursion into nested dependency objects.
const maxDependencyDepth = 32

type metaDocument struct {
	Dependencies map[string]json.RawMessage `json:"dependencies"`
}

// DeclarationsFromMeta extracts every dependency declared in a meta.json
// document, including nested dependencies of dependencies. A reference that
// appears more than once is reported once, at its shallowest occurrence.
func DeclarationsFromMeta(meta []byte, parent *pkgid.Identifier) ([]Declaration, error) {
	var doc metaDocument
	if err := json.Unmarshal(meta, &doc); err != nil {
		return nil, fmt.Errorf("parsing meta.json: %w", err)
	}

	seen := make(map[string]bool)
	var out []Declaration

	level := doc.Dependencies
	for depth := 0; len(level) > 0 && depth < maxDependencyDepth; depth++ {
		next := make(map[string]json.RawMessage)
		for _, raw := range sortedKeys(level) {
			key := strings.ToLower(strings.TrimSpace(raw))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, NewDeclaration(raw, parent))

			var child metaDocument
			// Nested entries that are not objects carry no further dependencies.
			if err := json.Unmarshal(level[raw], &child); err == nil {
				for k, v := range child.Dependencies {
					if _, dup := next[k]; !dup {
						next[k] = v
					}
				}
			}
		}
		level = next
	}
	return out, nil
}

// ReadDeclarations opens a package archive and returns the dependencies its
// meta.json declares. The parent of every declaration is the package itself,
// as parsed from the file name.
func ReadDeclarations(archivePath string) ([]Declaration, error) {
	zr, err := varfile.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", archivePath, err)
	}
	defer zr.Close()

	meta, err := varfile.ReadNamed(&zr.Reader, varfile.MetaEntry)
	if err != nil {
		return nil, fmt.Errorf("reading manifest of %s: %w", archivePath, err)
	}
	parent := pkgid.Parse(filepath.Base(archivePath))
	return DeclarationsFromMeta(meta, &parent)
}

// Disable marks every declaration whose target is in bases as user-disabled.
func Disable(decls []Declaration, bases []string) []Declaration {
	if len(bases) == 0 {
		return decls
	}
	off := make(map[string]bool, len(bases))
	for _, b := range bases {
		off[strings.ToLower(pkgid.BaseName(b))] = true
	}
	out := make([]Declaration, len(decls))
	for i, d := range decls {
		if off[d.BaseKey()] {
			d.UserDisabled = true
		}
		out[i] = d
	}
	return out
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

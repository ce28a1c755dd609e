package repack

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/BadgerOps/varpack/internal/pkgid"
)

// ConflictPolicy decides what happens when an unrelated file already occupies
// the backup or output location.
type ConflictPolicy int

const (
	// ConflictRename writes to a timestamp-suffixed alternate name.
	ConflictRename ConflictPolicy = iota
	// ConflictOverwrite replaces the existing file.
	ConflictOverwrite
)

func (p ConflictPolicy) String() string {
	if p == ConflictOverwrite {
		return "overwrite"
	}
	return "rename"
}

// ParseConflictPolicy accepts "rename" (the default for "") or "overwrite".
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rename":
		return ConflictRename, nil
	case "overwrite":
		return ConflictOverwrite, nil
	}
	return 0, fmt.Errorf("unknown conflict policy %q (want rename or overwrite)", s)
}

// NoChangePolicy decides what an already-optimized package with nothing left
// to do turns into.
type NoChangePolicy int

const (
	// NoChangeSkip performs no I/O at all.
	NoChangeSkip NoChangePolicy = iota
	// NoChangeRefreshMarker rewrites the archive with only the marker timestamp updated.
	NoChangeRefreshMarker
)

func (p NoChangePolicy) String() string {
	if p == NoChangeRefreshMarker {
		return "refresh-marker"
	}
	return "skip"
}

// ParseNoChangePolicy accepts "skip" (the default for "") or "refresh-marker".
func ParseNoChangePolicy(s string) (NoChangePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return NoChangeSkip, nil
	case "refresh-marker", "refresh":
		return NoChangeRefreshMarker, nil
	}
	return 0, fmt.Errorf("unknown no-change policy %q (want skip or refresh-marker)", s)
}

// DefaultJPEGQuality is used when Config.JPEGQuality is zero.
const DefaultJPEGQuality = 90

// Config is the complete set of transformations for one package. It is built
// once, passed by value, and never modified by the engine.
type Config struct {
	// Textures maps an entry path to its maximum dimension in pixels.
	Textures map[string]int
	// DefaultTextureSize caps every image entry not listed in Textures. Zero disables.
	DefaultTextureSize int
	// SceneSettings maps a document field name to its numeric value. Booleans use 0 and 1.
	SceneSettings map[string]float64
	// StripDependencies lists base names removed from the manifest.
	StripDependencies []string
	// RelatchDependencies lists base names whose references are rewritten to .latest.
	RelatchDependencies []string
	// Minify re-serializes structured documents without whitespace.
	Minify      bool
	JPEGQuality int
	Conflict    ConflictPolicy
	NoChange    NoChangePolicy
	// OutputPath is where the rewritten archive goes. Empty rewrites in place.
	OutputPath string
}

// Validate checks the config for contradictions.
func (c Config) Validate() error {
	stripped := baseSet(c.StripDependencies)
	var both []string
	for key := range baseSet(c.RelatchDependencies) {
		if stripped[key] {
			both = append(both, key)
		}
	}
	if len(both) > 0 {
		sort.Strings(both)
		return fmt.Errorf("dependencies cannot be both stripped and relatched: %s", strings.Join(both, ", "))
	}
	if c.JPEGQuality < 0 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg quality %d out of range 1-100", c.JPEGQuality)
	}
	if c.DefaultTextureSize < 0 {
		return fmt.Errorf("default texture size must not be negative")
	}
	for p, size := range c.Textures {
		if size < 0 {
			return fmt.Errorf("texture %s: size must not be negative", p)
		}
	}
	return nil
}

func (c Config) jpegQuality() int {
	if c.JPEGQuality == 0 {
		return DefaultJPEGQuality
	}
	return c.JPEGQuality
}

// textureTarget returns the size limit for an image entry, 0 when none applies.
func (c Config) textureTarget(entry string) int {
	want := normalizeEntry(entry)
	for p, size := range c.Textures {
		if normalizeEntry(p) == want {
			return size
		}
	}
	return c.DefaultTextureSize
}

// touchesDocuments reports whether structured documents other than the manifest need parsing.
func (c Config) touchesDocuments() bool {
	return len(c.SceneSettings) > 0 || len(c.RelatchDependencies) > 0 || c.Minify
}

func normalizeEntry(p string) string {
	return strings.ToLower(path.Clean(strings.TrimPrefix(strings.ReplaceAll(p, "\\", "/"), "/")))
}

func baseSet(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out[strings.ToLower(pkgid.BaseName(n))] = true
		}
	}
	return out
}

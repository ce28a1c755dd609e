package repack

import (
	"fmt"
	"path"
	"strings"

	"github.com/BadgerOps/varpack/internal/pkgid"
)

// optimizedField is the reserved manifest field marking a processed package.
const optimizedField = "_varpackOptimized"

var documentExts = map[string]bool{
	".json": true,
	".vap":  true, // presets
	".vaj":  true, // clothing and hair descriptors
	".vam":  true,
}

func isDocument(name string) bool {
	return documentExts[strings.ToLower(path.Ext(name))]
}

func isManifest(name string) bool {
	return strings.EqualFold(strings.TrimPrefix(name, "/"), "meta.json")
}

// applySceneSettings rewrites every member named in settings whose current
// numeric value differs from the target.
func applySceneSettings(root *node, settings map[string]float64) []string {
	if len(settings) == 0 {
		return nil
	}
	var changes []string
	root.walk(func(key string, v *node) {
		target, ok := settings[key]
		if !ok || key == "" {
			return
		}
		cur, ok := v.number()
		if !ok || cur == target {
			return
		}
		v.setNumber(target)
		changes = append(changes, fmt.Sprintf("%s %s -> %s", key, formatNumber(cur), formatNumber(target)))
	})
	return changes
}

func formatNumber(f float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.4f", f), "0"), ".")
}

// relatchReferences rewrites embedded references such as
// "Creator.Name.12:/Custom/file.vam" to "Creator.Name.latest:/Custom/file.vam"
// for the listed base names.
func relatchReferences(root *node, bases map[string]bool) []string {
	if len(bases) == 0 {
		return nil
	}
	var changes []string
	root.walk(func(_ string, v *node) {
		s, ok := v.str()
		if !ok {
			return
		}
		if out, changed := relatchString(s, bases); changed {
			v.raw = quote(out)
			changes = append(changes, fmt.Sprintf("%s -> %s", refPrefix(s), refPrefix(out)))
		}
	})
	return changes
}

func relatchString(s string, bases map[string]bool) (string, bool) {
	i := strings.Index(s, ":/")
	if i <= 0 {
		return s, false
	}
	id := pkgid.Parse(s[:i])
	if id.Version.Kind != pkgid.Exact || !bases[id.BaseKey()] {
		return s, false
	}
	return id.BaseName() + ".latest" + s[i:], true
}

func refPrefix(s string) string {
	if i := strings.Index(s, ":/"); i > 0 {
		return s[:i]
	}
	return s
}

// editDependencies strips and relatches declarations in a manifest's
// dependency tree, at every nesting level.
func editDependencies(root *node, strip, relatch map[string]bool) []string {
	deps := root.get("dependencies")
	if deps == nil || deps.kind != objectNode {
		return nil
	}
	return editDependencyLevel(deps, strip, relatch, 0)
}

func editDependencyLevel(deps *node, strip, relatch map[string]bool, depth int) []string {
	if depth > 32 {
		return nil
	}
	var changes []string
	present := make(map[string]bool, len(deps.members))
	for _, m := range deps.members {
		present[strings.ToLower(m.key)] = true
	}

	kept := deps.members[:0]
	for _, m := range deps.members {
		id := pkgid.Parse(m.key)
		if strip[id.BaseKey()] {
			changes = append(changes, "stripped dependency "+m.key)
			continue
		}
		if relatch[id.BaseKey()] && id.Version.Kind != pkgid.Latest {
			latest := id.BaseName() + ".latest"
			if present[strings.ToLower(latest)] {
				// Already declared at .latest at this level; the versioned duplicate goes.
				changes = append(changes, fmt.Sprintf("relatched dependency %s (merged into %s)", m.key, latest))
				continue
			}
			present[strings.ToLower(latest)] = true
			changes = append(changes, fmt.Sprintf("relatched dependency %s -> %s", m.key, latest))
			m.key = latest
		}
		if nested := m.value.get("dependencies"); nested != nil && nested.kind == objectNode {
			changes = append(changes, editDependencyLevel(nested, strip, relatch, depth+1)...)
		}
		kept = append(kept, m)
	}
	deps.members = kept
	return changes
}

func markOptimized(root *node) {
	if root.kind != objectNode {
		return
	}
	root.set(optimizedField, &node{kind: scalarNode, raw: []byte("true")})
}

func manifestOptimized(root *node) bool {
	v := root.get(optimizedField)
	return v != nil && string(v.raw) == "true"
}

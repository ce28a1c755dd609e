package safety

import (
	"path"
	"path/filepath"
	"strings"
)

// MirrorPath maps a file under srcRoot to the same relative location under
// dstRoot. Files outside srcRoot are placed at the top of dstRoot.
func MirrorPath(srcRoot, dstRoot, file string) (string, error) {
	rel := filepath.Base(file)
	if srcRoot != "" {
		if under, err := EnsureUnderRoot(srcRoot, file); err == nil {
			rootAbs, _ := filepath.Abs(srcRoot)
			if r, err := filepath.Rel(rootAbs, under); err == nil && r != "." {
				rel = r
			}
		}
	}
	return SafeJoinUnder(dstRoot, rel)
}

// CleanEntryName validates an archive entry name. Entry names always use
// forward slashes and must stay inside the archive root.
func CleanEntryName(name string) (string, error) {
	if name == "" {
		return "", rejectf("empty entry name")
	}
	if strings.Contains(name, "\\") {
		name = strings.ReplaceAll(name, "\\", "/")
	}
	if strings.HasPrefix(name, "/") || filepath.VolumeName(name) != "" {
		return "", rejectf("absolute entry name %q", name)
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", rejectf("entry %q leaves the archive root", name)
	}
	return clean, nil
}

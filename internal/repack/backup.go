package repack

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const conflictTimeFormat = "20060102-150405"

// resolveConflict picks the path to write to when target may already exist.
// It returns target itself unless the policy is rename and target is taken.
func resolveConflict(target string, policy ConflictPolicy, now time.Time) (string, bool, error) {
	_, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return target, false, nil
	}
	if err != nil {
		return "", false, err
	}
	if policy == ConflictOverwrite {
		return target, false, nil
	}
	alt, err := alternateName(target, now)
	return alt, true, err
}

// alternateName inserts a timestamp before the extension, adding a counter
// when that name is also taken: Pkg.1-20240102-150405.var, Pkg.1-20240102-150405-2.var.
func alternateName(target string, now time.Time) (string, error) {
	ext := filepath.Ext(target)
	stem := strings.TrimSuffix(target, ext) + "-" + now.Format(conflictTimeFormat)
	for n := 1; n < 1000; n++ {
		candidate := stem + ext
		if n > 1 {
			candidate = fmt.Sprintf("%s-%d%s", stem, n, ext)
		}
		if _, err := os.Stat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no free alternate name for %s", target)
}

// copyFile copies src to dst byte for byte. The copy is written next to dst
// and renamed into place so dst is never left half-written.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := io.Copy(tmp, in); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if info, err := in.Stat(); err == nil {
		_ = os.Chtimes(tmpName, info.ModTime(), info.ModTime())
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// sameContent compares two files by size and SHA-256.
func sameContent(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	if ai.Size() != bi.Size() {
		return false, nil
	}
	ha, err := fileHash(a)
	if err != nil {
		return false, err
	}
	hb, err := fileHash(b)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}

func fileHash(path string) ([32]byte, error) {
	var sum [32]byte
	f, err := os.Open(path)
	if err != nil {
		return sum, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/varpack/internal/pkgid"
)

// BuildIndex walks dir for package archives and describes each one. File
// paths in the result are relative to dir with forward slashes. Files whose
// names do not carry an exact version are ignored.
func BuildIndex(dir string, now time.Time) (*Index, error) {
	ix := &Index{GeneratedAt: now.UTC()}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(p), pkgid.ArchiveExt) {
			return nil
		}
		id, err := pkgid.MustExact(d.Name())
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		size, sum, err := describeFile(p)
		if err != nil {
			return err
		}
		ix.Packages = append(ix.Packages, Entry{
			ID:     id.String(),
			File:   filepath.ToSlash(rel),
			Size:   size,
			SHA256: sum,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("indexing %s: %w", dir, err)
	}
	ix.Sort()
	return ix, nil
}

func describeFile(p string) (int64, string, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", fmt.Errorf("hashing %s: %w", p, err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// Package catalog reads and writes the package index a remote catalog
// publishes, and implements download.Source over HTTP.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/BadgerOps/varpack/internal/pkgid"
	"github.com/BadgerOps/varpack/internal/safety"
)

// maxIndexSize bounds a decompressed index.
const maxIndexSize = 256 << 20

// Entry describes one package version offered by a catalog.
type Entry struct {
	ID     string `json:"id"`   // Creator.Name.Version
	File   string `json:"file"` // path under files/
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256,omitempty"`
}

// Index is the document served at <base>/index.json.
type Index struct {
	GeneratedAt time.Time `json:"generated_at"`
	Packages    []Entry   `json:"packages"`
}

// Lookup returns the entry that best serves id: the exact version for an
// exact identifier, otherwise the highest satisfying version.
func (ix *Index) Lookup(id pkgid.Identifier) (Entry, bool) {
	var (
		best    Entry
		bestVer uint32
		found   bool
	)
	for _, e := range ix.Packages {
		cand := pkgid.Parse(e.ID)
		if cand.Version.Kind != pkgid.Exact || !pkgid.SameBase(cand, id) {
			continue
		}
		if !pkgid.IsSatisfiedBy(id.Version, cand.Version.Number) {
			continue
		}
		if !found || cand.Version.Number > bestVer {
			best, bestVer, found = e, cand.Version.Number, true
		}
	}
	return best, found
}

// Sort orders entries by identifier so encoded indexes are stable.
func (ix *Index) Sort() {
	sort.Slice(ix.Packages, func(i, j int) bool {
		a, b := pkgid.Parse(ix.Packages[i].ID), pkgid.Parse(ix.Packages[j].ID)
		if a.BaseKey() != b.BaseKey() {
			return a.BaseKey() < b.BaseKey()
		}
		return a.Version.Number < b.Version.Number
	})
}

// Compression names accepted by Encode.
const (
	CompressionNone = ""
	CompressionZstd = "zst"
	CompressionXZ   = "xz"
)

// Encode serializes the index, optionally compressed.
func Encode(ix *Index, compression string) ([]byte, error) {
	data, err := json.Marshal(ix)
	if err != nil {
		return nil, err
	}
	switch compression {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case CompressionXZ:
		var buf bytes.Buffer
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown compression %q", compression)
}

// Decode parses an index document. Compression is detected by magic number,
// so a catalog may serve zstd, xz, gzip or plain JSON at the same URL.
func Decode(data []byte) (*Index, error) {
	plain, err := decompress(data)
	if err != nil {
		return nil, err
	}
	var ix Index
	if err := json.Unmarshal(plain, &ix); err != nil {
		return nil, fmt.Errorf("parsing catalog index: %w", err)
	}
	for i, e := range ix.Packages {
		if strings.TrimSpace(e.ID) == "" {
			return nil, fmt.Errorf("catalog entry %d has no id", i)
		}
	}
	return &ix, nil
}

func decompress(data []byte) ([]byte, error) {
	if len(data) < 6 {
		return data, nil
	}

	// Zstd magic number: 28 b5 2f fd
	if data[0] == 0x28 && data[1] == 0xb5 && data[2] == 0x2f && data[3] == 0xfd {
		decoder, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		defer decoder.Close()
		return readLimited(decoder, "zstd")
	}

	// XZ magic number: fd 37 7a 58 5a 00
	if data[0] == 0xfd && data[1] == 0x37 && data[2] == 0x7a &&
		data[3] == 0x58 && data[4] == 0x5a && data[5] == 0x00 {
		reader, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("creating xz reader: %w", err)
		}
		return readLimited(reader, "xz")
	}

	// Gzip magic number: 1f 8b
	if data[0] == 0x1f && data[1] == 0x8b {
		reader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		defer reader.Close()
		return readLimited(reader, "gzip")
	}

	return data, nil
}

func readLimited(r io.Reader, format string) ([]byte, error) {
	out, err := safety.ReadAllWithLimit(r, maxIndexSize)
	if err != nil {
		if errors.Is(err, safety.ErrBodyTooLarge) {
			return nil, fmt.Errorf("%s index exceeded %d bytes after decompression: %w", format, maxIndexSize, err)
		}
		return nil, fmt.Errorf("decompressing %s index: %w", format, err)
	}
	return out, nil
}

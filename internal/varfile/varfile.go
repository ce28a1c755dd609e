// Package varfile opens and creates package archives. Archives are plain zip
// files; Deflate is served by klauspost/compress for speed on large texture
// packs.
package varfile

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/klauspost/compress/flate"
)

// MetaEntry is the manifest every package carries at its root.
const MetaEntry = "meta.json"

// maxEntrySize bounds how much of a single entry is read into memory.
const maxEntrySize = 512 << 20

// Open opens an archive for reading.
func Open(path string) (*zip.ReadCloser, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	RegisterReader(&zr.Reader)
	return zr, nil
}

// RegisterReader installs the Deflate decompressor on r.
func RegisterReader(r *zip.Reader) {
	r.RegisterDecompressor(zip.Deflate, func(in io.Reader) io.ReadCloser {
		return flate.NewReader(in)
	})
}

// NewWriter returns a zip writer using the fast Deflate implementation.
func NewWriter(w io.Writer, level int) *zip.Writer {
	if level == 0 {
		level = flate.DefaultCompression
	}
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})
	return zw
}

// Find returns the entry whose name matches name, ignoring case and a leading slash.
func Find(r *zip.Reader, name string) (*zip.File, bool) {
	want := strings.TrimPrefix(name, "/")
	for _, f := range r.File {
		if strings.EqualFold(strings.TrimPrefix(f.Name, "/"), want) {
			return f, true
		}
	}
	return nil, false
}

// ReadFile reads an entry fully. Entries over the size bound are refused.
func ReadFile(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxEntrySize {
		return nil, fmt.Errorf("entry %s is %d bytes, over the %d byte limit", f.Name, f.UncompressedSize64, maxEntrySize)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
}

// ReadNamed reads the entry called name from r.
func ReadNamed(r *zip.Reader, name string) ([]byte, error) {
	f, ok := Find(r, name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
	}
	return ReadFile(f)
}

package engine

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	// ManifestName is the bundle manifest written next to the archives.
	ManifestName = "varpack-manifest.json"
	// ReadmeName is the human-readable note for whoever carries the media.
	ReadmeName      = "TRANSFER-README.txt"
	manifestVersion = "1.0"
)

// BundleManifest describes a complete library export.
type BundleManifest struct {
	Version       string            `json:"version"`
	Created       time.Time         `json:"created"`
	SourceHost    string            `json:"source_host"`
	Archives      []ManifestArchive `json:"archives"`
	TotalArchives int               `json:"total_archives"`
	TotalSize     int64             `json:"total_size"`
	Packages      []ManifestPackage `json:"packages"`
}

// ManifestArchive describes a single split archive in the export.
type ManifestArchive struct {
	Name   string   `json:"name"`
	Size   int64    `json:"size"`
	SHA256 string   `json:"sha256"`
	Files  []string `json:"files"`
}

// ManifestPackage is one package in the inventory. Path is relative to the
// library root, with forward slashes.
type ManifestPackage struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// ParseSize parses a human-readable size like "4GB" or "700MiB" into bytes.
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("size must be positive: %q", s)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size too large: %q", s)
	}
	return int64(n), nil
}

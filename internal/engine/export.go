package engine

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"

	"github.com/BadgerOps/varpack/internal/index"
	"github.com/BadgerOps/varpack/internal/pkgid"
	"github.com/BadgerOps/varpack/internal/store"
)

// Library moves whole libraries between hosts as split tar.zst bundles.
type Library struct {
	index  *index.Index
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLibrary creates a bundle manager for the library behind idx. st may be nil.
func NewLibrary(idx *index.Index, st *store.Store, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{index: idx, store: st, logger: logger, now: time.Now}
}

// ExportOptions configures an export operation.
type ExportOptions struct {
	OutputDir string
	SplitSize int64
	// Packages limits the export; empty means every loaded package.
	Packages []pkgid.Identifier
}

// ExportReport summarizes a completed export.
type ExportReport struct {
	Archives      []ArchiveInfo
	TotalPackages int
	TotalSize     int64
	ManifestPath  string
	Duration      time.Duration
}

// ArchiveInfo describes one split archive.
type ArchiveInfo struct {
	Name   string
	Size   int64
	SHA256 string
	Files  []string
}

type exportEntry struct {
	id      pkgid.Identifier
	relPath string // slash-separated, relative to the library root
	absPath string
	size    int64
}

// Export writes split tar.zst archives of the library plus a manifest,
// sha256 sidecars and a README into opts.OutputDir.
func (l *Library) Export(ctx context.Context, opts ExportOptions) (*ExportReport, error) {
	startTime := time.Now()

	if opts.SplitSize <= 0 {
		return nil, fmt.Errorf("split size must be positive")
	}
	if _, err := l.index.Refresh(ctx); err != nil {
		return nil, err
	}
	entries, err := l.exportEntries(opts.Packages)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no packages to export")
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	archiveNum := 1
	currentSize := int64(0)
	var archives []ArchiveInfo
	var currentFiles []string

	var tarWriter *tar.Writer
	var zstdWriter *zstd.Encoder
	var archiveFile *os.File
	var archivePath string

	openArchive := func() error {
		name := fmt.Sprintf("varpack-bundle-%03d.tar.zst", archiveNum)
		archivePath = filepath.Join(opts.OutputDir, name)

		var err error
		archiveFile, err = os.Create(archivePath)
		if err != nil {
			return fmt.Errorf("creating archive %s: %w", name, err)
		}
		// Package archives are already deflated; the fastest level loses little.
		zstdWriter, err = zstd.NewWriter(archiveFile, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			_ = archiveFile.Close()
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		tarWriter = tar.NewWriter(zstdWriter)
		currentFiles = nil
		currentSize = 0
		return nil
	}

	abort := func() {
		if tarWriter != nil {
			_ = tarWriter.Close()
			_ = zstdWriter.Close()
			_ = archiveFile.Close()
		}
	}

	closeArchive := func() (*ArchiveInfo, error) {
		if tarWriter == nil {
			return nil, nil
		}
		if err := tarWriter.Close(); err != nil {
			return nil, fmt.Errorf("closing tar writer: %w", err)
		}
		if err := zstdWriter.Close(); err != nil {
			return nil, fmt.Errorf("closing zstd writer: %w", err)
		}
		if err := archiveFile.Close(); err != nil {
			return nil, fmt.Errorf("closing archive file: %w", err)
		}

		hash, size, err := hashFile(archivePath)
		if err != nil {
			return nil, fmt.Errorf("hashing archive: %w", err)
		}
		name := filepath.Base(archivePath)
		if err := writeSidecar(archivePath, hash); err != nil {
			return nil, err
		}

		tarWriter = nil
		zstdWriter = nil
		archiveFile = nil
		archiveNum++
		return &ArchiveInfo{Name: name, Size: size, SHA256: hash, Files: currentFiles}, nil
	}

	if err := openArchive(); err != nil {
		return nil, err
	}

	inventory := make([]ManifestPackage, 0, len(entries))
	var totalSize int64
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			abort()
			return nil, err
		}

		// Roll over when this package would exceed the split size, unless
		// the archive is still empty: a package larger than the split goes alone.
		if currentSize > 0 && currentSize+e.size > opts.SplitSize {
			info, err := closeArchive()
			if err != nil {
				return nil, err
			}
			archives = append(archives, *info)
			if err := openArchive(); err != nil {
				return nil, err
			}
		}

		sum, n, err := addFileToTar(tarWriter, e.absPath, e.relPath)
		if err != nil {
			abort()
			return nil, fmt.Errorf("adding %s to archive: %w", e.relPath, err)
		}
		currentFiles = append(currentFiles, e.relPath)
		currentSize += n
		totalSize += n
		inventory = append(inventory, ManifestPackage{ID: e.id.String(), Path: e.relPath, Size: n, SHA256: sum})
	}

	info, err := closeArchive()
	if err != nil {
		return nil, err
	}
	if info != nil {
		archives = append(archives, *info)
	}

	hostname, _ := os.Hostname()
	manifest := &BundleManifest{
		Version:       manifestVersion,
		Created:       l.now().UTC(),
		SourceHost:    hostname,
		Archives:      archivesToManifest(archives),
		TotalArchives: len(archives),
		TotalSize:     totalSize,
		Packages:      inventory,
	}

	manifestPath := filepath.Join(opts.OutputDir, ManifestName)
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath, manifestData, 0o644); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}
	manifestHash, _, err := hashFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("hashing manifest: %w", err)
	}
	if err := writeSidecar(manifestPath, manifestHash); err != nil {
		return nil, err
	}

	readmePath := filepath.Join(opts.OutputDir, ReadmeName)
	if err := os.WriteFile(readmePath, []byte(generateTransferReadme(manifest)), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", ReadmeName, err)
	}

	if l.store != nil {
		transfer := &store.Transfer{
			Direction:    "export",
			Path:         opts.OutputDir,
			PackageCount: len(inventory),
			ArchiveCount: len(archives),
			TotalSize:    totalSize,
			ManifestHash: manifestHash,
			Status:       "completed",
			StartTime:    startTime,
			EndTime:      time.Now(),
		}
		if err := l.store.CreateTransfer(transfer); err != nil {
			l.logger.Warn("failed to record transfer in store", "error", err)
		}
	}

	duration := time.Since(startTime)
	l.logger.Info("export completed",
		"archives", len(archives),
		"packages", len(inventory),
		"total_size", totalSize,
		"duration", duration,
	)

	return &ExportReport{
		Archives:      archives,
		TotalPackages: len(inventory),
		TotalSize:     totalSize,
		ManifestPath:  manifestPath,
		Duration:      duration,
	}, nil
}

// exportEntries picks the loaded records to export, in index order.
func (l *Library) exportEntries(want []pkgid.Identifier) ([]exportEntry, error) {
	root := l.index.LibraryDir()
	wanted := make(map[string]bool, len(want))
	for _, id := range want {
		wanted[id.Key()] = true
	}
	found := make(map[string]bool, len(want))

	var out []exportEntry
	for _, rec := range l.index.Snapshot().Records() {
		if rec.Status != index.StatusLoaded || rec.Path == "" {
			continue
		}
		if len(wanted) > 0 {
			if !wanted[rec.ID.Key()] {
				continue
			}
			found[rec.ID.Key()] = true
		}
		if !index.Exists(rec) {
			l.logger.Warn("package in index but not on disk, skipping", "path", rec.Path)
			continue
		}
		rel, err := filepath.Rel(root, rec.Path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			l.logger.Warn("package outside library root, skipping", "path", rec.Path)
			continue
		}
		out = append(out, exportEntry{id: rec.ID, relPath: filepath.ToSlash(rel), absPath: rec.Path, size: rec.Size})
	}
	for _, id := range want {
		if !found[id.Key()] {
			return nil, fmt.Errorf("package %s is not in the library", id)
		}
	}
	return out, nil
}

// addFileToTar adds a single file to a tar archive and returns its sha256
// and size as written.
func addFileToTar(tw *tar.Writer, srcPath, tarPath string) (string, int64, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	stat, err := f.Stat()
	if err != nil {
		return "", 0, err
	}

	header := &tar.Header{
		Name:     tarPath,
		Typeflag: tar.TypeReg,
		Size:     stat.Size(),
		Mode:     int64(stat.Mode().Perm()),
		ModTime:  stat.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return "", 0, err
	}
	h := sha256.New()
	n, err := io.Copy(tw, io.TeeReader(f, h))
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// hashFile computes the SHA256 of a file, returning hex string and size.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// writeSidecar writes "<hash>  <name>\n" to path.sha256, the sha256sum format.
func writeSidecar(path, hash string) error {
	content := fmt.Sprintf("%s  %s\n", hash, filepath.Base(path))
	if err := os.WriteFile(path+".sha256", []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing sha256 sidecar: %w", err)
	}
	return nil
}

func archivesToManifest(archives []ArchiveInfo) []ManifestArchive {
	result := make([]ManifestArchive, len(archives))
	for i, a := range archives {
		result[i] = ManifestArchive(a)
	}
	return result
}

// generateTransferReadme creates the human-readable README for transfer media.
func generateTransferReadme(m *BundleManifest) string {
	var b strings.Builder
	b.WriteString("VARPACK LIBRARY BUNDLE\n")
	b.WriteString("======================\n")
	b.WriteString(fmt.Sprintf("Created: %s\n", m.Created.Format("2006-01-02 15:04 UTC")))
	b.WriteString(fmt.Sprintf("Source: %s\n", m.SourceHost))
	b.WriteString(fmt.Sprintf("Archives: %d parts\n", m.TotalArchives))
	b.WriteString(fmt.Sprintf("Total size: %s\n", humanize.IBytes(uint64(m.TotalSize))))
	b.WriteString(fmt.Sprintf("Packages: %d\n", len(m.Packages)))
	b.WriteString("\nTO IMPORT:\n")
	b.WriteString("1. Copy this directory to the target machine\n")
	b.WriteString("2. Run: varpack import --from <this directory>\n")
	b.WriteString("3. Every archive is checked against its sha256 before anything is extracted\n")
	b.WriteString("\nIF AN ARCHIVE IS CORRUPT:\n")
	b.WriteString("- The import names the archive(s) that failed\n")
	b.WriteString("- Re-copy only those archives and re-run the import\n")
	return b.String()
}

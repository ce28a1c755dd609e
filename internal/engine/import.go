package engine

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/BadgerOps/varpack/internal/safety"
	"github.com/BadgerOps/varpack/internal/store"
)

// ImportOptions configures an import operation.
type ImportOptions struct {
	SourceDir  string
	VerifyOnly bool
	// Force skips checksum validation.
	Force bool
	// SkipValidated skips archives this store already validated and extracted.
	SkipValidated bool
}

// ImportReport summarizes a completed import.
type ImportReport struct {
	ArchivesValidated int
	ArchivesFailed    int
	ArchivesSkipped   int
	FilesExtracted    int
	TotalSize         int64
	Duration          time.Duration
	Errors            []string
}

// Import validates a bundle written by Export and extracts it into the library.
// No archive is extracted unless every archive passes validation.
func (l *Library) Import(ctx context.Context, opts ImportOptions) (*ImportReport, error) {
	startTime := time.Now()

	manifestPath := filepath.Join(opts.SourceDir, ManifestName)
	manifestData, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var manifest BundleManifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	l.logger.Info("import starting",
		"source", opts.SourceDir,
		"archives", manifest.TotalArchives,
		"packages", len(manifest.Packages),
	)

	for _, arch := range manifest.Archives {
		archPath, err := safety.SafeJoinUnder(opts.SourceDir, arch.Name)
		if err != nil {
			return nil, fmt.Errorf("manifest archive name %q: %w", arch.Name, err)
		}
		if _, err := os.Stat(archPath); errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("archive not found: %s", arch.Name)
		}
	}

	transfer := &store.Transfer{
		Direction: "import",
		Path:      opts.SourceDir,
		Status:    "running",
		StartTime: startTime,
	}
	if l.store != nil {
		if err := l.store.CreateTransfer(transfer); err != nil {
			l.logger.Warn("failed to record transfer", "error", err)
		}
	}
	finish := func(status, msg string, report *ImportReport) {
		report.Duration = time.Since(startTime)
		if l.store == nil || transfer.ID == 0 {
			return
		}
		transfer.Status = status
		transfer.ErrorMessage = msg
		transfer.ArchiveCount = report.ArchivesValidated
		transfer.PackageCount = report.FilesExtracted
		transfer.TotalSize = report.TotalSize
		transfer.EndTime = time.Now()
		if err := l.store.UpdateTransfer(transfer); err != nil {
			l.logger.Warn("failed to update transfer", "error", err)
		}
	}

	report := &ImportReport{}
	skipped := make(map[string]bool)

	for _, arch := range manifest.Archives {
		if err := ctx.Err(); err != nil {
			finish("failed", err.Error(), report)
			return nil, err
		}
		archPath := filepath.Join(opts.SourceDir, arch.Name)

		if !opts.Force {
			if opts.SkipValidated && l.store != nil {
				already, err := l.store.IsArchiveValidated(opts.SourceDir, arch.Name, arch.SHA256)
				if err != nil {
					l.logger.Warn("failed to check archive validation status", "name", arch.Name, "error", err)
				} else if already {
					l.logger.Info("archive previously validated, skipping", "name", arch.Name)
					report.ArchivesSkipped++
					report.ArchivesValidated++
					skipped[arch.Name] = true
					continue
				}
			}

			l.logger.Info("validating archive", "name", arch.Name)
			actualHash, _, err := hashFile(archPath)
			if err != nil {
				report.ArchivesFailed++
				report.Errors = append(report.Errors, fmt.Sprintf("hashing %s: %v", arch.Name, err))
				continue
			}
			if actualHash != arch.SHA256 {
				report.ArchivesFailed++
				report.Errors = append(report.Errors,
					fmt.Sprintf("%s: expected sha256 %s, got %s", arch.Name, arch.SHA256, actualHash))
				continue
			}
		}
		report.ArchivesValidated++
	}

	if report.ArchivesFailed > 0 {
		msg := fmt.Sprintf("%d archive(s) failed validation", report.ArchivesFailed)
		finish("failed", msg, report)
		return report, errors.New(msg)
	}

	if opts.VerifyOnly {
		finish("completed", "", report)
		l.logger.Info("verify-only complete", "validated", report.ArchivesValidated)
		return report, nil
	}

	root := l.index.LibraryDir()
	for _, arch := range manifest.Archives {
		if err := ctx.Err(); err != nil {
			finish("failed", err.Error(), report)
			return nil, err
		}
		if skipped[arch.Name] {
			continue
		}

		archPath := filepath.Join(opts.SourceDir, arch.Name)
		l.logger.Info("extracting archive", "name", arch.Name)
		extracted, size, err := extractArchive(archPath, root)
		report.FilesExtracted += extracted
		report.TotalSize += size
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("extracting %s: %v", arch.Name, err))
			finish("failed", err.Error(), report)
			return report, fmt.Errorf("extracting %s: %w", arch.Name, err)
		}

		if l.store != nil && transfer.ID != 0 {
			ta := &store.TransferArchive{
				TransferID:  transfer.ID,
				Path:        opts.SourceDir,
				ArchiveName: arch.Name,
				SHA256:      arch.SHA256,
				Size:        arch.Size,
			}
			if err := l.store.MarkArchiveValidated(ta); err != nil {
				l.logger.Warn("failed to record archive validation", "error", err)
			}
		}
	}

	l.index.Invalidate()
	if _, err := l.index.Rebuild(ctx); err != nil {
		l.logger.Warn("index rebuild after import failed", "error", err)
	}

	finish("completed", "", report)
	l.logger.Info("import completed",
		"files_extracted", report.FilesExtracted,
		"total_size", report.TotalSize,
		"duration", report.Duration,
	)
	return report, nil
}

// extractArchive decompresses and untars an archive under root. Each file is
// written to a temporary name first so an interrupted import never leaves a
// truncated package behind.
func extractArchive(archivePath, root string) (int, int64, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return 0, 0, fmt.Errorf("opening archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, 0, fmt.Errorf("creating zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	extracted := 0
	totalSize := int64(0)

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return extracted, totalSize, fmt.Errorf("reading tar entry: %w", err)
		}

		if header.Typeflag == tar.TypeDir {
			continue
		}
		// Reject symlinks/hardlinks and other non-regular entries.
		if header.Typeflag != tar.TypeReg {
			return extracted, totalSize, fmt.Errorf("unsupported tar entry type for %s: %c", header.Name, header.Typeflag)
		}

		destPath, err := safety.SafeJoinUnder(root, header.Name)
		if err != nil {
			return extracted, totalSize, fmt.Errorf("unsafe path in archive %q: %w", header.Name, err)
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return extracted, totalSize, fmt.Errorf("creating directory: %w", err)
		}

		part := destPath + ".part"
		outFile, err := os.Create(part)
		if err != nil {
			return extracted, totalSize, fmt.Errorf("creating file %s: %w", part, err)
		}
		n, err := io.Copy(outFile, tr)
		if closeErr := outFile.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if err == nil {
			err = os.Rename(part, destPath)
		}
		if err != nil {
			_ = os.Remove(part)
			return extracted, totalSize, fmt.Errorf("extracting %s: %w", header.Name, err)
		}
		if !header.ModTime.IsZero() {
			_ = os.Chtimes(destPath, header.ModTime, header.ModTime)
		}

		extracted++
		totalSize += n
	}

	return extracted, totalSize, nil
}

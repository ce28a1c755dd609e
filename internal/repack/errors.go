package repack

import (
	"errors"
	"fmt"
)

var (
	// ErrArchiveUnreadable means the source archive is missing or not a valid container.
	ErrArchiveUnreadable = errors.New("archive unreadable")
	// ErrArchiveWriteFailed means the rewritten archive could not be produced or moved into place.
	ErrArchiveWriteFailed = errors.New("archive write failed")
	// ErrAssetTransformFailed marks a single asset that could not be transformed.
	// It is recorded in Result.Errors and never fails the package.
	ErrAssetTransformFailed = errors.New("asset transform failed")
	// ErrFileLocked means another process holds the package file.
	ErrFileLocked = errors.New("file locked by another process")
	// ErrNoBackup is returned by Restore when no backup exists.
	ErrNoBackup = errors.New("no backup found")
	// ErrInvalidBackup means the file at a backup location is not a pristine
	// archive, so Restore will not copy it over the live package.
	ErrInvalidBackup = errors.New("backup is not an unmodified package archive")
)

// FileLockedError reports which package and path were held open elsewhere.
// Callers can release the lock and retry; the engine itself does not retry.
type FileLockedError struct {
	Package string
	Path    string
	Err     error
}

func (e *FileLockedError) Error() string {
	return fmt.Sprintf("package %s: %s is in use by another process: %v", e.Package, e.Path, e.Err)
}

func (e *FileLockedError) Unwrap() []error {
	return []error{ErrFileLocked, e.Err}
}

// classify wraps err as a FileLockedError when the OS reported a sharing or
// lock violation, and as fallback otherwise.
func classify(err error, fallback error, pkg, path string) error {
	if err == nil {
		return nil
	}
	if isLockError(err) {
		return &FileLockedError{Package: pkg, Path: path, Err: err}
	}
	return fmt.Errorf("%w: %s: %w", fallback, path, err)
}

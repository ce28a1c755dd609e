package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers from the download workers and keeps
	// ":memory:" databases from splitting across connections.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Package Operations
// ============================================================================

// ReplacePackages swaps the full set of indexed packages in one transaction.
// Rows whose path is not in rows are removed.
func (s *Store) ReplacePackages(rows []PackageRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM packages"); err != nil {
		return fmt.Errorf("failed to clear packages: %w", err)
	}

	const query = `
		INSERT INTO packages (
			package_key, base_key, identifier, path, status, size, mod_time, indexed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("failed to prepare package insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.Exec(
			row.Key, row.BaseKey, row.Identifier, row.Path, row.Status,
			row.Size, row.ModTime, row.IndexedAt,
		); err != nil {
			return fmt.Errorf("failed to insert package %s: %w", row.Identifier, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit packages: %w", err)
	}
	return nil
}

// UpsertPackage inserts or replaces a single package row keyed by path
func (s *Store) UpsertPackage(row *PackageRow) error {
	const query = `
		INSERT INTO packages (
			package_key, base_key, identifier, path, status, size, mod_time, indexed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			package_key = excluded.package_key,
			base_key = excluded.base_key,
			identifier = excluded.identifier,
			status = excluded.status,
			size = excluded.size,
			mod_time = excluded.mod_time,
			indexed_at = excluded.indexed_at
	`

	_, err := s.db.Exec(
		query,
		row.Key, row.BaseKey, row.Identifier, row.Path, row.Status,
		row.Size, row.ModTime, row.IndexedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert package: %w", err)
	}

	return s.db.QueryRow("SELECT id FROM packages WHERE path = ?", row.Path).Scan(&row.ID)
}

// ListPackages retrieves indexed packages, optionally restricted to one base name
func (s *Store) ListPackages(baseKey string) ([]PackageRow, error) {
	query := `
		SELECT id, package_key, base_key, identifier, path, status, size, mod_time, indexed_at
		FROM packages
	`
	var args []interface{}

	if baseKey != "" {
		query += " WHERE base_key = ?"
		args = append(args, baseKey)
	}
	query += " ORDER BY base_key, identifier"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}
	defer rows.Close()

	var out []PackageRow
	for rows.Next() {
		row := PackageRow{}
		if err := rows.Scan(
			&row.ID, &row.Key, &row.BaseKey, &row.Identifier, &row.Path,
			&row.Status, &row.Size, &row.ModTime, &row.IndexedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating packages: %w", err)
	}
	return out, nil
}

// CountPackages returns the number of indexed packages with the given status ("" for all)
func (s *Store) CountPackages(status string) (int, error) {
	query := "SELECT COUNT(*) FROM packages"
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}

	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count packages: %w", err)
	}
	return n, nil
}

// ============================================================================
// BatchRun Operations
// ============================================================================

// CreateBatchRun inserts a new BatchRun and sets its ID
func (s *Store) CreateBatchRun(run *BatchRun) error {
	const query = `
		INSERT INTO batch_runs (
			start_time, end_time, total, completed, partial, unchanged,
			failed, bytes_saved, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		run.StartTime, run.EndTime, run.Total, run.Completed, run.Partial,
		run.Unchanged, run.Failed, run.BytesSaved, run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// UpdateBatchRun updates an existing BatchRun by ID
func (s *Store) UpdateBatchRun(run *BatchRun) error {
	const query = `
		UPDATE batch_runs SET
			start_time = ?, end_time = ?, total = ?, completed = ?, partial = ?,
			unchanged = ?, failed = ?, bytes_saved = ?, status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.StartTime, run.EndTime, run.Total, run.Completed, run.Partial,
		run.Unchanged, run.Failed, run.BytesSaved, run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update batch run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("batch run not found: %d", run.ID)
	}

	return nil
}

// ListBatchRuns retrieves the most recent batch runs
func (s *Store) ListBatchRuns(limit int) ([]BatchRun, error) {
	query := `
		SELECT id, start_time, end_time, total, completed, partial, unchanged,
		       failed, bytes_saved, status, error_message
		FROM batch_runs
		ORDER BY start_time DESC, id DESC
	`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch runs: %w", err)
	}
	defer rows.Close()

	var runs []BatchRun
	for rows.Next() {
		run := BatchRun{}
		if err := rows.Scan(
			&run.ID, &run.StartTime, &run.EndTime, &run.Total, &run.Completed,
			&run.Partial, &run.Unchanged, &run.Failed, &run.BytesSaved,
			&run.Status, &run.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan batch run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batch runs: %w", err)
	}
	return runs, nil
}

// AddBatchItem records the outcome for one package of a run
func (s *Store) AddBatchItem(item *BatchItem) error {
	errs, err := json.Marshal(item.Errors)
	if err != nil {
		return fmt.Errorf("failed to encode item errors: %w", err)
	}

	const query = `
		INSERT INTO batch_items (
			run_id, package, status, original_size, new_size, transformed_assets,
			output_path, backup_path, errors, elapsed_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		item.RunID, item.Package, item.Status, item.OriginalSize, item.NewSize,
		item.TransformedAssets, item.OutputPath, item.BackupPath, string(errs),
		item.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	item.ID = id
	return nil
}

// ListBatchItems retrieves all items of a run in insertion order
func (s *Store) ListBatchItems(runID int64) ([]BatchItem, error) {
	const query = `
		SELECT id, run_id, package, status, original_size, new_size, transformed_assets,
		       output_path, backup_path, errors, elapsed_ms
		FROM batch_items WHERE run_id = ? ORDER BY id
	`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch items: %w", err)
	}
	defer rows.Close()

	var items []BatchItem
	for rows.Next() {
		var (
			item      BatchItem
			errs      string
			elapsedMS int64
		)
		if err := rows.Scan(
			&item.ID, &item.RunID, &item.Package, &item.Status, &item.OriginalSize,
			&item.NewSize, &item.TransformedAssets, &item.OutputPath, &item.BackupPath,
			&errs, &elapsedMS,
		); err != nil {
			return nil, fmt.Errorf("failed to scan batch item: %w", err)
		}
		if err := json.Unmarshal([]byte(errs), &item.Errors); err != nil {
			s.logger.Warn("failed to decode batch item errors", "id", item.ID, "error", err)
		}
		item.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batch items: %w", err)
	}
	return items, nil
}

// ============================================================================
// FailedDownload Operations
// ============================================================================

// RecordFailedDownload adds a dead letter entry or bumps the retry count of an existing one
func (s *Store) RecordFailedDownload(pkg, errMsg string) error {
	now := time.Now()
	const query = `
		INSERT INTO failed_downloads (package, error, retry_count, first_failure, last_failure, resolved)
		VALUES (?, ?, 1, ?, ?, 0)
		ON CONFLICT(package) DO UPDATE SET
			error = excluded.error,
			retry_count = failed_downloads.retry_count + 1,
			last_failure = excluded.last_failure,
			resolved = 0
	`

	if _, err := s.db.Exec(query, pkg, errMsg, now, now); err != nil {
		return fmt.Errorf("failed to record failed download: %w", err)
	}
	return nil
}

// ResolveFailedDownload marks the dead letter entry for a package as resolved.
// Resolving a package that never failed is not an error.
func (s *Store) ResolveFailedDownload(pkg string) error {
	if _, err := s.db.Exec("UPDATE failed_downloads SET resolved = 1 WHERE package = ?", pkg); err != nil {
		return fmt.Errorf("failed to resolve failed download: %w", err)
	}
	return nil
}

// ListFailedDownloads retrieves unresolved dead letter entries
func (s *Store) ListFailedDownloads() ([]FailedDownload, error) {
	const query = `
		SELECT id, package, error, retry_count, first_failure, last_failure, resolved
		FROM failed_downloads WHERE resolved = 0 ORDER BY last_failure DESC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed downloads: %w", err)
	}
	defer rows.Close()

	var out []FailedDownload
	for rows.Next() {
		rec := FailedDownload{}
		if err := rows.Scan(
			&rec.ID, &rec.Package, &rec.Error, &rec.RetryCount,
			&rec.FirstFailure, &rec.LastFailure, &rec.Resolved,
		); err != nil {
			return nil, fmt.Errorf("failed to scan failed download: %w", err)
		}
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed downloads: %w", err)
	}
	return out, nil
}

// ============================================================================
// Transfer Operations
// ============================================================================

// CreateTransfer inserts a new Transfer and sets its ID
func (s *Store) CreateTransfer(t *Transfer) error {
	const query = `
		INSERT INTO transfers (
			direction, path, package_count, archive_count, total_size,
			manifest_hash, status, error_message, start_time, end_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		t.Direction, t.Path, t.PackageCount, t.ArchiveCount, t.TotalSize,
		t.ManifestHash, t.Status, t.ErrorMessage, t.StartTime, t.EndTime,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transfer: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	t.ID = id
	return nil
}

// UpdateTransfer updates an existing Transfer by ID
func (s *Store) UpdateTransfer(t *Transfer) error {
	const query = `
		UPDATE transfers SET
			direction = ?, path = ?, package_count = ?, archive_count = ?, total_size = ?,
			manifest_hash = ?, status = ?, error_message = ?, start_time = ?, end_time = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		t.Direction, t.Path, t.PackageCount, t.ArchiveCount, t.TotalSize,
		t.ManifestHash, t.Status, t.ErrorMessage, t.StartTime, t.EndTime, t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transfer: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("transfer not found: %d", t.ID)
	}
	return nil
}

// ListTransfers retrieves the most recent transfers
func (s *Store) ListTransfers(limit int) ([]Transfer, error) {
	query := `
		SELECT id, direction, path, package_count, archive_count, total_size,
		       manifest_hash, status, error_message, start_time, end_time
		FROM transfers ORDER BY start_time DESC, id DESC
	`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		t := Transfer{}
		if err := rows.Scan(
			&t.ID, &t.Direction, &t.Path, &t.PackageCount, &t.ArchiveCount, &t.TotalSize,
			&t.ManifestHash, &t.Status, &t.ErrorMessage, &t.StartTime, &t.EndTime,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		out = append(out, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfers: %w", err)
	}
	return out, nil
}

// MarkArchiveValidated records that an archive in a bundle directory passed its checksum
func (s *Store) MarkArchiveValidated(a *TransferArchive) error {
	const query = `
		INSERT INTO transfer_archives (
			transfer_id, path, archive_name, sha256, size, validated, validated_at
		) VALUES (?, ?, ?, ?, ?, 1, ?)
	`

	result, err := s.db.Exec(query, a.TransferID, a.Path, a.ArchiveName, a.SHA256, a.Size, time.Now())
	if err != nil {
		return fmt.Errorf("failed to insert transfer archive: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	a.ID = id
	a.Validated = true
	return nil
}

// IsArchiveValidated reports whether an archive with this checksum was already validated
func (s *Store) IsArchiveValidated(path, archiveName, sha256 string) (bool, error) {
	const query = `
		SELECT COUNT(*) FROM transfer_archives
		WHERE path = ? AND archive_name = ? AND sha256 = ? AND validated = 1
	`

	var n int
	if err := s.db.QueryRow(query, path, archiveName, sha256).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to query transfer archive: %w", err)
	}
	return n > 0, nil
}

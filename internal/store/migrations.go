package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE packages (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					package_key TEXT NOT NULL,
					base_key TEXT NOT NULL,
					identifier TEXT NOT NULL,
					path TEXT NOT NULL UNIQUE,
					status TEXT NOT NULL DEFAULT 'loaded',
					size INTEGER DEFAULT 0,
					mod_time DATETIME,
					indexed_at DATETIME NOT NULL
				);
				CREATE INDEX idx_packages_base_key ON packages(base_key);
				CREATE INDEX idx_packages_package_key ON packages(package_key);

				CREATE TABLE batch_runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					total INTEGER DEFAULT 0,
					completed INTEGER DEFAULT 0,
					partial INTEGER DEFAULT 0,
					unchanged INTEGER DEFAULT 0,
					failed INTEGER DEFAULT 0,
					bytes_saved INTEGER DEFAULT 0,
					status TEXT DEFAULT 'running',
					error_message TEXT DEFAULT ''
				);

				CREATE TABLE batch_items (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id INTEGER NOT NULL,
					package TEXT NOT NULL,
					status TEXT NOT NULL,
					original_size INTEGER DEFAULT 0,
					new_size INTEGER DEFAULT 0,
					transformed_assets INTEGER DEFAULT 0,
					output_path TEXT DEFAULT '',
					backup_path TEXT DEFAULT '',
					errors TEXT DEFAULT '[]',
					elapsed_ms INTEGER DEFAULT 0,
					FOREIGN KEY(run_id) REFERENCES batch_runs(id)
				);

				CREATE TABLE failed_downloads (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					package TEXT NOT NULL UNIQUE,
					error TEXT DEFAULT '',
					retry_count INTEGER DEFAULT 0,
					first_failure DATETIME NOT NULL,
					last_failure DATETIME NOT NULL,
					resolved BOOLEAN DEFAULT 0
				);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE transfers (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					direction TEXT NOT NULL,
					path TEXT NOT NULL,
					package_count INTEGER DEFAULT 0,
					archive_count INTEGER DEFAULT 0,
					total_size INTEGER DEFAULT 0,
					manifest_hash TEXT DEFAULT '',
					status TEXT DEFAULT 'running',
					error_message TEXT DEFAULT '',
					start_time DATETIME NOT NULL,
					end_time DATETIME
				);

				CREATE TABLE transfer_archives (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					transfer_id INTEGER NOT NULL,
					path TEXT NOT NULL,
					archive_name TEXT NOT NULL,
					sha256 TEXT NOT NULL,
					size INTEGER DEFAULT 0,
					validated BOOLEAN DEFAULT 0,
					validated_at DATETIME,
					FOREIGN KEY(transfer_id) REFERENCES transfers(id)
				);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}

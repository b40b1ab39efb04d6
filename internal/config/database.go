package config

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pacorain/homelab/lakitu/internal/migrations"
	_ "modernc.org/sqlite"
)

// OpenJournal creates and migrates the event journal database. Returns
// (nil, nil) when the journal is disabled.
func (c *Config) OpenJournal() (*sql.DB, error) {
	if c.JournalPath == "" {
		return nil, nil
	}

	dir := filepath.Dir(c.JournalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", c.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	if err := applyJournalPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure journal database: %w", err)
	}
	if err := runJournalMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate journal database: %w", err)
	}

	return db, nil
}

// applyJournalPragmas tunes sqlite for the journal's single-writer,
// append-mostly workload.
func applyJournalPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",   // Write-Ahead Logging for better concurrency
		"PRAGMA synchronous = NORMAL", // Balance between safety and performance
		"PRAGMA temp_store = MEMORY",  // Store temporary tables in memory
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return err
		}
	}

	return nil
}

func runJournalMigrations(db *sql.DB) error {
	migrator := migrations.NewMigrator(db)
	for _, migration := range migrations.GetJournalMigrations() {
		migrator.AddMigration(migration)
	}
	return migrator.RunMigrations()
}

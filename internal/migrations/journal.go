package migrations

import (
	"database/sql"
)

// GetJournalMigrations returns the event journal schema migrations
func GetJournalMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_events_table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE events (
						id TEXT PRIMARY KEY,
						at DATETIME NOT NULL,
						event_type TEXT NOT NULL,
						hardware_addr TEXT NOT NULL DEFAULT '',
						address TEXT NOT NULL DEFAULT '',
						label TEXT NOT NULL DEFAULT '',
						detail TEXT NOT NULL DEFAULT ''
					)
				`)
				if err != nil {
					return err
				}

				// Operators filter by machine; keep those lookups indexed
				if _, err := tx.Exec(`CREATE INDEX idx_events_hardware_addr ON events(hardware_addr)`); err != nil {
					return err
				}
				_, err = tx.Exec(`CREATE INDEX idx_events_at ON events(at)`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`DROP TABLE IF EXISTS events`)
				return err
			},
		},
	}
}

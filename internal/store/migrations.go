package store

import "database/sql"

// DefaultMigrations is the ordered manifest of local store schema steps.
// Append only: released versions are never edited.
var DefaultMigrations = []Migration{
	{
		Version:     1,
		Description: "initial_schema",
		Apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS records (
				table_name TEXT NOT NULL,
				id TEXT NOT NULL,
				data TEXT NOT NULL DEFAULT '{}',
				sync_status TEXT NOT NULL DEFAULT 'pending',
				last_synced INTEGER NOT NULL DEFAULT 0,
				updated_at INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (table_name, id)
			);

			CREATE TABLE IF NOT EXISTS sync_queue (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL,
				table_name TEXT NOT NULL,
				record_id TEXT NOT NULL,
				operation TEXT NOT NULL,
				payload TEXT NOT NULL DEFAULT '{}',
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 5,
				next_retry_at INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'pending',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS meta (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);`)
			return err
		},
	},
	{
		Version:     2,
		Description: "soft_delete_tombstones",
		Apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
			ALTER TABLE records ADD COLUMN is_deleted INTEGER NOT NULL DEFAULT 0;

			CREATE TABLE IF NOT EXISTS tombstones (
				table_name TEXT NOT NULL,
				id TEXT NOT NULL,
				deleted_at INTEGER NOT NULL,
				deleted_by TEXT NOT NULL DEFAULT '',
				reason TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (table_name, id)
			);`)
			return err
		},
	},
	{
		Version:     3,
		Description: "queue_failure_flagging_and_indexes",
		Apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
			ALTER TABLE sync_queue ADD COLUMN last_error TEXT NOT NULL DEFAULT '';

			CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status, next_retry_at);
			CREATE INDEX IF NOT EXISTS idx_records_updated ON records(table_name, updated_at);
			CREATE INDEX IF NOT EXISTS idx_tombstones_deleted_at ON tombstones(deleted_at);`)
			return err
		},
	},
}

// Migrate applies the default manifest to the store.
func (s *Store) Migrate() error {
	return NewMigrator(s.db, DefaultMigrations).Up()
}

package store

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	apperrors "github.com/Oliskey-School/offline-sync/internal/errors"
)

// Migration is one ordered schema step: a function from the previous local
// store shape to the next. Versions start at 1 and only ever increase.
type Migration struct {
	Version     int
	Description string
	Apply       func(tx *sql.Tx) error
}

// Migrator applies ordered migrations to the local store on startup.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrator creates a Migrator over the given manifest. The manifest is
// sorted by version; duplicate or non-positive versions are rejected by Up.
func NewMigrator(db *sql.DB, migrations []Migration) *Migrator {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return &Migrator{db: db, migrations: sorted}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0)
	);`
	if _, err := m.db.Exec(query); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to create schema_migrations", err)
	}
	return nil
}

// CurrentVersion returns the highest applied schema version, 0 when none.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrMigration, "failed to read schema version", err)
	}
	return version, nil
}

// Up applies every pending migration in ascending order. Each step runs in
// its own transaction and records its version only on success, so a failed
// step leaves the persisted version at the last successfully applied one.
func (m *Migrator) Up() error {
	if err := m.Initialize(); err != nil {
		return err
	}
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}

	seen := make(map[int]bool)
	for _, mig := range m.migrations {
		if mig.Version <= 0 {
			return apperrors.Newf(apperrors.ErrMigration, "invalid migration version %d", mig.Version)
		}
		if seen[mig.Version] {
			return apperrors.Newf(apperrors.ErrMigration, "duplicate migration version %d", mig.Version)
		}
		seen[mig.Version] = true

		if mig.Version <= current {
			continue
		}
		if err := m.applyMigration(mig); err != nil {
			return apperrors.Wrap(apperrors.ErrMigration,
				fmt.Sprintf("migration v%d (%s) failed", mig.Version, mig.Description), err)
		}
	}
	return nil
}

// applyMigration runs one migration and records it inside one transaction.
func (m *Migrator) applyMigration(mig Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := mig.Apply(tx); err != nil {
		return err
	}

	_, err = tx.Exec("INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
		mig.Version, time.Now().Unix(), mig.Description)
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// Package store provides the persistent local mirror of remote tables:
// offline records with sync metadata, tombstones, the durable sync queue,
// and the system meta namespace.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	apperrors "github.com/Oliskey-School/offline-sync/internal/errors"
)

// Store wraps the sql.DB backing the local mirror. All operations are
// atomic at single-record granularity; the sync queue provides
// serialization, so no cross-record transactions are exposed.
type Store struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// Open opens the local store database under dataDir with:
// - WAL mode for concurrent reads alongside the single writer
// - foreign key constraints enabled
// The schema itself is owned by the Migrator.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to create data directory", err)
	}

	dbPath := filepath.Join(dataDir, "oliskey-sync.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to open database", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to enable WAL mode", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to enable foreign keys", err)
	}

	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory store, used by tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to open in-memory database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &Store{db: db}, nil
}

// DB exposes the underlying connection to the Migrator.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes cached statements and the database connection.
func (s *Store) Close() error {
	s.stmtCache.Range(func(key, value interface{}) bool {
		value.(*sql.Stmt).Close()
		return true
	})
	return s.db.Close()
}

// prepareStmt gets or creates a prepared statement from the cache.
func (s *Store) prepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, wrapStorage("failed to prepare statement", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// StorageUsage returns the current database size in bytes, best effort.
func (s *Store) StorageUsage() (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, wrapStorage("failed to read page count", err)
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, wrapStorage("failed to read page size", err)
	}
	return pageCount * pageSize, nil
}

// wrapStorage classifies database errors into the storage taxonomy.
// Quota exhaustion and corruption get distinct codes so callers can
// fail loud rather than run on a corrupt cache.
func wrapStorage(message string, err error) *apperrors.AppError {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database or disk is full"):
		return apperrors.Wrap(apperrors.ErrStorageQuota, message, err)
	case strings.Contains(msg, "malformed"), strings.Contains(msg, "not a database"):
		return apperrors.Wrap(apperrors.ErrStorageCorrupt, message, err)
	default:
		return apperrors.Wrap(apperrors.ErrStorage, message, err)
	}
}

// Meta namespace holds system records (migration bookkeeping, hydration flag,
// delta watermarks) keyed by string.

// GetMeta returns the value stored under key, or "" when absent.
func (s *Store) GetMeta(key string) (string, error) {
	stmt, err := s.prepareStmt("SELECT value FROM meta WHERE key = ?")
	if err != nil {
		return "", err
	}
	var value string
	err = stmt.QueryRow(key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", wrapStorage(fmt.Sprintf("failed to read meta %q", key), err)
	}
	return value, nil
}

// SetMeta stores value under key, replacing any previous value.
func (s *Store) SetMeta(key, value string) error {
	stmt, err := s.prepareStmt("INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value")
	if err != nil {
		return err
	}
	if _, err := stmt.Exec(key, value); err != nil {
		return wrapStorage(fmt.Sprintf("failed to write meta %q", key), err)
	}
	return nil
}

// DeleteMeta removes key from the meta namespace.
func (s *Store) DeleteMeta(key string) error {
	if _, err := s.db.Exec("DELETE FROM meta WHERE key = ?", key); err != nil {
		return wrapStorage(fmt.Sprintf("failed to delete meta %q", key), err)
	}
	return nil
}

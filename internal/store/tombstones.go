package store

import (
	"database/sql"
	"fmt"

	apperrors "github.com/Oliskey-School/offline-sync/internal/errors"
	"github.com/Oliskey-School/offline-sync/internal/models"
)

// PutTombstone writes a tombstone, replacing any previous one for the record.
func (s *Store) PutTombstone(t *models.TombstoneRecord) error {
	if err := models.ValidateTable(t.Table); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "putTombstone", err)
	}

	stmt, err := s.prepareStmt(`
	INSERT INTO tombstones (table_name, id, deleted_at, deleted_by, reason)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(table_name, id) DO UPDATE SET
		deleted_at = excluded.deleted_at,
		deleted_by = excluded.deleted_by,
		reason = excluded.reason`)
	if err != nil {
		return err
	}
	if _, err := stmt.Exec(t.Table, t.ID, t.DeletedAt, t.DeletedBy, t.Reason); err != nil {
		return wrapStorage(fmt.Sprintf("failed to write tombstone %s/%s", t.Table, t.ID), err)
	}
	return nil
}

// GetTombstone retrieves the tombstone for a record. Returns (nil, nil)
// when the record has no pending or retained deletion.
func (s *Store) GetTombstone(table models.Table, id string) (*models.TombstoneRecord, error) {
	stmt, err := s.prepareStmt("SELECT table_name, id, deleted_at, deleted_by, reason FROM tombstones WHERE table_name = ? AND id = ?")
	if err != nil {
		return nil, err
	}
	var t models.TombstoneRecord
	err = stmt.QueryRow(table, id).Scan(&t.Table, &t.ID, &t.DeletedAt, &t.DeletedBy, &t.Reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage(fmt.Sprintf("failed to get tombstone %s/%s", table, id), err)
	}
	return &t, nil
}

// DeleteTombstone removes a tombstone. Idempotent.
func (s *Store) DeleteTombstone(table models.Table, id string) error {
	if _, err := s.db.Exec("DELETE FROM tombstones WHERE table_name = ? AND id = ?", table, id); err != nil {
		return wrapStorage(fmt.Sprintf("failed to delete tombstone %s/%s", table, id), err)
	}
	return nil
}

// ListTombstones returns every tombstone across all tables, oldest first.
func (s *Store) ListTombstones() ([]*models.TombstoneRecord, error) {
	rows, err := s.db.Query("SELECT table_name, id, deleted_at, deleted_by, reason FROM tombstones ORDER BY deleted_at ASC")
	if err != nil {
		return nil, wrapStorage("failed to list tombstones", err)
	}
	defer rows.Close()

	var tombstones []*models.TombstoneRecord
	for rows.Next() {
		var t models.TombstoneRecord
		if err := rows.Scan(&t.Table, &t.ID, &t.DeletedAt, &t.DeletedBy, &t.Reason); err != nil {
			return nil, wrapStorage("failed to scan tombstone row", err)
		}
		tombstones = append(tombstones, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("failed to list tombstones", err)
	}
	return tombstones, nil
}

// DeleteTombstonesBefore removes tombstones older than cutoff (unix
// seconds) and returns how many were removed.
func (s *Store) DeleteTombstonesBefore(cutoff int64) (int, error) {
	res, err := s.db.Exec("DELETE FROM tombstones WHERE deleted_at < ?", cutoff)
	if err != nil {
		return 0, wrapStorage("failed to garbage-collect tombstones", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapStorage("failed to count garbage-collected tombstones", err)
	}
	return int(n), nil
}

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/Oliskey-School/offline-sync/internal/errors"
	"github.com/Oliskey-School/offline-sync/internal/models"
)

// Filter narrows GetAll results. Zero value matches every live record.
type Filter struct {
	SyncStatus   models.SyncStatus // match records in this sync state
	UpdatedSince int64             // records with updated_at > UpdatedSince
	IncludeDeleted bool            // include soft-deleted records
}

const recordColumns = "table_name, id, data, sync_status, last_synced, is_deleted, updated_at"

func scanRecord(row interface{ Scan(...interface{}) error }) (*models.OfflineRecord, error) {
	var rec models.OfflineRecord
	var data string
	err := row.Scan(&rec.Table, &rec.ID, &data, &rec.SyncStatus, &rec.LastSynced, &rec.IsDeleted, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Data = json.RawMessage(data)
	return &rec, nil
}

// Get retrieves a single mirrored record. Returns (nil, nil) when absent.
func (s *Store) Get(table models.Table, id string) (*models.OfflineRecord, error) {
	if err := models.ValidateTable(table); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "get", err)
	}

	stmt, err := s.prepareStmt("SELECT " + recordColumns + " FROM records WHERE table_name = ? AND id = ?")
	if err != nil {
		return nil, err
	}
	rec, err := scanRecord(stmt.QueryRow(table, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage(fmt.Sprintf("failed to get %s/%s", table, id), err)
	}
	return rec, nil
}

// GetAll retrieves the mirrored records of one table, optionally filtered.
// Soft-deleted records are excluded unless the filter includes them.
func (s *Store) GetAll(table models.Table, filter *Filter) ([]*models.OfflineRecord, error) {
	if err := models.ValidateTable(table); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "getAll", err)
	}

	var (
		conds = []string{"table_name = ?"}
		args  = []interface{}{table}
	)
	if filter == nil || !filter.IncludeDeleted {
		conds = append(conds, "is_deleted = 0")
	}
	if filter != nil && filter.SyncStatus != "" {
		conds = append(conds, "sync_status = ?")
		args = append(args, filter.SyncStatus)
	}
	if filter != nil && filter.UpdatedSince > 0 {
		conds = append(conds, "updated_at > ?")
		args = append(args, filter.UpdatedSince)
	}

	query := "SELECT " + recordColumns + " FROM records WHERE " + strings.Join(conds, " AND ") + " ORDER BY updated_at DESC"
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, wrapStorage(fmt.Sprintf("failed to list %s", table), err)
	}
	defer rows.Close()

	var records []*models.OfflineRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, wrapStorage(fmt.Sprintf("failed to scan %s row", table), err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage(fmt.Sprintf("failed to list %s", table), err)
	}
	return records, nil
}

// Upsert writes a mirrored record, replacing any previous row.
func (s *Store) Upsert(rec *models.OfflineRecord) error {
	if err := models.ValidateTable(rec.Table); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "upsert", err)
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = time.Now().Unix()
	}

	stmt, err := s.prepareStmt(`
	INSERT INTO records (table_name, id, data, sync_status, last_synced, is_deleted, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(table_name, id) DO UPDATE SET
		data = excluded.data,
		sync_status = excluded.sync_status,
		last_synced = excluded.last_synced,
		is_deleted = excluded.is_deleted,
		updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(rec.Table, rec.ID, string(rec.Data), rec.SyncStatus, rec.LastSynced, rec.IsDeleted, rec.UpdatedAt)
	if err != nil {
		return wrapStorage(fmt.Sprintf("failed to upsert %s/%s", rec.Table, rec.ID), err)
	}
	return nil
}

// Delete removes a mirrored record from the local store. Idempotent.
func (s *Store) Delete(table models.Table, id string) error {
	if err := models.ValidateTable(table); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "delete", err)
	}
	if _, err := s.db.Exec("DELETE FROM records WHERE table_name = ? AND id = ?", table, id); err != nil {
		return wrapStorage(fmt.Sprintf("failed to delete %s/%s", table, id), err)
	}
	return nil
}

// MarkSynced records remote acknowledgment of a record at ts.
func (s *Store) MarkSynced(table models.Table, id string, ts int64) error {
	stmt, err := s.prepareStmt("UPDATE records SET sync_status = ?, last_synced = ? WHERE table_name = ? AND id = ?")
	if err != nil {
		return err
	}
	if _, err := stmt.Exec(models.SyncStatusSynced, ts, table, id); err != nil {
		return wrapStorage(fmt.Sprintf("failed to mark %s/%s synced", table, id), err)
	}
	return nil
}

// CountRecords returns the number of mirrored records across all tables,
// including soft-deleted ones. Zero means the store has never hydrated.
func (s *Store) CountRecords() (int64, error) {
	var n int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM records").Scan(&n); err != nil {
		return 0, wrapStorage("failed to count records", err)
	}
	return n, nil
}

package store

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/Oliskey-School/offline-sync/internal/errors"
	"github.com/Oliskey-School/offline-sync/internal/models"
)

const queueColumns = "seq, id, table_name, record_id, operation, payload, retry_count, max_retries, next_retry_at, status, last_error, created_at, updated_at"

// AppendQueueItem durably appends item to the sync queue and fills in its
// assigned sequence number.
func (s *Store) AppendQueueItem(item *models.SyncQueueItem) error {
	if err := models.ValidateTable(item.Table); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "appendQueueItem", err)
	}
	if !item.Operation.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown operation %q", item.Operation)
	}

	stmt, err := s.prepareStmt(`
	INSERT INTO sync_queue (id, table_name, record_id, operation, payload, retry_count, max_retries, next_retry_at, status, last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	res, err := stmt.Exec(item.ID, item.Table, item.RecordID, item.Operation, string(item.Payload),
		item.RetryCount, item.MaxRetries, item.NextRetryAt, item.Status, item.LastError,
		item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return wrapStorage("failed to append queue item", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return wrapStorage("failed to read queue sequence", err)
	}
	item.Seq = seq
	return nil
}

// LoadQueue returns every queued item in FIFO (sequence) order.
func (s *Store) LoadQueue() ([]*models.SyncQueueItem, error) {
	rows, err := s.db.Query("SELECT " + queueColumns + " FROM sync_queue ORDER BY seq ASC")
	if err != nil {
		return nil, wrapStorage("failed to load sync queue", err)
	}
	defer rows.Close()

	var items []*models.SyncQueueItem
	for rows.Next() {
		var item models.SyncQueueItem
		var payload string
		err := rows.Scan(&item.Seq, &item.ID, &item.Table, &item.RecordID, &item.Operation, &payload,
			&item.RetryCount, &item.MaxRetries, &item.NextRetryAt, &item.Status, &item.LastError,
			&item.CreatedAt, &item.UpdatedAt)
		if err != nil {
			return nil, wrapStorage("failed to scan queue item", err)
		}
		item.Payload = json.RawMessage(payload)
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("failed to load sync queue", err)
	}
	return items, nil
}

// UpdateQueueItem persists retry bookkeeping and status changes.
func (s *Store) UpdateQueueItem(item *models.SyncQueueItem) error {
	stmt, err := s.prepareStmt(`
	UPDATE sync_queue
	SET retry_count = ?, next_retry_at = ?, status = ?, last_error = ?, updated_at = ?
	WHERE seq = ?`)
	if err != nil {
		return err
	}
	if _, err := stmt.Exec(item.RetryCount, item.NextRetryAt, item.Status, item.LastError, item.UpdatedAt, item.Seq); err != nil {
		return wrapStorage(fmt.Sprintf("failed to update queue item %d", item.Seq), err)
	}
	return nil
}

// DeleteQueueItem removes an acknowledged item from the queue.
func (s *Store) DeleteQueueItem(seq int64) error {
	if _, err := s.db.Exec("DELETE FROM sync_queue WHERE seq = ?", seq); err != nil {
		return wrapStorage(fmt.Sprintf("failed to delete queue item %d", seq), err)
	}
	return nil
}

// Package tombstone implements soft delete: records are flagged deleted
// locally and on the remote (deletion is a flag, not a row removal, so
// recovery stays possible), with tombstones retained until the deletion
// is confirmed and garbage-collected.
package tombstone

import (
	"encoding/json"
	"time"

	apperrors "github.com/Oliskey-School/offline-sync/internal/errors"
	"github.com/Oliskey-School/offline-sync/internal/logging"
	"github.com/Oliskey-School/offline-sync/internal/models"
	"github.com/Oliskey-School/offline-sync/internal/store"
)

// DefaultRetentionDays is the tombstone retention window.
const DefaultRetentionDays = 30

// Queuer is the slice of the sync engine the manager needs: durable
// enqueue of a mutation intent.
type Queuer interface {
	QueueOperation(table models.Table, recordID string, op models.Operation, payload json.RawMessage) (*models.SyncQueueItem, error)
}

// Manager owns the tombstone lifecycle.
type Manager struct {
	store *store.Store
	queue Queuer
	nowFn func() time.Time
}

// NewManager creates a Manager.
func NewManager(st *store.Store, queue Queuer) *Manager {
	return &Manager{store: st, queue: queue, nowFn: time.Now}
}

// SoftDelete flags a record deleted, writes its tombstone, and enqueues
// an update (not a hard delete) carrying the deleted flag. No-op when the
// record is absent.
func (m *Manager) SoftDelete(table models.Table, id, actor, reason string) error {
	rec, err := m.store.Get(table, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	now := m.nowFn().Unix()
	tomb := &models.TombstoneRecord{
		Table:     table,
		ID:        id,
		DeletedAt: now,
		DeletedBy: actor,
		Reason:    reason,
	}
	if err := m.store.PutTombstone(tomb); err != nil {
		return err
	}

	payload, err := setDeletedFlag(rec.Data, true)
	if err != nil {
		return err
	}
	rec.Data = payload
	rec.IsDeleted = true
	rec.SyncStatus = models.SyncStatusPending
	rec.UpdatedAt = now
	if err := m.store.Upsert(rec); err != nil {
		return err
	}

	if _, err := m.queue.QueueOperation(table, id, models.OperationUpdate, payload); err != nil {
		return err
	}

	logging.Info("record soft-deleted", map[string]interface{}{
		"table": table.String(), "record_id": id, "actor": actor,
	})
	return nil
}

// Restore clears a soft delete: the deleted marker is removed, the
// tombstone dropped, and a corrective update enqueued.
func (m *Manager) Restore(table models.Table, id string) error {
	rec, err := m.store.Get(table, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return apperrors.Newf(apperrors.ErrNotFound, "record %s/%s not found", table, id)
	}

	payload, err := setDeletedFlag(rec.Data, false)
	if err != nil {
		return err
	}
	rec.Data = payload
	rec.IsDeleted = false
	rec.SyncStatus = models.SyncStatusPending
	rec.UpdatedAt = m.nowFn().Unix()
	if err := m.store.Upsert(rec); err != nil {
		return err
	}
	if err := m.store.DeleteTombstone(table, id); err != nil {
		return err
	}

	if _, err := m.queue.QueueOperation(table, id, models.OperationUpdate, payload); err != nil {
		return err
	}

	logging.Info("record restored", map[string]interface{}{
		"table": table.String(), "record_id": id,
	})
	return nil
}

// HardDelete removes the record and any tombstone from the local store
// and enqueues a true delete. Irreversible.
func (m *Manager) HardDelete(table models.Table, id string) error {
	if err := m.store.Delete(table, id); err != nil {
		return err
	}
	if err := m.store.DeleteTombstone(table, id); err != nil {
		return err
	}
	if _, err := m.queue.QueueOperation(table, id, models.OperationDelete, nil); err != nil {
		return err
	}
	logging.Info("record hard-deleted", map[string]interface{}{
		"table": table.String(), "record_id": id,
	})
	return nil
}

// CleanupOld removes tombstones older than daysOld days and returns the
// count removed. Triggered by the periodic cache-cleanup schedule.
func (m *Manager) CleanupOld(daysOld int) (int, error) {
	if daysOld <= 0 {
		daysOld = DefaultRetentionDays
	}
	cutoff := m.nowFn().AddDate(0, 0, -daysOld).Unix()
	removed, err := m.store.DeleteTombstonesBefore(cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		logging.Info("garbage-collected tombstones", map[string]interface{}{
			"removed": removed, "days_old": daysOld,
		})
	}
	return removed, nil
}

// setDeletedFlag rewrites the payload's deleted marker, leaving every
// other field untouched.
func setDeletedFlag(data json.RawMessage, deleted bool) (json.RawMessage, error) {
	fields := make(map[string]interface{})
	if len(data) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "record payload is not a JSON object", err)
		}
	}
	fields["is_deleted"] = deleted
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode payload", err)
	}
	return out, nil
}

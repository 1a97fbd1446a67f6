package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/Oliskey-School/offline-sync/internal/errors"
	"github.com/Oliskey-School/offline-sync/internal/logging"
	"github.com/Oliskey-School/offline-sync/internal/models"
	"github.com/Oliskey-School/offline-sync/internal/uuid"
)

// Store is the persistence the queue requires from the local store.
type Store interface {
	AppendQueueItem(item *models.SyncQueueItem) error
	LoadQueue() ([]*models.SyncQueueItem, error)
	UpdateQueueItem(item *models.SyncQueueItem) error
	DeleteQueueItem(seq int64) error
}

// SyncQueue is the durable FIFO of pending mutations. Items are held in
// memory in sequence order and mirrored to the local store on every
// change, so the queue survives process restarts.
//
// Ordering invariant: items drain in sequence order, and operations on
// the same (table, record) pair never reorder relative to each other.
type SyncQueue struct {
	mu     sync.Mutex
	store  Store
	items  []*models.SyncQueueItem
	policy RetryPolicy
	clock  Clock
}

// New creates a SyncQueue, loading any persisted items.
func New(store Store, policy RetryPolicy, clock Clock) (*SyncQueue, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	items, err := store.LoadQueue()
	if err != nil {
		return nil, err
	}
	// Items interrupted mid-drain go back to pending.
	for _, item := range items {
		if item.Status == models.QueueStatusInProgress {
			item.Status = models.QueueStatusPending
		}
	}
	return &SyncQueue{
		store:  store,
		items:  items,
		policy: policy,
		clock:  clock,
	}, nil
}

// Policy returns the queue's retry policy.
func (q *SyncQueue) Policy() RetryPolicy { return q.policy }

// Clock returns the queue's clock.
func (q *SyncQueue) Clock() Clock { return q.clock }

// Enqueue durably appends a mutation intent.
func (q *SyncQueue) Enqueue(table models.Table, recordID string, op models.Operation, payload json.RawMessage) (*models.SyncQueueItem, error) {
	if recordID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "record id required")
	}

	now := q.clock.Now().Unix()
	item := &models.SyncQueueItem{
		ID:          models.UUID(uuid.New()),
		Table:       table,
		RecordID:    recordID,
		Operation:   op,
		Payload:     payload,
		MaxRetries:  q.policy.MaxAttempts,
		NextRetryAt: now,
		Status:      models.QueueStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.AppendQueueItem(item); err != nil {
		return nil, err
	}
	q.items = append(q.items, item)

	logging.Debug("queued operation", map[string]interface{}{
		"seq":       item.Seq,
		"table":     table.String(),
		"record_id": recordID,
		"operation": string(op),
	})
	return item, nil
}

// Snapshot returns copies of all items in FIFO order.
func (q *SyncQueue) Snapshot() []*models.SyncQueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.SyncQueueItem, 0, len(q.items))
	for _, item := range q.items {
		clone := *item
		out = append(out, &clone)
	}
	return out
}

// Len returns the number of unacknowledged items, flagged ones included.
func (q *SyncQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Complete removes an acknowledged item.
func (q *SyncQueue) Complete(seq int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexOf(seq)
	if idx < 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "queue item %d not found", seq)
	}
	if err := q.store.DeleteQueueItem(seq); err != nil {
		return err
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	return nil
}

// Fail records a transient failure: retry count is incremented and the
// next attempt scheduled with exponential backoff. The computed backoff
// is returned so the drain loop can wait in place, preserving order.
func (q *SyncQueue) Fail(seq int64, cause error) (retryIn time.Duration, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := q.find(seq)
	if item == nil {
		return 0, apperrors.Newf(apperrors.ErrNotFound, "queue item %d not found", seq)
	}

	item.RetryCount++
	item.LastError = cause.Error()
	item.Status = models.QueueStatusPending
	delay := q.policy.Delay(item.RetryCount)
	item.NextRetryAt = q.clock.Now().Add(delay).Unix()
	item.UpdatedAt = q.clock.Now().Unix()

	if err := q.store.UpdateQueueItem(item); err != nil {
		return 0, err
	}
	logging.Warn("queue item failed, will retry", map[string]interface{}{
		"seq":    seq,
		"retry":  fmt.Sprintf("%d/%d", item.RetryCount, item.MaxRetries),
		"delay":  delay.String(),
		"reason": cause.Error(),
	})
	return delay, nil
}

// Flag marks an item permanently failed. It stays in the queue, carrying
// its last error for operator visibility, and blocks only later
// operations on the same record.
func (q *SyncQueue) Flag(seq int64, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := q.find(seq)
	if item == nil {
		return apperrors.Newf(apperrors.ErrNotFound, "queue item %d not found", seq)
	}

	item.Status = models.QueueStatusFlagged
	item.LastError = cause.Error()
	item.UpdatedAt = q.clock.Now().Unix()

	if err := q.store.UpdateQueueItem(item); err != nil {
		return err
	}
	logging.Error("queue item flagged as permanently failed", cause, map[string]interface{}{
		"seq":       seq,
		"table":     item.Table.String(),
		"record_id": item.RecordID,
	})
	return nil
}

// RetryFlagged resets every flagged item to pending with a fresh retry
// budget (manual "retry failed" affordance). Returns the count reset.
func (q *SyncQueue) RetryFlagged() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now().Unix()
	count := 0
	for _, item := range q.items {
		if item.Status != models.QueueStatusFlagged {
			continue
		}
		item.Status = models.QueueStatusPending
		item.RetryCount = 0
		item.NextRetryAt = now
		item.LastError = ""
		item.UpdatedAt = now
		if err := q.store.UpdateQueueItem(item); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		logging.Info("reset flagged queue items for retry", map[string]interface{}{"count": count})
	}
	return count, nil
}

// Stats returns item counts by status.
func (q *SyncQueue) Stats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := map[string]int{"total": 0, "pending": 0, "flagged": 0}
	for _, item := range q.items {
		stats["total"]++
		switch item.Status {
		case models.QueueStatusFlagged:
			stats["flagged"]++
		default:
			stats["pending"]++
		}
	}
	return stats
}

func (q *SyncQueue) find(seq int64) *models.SyncQueueItem {
	if idx := q.indexOf(seq); idx >= 0 {
		return q.items[idx]
	}
	return nil
}

func (q *SyncQueue) indexOf(seq int64) int {
	for i, item := range q.items {
		if item.Seq == seq {
			return i
		}
	}
	return -1
}

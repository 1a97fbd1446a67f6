// Package models provides data model definitions for the offline sync core.
package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of remote mutation a queue item carries.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether op is a known mutation kind.
func (op Operation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// QueueStatus is the lifecycle state of a queued operation.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusInProgress QueueStatus = "in_progress"
	// QueueStatusFlagged marks a permanently failed item left in the queue
	// for operator visibility and manual retry.
	QueueStatusFlagged QueueStatus = "flagged"
)

// SyncQueueItem is one durable intent to mutate the remote backend.
// Queue order is FIFO by Seq; operations against the same record are
// never reordered relative to each other.
type SyncQueueItem struct {
	Seq         int64           `db:"seq" json:"seq"`
	ID          UUID            `db:"id" json:"id"`
	Table       Table           `db:"table_name" json:"table"`
	RecordID    string          `db:"record_id" json:"record_id"`
	Operation   Operation       `db:"operation" json:"operation"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	MaxRetries  int             `db:"max_retries" json:"max_retries"`
	NextRetryAt int64           `db:"next_retry_at" json:"next_retry_at"`
	Status      QueueStatus     `db:"status" json:"status"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   int64           `db:"created_at" json:"created_at"`
	UpdatedAt   int64           `db:"updated_at" json:"updated_at"`
}

// RecordKey identifies the record a queue item targets. Items sharing a
// key drain strictly in Seq order.
type RecordKey struct {
	Table Table
	ID    string
}

// Key returns the per-record ordering key for the item.
func (i *SyncQueueItem) Key() RecordKey {
	return RecordKey{Table: i.Table, ID: i.RecordID}
}

// EnqueuedAt returns CreatedAt as time.Time.
func (i *SyncQueueItem) EnqueuedAt() time.Time {
	return time.Unix(i.CreatedAt, 0)
}

// TableName returns the local store table backing the sync queue.
func (SyncQueueItem) TableName() string {
	return "sync_queue"
}

// Package remote defines the contract the sync core consumes from the
// hosted backend: per-table CRUD plus a row-level change-notification
// stream. The engine depends only on this contract, never on a particular
// backend implementation.
package remote

import (
	"context"
	"encoding/json"

	"github.com/Oliskey-School/offline-sync/internal/models"
)

// ChangeType is the kind of row-level change delivered by the feed.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Row is one remote record as the backend reports it.
type Row struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt int64           `json:"updated_at"`
	IsDeleted bool            `json:"is_deleted"`
}

// ChangeEvent is one entry from the realtime change feed. Old is only
// populated for updates and deletes.
type ChangeEvent struct {
	Table models.Table    `json:"table"`
	Type  ChangeType      `json:"event_type"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
	RowID string          `json:"row_id"`
	// Timestamp is the remote-side commit time, used for last-writer-wins.
	Timestamp int64 `json:"timestamp"`
}

// Query narrows a Select. Zero value selects every row of the table.
type Query struct {
	ID    string // equality on primary key
	Since int64  // rows with updated_at > Since (delta catch-up)
}

// Backend is the remote CRUD surface consumed by the sync engine.
//
// Implementations classify failures: network faults and 5xx responses as
// TRANSIENT_NETWORK, validation/conflict rejections as REMOTE_REJECTED.
type Backend interface {
	Select(ctx context.Context, table models.Table, q Query) ([]Row, error)

	// Insert creates a row and returns the authoritative stored row,
	// including any server-computed fields.
	Insert(ctx context.Context, table models.Table, payload json.RawMessage) (*Row, error)

	// Update overwrites a row and returns the authoritative stored row.
	Update(ctx context.Context, table models.Table, id string, payload json.RawMessage) (*Row, error)

	// Delete removes a row permanently. Idempotent on the remote side.
	Delete(ctx context.Context, table models.Table, id string) error
}

// ChangeFeed is the realtime change-notification subscription. Events are
// only delivered while connected; time spent offline must be reconciled by
// a delta catch-up fetch.
type ChangeFeed interface {
	// Changes starts the subscription and returns the event channel. The
	// channel closes when ctx is cancelled or the feed shuts down.
	Changes(ctx context.Context) (<-chan ChangeEvent, error)
}

// Package models provides data model definitions for the offline sync core.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// SyncStatus describes how a local record relates to the remote backend.
type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusConflict SyncStatus = "conflict"
)

// OfflineRecord is one row mirrored from a remote table, carrying sync
// metadata alongside its payload. The payload is opaque to the engine.
//
// A record with SyncStatus synced always has LastSynced > 0 and its Data
// matches the remote backend's view as of that timestamp.
type OfflineRecord struct {
	Table      Table           `db:"table_name" json:"table"`
	ID         string          `db:"id" json:"id"`
	Data       json.RawMessage `db:"data" json:"data"`
	SyncStatus SyncStatus      `db:"sync_status" json:"sync_status"`
	LastSynced int64           `db:"last_synced" json:"last_synced"`
	IsDeleted  bool            `db:"is_deleted" json:"is_deleted"`
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"`
}

// LastSyncedTime returns LastSynced as time.Time. Zero time when never synced.
func (r *OfflineRecord) LastSyncedTime() time.Time {
	if r.LastSynced == 0 {
		return time.Time{}
	}
	return time.Unix(r.LastSynced, 0)
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (r *OfflineRecord) UpdatedAtTime() time.Time {
	return time.Unix(r.UpdatedAt, 0)
}

// Touch updates the UpdatedAt timestamp and marks the record pending.
func (r *OfflineRecord) Touch() {
	r.UpdatedAt = time.Now().Unix()
	r.SyncStatus = SyncStatusPending
}

// TableName returns the local store table holding mirrored records.
func (OfflineRecord) TableName() string {
	return "records"
}

// Package models provides data model definitions for the offline sync core.
package models

import "time"

// TombstoneRecord marks a pending or recently confirmed deletion. It is
// retained until the deletion is confirmed remotely and the retention
// window has elapsed, so catch-up fetches never resurrect deleted records.
type TombstoneRecord struct {
	Table     Table  `db:"table_name" json:"table"`
	ID        string `db:"id" json:"id"`
	DeletedAt int64  `db:"deleted_at" json:"deleted_at"`
	DeletedBy string `db:"deleted_by" json:"deleted_by,omitempty"`
	Reason    string `db:"reason" json:"reason,omitempty"`
}

// DeletedAtTime returns DeletedAt as time.Time.
func (t *TombstoneRecord) DeletedAtTime() time.Time {
	return time.Unix(t.DeletedAt, 0)
}

// Age returns how long ago the tombstone was written.
func (t *TombstoneRecord) Age(now time.Time) time.Duration {
	return now.Sub(t.DeletedAtTime())
}

// TableName returns the local store table holding tombstones.
func (TombstoneRecord) TableName() string {
	return "tombstones"
}

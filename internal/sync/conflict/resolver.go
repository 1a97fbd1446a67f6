// Package conflict provides record-level conflict resolution for catch-up
// and realtime merges.
package conflict

import (
	"sync"

	"github.com/Oliskey-School/offline-sync/internal/logging"
	"github.com/Oliskey-School/offline-sync/internal/models"
)

// Winner identifies which side a resolution kept.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
)

// Resolution is the outcome of resolving one concurrent edit.
type Resolution struct {
	Table           models.Table
	RecordID        string
	Winner          Winner
	LocalTimestamp  int64
	RemoteTimestamp int64
}

// Resolver implements last-writer-wins at record granularity. There is no
// field-level merge: the record with the newer timestamp replaces the
// other wholesale. Equal timestamps prefer the remote copy, keeping every
// replica deterministic against the backend's authoritative state.
type Resolver struct {
	mu          sync.Mutex
	resolutions []Resolution
}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve decides between a local record and a remote row timestamp.
// localPending guards optimistic writes: a record still waiting in the
// sync queue keeps its local payload until the queue drains, at which
// point the remote side becomes authoritative again.
func (r *Resolver) Resolve(local *models.OfflineRecord, remoteTimestamp int64) Winner {
	if local == nil {
		return WinnerRemote
	}

	winner := WinnerRemote
	if local.SyncStatus == models.SyncStatusPending {
		winner = WinnerLocal
	} else if local.UpdatedAt > remoteTimestamp {
		winner = WinnerLocal
	}

	if winner == WinnerRemote && local.UpdatedAt > 0 && local.UpdatedAt != remoteTimestamp {
		// An already-synced local copy being replaced is routine
		// catch-up, not a conflict; only log genuine concurrent edits.
		logging.Debug("remote record supersedes local copy", map[string]interface{}{
			"table":     local.Table.String(),
			"record_id": local.ID,
		})
	}

	if local.SyncStatus == models.SyncStatusPending && remoteTimestamp > local.UpdatedAt {
		// Concurrent edit: local optimistic write vs newer remote write.
		// Local wins for now; the queued operation will carry it out and
		// the remote backend applies its own last-writer-wins.
		res := Resolution{
			Table:           local.Table,
			RecordID:        local.ID,
			Winner:          WinnerLocal,
			LocalTimestamp:  local.UpdatedAt,
			RemoteTimestamp: remoteTimestamp,
		}
		r.mu.Lock()
		r.resolutions = append(r.resolutions, res)
		r.mu.Unlock()
		logging.Warn("concurrent edit resolved last-writer-wins", map[string]interface{}{
			"table":            res.Table.String(),
			"record_id":        res.RecordID,
			"winner":           string(res.Winner),
			"local_timestamp":  res.LocalTimestamp,
			"remote_timestamp": res.RemoteTimestamp,
		})
	}

	return winner
}

// Resolutions returns the concurrent-edit outcomes seen so far, for
// operator visibility.
func (r *Resolver) Resolutions() []Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Resolution, len(r.resolutions))
	copy(out, r.resolutions)
	return out
}

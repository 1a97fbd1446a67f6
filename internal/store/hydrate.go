package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/Oliskey-School/offline-sync/internal/errors"
	"github.com/Oliskey-School/offline-sync/internal/logging"
	"github.com/Oliskey-School/offline-sync/internal/models"
	"github.com/Oliskey-School/offline-sync/internal/remote"
)

const (
	metaHydrationComplete = "hydration_complete"
	metaDeltaWatermark    = "delta_watermark:" // + table name
)

// ProgressFunc receives hydration progress as (fraction 0..1, message).
type ProgressFunc func(fraction float64, message string)

// Hydrator performs the one-time bulk population of an empty local store
// from the remote backend. Hydration is idempotent: an interrupted pass
// leaves the completion flag unset and simply overwrites on retry.
type Hydrator struct {
	store   *Store
	backend remote.Backend
}

// NewHydrator creates a Hydrator.
func NewHydrator(store *Store, backend remote.Backend) *Hydrator {
	return &Hydrator{store: store, backend: backend}
}

// Hydrated reports whether a full hydration pass has completed.
func (h *Hydrator) Hydrated() (bool, error) {
	flag, err := h.store.GetMeta(metaHydrationComplete)
	if err != nil {
		return false, err
	}
	return flag == "true", nil
}

// Run performs the initial bulk fetch per known table. No-op when a prior
// pass completed. Progress is reported through the callback so the UI can
// render a progress bar; progress may be nil.
func (h *Hydrator) Run(ctx context.Context, progress ProgressFunc) error {
	if progress == nil {
		progress = func(float64, string) {}
	}

	done, err := h.Hydrated()
	if err != nil {
		return err
	}
	if done {
		progress(1, "local store already hydrated")
		return nil
	}

	tables := models.KnownTables()
	now := time.Now().Unix()

	for i, table := range tables {
		progress(float64(i)/float64(len(tables)), fmt.Sprintf("loading %s", table))

		rows, err := h.backend.Select(ctx, table, remote.Query{})
		if err != nil {
			return apperrors.Wrap(apperrors.ErrHydration,
				fmt.Sprintf("bulk fetch of %s failed", table), err)
		}

		var watermark int64
		for _, row := range rows {
			rec := &models.OfflineRecord{
				Table:      table,
				ID:         row.ID,
				Data:       row.Data,
				SyncStatus: models.SyncStatusSynced,
				LastSynced: now,
				IsDeleted:  row.IsDeleted,
				UpdatedAt:  row.UpdatedAt,
			}
			if err := h.store.Upsert(rec); err != nil {
				return apperrors.Wrap(apperrors.ErrHydration,
					fmt.Sprintf("failed to store %s/%s", table, row.ID), err)
			}
			if row.UpdatedAt > watermark {
				watermark = row.UpdatedAt
			}
		}

		if err := h.store.SetDeltaWatermark(table, watermark); err != nil {
			return err
		}

		logging.Info("table hydrated", map[string]interface{}{
			"table": table.String(),
			"rows":  len(rows),
		})
	}

	if err := h.store.SetMeta(metaHydrationComplete, "true"); err != nil {
		return err
	}
	progress(1, "hydration complete")
	return nil
}

// DeltaWatermark returns the newest remote timestamp reconciled for table,
// 0 when nothing has ever been fetched.
func (s *Store) DeltaWatermark(table models.Table) (int64, error) {
	value, err := s.GetMeta(metaDeltaWatermark + table.String())
	if err != nil || value == "" {
		return 0, err
	}
	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorageCorrupt, "malformed delta watermark", err)
	}
	return ts, nil
}

// SetDeltaWatermark records the newest remote timestamp seen for table.
// The watermark only moves forward.
func (s *Store) SetDeltaWatermark(table models.Table, ts int64) error {
	current, err := s.DeltaWatermark(table)
	if err != nil {
		return err
	}
	if ts <= current {
		return nil
	}
	return s.SetMeta(metaDeltaWatermark+table.String(), strconv.FormatInt(ts, 10))
}

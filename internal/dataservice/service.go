// Package dataservice is the thin routing façade consumed by UI code:
// reads prefer the local store with background revalidation, writes apply
// optimistically and queue through the sync engine.
package dataservice

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Oliskey-School/offline-sync/internal/bus"
	apperrors "github.com/Oliskey-School/offline-sync/internal/errors"
	"github.com/Oliskey-School/offline-sync/internal/logging"
	"github.com/Oliskey-School/offline-sync/internal/models"
	"github.com/Oliskey-School/offline-sync/internal/remote"
	"github.com/Oliskey-School/offline-sync/internal/store"
	syncengine "github.com/Oliskey-School/offline-sync/internal/sync"
	"github.com/Oliskey-School/offline-sync/internal/uuid"
)

// Service routes UI reads and writes through the offline core.
type Service struct {
	store   *store.Store
	engine  *syncengine.Engine
	backend remote.Backend
	events  *bus.Bus
	network syncengine.NetworkSource

	// revalidate toggles stale-while-revalidate reads.
	revalidate bool
}

// New creates a Service. When revalidate is true, online reads spawn a
// background refresh that republishes on change.
func New(st *store.Store, engine *syncengine.Engine, backend remote.Backend, events *bus.Bus, network syncengine.NetworkSource, revalidate bool) *Service {
	return &Service{
		store:      st,
		engine:     engine,
		backend:    backend,
		events:     events,
		network:    network,
		revalidate: revalidate,
	}
}

// Read returns the local copy of a record immediately, never blocking on
// the network. Returns (nil, nil) when the record is unknown locally.
func (s *Service) Read(ctx context.Context, table models.Table, id string) (*models.OfflineRecord, error) {
	rec, err := s.store.Get(table, id)
	if err != nil {
		return nil, err
	}
	if s.revalidate && s.network.IsOnline() {
		go s.refreshRecord(table, id)
	}
	return rec, nil
}

// List returns the local records of a table, optionally filtered.
func (s *Service) List(ctx context.Context, table models.Table, filter *store.Filter) ([]*models.OfflineRecord, error) {
	records, err := s.store.GetAll(table, filter)
	if err != nil {
		return nil, err
	}
	if s.revalidate && s.network.IsOnline() {
		go s.refreshTable(table)
	}
	return records, nil
}

// Write applies a mutation optimistically to the local store and queues
// it for the remote backend. The returned record is the optimistic local
// copy; the authoritative remote response overwrites it on acknowledgment.
func (s *Service) Write(ctx context.Context, table models.Table, op models.Operation, id string, payload json.RawMessage) (*models.OfflineRecord, error) {
	if !op.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown operation %q", op)
	}
	if op == models.OperationCreate && id == "" {
		id = uuid.New()
	}
	if id == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "record id required")
	}

	var rec *models.OfflineRecord
	switch op {
	case models.OperationDelete:
		if err := s.store.Delete(table, id); err != nil {
			return nil, err
		}
	default:
		rec = &models.OfflineRecord{
			Table:      table,
			ID:         id,
			Data:       payload,
			SyncStatus: models.SyncStatusPending,
			UpdatedAt:  time.Now().Unix(),
		}
		if err := s.store.Upsert(rec); err != nil {
			return nil, err
		}
	}

	if _, err := s.engine.QueueOperation(table, id, op, payload); err != nil {
		return nil, err
	}
	return rec, nil
}

// refreshRecord fetches the remote copy and republishes when it differs.
func (s *Service) refreshRecord(table models.Table, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	rows, err := s.backend.Select(ctx, table, remote.Query{ID: id})
	if err != nil {
		logging.Debug("background revalidation failed", map[string]interface{}{
			"table": table.String(), "record_id": id, "error": err.Error(),
		})
		return
	}
	for _, row := range rows {
		s.mergeRefreshed(table, row)
	}
}

func (s *Service) refreshTable(table models.Table) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	since, err := s.store.DeltaWatermark(table)
	if err != nil {
		return
	}
	rows, err := s.backend.Select(ctx, table, remote.Query{Since: since})
	if err != nil {
		logging.Debug("background revalidation failed", map[string]interface{}{
			"table": table.String(), "error": err.Error(),
		})
		return
	}
	for _, row := range rows {
		s.mergeRefreshed(table, row)
	}
}

// mergeRefreshed upserts a revalidated row unless a local optimistic
// write is still pending for it.
func (s *Service) mergeRefreshed(table models.Table, row remote.Row) {
	local, err := s.store.Get(table, row.ID)
	if err != nil {
		return
	}
	if local != nil {
		if local.SyncStatus == models.SyncStatusPending || local.UpdatedAt >= row.UpdatedAt {
			return
		}
	}
	rec := &models.OfflineRecord{
		Table:      table,
		ID:         row.ID,
		Data:       row.Data,
		SyncStatus: models.SyncStatusSynced,
		LastSynced: time.Now().Unix(),
		IsDeleted:  row.IsDeleted,
		UpdatedAt:  row.UpdatedAt,
	}
	if err := s.store.Upsert(rec); err != nil {
		return
	}
	s.events.Publish(bus.EventRecordChange, syncengine.RecordChange{Table: table, ID: row.ID, Deleted: row.IsDeleted})
}

// Package sync orchestrates offline-first synchronization: draining the
// durable operation queue against the remote backend, reconciling missed
// remote changes after reconnect, and applying realtime deltas, while
// publishing lifecycle state on the event bus.
package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"time"

	"github.com/Oliskey-School/offline-sync/internal/bus"
	apperrors "github.com/Oliskey-School/offline-sync/internal/errors"
	"github.com/Oliskey-School/offline-sync/internal/logging"
	"github.com/Oliskey-School/offline-sync/internal/models"
	"github.com/Oliskey-School/offline-sync/internal/remote"
	"github.com/Oliskey-School/offline-sync/internal/store"
	"github.com/Oliskey-School/offline-sync/internal/sync/conflict"
	"github.com/Oliskey-School/offline-sync/internal/sync/queue"
)

// State is the engine lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StatePaused  State = "paused"
	StateError   State = "error"
)

// NetworkSource is the connectivity view the engine consults before any
// network attempt. Satisfied by *netmon.Monitor.
type NetworkSource interface {
	IsOnline() bool
}

// RecordChange is the payload published on bus.EventRecordChange whenever
// a remote delta lands in the local store.
type RecordChange struct {
	Table   models.Table `json:"table"`
	ID      string       `json:"id"`
	Deleted bool         `json:"deleted"`
}

// Config tunes the engine.
type Config struct {
	// DebounceDelay coalesces rapid QueueOperation calls into one drain.
	DebounceDelay time.Duration
	// MaxSyncDuration bounds one drain pass; the safety timer forces the
	// engine out of Syncing after this long even if a remote call hangs.
	MaxSyncDuration time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		DebounceDelay:   250 * time.Millisecond,
		MaxSyncDuration: 30 * time.Second,
	}
}

// Engine owns the durable queue drain, inbound catch-up, and lifecycle
// events. A single drain goroutine runs at a time; all other goroutines
// interact with it only through the queue and the bus.
type Engine struct {
	cfg      Config
	store    *store.Store
	queue    *queue.SyncQueue
	backend  remote.Backend
	feed     remote.ChangeFeed
	events   *bus.Bus
	network  NetworkSource
	resolver *conflict.Resolver

	mu         stdsync.Mutex
	state      State
	paused     bool
	draining   bool
	generation int
	debounce   *time.Timer

	runCtx  context.Context
	cancel  context.CancelFunc
	unsub   []func()
	wg      stdsync.WaitGroup
	started bool
}

// New creates an Engine. feed may be nil when no realtime stream is
// available; catch-up alone then provides eventual consistency.
func New(st *store.Store, q *queue.SyncQueue, backend remote.Backend, feed remote.ChangeFeed, events *bus.Bus, network NetworkSource, cfg Config) *Engine {
	if cfg.DebounceDelay == 0 {
		cfg.DebounceDelay = DefaultConfig().DebounceDelay
	}
	if cfg.MaxSyncDuration == 0 {
		cfg.MaxSyncDuration = DefaultConfig().MaxSyncDuration
	}
	return &Engine{
		cfg:      cfg,
		store:    st,
		queue:    q,
		backend:  backend,
		feed:     feed,
		events:   events,
		network:  network,
		resolver: conflict.NewResolver(),
		state:    StateIdle,
	}
}

// Start wires the engine to network transitions and the realtime feed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.runCtx, e.cancel = context.WithCancel(ctx)
	e.unsub = append(e.unsub,
		e.events.Subscribe(bus.EventOnline, func(interface{}) { e.onOnline() }),
		e.events.Subscribe(bus.EventOffline, func(interface{}) { e.onOffline() }),
	)
	e.mu.Unlock()

	if e.feed != nil {
		changes, err := e.feed.Changes(e.runCtx)
		if err != nil {
			return err
		}
		e.wg.Add(1)
		go e.feedLoop(changes)
	}
	return nil
}

// Stop detaches the engine. Queued items stay durable for the next run.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.started = false
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	cancel := e.cancel
	unsub := e.unsub
	e.unsub = nil
	e.mu.Unlock()

	for _, u := range unsub {
		u()
	}
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// PendingCount returns the number of unacknowledged queued operations.
func (e *Engine) PendingCount() int {
	return e.queue.Len()
}

// RetryFlagged resets permanently failed items for a manual retry and
// schedules a drain.
func (e *Engine) RetryFlagged() (int, error) {
	n, err := e.queue.RetryFlagged()
	if n > 0 {
		e.TriggerSync()
	}
	return n, err
}

// Resolutions exposes concurrent-edit outcomes for operator visibility.
func (e *Engine) Resolutions() []conflict.Resolution {
	return e.resolver.Resolutions()
}

// QueueOperation durably appends a mutation and, when online, schedules a
// debounced drain. Never performs a network call itself.
func (e *Engine) QueueOperation(table models.Table, recordID string, op models.Operation, payload json.RawMessage) (*models.SyncQueueItem, error) {
	item, err := e.queue.Enqueue(table, recordID, op, payload)
	if err != nil {
		return nil, err
	}
	if e.network.IsOnline() {
		e.scheduleDrain()
	}
	return item, nil
}

// TriggerSync forces a drain now: the manual "sync now" affordance and
// the cross-context background-sync signal both land here.
func (e *Engine) TriggerSync() {
	go e.drain()
}

// Pause suspends draining until Resume.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	changed := e.state != StatePaused && !e.draining
	if changed {
		e.state = StatePaused
	}
	e.mu.Unlock()
	if changed {
		e.publishState(StatePaused)
	}
}

// Resume lifts a pause and schedules a drain when online.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	changed := e.state == StatePaused
	if changed {
		e.state = StateIdle
	}
	e.mu.Unlock()
	if changed {
		e.publishState(StateIdle)
	}
	if e.network.IsOnline() {
		e.scheduleDrain()
	}
}

func (e *Engine) onOnline() {
	e.Resume()
	// A bus publish snapshotted before Stop can deliver this late; never
	// add to the WaitGroup once Stop has begun waiting on it.
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		ctx := e.runContext()
		if err := e.CatchUp(ctx); err != nil && ctx.Err() == nil {
			logging.Error("delta catch-up failed", err)
		}
		e.drain()
	}()
}

func (e *Engine) onOffline() {
	e.Pause()
}

// scheduleDrain coalesces rapid successive calls into one drain rather
// than one network round trip per call.
func (e *Engine) scheduleDrain() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.debounce != nil {
		e.debounce.Reset(e.cfg.DebounceDelay)
		return
	}
	e.debounce = time.AfterFunc(e.cfg.DebounceDelay, func() {
		e.mu.Lock()
		e.debounce = nil
		e.mu.Unlock()
		e.drain()
	})
}

func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

// drain processes the queue strictly in enqueue order. Idempotent: a
// no-op when offline, paused, or already draining.
func (e *Engine) drain() {
	e.mu.Lock()
	if e.draining || e.paused || !e.network.IsOnline() {
		e.mu.Unlock()
		return
	}
	e.draining = true
	e.state = StateSyncing
	e.generation++
	gen := e.generation
	e.mu.Unlock()

	e.publishState(StateSyncing)
	e.events.Publish(bus.EventSyncStart, e.queue.Len())

	ctx, cancel := context.WithTimeout(e.runContext(), e.cfg.MaxSyncDuration)
	defer cancel()

	// Safety timer: a hung remote call cannot wedge the engine. The
	// drain goroutine is abandoned for scheduling purposes, not
	// cancelled; its item is retried on the next drain.
	watchdog := time.AfterFunc(e.cfg.MaxSyncDuration, func() { e.forceClear(gen) })
	defer watchdog.Stop()

	err := e.processQueue(ctx)
	e.finishDrain(gen, err)
}

func (e *Engine) finishDrain(gen int, err error) {
	e.mu.Lock()
	if e.generation != gen {
		// Safety timer already cleared this drain.
		e.mu.Unlock()
		return
	}
	e.draining = false
	var next State
	switch {
	case err != nil:
		next = StateError
	case e.paused:
		next = StatePaused
	default:
		next = StateIdle
	}
	e.state = next
	e.mu.Unlock()

	e.publishState(next)
	if err != nil {
		logging.Error("sync drain failed", err)
		e.events.Publish(bus.EventSyncError, err)
		return
	}
	e.events.Publish(bus.EventSyncComplete, e.queue.Len())
}

// forceClear is the safety-timer path out of Syncing.
func (e *Engine) forceClear(gen int) {
	e.mu.Lock()
	if e.generation != gen || !e.draining {
		e.mu.Unlock()
		return
	}
	e.generation++ // the late finishDrain becomes a no-op
	e.draining = false
	e.state = StateIdle
	e.mu.Unlock()

	timeoutErr := apperrors.New(apperrors.ErrSyncTimeout, "sync exceeded maximum duration")
	logging.Warn("sync safety timer fired, forcing engine out of syncing")
	e.publishState(StateIdle)
	e.events.Publish(bus.EventSyncError, timeoutErr)
}

func (e *Engine) publishState(s State) {
	e.events.Publish(bus.EventSyncStateChange, s)
}

// processQueue drains items in sequence order. A flagged item blocks only
// later operations on its own record; unrelated records keep draining.
func (e *Engine) processQueue(ctx context.Context) error {
	blocked := make(map[models.RecordKey]bool)
	clock := e.queue.Clock()
	policy := e.queue.Policy()

	for _, item := range e.queue.Snapshot() {
		if ctx.Err() != nil {
			// Timed out: remaining items stay queued for the next drain.
			return nil
		}
		if e.isPaused() || !e.network.IsOnline() {
			return nil
		}

		key := item.Key()
		if item.Status == models.QueueStatusFlagged {
			blocked[key] = true
			continue
		}
		if blocked[key] {
			continue
		}

		// Honor a backoff deadline persisted by an earlier drain.
		if wait := time.Unix(item.NextRetryAt, 0).Sub(clock.Now()); wait > 0 {
			if err := clock.Sleep(ctx, wait); err != nil {
				return nil
			}
		}

		for {
			err := e.perform(ctx, item)
			if err == nil {
				if err := e.queue.Complete(item.Seq); err != nil {
					return err
				}
				break
			}

			if apperrors.IsPermanent(err) {
				if ferr := e.queue.Flag(item.Seq, err); ferr != nil {
					return ferr
				}
				blocked[key] = true
				break
			}

			if apperrors.IsTransient(err) {
				if ctx.Err() != nil {
					return nil
				}
				if policy.Exhausted(item.RetryCount + 1) {
					if ferr := e.queue.Flag(item.Seq, err); ferr != nil {
						return ferr
					}
					blocked[key] = true
					break
				}
				// Back off in place, blocking items behind this one to
				// preserve per-record ordering.
				delay, ferr := e.queue.Fail(item.Seq, err)
				if ferr != nil {
					return ferr
				}
				item.RetryCount++
				if serr := clock.Sleep(ctx, delay); serr != nil {
					return nil
				}
				continue
			}

			// Storage or programming error: abort the drain loudly.
			return err
		}
	}
	return nil
}

// perform executes one queued operation against the remote backend and,
// on acknowledgment, overwrites the local record with the authoritative
// response.
func (e *Engine) perform(ctx context.Context, item *models.SyncQueueItem) error {
	switch item.Operation {
	case models.OperationCreate:
		row, err := e.backend.Insert(ctx, item.Table, item.Payload)
		if err != nil {
			return err
		}
		return e.acknowledge(item, row)
	case models.OperationUpdate:
		row, err := e.backend.Update(ctx, item.Table, item.RecordID, item.Payload)
		if err != nil {
			return err
		}
		return e.acknowledge(item, row)
	case models.OperationDelete:
		if err := e.backend.Delete(ctx, item.Table, item.RecordID); err != nil {
			return err
		}
		if err := e.store.Delete(item.Table, item.RecordID); err != nil {
			return err
		}
		e.events.Publish(bus.EventRecordChange, RecordChange{Table: item.Table, ID: item.RecordID, Deleted: true})
		return nil
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown operation %q", item.Operation)
	}
}

func (e *Engine) acknowledge(item *models.SyncQueueItem, row *remote.Row) error {
	id := row.ID
	if id == "" {
		id = item.RecordID
	}
	now := time.Now().Unix()
	rec := &models.OfflineRecord{
		Table:      item.Table,
		ID:         id,
		Data:       row.Data,
		SyncStatus: models.SyncStatusSynced,
		LastSynced: now,
		IsDeleted:  row.IsDeleted,
		UpdatedAt:  row.UpdatedAt,
	}
	if err := e.store.Upsert(rec); err != nil {
		return err
	}
	// Advancing the watermark keeps catch-up from re-fetching our own echo.
	if err := e.store.SetDeltaWatermark(item.Table, row.UpdatedAt); err != nil {
		return err
	}
	e.events.Publish(bus.EventRecordChange, RecordChange{Table: item.Table, ID: id, Deleted: row.IsDeleted})
	return nil
}

// CatchUp reconciles remote changes made while the realtime feed was
// disconnected: one delta fetch per table since its stored watermark,
// merged last-writer-wins.
func (e *Engine) CatchUp(ctx context.Context) error {
	for _, table := range models.KnownTables() {
		since, err := e.store.DeltaWatermark(table)
		if err != nil {
			return err
		}
		rows, err := e.backend.Select(ctx, table, remote.Query{Since: since})
		if err != nil {
			return err
		}

		for _, row := range rows {
			if err := e.applyRemote(table, row.ID, row.Data, row.UpdatedAt, row.IsDeleted); err != nil {
				return err
			}
			if err := e.store.SetDeltaWatermark(table, row.UpdatedAt); err != nil {
				return err
			}
		}
		if len(rows) > 0 {
			logging.Info("delta catch-up applied", map[string]interface{}{
				"table": table.String(),
				"rows":  len(rows),
			})
		}
	}
	return nil
}

// feedLoop applies realtime deltas with the same merge rules as catch-up.
func (e *Engine) feedLoop(changes <-chan remote.ChangeEvent) {
	defer e.wg.Done()
	for event := range changes {
		if err := e.applyChange(event); err != nil {
			logging.Error("failed to apply realtime change", err, map[string]interface{}{
				"table": event.Table.String(),
			})
		}
	}
}

func (e *Engine) applyChange(event remote.ChangeEvent) error {
	id := event.RowID
	if id == "" {
		id = rowID(event.New)
	}
	if id == "" {
		id = rowID(event.Old)
	}
	if id == "" {
		return apperrors.New(apperrors.ErrInvalid, "change event without row id")
	}

	if event.Type == remote.ChangeDelete {
		if err := e.store.Delete(event.Table, id); err != nil {
			return err
		}
		if err := e.store.DeleteTombstone(event.Table, id); err != nil {
			return err
		}
		e.events.Publish(bus.EventRecordChange, RecordChange{Table: event.Table, ID: id, Deleted: true})
		return nil
	}

	var row remote.Row
	if err := json.Unmarshal(event.New, &row); err != nil || row.ID == "" {
		// The feed delivers bare payloads; fall back to the envelope.
		row = remote.Row{ID: id, Data: event.New, UpdatedAt: event.Timestamp}
	}
	return e.applyRemote(event.Table, row.ID, row.Data, row.UpdatedAt, row.IsDeleted)
}

// applyRemote merges one remote row into the local store. Tombstoned
// records are never resurrected; optimistic pending writes win until the
// queue drains.
func (e *Engine) applyRemote(table models.Table, id string, data json.RawMessage, ts int64, deleted bool) error {
	tomb, err := e.store.GetTombstone(table, id)
	if err != nil {
		return err
	}
	if tomb != nil && !deleted {
		logging.Debug("skipping remote row with local tombstone", map[string]interface{}{
			"table": table.String(), "record_id": id,
		})
		return nil
	}

	local, err := e.store.Get(table, id)
	if err != nil {
		return err
	}
	if e.resolver.Resolve(local, ts) == conflict.WinnerLocal {
		return nil
	}

	rec := &models.OfflineRecord{
		Table:      table,
		ID:         id,
		Data:       data,
		SyncStatus: models.SyncStatusSynced,
		LastSynced: time.Now().Unix(),
		IsDeleted:  deleted,
		UpdatedAt:  ts,
	}
	if err := e.store.Upsert(rec); err != nil {
		return err
	}
	e.events.Publish(bus.EventRecordChange, RecordChange{Table: table, ID: id, Deleted: deleted})
	return nil
}

func rowID(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.ID
}

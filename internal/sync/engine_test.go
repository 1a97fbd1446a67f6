package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Oliskey-School/offline-sync/internal/bus"
	apperrors "github.com/Oliskey-School/offline-sync/internal/errors"
	"github.com/Oliskey-School/offline-sync/internal/logging"
	"github.com/Oliskey-School/offline-sync/internal/models"
	"github.com/Oliskey-School/offline-sync/internal/remote"
	"github.com/Oliskey-School/offline-sync/internal/store"
	"github.com/Oliskey-School/offline-sync/internal/sync/queue"
)

func TestMain(m *testing.M) {
	logging.Init(io.Discard, "error")
	os.Exit(m.Run())
}

// testClock never really sleeps; it advances a virtual now instead.
type testClock struct {
	mu     stdsync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *testClock) sleepCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sleeps)
}

// fakeNetwork is a switchable connectivity source.
type fakeNetwork struct{ online atomic.Bool }

func (n *fakeNetwork) IsOnline() bool { return n.online.Load() }

// fakeBackend records calls in order and serves configurable rows/errors.
type fakeBackend struct {
	mu      stdsync.Mutex
	calls   []string
	rows    map[models.Table][]remote.Row
	errFor  func(op string, table models.Table, id string) error
	blockCh chan struct{} // when non-nil, Insert blocks until closed
	nextTS  int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rows: make(map[models.Table][]remote.Row), nextTS: 1000}
}

func (b *fakeBackend) record(op string, table models.Table, id string) error {
	b.mu.Lock()
	b.calls = append(b.calls, fmt.Sprintf("%s %s/%s", op, table, id))
	errFor := b.errFor
	b.mu.Unlock()
	if errFor != nil {
		return errFor(op, table, id)
	}
	return nil
}

func (b *fakeBackend) callLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	copy(out, b.calls)
	return out
}

func (b *fakeBackend) stamp() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextTS++
	return b.nextTS
}

func (b *fakeBackend) Select(ctx context.Context, table models.Table, q remote.Query) ([]remote.Row, error) {
	if err := b.record("select", table, q.ID); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []remote.Row
	for _, row := range b.rows[table] {
		if row.UpdatedAt > q.Since {
			out = append(out, row)
		}
	}
	return out, nil
}

func (b *fakeBackend) Insert(ctx context.Context, table models.Table, payload json.RawMessage) (*remote.Row, error) {
	id := rowID(payload)
	if b.blockCh != nil {
		<-b.blockCh
	}
	if err := b.record("insert", table, id); err != nil {
		return nil, err
	}
	return &remote.Row{ID: id, Data: payload, UpdatedAt: b.stamp()}, nil
}

func (b *fakeBackend) Update(ctx context.Context, table models.Table, id string, payload json.RawMessage) (*remote.Row, error) {
	if err := b.record("update", table, id); err != nil {
		return nil, err
	}
	return &remote.Row{ID: id, Data: payload, UpdatedAt: b.stamp()}, nil
}

func (b *fakeBackend) Delete(ctx context.Context, table models.Table, id string) error {
	return b.record("delete", table, id)
}

type engineHarness struct {
	engine  *Engine
	backend *fakeBackend
	store   *store.Store
	events  *bus.Bus
	network *fakeNetwork
	clock   *testClock
	queue   *queue.SyncQueue
}

func newEngineHarness(t *testing.T, online bool) *engineHarness {
	t.Helper()

	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	if err := st.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := newTestClock()
	q, err := queue.New(st, queue.RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    time.Second,
	}, clock)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}

	backend := newFakeBackend()
	events := bus.New()
	network := &fakeNetwork{}
	network.online.Store(online)

	engine := New(st, q, backend, nil, events, network, Config{
		// Large debounce so tests drive drains explicitly.
		DebounceDelay:   time.Hour,
		MaxSyncDuration: 5 * time.Second,
	})

	return &engineHarness{
		engine: engine, backend: backend, store: st,
		events: events, network: network, clock: clock, queue: q,
	}
}

func payload(id string, extra string) json.RawMessage {
	if extra == "" {
		return json.RawMessage(fmt.Sprintf(`{"id":%q}`, id))
	}
	return json.RawMessage(fmt.Sprintf(`{"id":%q,%s}`, id, extra))
}

func TestOfflineQueueingMakesNoNetworkCalls(t *testing.T) {
	h := newEngineHarness(t, false)

	if _, err := h.engine.QueueOperation(models.TableStudents, "s1", models.OperationCreate, payload("s1", "")); err != nil {
		t.Fatalf("QueueOperation: %v", err)
	}
	h.engine.drain()

	if calls := h.backend.callLog(); len(calls) != 0 {
		t.Errorf("backend called while offline: %v", calls)
	}
	if h.engine.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1", h.engine.PendingCount())
	}
}

func TestDrainPreservesQueueOrder(t *testing.T) {
	h := newEngineHarness(t, true)

	ops := []struct {
		id string
		op models.Operation
	}{
		{"s1", models.OperationCreate},
		{"s1", models.OperationUpdate},
		{"s2", models.OperationCreate},
	}
	for _, o := range ops {
		if _, err := h.engine.QueueOperation(models.TableStudents, o.id, o.op, payload(o.id, "")); err != nil {
			t.Fatalf("QueueOperation(%s %s): %v", o.op, o.id, err)
		}
	}

	h.engine.drain()

	want := []string{
		"insert students/s1",
		"update students/s1",
		"insert students/s2",
	}
	got := h.backend.callLog()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if h.engine.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after drain, want 0", h.engine.PendingCount())
	}
	if h.engine.State() != StateIdle {
		t.Errorf("State = %q after drain, want idle", h.engine.State())
	}
}

func TestAcknowledgmentStoresAuthoritativeRow(t *testing.T) {
	h := newEngineHarness(t, true)

	if _, err := h.engine.QueueOperation(models.TableFees, "f1", models.OperationCreate, payload("f1", `"amount":500`)); err != nil {
		t.Fatalf("QueueOperation: %v", err)
	}
	h.engine.drain()

	rec, err := h.store.Get(models.TableFees, "f1")
	if err != nil || rec == nil {
		t.Fatalf("Get after drain = %v, %v", rec, err)
	}
	if rec.SyncStatus != models.SyncStatusSynced {
		t.Errorf("SyncStatus = %q, want synced", rec.SyncStatus)
	}
	if rec.LastSynced == 0 {
		t.Error("LastSynced not set on acknowledgment")
	}

	// The acknowledged timestamp becomes the table's delta watermark.
	wm, err := h.store.DeltaWatermark(models.TableFees)
	if err != nil {
		t.Fatalf("DeltaWatermark: %v", err)
	}
	if wm != rec.UpdatedAt {
		t.Errorf("watermark = %d, want %d", wm, rec.UpdatedAt)
	}
}

func TestPermanentFailureBlocksOnlySameRecord(t *testing.T) {
	h := newEngineHarness(t, true)
	h.backend.errFor = func(op string, table models.Table, id string) error {
		if id == "s1" {
			return apperrors.New(apperrors.ErrRemoteRejected, "invalid payload")
		}
		return nil
	}

	h.engine.QueueOperation(models.TableStudents, "s1", models.OperationCreate, payload("s1", ""))
	h.engine.QueueOperation(models.TableStudents, "s1", models.OperationUpdate, payload("s1", ""))
	h.engine.QueueOperation(models.TableStudents, "s2", models.OperationCreate, payload("s2", ""))

	h.engine.drain()

	got := h.backend.callLog()
	// s1 create attempted once and flagged; s1 update never attempted;
	// s2 unaffected.
	want := []string{"insert students/s1", "insert students/s2"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("calls = %v, want %v", got, want)
	}

	stats := h.queue.Stats()
	if stats["flagged"] != 1 {
		t.Errorf("flagged = %d, want 1", stats["flagged"])
	}
	if stats["total"] != 2 {
		t.Errorf("total = %d, want 2 (flagged create + blocked update)", stats["total"])
	}
}

func TestTransientFailureRetriesInPlace(t *testing.T) {
	h := newEngineHarness(t, true)

	var failures int32
	h.backend.errFor = func(op string, table models.Table, id string) error {
		if op == "insert" && atomic.AddInt32(&failures, 1) <= 2 {
			return apperrors.New(apperrors.ErrTransientNetwork, "connection reset")
		}
		return nil
	}

	h.engine.QueueOperation(models.TableExams, "e1", models.OperationCreate, payload("e1", ""))
	h.engine.drain()

	if h.engine.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d, want 0 after retries succeed", h.engine.PendingCount())
	}
	calls := h.backend.callLog()
	if len(calls) != 3 {
		t.Errorf("backend attempts = %d, want 3", len(calls))
	}
	if h.clock.sleepCount() != 2 {
		t.Errorf("backoff sleeps = %d, want 2", h.clock.sleepCount())
	}
}

func TestTransientExhaustionFlagsItem(t *testing.T) {
	h := newEngineHarness(t, true)
	h.backend.errFor = func(op string, table models.Table, id string) error {
		return apperrors.New(apperrors.ErrTransientNetwork, "still down")
	}

	h.engine.QueueOperation(models.TableExams, "e1", models.OperationCreate, payload("e1", ""))
	h.engine.drain()

	stats := h.queue.Stats()
	if stats["flagged"] != 1 {
		t.Fatalf("flagged = %d after exhausted retries, want 1", stats["flagged"])
	}

	// Manual retry resets the budget and drains again.
	h.backend.mu.Lock()
	h.backend.errFor = nil
	h.backend.mu.Unlock()

	n, err := h.queue.RetryFlagged()
	if err != nil || n != 1 {
		t.Fatalf("RetryFlagged = %d, %v", n, err)
	}
	h.engine.drain()
	if h.engine.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after manual retry, want 0", h.engine.PendingCount())
	}
}

func TestOfflineEditsConvergeAfterReconnect(t *testing.T) {
	h := newEngineHarness(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.engine.Stop()

	done := make(chan struct{}, 1)
	h.events.Subscribe(bus.EventSyncComplete, func(interface{}) {
		select {
		case done <- struct{}{}:
		default:
		}
	})

	// Offline: create then edit the same fee record.
	h.engine.QueueOperation(models.TableFees, "f1", models.OperationCreate, payload("f1", `"amount":500`))
	h.engine.QueueOperation(models.TableFees, "f1", models.OperationUpdate, payload("f1", `"amount":750`))

	if calls := h.backend.callLog(); len(calls) != 0 {
		t.Fatalf("backend called while offline: %v", calls)
	}

	// Reconnect.
	h.network.online.Store(true)
	h.events.Publish(bus.EventOnline, nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not complete after reconnect")
	}

	rec, err := h.store.Get(models.TableFees, "f1")
	if err != nil || rec == nil {
		t.Fatalf("Get(f1) = %v, %v", rec, err)
	}
	var fields struct {
		Amount int `json:"amount"`
	}
	if err := json.Unmarshal(rec.Data, &fields); err != nil {
		t.Fatalf("unmarshal record data: %v", err)
	}
	if fields.Amount != 750 {
		t.Errorf("amount = %d after convergence, want 750", fields.Amount)
	}
	if rec.SyncStatus != models.SyncStatusSynced || rec.LastSynced == 0 {
		t.Errorf("record not acknowledged: status=%q last_synced=%d", rec.SyncStatus, rec.LastSynced)
	}
	if h.engine.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", h.engine.PendingCount())
	}
}

func TestSafetyTimerForcesEngineOutOfSyncing(t *testing.T) {
	h := newEngineHarness(t, true)
	h.engine.cfg.MaxSyncDuration = 50 * time.Millisecond
	h.backend.blockCh = make(chan struct{})

	timeout := make(chan error, 1)
	h.events.Subscribe(bus.EventSyncError, func(data interface{}) {
		if err, ok := data.(error); ok {
			select {
			case timeout <- err:
			default:
			}
		}
	})

	h.engine.QueueOperation(models.TableStudents, "s1", models.OperationCreate, payload("s1", ""))
	go h.engine.drain()

	select {
	case err := <-timeout:
		if !apperrors.Is(err, apperrors.ErrSyncTimeout) {
			t.Errorf("sync error = %v, want SYNC_TIMEOUT", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("safety timer did not fire")
	}

	if got := h.engine.State(); got != StateIdle {
		t.Errorf("State = %q after safety timer, want idle", got)
	}

	// Unblock the hung call; the late drain result must be discarded.
	close(h.backend.blockCh)
	time.Sleep(50 * time.Millisecond)
	if got := h.engine.State(); got != StateIdle {
		t.Errorf("State = %q after late completion, want idle", got)
	}
}

func TestCatchUpMergesRemoteDeltas(t *testing.T) {
	h := newEngineHarness(t, true)

	// Local state: one stale synced record, one pending optimistic edit,
	// one tombstoned record.
	seed := []*models.OfflineRecord{
		{Table: models.TableStudents, ID: "stale", Data: payload("stale", `"v":1`), SyncStatus: models.SyncStatusSynced, UpdatedAt: 100},
		{Table: models.TableStudents, ID: "edited", Data: payload("edited", `"v":"local"`), SyncStatus: models.SyncStatusPending, UpdatedAt: 150},
	}
	for _, rec := range seed {
		if err := h.store.Upsert(rec); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	if err := h.store.PutTombstone(&models.TombstoneRecord{Table: models.TableStudents, ID: "gone", DeletedAt: 100}); err != nil {
		t.Fatalf("PutTombstone: %v", err)
	}

	h.backend.rows[models.TableStudents] = []remote.Row{
		{ID: "stale", Data: payload("stale", `"v":2`), UpdatedAt: 300},
		{ID: "edited", Data: payload("edited", `"v":"remote"`), UpdatedAt: 400},
		{ID: "gone", Data: payload("gone", ""), UpdatedAt: 500},
		{ID: "fresh", Data: payload("fresh", ""), UpdatedAt: 600},
	}

	if err := h.engine.CatchUp(context.Background()); err != nil {
		t.Fatalf("CatchUp: %v", err)
	}

	// Stale synced record replaced by the newer remote row.
	stale, _ := h.store.Get(models.TableStudents, "stale")
	if stale.UpdatedAt != 300 || stale.SyncStatus != models.SyncStatusSynced {
		t.Errorf("stale record not updated: %+v", stale)
	}

	// Pending optimistic edit preserved.
	edited, _ := h.store.Get(models.TableStudents, "edited")
	if edited.SyncStatus != models.SyncStatusPending || edited.UpdatedAt != 150 {
		t.Errorf("pending local edit overwritten: %+v", edited)
	}

	// Tombstoned record not resurrected.
	gone, _ := h.store.Get(models.TableStudents, "gone")
	if gone != nil {
		t.Errorf("tombstoned record resurrected: %+v", gone)
	}

	// Unseen remote record added.
	fresh, _ := h.store.Get(models.TableStudents, "fresh")
	if fresh == nil {
		t.Error("new remote record not applied")
	}

	wm, _ := h.store.DeltaWatermark(models.TableStudents)
	if wm != 600 {
		t.Errorf("watermark = %d after catch-up, want 600", wm)
	}
}

func TestApplyChangeDeleteRemovesRecordAndTombstone(t *testing.T) {
	h := newEngineHarness(t, true)

	if err := h.store.Upsert(&models.OfflineRecord{
		Table: models.TableMessages, ID: "m1", Data: payload("m1", ""),
		SyncStatus: models.SyncStatusSynced, UpdatedAt: 100,
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := h.store.PutTombstone(&models.TombstoneRecord{Table: models.TableMessages, ID: "m1", DeletedAt: 100}); err != nil {
		t.Fatalf("PutTombstone: %v", err)
	}

	var changed []RecordChange
	h.events.Subscribe(bus.EventRecordChange, func(data interface{}) {
		if rc, ok := data.(RecordChange); ok {
			changed = append(changed, rc)
		}
	})

	err := h.engine.applyChange(remote.ChangeEvent{
		Table: models.TableMessages, Type: remote.ChangeDelete, RowID: "m1", Timestamp: 200,
	})
	if err != nil {
		t.Fatalf("applyChange: %v", err)
	}

	if rec, _ := h.store.Get(models.TableMessages, "m1"); rec != nil {
		t.Error("record survived confirmed remote delete")
	}
	if tomb, _ := h.store.GetTombstone(models.TableMessages, "m1"); tomb != nil {
		t.Error("tombstone survived confirmed remote delete")
	}
	if len(changed) != 1 || !changed[0].Deleted {
		t.Errorf("record change events = %+v", changed)
	}
}

func TestPauseAndResume(t *testing.T) {
	h := newEngineHarness(t, true)

	h.engine.Pause()
	if h.engine.State() != StatePaused {
		t.Fatalf("State = %q after Pause, want paused", h.engine.State())
	}

	h.engine.QueueOperation(models.TableStudents, "s1", models.OperationCreate, payload("s1", ""))
	h.engine.drain()
	if calls := h.backend.callLog(); len(calls) != 0 {
		t.Errorf("drain ran while paused: %v", calls)
	}

	h.engine.Resume()
	if h.engine.State() != StateIdle {
		t.Errorf("State = %q after Resume, want idle", h.engine.State())
	}
	h.engine.drain()
	if h.engine.PendingCount() != 0 {
		t.Errorf("queue not drained after Resume: %d pending", h.engine.PendingCount())
	}
}

func TestPauseStopsInFlightDrain(t *testing.T) {
	h := newEngineHarness(t, true)

	h.engine.QueueOperation(models.TableStudents, "s1", models.OperationCreate, payload("s1", ""))
	h.engine.QueueOperation(models.TableStudents, "s2", models.OperationCreate, payload("s2", ""))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once stdsync.Once
	h.backend.errFor = func(op string, _ models.Table, id string) error {
		if op == "insert" && id == "s1" {
			once.Do(func() { close(entered) })
			<-release
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		h.engine.drain()
		close(done)
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("drain never reached the backend")
	}
	h.engine.Pause()
	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not finish")
	}

	calls := h.backend.callLog()
	if len(calls) != 1 || calls[0] != "insert students/s1" {
		t.Errorf("calls = %v, want only the in-flight insert", calls)
	}
	if h.queue.Len() != 1 {
		t.Errorf("Len = %d, want the second item still queued", h.queue.Len())
	}
	if h.engine.State() != StatePaused {
		t.Errorf("State = %q, want paused", h.engine.State())
	}
}

func TestOnlineSignalAfterStopIsIgnored(t *testing.T) {
	h := newEngineHarness(t, true)

	h.engine.QueueOperation(models.TableStudents, "s1", models.OperationCreate, payload("s1", ""))
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.engine.Stop()

	// A bus publish that snapshotted its handlers before Stop can still
	// deliver the online callback afterwards.
	h.engine.onOnline()
	time.Sleep(50 * time.Millisecond)

	if calls := h.backend.callLog(); len(calls) != 0 {
		t.Errorf("stopped engine reached the backend: %v", calls)
	}
}

func TestDeleteOperationRemovesLocalRecord(t *testing.T) {
	h := newEngineHarness(t, true)

	if err := h.store.Upsert(&models.OfflineRecord{
		Table: models.TableClasses, ID: "c1", Data: payload("c1", ""),
		SyncStatus: models.SyncStatusSynced, UpdatedAt: 100,
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	h.engine.QueueOperation(models.TableClasses, "c1", models.OperationDelete, nil)
	h.engine.drain()

	calls := h.backend.callLog()
	if len(calls) != 1 || calls[0] != "delete classes/c1" {
		t.Errorf("calls = %v", calls)
	}
	if rec, _ := h.store.Get(models.TableClasses, "c1"); rec != nil {
		t.Error("record survived drained delete")
	}
}

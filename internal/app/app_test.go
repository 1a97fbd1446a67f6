package app

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/Oliskey-School/offline-sync/internal/config"
	"github.com/Oliskey-School/offline-sync/internal/logging"
	"github.com/Oliskey-School/offline-sync/internal/models"
)

func TestMain(m *testing.M) {
	logging.Init(io.Discard, "error")
	os.Exit(m.Run())
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.DataDir = t.TempDir()
	return cfg
}

// The daemon, the data service, and the engine all meet in this
// constructor; it must produce a fully connected graph from nothing but
// configuration.
func TestNewSyncContextBuildsFullGraph(t *testing.T) {
	sc, err := NewSyncContext(newTestConfig(t))
	if err != nil {
		t.Fatalf("NewSyncContext: %v", err)
	}
	defer sc.Close()

	if sc.Store == nil || sc.Events == nil || sc.Network == nil || sc.Queue == nil {
		t.Fatal("storage layer not wired")
	}
	if sc.Engine == nil || sc.Tombstones == nil || sc.Data == nil {
		t.Fatal("sync layer not wired")
	}
	if sc.Hydrator == nil || sc.Scheduler == nil {
		t.Fatal("background layer not wired")
	}

	// The store arrives migrated.
	if _, err := sc.Store.GetAll(models.TableStudents, nil); err != nil {
		t.Fatalf("GetAll on fresh store: %v", err)
	}
}

func TestSyncContextWriteFlowsThroughGraph(t *testing.T) {
	sc, err := NewSyncContext(newTestConfig(t))
	if err != nil {
		t.Fatalf("NewSyncContext: %v", err)
	}
	defer sc.Close()

	rec, err := sc.Data.Write(context.Background(), models.TableStudents,
		models.OperationCreate, "", json.RawMessage(`{"name":"Ada"}`))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if rec.SyncStatus != models.SyncStatusPending {
		t.Errorf("SyncStatus = %q, want pending", rec.SyncStatus)
	}

	got, err := sc.Data.Read(context.Background(), models.TableStudents, rec.ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got == nil {
		t.Fatal("optimistic write not readable through the data service")
	}
	if sc.Engine.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1", sc.Engine.PendingCount())
	}
}

func TestSyncContextStartAndClose(t *testing.T) {
	sc, err := NewSyncContext(newTestConfig(t))
	if err != nil {
		t.Fatalf("NewSyncContext: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Oliskey-School/offline-sync/internal/app"
	apperrors "github.com/Oliskey-School/offline-sync/internal/errors"
	"github.com/Oliskey-School/offline-sync/internal/logging"
	"github.com/Oliskey-School/offline-sync/internal/models"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	sc, err := app.NewSyncContext(cfg)
	if err != nil {
		return err
	}
	defer sc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sc.Start(ctx); err != nil {
		return err
	}

	hub := newWSHub()
	unbridge := hub.BridgeBus(sc.Events)
	defer unbridge()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newAPIHandler(sc, hub),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("daemon listening", map[string]interface{}{"addr": cfg.ListenAddr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logging.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newAPIHandler wires the localhost control API.
func newAPIHandler(sc *app.SyncContext, hub *wsHub) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"service": "oliskey-syncd",
		})
	})

	mux.HandleFunc("/api/sync/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		hydrated, _ := sc.Hydrator.Hydrated()
		usage, _ := sc.Store.StorageUsage()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"state":         sc.Engine.State(),
			"pending":       sc.Engine.PendingCount(),
			"queue":         sc.Queue.Stats(),
			"network":       sc.Network.State(),
			"hydrated":      hydrated,
			"storage_bytes": usage,
		})
	})

	mux.HandleFunc("/api/sync/trigger", postHandler(func(w http.ResponseWriter, r *http.Request) {
		sc.Engine.TriggerSync()
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"triggered": true})
	}))

	mux.HandleFunc("/api/sync/pause", postHandler(func(w http.ResponseWriter, r *http.Request) {
		sc.Engine.Pause()
		writeJSON(w, http.StatusOK, map[string]interface{}{"state": sc.Engine.State()})
	}))

	mux.HandleFunc("/api/sync/resume", postHandler(func(w http.ResponseWriter, r *http.Request) {
		sc.Engine.Resume()
		writeJSON(w, http.StatusOK, map[string]interface{}{"state": sc.Engine.State()})
	}))

	mux.HandleFunc("/api/sync/retry-flagged", postHandler(func(w http.ResponseWriter, r *http.Request) {
		n, err := sc.Engine.RetryFlagged()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"retried": n})
	}))

	mux.HandleFunc("/api/records/", recordsHandler(sc))

	mux.HandleFunc("/ws", handleWebSocket(hub))

	return mux
}

// recordsHandler exposes the data service to local UI clients:
//
//	GET    /api/records/{table}        list
//	GET    /api/records/{table}/{id}   read
//	POST   /api/records/{table}        create
//	PUT    /api/records/{table}/{id}   update
//	DELETE /api/records/{table}/{id}   soft delete
func recordsHandler(sc *app.SyncContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table, id := splitRecordPath(r.URL.Path)
		if err := models.ValidateTable(table); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
			return
		}

		switch {
		case r.Method == http.MethodGet && id == "":
			records, err := sc.Data.List(r.Context(), table, nil)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, records)

		case r.Method == http.MethodGet:
			record, err := sc.Data.Read(r.Context(), table, id)
			if err != nil {
				writeError(w, err)
				return
			}
			if record == nil {
				writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "not found"})
				return
			}
			writeJSON(w, http.StatusOK, record)

		case r.Method == http.MethodPost && id == "":
			payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				writeError(w, err)
				return
			}
			record, err := sc.Data.Write(r.Context(), table, models.OperationCreate, "", payload)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, record)

		case r.Method == http.MethodPut && id != "":
			payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				writeError(w, err)
				return
			}
			record, err := sc.Data.Write(r.Context(), table, models.OperationUpdate, id, payload)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, record)

		case r.Method == http.MethodDelete && id != "":
			actor := r.Header.Get("X-Actor")
			if err := sc.Tombstones.SoftDelete(table, id, actor, r.URL.Query().Get("reason")); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// splitRecordPath parses /api/records/{table}[/{id}].
func splitRecordPath(path string) (models.Table, string) {
	rest := path[len("/api/records/"):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return models.Table(rest[:i]), rest[i+1:]
		}
	}
	return models.Table(rest), ""
}

func postHandler(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("response encode failed", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.CodeOf(err) {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrTransientNetwork, apperrors.ErrSyncTimeout:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  apperrors.CodeOf(err),
	})
}

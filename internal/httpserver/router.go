// Package httpserver is the daemon's loopback API: sync status, a manual sync
// trigger and a read-only task listing.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"tasksync/internal/cloudsync"
	"tasksync/internal/logging"
	"tasksync/internal/models"
)

type SyncController interface {
	Status() cloudsync.Status
	RequestSync(ctx context.Context) error
	Visible()
}

type PendingCounter interface {
	Len(ctx context.Context) (int, error)
}

type TaskLister interface {
	ListAll(ctx context.Context, includeDeleted bool) ([]models.Task, error)
}

type Deps struct {
	Sync    SyncController
	Outbox  PendingCounter
	Tasks   TaskLister
	Logger  *logging.Logger
	Timeout time.Duration
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/status", syncStatus(d))
	mux.HandleFunc("/sync/run", syncRun(d))
	mux.HandleFunc("/sync/visible", syncVisible(d))
	mux.HandleFunc("/tasks", listTasks(d))

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	var h http.Handler = mux
	h = http.TimeoutHandler(h, timeout, `{"error":"timeout"}`)
	h = recovery(d.Logger, h)
	return h
}

type statusResponse struct {
	cloudsync.Status
	Pending int `json:"pending"`
}

func syncStatus(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		pending, err := d.Outbox.Len(r.Context())
		if err != nil {
			WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, statusResponse{Status: d.Sync.Status(), Pending: pending})
	}
}

func syncRun(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := d.Sync.RequestSync(r.Context()); err != nil {
			WriteJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "status": d.Sync.Status()})
			return
		}
		WriteJSON(w, http.StatusOK, d.Sync.Status())
	}
}

func syncVisible(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		d.Sync.Visible()
		w.WriteHeader(http.StatusAccepted)
	}
}

func listTasks(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		all, err := d.Tasks.ListAll(r.Context(), r.URL.Query().Get("deleted") == "1")
		if err != nil {
			WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if all == nil {
			all = []models.Task{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"tasks": all})
	}
}

func recovery(log *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Errorf("panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

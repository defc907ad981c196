package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksync/internal/cloudsync"
	"tasksync/internal/models"
)

type stubSync struct {
	status   cloudsync.Status
	err      error
	requests int
	visible  int
}

func (s *stubSync) Status() cloudsync.Status { return s.status }

func (s *stubSync) RequestSync(context.Context) error {
	s.requests++
	return s.err
}

func (s *stubSync) Visible() { s.visible++ }

type stubOutbox int

func (n stubOutbox) Len(context.Context) (int, error) { return int(n), nil }

type stubTasks []models.Task

func (s stubTasks) ListAll(context.Context, bool) ([]models.Task, error) { return s, nil }

func TestSyncStatus(t *testing.T) {
	sync := &stubSync{status: cloudsync.Status{State: cloudsync.StateIdle, Enabled: true}}
	h := NewRouter(Deps{Sync: sync, Outbox: stubOutbox(3), Tasks: stubTasks(nil)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sync/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "idle", body["state"])
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, float64(3), body["pending"])
	assert.Nil(t, body["lastSyncAt"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSyncRun(t *testing.T) {
	sync := &stubSync{status: cloudsync.Status{State: cloudsync.StateIdle, Enabled: true}}
	h := NewRouter(Deps{Sync: sync, Outbox: stubOutbox(0), Tasks: stubTasks(nil)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync/run", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, sync.requests)

	sync.err = errors.New("remote down")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync/run", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "remote down")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync/visible", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, sync.visible)
}

func TestListTasks(t *testing.T) {
	h := NewRouter(Deps{Sync: &stubSync{}, Outbox: stubOutbox(0), Tasks: stubTasks{{SyncID: "s1", Title: "x"}}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tasks []map[string]any `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tasks, 1)
	assert.Equal(t, "s1", body.Tasks[0]["syncId"])
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/store"
	"github.com/fyrsmithlabs/dispatchd/internal/task"
)

func newTestServer(t *testing.T) (*Server, *store.MemoryStore) {
	t.Helper()
	runs := store.NewMemoryStore()
	return New(config.ServerConfig{Port: 0}, runs, nil), runs
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestListRuns(t *testing.T) {
	s, runs := newTestServer(t)
	state := task.NewRunState("run-1", []task.WorkItem{{ID: "a"}})
	state.Status = task.StatusCompleted
	require.NoError(t, runs.SaveRun(context.Background(), state))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []store.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "run-1", summaries[0].RunID)
	assert.Equal(t, task.StatusCompleted, summaries[0].Status)
}

func TestGetRun(t *testing.T) {
	s, runs := newTestServer(t)
	state := task.NewRunState("run-1", []task.WorkItem{{ID: "a", Description: "build it"}})
	require.NoError(t, runs.SaveRun(context.Background(), state))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var loaded task.RunState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loaded))
	assert.Equal(t, "run-1", loaded.RunID)
	require.Contains(t, loaded.Items, "a")
	assert.Equal(t, "build it", loaded.Items["a"].Description)
}

func TestGetRun_NotFound(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/ghost", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

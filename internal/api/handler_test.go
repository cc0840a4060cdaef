package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailerd/internal/db"
	"mailerd/internal/db/dbtest"
	"mailerd/internal/jobs"
	"mailerd/internal/models"
)

func newServer(t *testing.T) (*dbtest.Store, http.Handler) {
	t.Helper()
	store := dbtest.New()
	h := &Handler{Jobs: jobs.NewService(store, zap.NewNop()), Log: zap.NewNop()}
	return store, h.Routes()
}

func do(t *testing.T, srv http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestCreateJob(t *testing.T) {
	store, srv := newServer(t)

	w := do(t, srv, http.MethodPost, "/jobs", map[string]any{
		"subject":   "Hi",
		"body_text": "Hello",
		"send_at":   time.Now().Add(time.Hour),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var job models.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, models.StatePending, job.State)

	stored := store.Job(job.ID)
	require.NotNil(t, stored)
	assert.Equal(t, "Hi", stored.Subject)
}

func TestCreateJobValidation(t *testing.T) {
	_, srv := newServer(t)

	w := do(t, srv, http.MethodPost, "/jobs", map[string]any{
		"subject":   "Hi",
		"body_text": "Hello",
		"send_at":   time.Now().Add(-time.Hour),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "send_at must be in the future")
}

func TestCreateJobBadJSON(t *testing.T) {
	_, srv := newServer(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJob(t *testing.T) {
	store, srv := newServer(t)
	job := models.NewJob("s", "b", "", false, time.Now(), "")
	store.Put(job)

	w := do(t, srv, http.MethodGet, "/jobs/"+job.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got models.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, job.ID, got.ID)

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/jobs/"+uuid.NewString(), nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/jobs/nope", nil).Code)
}

func TestCancelJob(t *testing.T) {
	store, srv := newServer(t)
	job := models.NewJob("s", "b", "", false, time.Now(), "")
	job.State = models.StateSending
	store.Put(job)

	w := do(t, srv, http.MethodPost, "/jobs/"+job.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StateCancelling, store.Job(job.ID).State)

	// A second cancel is a no-op.
	w = do(t, srv, http.MethodPost, "/jobs/"+job.ID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCancelJobConflict(t *testing.T) {
	store, srv := newServer(t)
	job := models.NewJob("s", "b", "", false, time.Now(), "")
	job.State = models.StateSent
	store.Put(job)

	w := do(t, srv, http.MethodPost, "/jobs/"+job.ID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, srv, http.MethodPost, "/jobs/"+uuid.NewString()+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobs(t *testing.T) {
	store, srv := newServer(t)
	for _, st := range []models.JobState{models.StatePending, models.StateSent, models.StateFailed} {
		j := models.NewJob(string(st), "b", "", false, time.Now(), "")
		j.State = st
		store.Put(j)
	}

	var res jobs.ListResult

	w := do(t, srv, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Len(t, res.Jobs, 2)
	assert.True(t, res.AnyActive)

	w = do(t, srv, http.MethodGet, "/jobs?show-failed=false", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Len(t, res.Jobs, 1)

	w = do(t, srv, http.MethodGet, "/jobs?show-completed=true&per_page=2&page=2", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Len(t, res.Jobs, 1)
	assert.Equal(t, 2, res.Page)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/jobs?page=x", nil).Code)
}

type brokenService struct{ JobService }

func (brokenService) List(context.Context, jobs.ListParams) (*jobs.ListResult, error) {
	return nil, errors.New("connection refused")
}

func (brokenService) Get(context.Context, uuid.UUID) (*models.Job, error) {
	return nil, db.ErrNotFound
}

func TestInternalErrorHidesDetail(t *testing.T) {
	h := &Handler{Jobs: brokenService{}, Log: zap.NewNop()}
	srv := h.Routes()

	w := do(t, srv, http.MethodGet, "/jobs", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/jobs/"+uuid.NewString(), nil).Code)
}

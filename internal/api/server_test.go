package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/vipul43/clipdigest-worker/internal/models"
	"github.com/vipul43/clipdigest-worker/internal/repository"
	"github.com/vipul43/clipdigest-worker/internal/scheduler"
)

type nopStatusStore struct{}

func (nopStatusStore) EnsureTask(ctx context.Context, name string, nextRun *time.Time) error {
	return nil
}

func (nopStatusStore) UpdateStatus(ctx context.Context, name string, update scheduler.StatusUpdate) error {
	return nil
}

type mockStatusReader struct {
	statuses []models.JobStatus
	err      error
}

func (m *mockStatusReader) List(ctx context.Context) ([]models.JobStatus, error) {
	return m.statuses, m.err
}

type mockQueue struct{}

func (mockQueue) ActiveCount() int { return 2 }
func (mockQueue) Len() int         { return 5 }
func (mockQueue) Limit() int       { return 2 }

type mockCredentialAdmin struct {
	mu     sync.Mutex
	creds  []models.Credential
	resets []string
}

func (m *mockCredentialAdmin) List(ctx context.Context) ([]models.Credential, error) {
	return m.creds, nil
}

func (m *mockCredentialAdmin) Reset(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.ID == id {
			m.resets = append(m.resets, id)
			return nil
		}
	}
	return repository.ErrCredentialNotFound
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func newRunner(t *testing.T, work scheduler.Work) *scheduler.Runner {
	t.Helper()
	runner := scheduler.NewRunner(scheduler.Config{}, nopStatusStore{})
	require.NoError(t, runner.Schedule("content-sync", "@every 1h", work))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = runner.Stop(ctx)
	})
	return runner
}

func TestTriggerJob_BusyReturnsConflict(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	runner := newRunner(t, func(ctx context.Context) (string, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "done", nil
	})
	router := NewHandler(runner, &mockStatusReader{}, mockQueue{}, &mockCredentialAdmin{}).Router()

	rec, body := do(t, router, http.MethodPost, "/jobs/content-sync/trigger")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "started", body["status"])
	<-started

	rec, body = do(t, router, http.MethodPost, "/jobs/content-sync/trigger")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "task is already running", body["error"])

	close(release)
	require.Eventually(t, func() bool { return !runner.Running("content-sync") }, time.Second, 10*time.Millisecond)

	rec, _ = do(t, router, http.MethodPost, "/jobs/content-sync/trigger")
	assert.Equal(t, http.StatusAccepted, rec.Code, "lock is released after the run")
}

func TestTriggerJob_UnknownTask(t *testing.T) {
	runner := newRunner(t, func(ctx context.Context) (string, error) { return "", nil })
	router := NewHandler(runner, &mockStatusReader{}, mockQueue{}, &mockCredentialAdmin{}).Router()

	rec, body := do(t, router, http.MethodPost, "/jobs/nope/trigger")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown task", body["error"])
}

func TestListJobs(t *testing.T) {
	runner := newRunner(t, func(ctx context.Context) (string, error) { return "", nil })
	lastRun := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := "synced 3 new items from 1 subscriptions (0 skipped, 0 failed, 3 queued)"
	statuses := &mockStatusReader{statuses: []models.JobStatus{{
		TaskName:  "content-sync",
		Status:    models.JobStateSuccess,
		LastRunAt: &lastRun,
		Message:   &msg,
		RunCount:  7,
		Summary:   datatypes.JSON(`{"outcome":"succeeded"}`),
	}}}
	router := NewHandler(runner, statuses, mockQueue{}, &mockCredentialAdmin{}).Router()

	rec, body := do(t, router, http.MethodGet, "/jobs")
	require.Equal(t, http.StatusOK, rec.Code)

	jobs := body["jobs"].([]interface{})
	require.Len(t, jobs, 1)
	job := jobs[0].(map[string]interface{})
	assert.Equal(t, "content-sync", job["name"])
	assert.Equal(t, "@every 1h", job["schedule"])
	assert.Equal(t, "success", job["status"])
	assert.Equal(t, msg, job["message"])
	assert.Equal(t, float64(7), job["run_count"])
	assert.Equal(t, map[string]interface{}{"outcome": "succeeded"}, job["summary"])
	assert.Equal(t, false, job["running"])
}

func TestListJobs_StoreError(t *testing.T) {
	runner := newRunner(t, func(ctx context.Context) (string, error) { return "", nil })
	router := NewHandler(runner, &mockStatusReader{err: errors.New("db down")}, mockQueue{}, &mockCredentialAdmin{}).Router()

	rec, _ := do(t, router, http.MethodGet, "/jobs")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestQueueAndHealth(t *testing.T) {
	runner := newRunner(t, func(ctx context.Context) (string, error) { return "", nil })
	router := NewHandler(runner, &mockStatusReader{}, mockQueue{}, &mockCredentialAdmin{}).Router()

	rec, body := do(t, router, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, body = do(t, router, http.MethodGet, "/queue")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["active"])
	assert.Equal(t, float64(5), body["waiting"])
	assert.Equal(t, float64(2), body["limit"])
}

type mockItemCounter struct {
	counts map[models.TranslationStatus]int64
	err    error
}

func (m mockItemCounter) CountByStatus(ctx context.Context) (map[models.TranslationStatus]int64, error) {
	return m.counts, m.err
}

func TestItemStats(t *testing.T) {
	runner := newRunner(t, func(ctx context.Context) (string, error) { return "", nil })

	router := NewHandler(runner, &mockStatusReader{}, mockQueue{}, &mockCredentialAdmin{}).Router()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/stats", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	counter := mockItemCounter{counts: map[models.TranslationStatus]int64{
		models.TranslationPending:   3,
		models.TranslationCompleted: 7,
	}}
	router = NewHandler(runner, &mockStatusReader{}, mockQueue{}, &mockCredentialAdmin{}).WithItemCounter(counter).Router()
	rec, body := do(t, router, http.MethodGet, "/items/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	items := body["items"].(map[string]interface{})
	assert.Equal(t, float64(3), items[string(models.TranslationPending)])
	assert.Equal(t, float64(7), items[string(models.TranslationCompleted)])

	router = NewHandler(runner, &mockStatusReader{}, mockQueue{}, &mockCredentialAdmin{}).
		WithItemCounter(mockItemCounter{err: errors.New("db down")}).Router()
	rec, _ = do(t, router, http.MethodGet, "/items/stats")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type mockUsageReader struct {
	records  []models.CredentialUsage
	total    int64
	gotLimit int
	gotSince time.Time
	listErr  error
}

func (m *mockUsageReader) ListByCredential(ctx context.Context, credentialID string, limit int) ([]models.CredentialUsage, error) {
	m.gotLimit = limit
	return m.records, m.listErr
}

func (m *mockUsageReader) SumCostSince(ctx context.Context, credentialID string, since time.Time) (int64, error) {
	m.gotSince = since
	return m.total, nil
}

func TestCredentialUsage(t *testing.T) {
	runner := newRunner(t, func(ctx context.Context) (string, error) { return "", nil })
	usage := &mockUsageReader{
		records: []models.CredentialUsage{
			{CredentialID: "cred-1", Operation: "search", Endpoint: "search.list", Cost: 100, Success: true, CreatedAt: time.Now()},
			{CredentialID: "cred-1", Operation: "videos", Endpoint: "videos.list", Cost: 1, Success: true, CreatedAt: time.Now()},
		},
		total: 101,
	}
	router := NewHandler(runner, &mockStatusReader{}, mockQueue{}, &mockCredentialAdmin{}).WithUsageReader(usage).Router()

	rec, body := do(t, router, http.MethodGet, "/credentials/cred-1/usage?limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, usage.gotLimit)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), usage.gotSince, time.Minute)
	assert.Equal(t, float64(101), body["cost_24h"])
	assert.Len(t, body["usage"], 2)

	rec, _ = do(t, router, http.MethodGet, "/credentials/cred-1/usage?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	usage.listErr = errors.New("db down")
	rec, _ = do(t, router, http.MethodGet, "/credentials/cred-1/usage")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, defaultUsageLimit, usage.gotLimit)
}

func TestCredentials_MaskedAndReset(t *testing.T) {
	runner := newRunner(t, func(ctx context.Context) (string, error) { return "", nil })
	admin := &mockCredentialAdmin{creds: []models.Credential{{
		ID:         "cred-1",
		Name:       "primary",
		Secret:     "AIzaSyExampleKey123456",
		IsActive:   true,
		IsValid:    true,
		QuotaLimit: 10000,
		QuotaUsed:  2500,
	}}}
	router := NewHandler(runner, &mockStatusReader{}, mockQueue{}, admin).Router()

	rec, body := do(t, router, http.MethodGet, "/credentials")
	require.Equal(t, http.StatusOK, rec.Code)
	creds := body["credentials"].([]interface{})
	require.Len(t, creds, 1)
	cred := creds[0].(map[string]interface{})
	assert.Equal(t, "AIza**************3456", cred["secret"])
	assert.NotContains(t, rec.Body.String(), "AIzaSyExampleKey123456")
	assert.Equal(t, float64(7500), cred["remaining"])

	rec, _ = do(t, router, http.MethodPost, "/credentials/cred-1/reset")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"cred-1"}, admin.resets)

	rec, _ = do(t, router, http.MethodPost, "/credentials/ghost/reset")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clock "github.com/tsundoku-io/tsundoku/internal/clock/system"
	"github.com/tsundoku-io/tsundoku/internal/engine"
	"github.com/tsundoku-io/tsundoku/internal/health"
	"github.com/tsundoku-io/tsundoku/internal/isolation"
	"github.com/tsundoku-io/tsundoku/internal/resolver"
	"github.com/tsundoku-io/tsundoku/internal/scheduler"
	"github.com/tsundoku-io/tsundoku/internal/storage/memory"
)

type fakeJobs struct {
	submitErr     error
	transitionErr error
	lastSubmit    scheduler.SubmitRequest
}

func (f *fakeJobs) Submit(_ context.Context, req scheduler.SubmitRequest) (engine.Job, error) {
	if f.submitErr != nil {
		return engine.Job{}, f.submitErr
	}
	f.lastSubmit = req
	return engine.Job{ID: "job-1", Type: req.Type, Status: engine.JobStatusPending}, nil
}

func (f *fakeJobs) Cancel(context.Context, string) error { return f.transitionErr }
func (f *fakeJobs) Pause(context.Context, string) error  { return f.transitionErr }
func (f *fakeJobs) Resume(context.Context, string) error { return f.transitionErr }

type fakeSearch struct {
	outcome    resolver.SearchOutcome
	searchErr  error
	refreshErr error
}

func (f *fakeSearch) Search(context.Context, engine.SearchQuery) (resolver.SearchOutcome, error) {
	return f.outcome, f.searchErr
}

func (f *fakeSearch) Refresh(_ context.Context, indexer, sourceID string) (engine.CanonicalEntry, error) {
	if f.refreshErr != nil {
		return engine.CanonicalEntry{}, f.refreshErr
	}
	return engine.CanonicalEntry{Indexer: indexer, SourceID: sourceID, Title: "Refreshed"}, nil
}

type fakeProviders struct {
	ranking []health.RankedProvider
	err     error
}

func (f *fakeProviders) Ranking(context.Context) ([]health.RankedProvider, error) {
	return f.ranking, f.err
}

func (f *fakeProviders) EnableProvider(context.Context, string) error  { return f.err }
func (f *fakeProviders) DisableProvider(context.Context, string) error { return f.err }

type serverFixture struct {
	server    *Server
	jobs      *fakeJobs
	search    *fakeSearch
	providers *fakeProviders
	jobStore  *memory.JobStore
	entries   *memory.EntryStore
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		jobs:      &fakeJobs{},
		search:    &fakeSearch{},
		providers: &fakeProviders{},
		jobStore:  memory.NewJobStore(),
		entries:   memory.NewEntryStore(),
	}
	f.server = NewServer(Deps{
		Jobs:      f.jobs,
		JobStore:  f.jobStore,
		Search:    f.search,
		Providers: f.providers,
		Isolation: isolation.New(isolation.Config{MaxConcurrentRequests: 4}, clock.Clock{}, nil, nil),
		Entries:   f.entries,
	})
	return f
}

func (f *serverFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoints(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitJob(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/jobs", `{"type":"download-series","priority":"high","payload":{"indexer":"source-a","source_id":"a-1"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, engine.JobType("download-series"), f.jobs.lastSubmit.Type)
	assert.Equal(t, engine.PriorityHigh, f.jobs.lastSubmit.Priority)

	body := decodeBody(t, rec)
	job := body["job"].(map[string]any)
	assert.Equal(t, "job-1", job["id"])
}

func TestSubmitJobValidation(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/jobs", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/jobs", `{"priority":"normal"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/jobs", `{"type":"download","priority":"urgent"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJobErrorMapping(t *testing.T) {
	f := newServerFixture(t)

	f.jobs.submitErr = scheduler.ErrQueueFull
	rec := f.do(t, http.MethodPost, "/v1/jobs", `{"type":"download"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	f.jobs.submitErr = scheduler.ErrUnknownJobType
	rec = f.do(t, http.MethodPost, "/v1/jobs", `{"type":"mystery"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.jobStore.CreateJob(context.Background(), engine.Job{
		ID: "job-1", Type: engine.JobTypeDownload, Status: engine.JobStatusRunning, Submitted: time.Now(),
	}))

	rec := f.do(t, http.MethodGet, "/v1/jobs/job-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "running", body["job"].(map[string]any)["status"])

	rec = f.do(t, http.MethodGet, "/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsFilters(t *testing.T) {
	f := newServerFixture(t)
	now := time.Now()
	require.NoError(t, f.jobStore.CreateJob(context.Background(), engine.Job{
		ID: "job-1", Type: engine.JobTypeDownload, Status: engine.JobStatusPending, Submitted: now,
	}))
	require.NoError(t, f.jobStore.CreateJob(context.Background(), engine.Job{
		ID: "job-2", Type: engine.JobTypeHealthCheck, Status: engine.JobStatusCompleted, Submitted: now,
	}))

	rec := f.do(t, http.MethodGet, "/v1/jobs?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])
}

func TestJobTransitions(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/jobs/job-1/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	f.jobs.transitionErr = scheduler.ErrJobTerminal
	rec = f.do(t, http.MethodPost, "/v1/jobs/job-1/pause", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.jobs.transitionErr = engine.ErrNotFound
	rec = f.do(t, http.MethodPost, "/v1/jobs/job-1/resume", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearch(t *testing.T) {
	f := newServerFixture(t)
	f.search.outcome = resolver.SearchOutcome{
		Entries:  []engine.CanonicalEntry{{Indexer: "source-a", SourceID: "a-1", Title: "Hit"}},
		Degraded: true,
	}

	rec := f.do(t, http.MethodGet, "/v1/search?q=hit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["degraded"])
	assert.Len(t, body["entries"], 1)
}

func TestSearchErrors(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/search", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing query")

	f.search.searchErr = engine.ErrAllTiersFailed
	rec = f.do(t, http.MethodGet, "/v1/search?q=down", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestProviders(t *testing.T) {
	f := newServerFixture(t)
	f.providers.ranking = []health.RankedProvider{
		{Adapter: "source-a", Score: 97.5, Status: engine.StatusActive},
	}

	rec := f.do(t, http.MethodGet, "/v1/providers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Len(t, body["providers"], 1)

	rec = f.do(t, http.MethodPost, "/v1/providers/source-a/disable", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	f.providers.err = engine.ErrNotFound
	rec = f.do(t, http.MethodPost, "/v1/providers/ghost/enable", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIsolationStatus(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/isolation", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEntryEndpoints(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.entries.UpsertEntry(context.Background(), engine.CanonicalEntry{
		Indexer: "source-a", SourceID: "a-1", Title: "Stored",
	}))

	rec := f.do(t, http.MethodGet, "/v1/entries/source-a/a-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Stored", body["entry"].(map[string]any)["title"])

	rec = f.do(t, http.MethodGet, "/v1/entries/source-a/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/entries/source-a/a-1/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "Refreshed", body["entry"].(map[string]any)["title"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JohanCodinha/qatrack/internal/diagnose"
	"github.com/JohanCodinha/qatrack/internal/jira"
	"github.com/JohanCodinha/qatrack/internal/status"
	"github.com/JohanCodinha/qatrack/internal/store"
	"github.com/JohanCodinha/qatrack/internal/sync"
	"github.com/JohanCodinha/qatrack/internal/zephyr"
)

type testEnv struct {
	server    *Server
	jira      *jira.MockServer
	zephyr    *zephyr.MockServer
	db        *store.DB
	backupDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, sync.Options{})
}

func newTestEnvWith(t *testing.T, opts sync.Options) *testEnv {
	t.Helper()

	jm := jira.NewMockServer()
	t.Cleanup(jm.Close)
	zm := zephyr.NewMockServer()
	t.Cleanup(zm.Close)

	db, err := store.Open(filepath.Join(t.TempDir(), "api.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	client := jira.NewWithBaseURL("test-token", jm.URL)
	statuses := status.NewMemoryStore()
	resolver := diagnose.New(client)
	rec := sync.NewReconciler(db, client, resolver, opts)
	cycles := sync.NewCycleSyncer(db, zephyr.New("test-token", zm.URL, 5*time.Second), client)
	runner := sync.NewRunner(rec, cycles, statuses)
	backupDir := filepath.Join(t.TempDir(), "backups")

	srv := NewServer(Deps{
		DB:       db,
		Jira:     client,
		Runner:   runner,
		Statuses: statuses,
		Resolver: resolver,
		Resetter: sync.NewResetter(db, statuses, backupDir),
		Cycles:   true,
	})
	t.Cleanup(runner.Wait)
	return &testEnv{server: srv, jira: jm, zephyr: zm, db: db, backupDir: backupDir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

// waitStatus polls until target reaches a terminal phase.
func (e *testEnv) waitStatus(t *testing.T, path string) status.Status {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		rec := e.do(t, http.MethodGet, path, nil)
		st := decode[status.Status](t, rec)
		if st.Phase == status.PhaseCompleted || st.Phase == status.PhaseError {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s did not finish", path)
	return status.Status{}
}

// seedDemo mirrors n DEMO issues through the API.
func (e *testEnv) seedDemo(t *testing.T, n int) {
	t.Helper()
	e.jira.AddProject("DEMO", "Demo Project")
	for i := 1; i <= n; i++ {
		key := fmt.Sprintf("DEMO-%d", i)
		e.jira.AddIssues("DEMO", jira.FakeIssue(key, "Issue "+key, "To Do"))
	}
	rec := e.do(t, http.MethodPost, "/api/sync/DEMO", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	st := e.waitStatus(t, "/api/sync/DEMO/status")
	require.Equal(t, status.PhaseCompleted, st.Phase, st.Message)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestConnection(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/connection", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["connected"])
	assert.Contains(t, rec.Body.String(), "Mock User")
}

func TestConnection_Unauthorized(t *testing.T) {
	env := newTestEnv(t)
	env.jira.RequireToken("other-token")
	rec := env.do(t, http.MethodGet, "/api/connection", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, ErrCodeUnauthorized, decode[ErrorResponse](t, rec).Error.Code)
}

func TestSyncThenBrowse(t *testing.T) {
	env := newTestEnv(t)
	env.seedDemo(t, 12)

	rec := env.do(t, http.MethodGet, "/api/projects", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	projects := decode[[]store.Project](t, rec)
	require.Len(t, projects, 1)
	assert.Equal(t, "Demo Project", projects[0].Name)

	rec = env.do(t, http.MethodGet, "/api/projects/DEMO", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 12, decode[projectResponse](t, rec).TaskCount)

	rec = env.do(t, http.MethodGet, "/api/projects/DEMO/tasks?qa_status=not_started", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.Task](t, rec), 12)

	rec = env.do(t, http.MethodGet, "/api/sync/runs?target=DEMO", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]store.SyncRun](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Phase)
}

func TestStatus_NotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/sync/NOPE/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	st := decode[status.Status](t, rec)
	assert.Equal(t, status.PhaseNotFound, st.Phase)
	assert.Equal(t, "NOPE", st.Target)
}

func TestStartSync_Selection(t *testing.T) {
	env := newTestEnv(t)
	env.jira.AddProject("DEMO", "Demo Project")
	env.jira.AddIssues("DEMO",
		jira.FakeIssue("DEMO-1", "one", "To Do"),
		jira.FakeIssue("DEMO-2", "two", "Done"),
	)

	rec := env.do(t, http.MethodPost, "/api/sync/DEMO", startSyncRequest{SelectedKeys: []string{"DEMO-2", "DEMO-9"}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	h := decode[map[string]any](t, rec)
	assert.Equal(t, "selected", h["run_kind"])
	assert.NotEmpty(t, h["run_id"])

	st := env.waitStatus(t, "/api/sync/DEMO/status")
	assert.Equal(t, status.PhaseCompleted, st.Phase)
	assert.Equal(t, []string{"DEMO-2", "DEMO-9"}, st.Selected)
	assert.Contains(t, st.Message, "DEMO-9")

	rec = env.do(t, http.MethodGet, "/api/projects/DEMO/tasks", nil)
	tasks := decode[[]store.Task](t, rec)
	require.Len(t, tasks, 1)
	assert.Equal(t, "DEMO-2", tasks[0].Key)
}

func TestStartSync_SelectionTooLarge(t *testing.T) {
	env := newTestEnv(t)
	keys := make([]string, sync.DefaultMaxSelection+1)
	for i := range keys {
		keys[i] = fmt.Sprintf("DEMO-%d", i+1)
	}
	rec := env.do(t, http.MethodPost, "/api/sync/DEMO", startSyncRequest{SelectedKeys: keys})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartSync_ConfiguredSelectionLimit(t *testing.T) {
	env := newTestEnvWith(t, sync.Options{MaxSelection: 2})
	env.seedDemo(t, 3)

	rec := env.do(t, http.MethodPost, "/api/sync/DEMO", startSyncRequest{SelectedKeys: []string{"DEMO-1", "DEMO-2", "DEMO-3"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "maximum of 2")

	large := newTestEnvWith(t, sync.Options{MaxSelection: sync.DefaultMaxSelection + 100})
	large.seedDemo(t, 1)
	keys := make([]string, sync.DefaultMaxSelection+1)
	for i := range keys {
		keys[i] = fmt.Sprintf("DEMO-%d", i+1)
	}
	rec = large.do(t, http.MethodPost, "/api/sync/DEMO", startSyncRequest{SelectedKeys: keys})
	require.Equal(t, http.StatusAccepted, rec.Code)
	h := decode[map[string]string](t, rec)
	assert.Equal(t, "selected", h["run_kind"])
	st := large.waitStatus(t, "/api/sync/DEMO/status")
	assert.Equal(t, status.PhaseCompleted, st.Phase, st.Message)
}

func TestStartSync_BadBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/sync/DEMO", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartSync_GoneProjectReportsError(t *testing.T) {
	env := newTestEnv(t)
	env.jira.SetProjectStatus("DEMO", http.StatusGone)

	rec := env.do(t, http.MethodPost, "/api/sync/DEMO", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	st := env.waitStatus(t, "/api/sync/DEMO/status")
	assert.Equal(t, status.PhaseError, st.Phase)
	assert.NotEmpty(t, st.Message)
}

func TestListTasks_InvalidQAStatus(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/projects/DEMO/tasks?qa_status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, ErrCodeInvalidQAStatus, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "qa_completed")
}

func TestUnknownProjectAndTask(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{
		"/api/projects/NOPE",
		"/api/projects/NOPE/tasks",
		"/api/projects/NOPE/report",
		"/api/projects/NOPE/export",
		"/api/tasks/NOPE-1",
		"/api/tasks/NOPE-1/links",
		"/api/zephyr/NOPE/cycles",
	} {
		rec := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, ErrCodeNotFound, decode[ErrorResponse](t, rec).Error.Code, path)
	}
}

func TestUpdateTask(t *testing.T) {
	env := newTestEnv(t)
	env.seedDemo(t, 3)

	qa, memo := store.QACompleted, "verified on staging"
	rec := env.do(t, http.MethodPatch, "/api/tasks/DEMO-2", updateTaskRequest{QAStatus: &qa, Memo: &memo})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	task := decode[store.Task](t, rec)
	assert.Equal(t, store.QACompleted, task.QAStatus)
	assert.Equal(t, memo, task.Memo)

	rec = env.do(t, http.MethodGet, "/api/projects/DEMO/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[store.Report](t, rec)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 1, report.ByQAStatus[store.QACompleted])
	assert.Equal(t, 2, report.ByQAStatus[store.QANotStarted])

	// Resync keeps the local QA fields.
	rec = env.do(t, http.MethodPost, "/api/sync/DEMO", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	env.waitStatus(t, "/api/sync/DEMO/status")
	rec = env.do(t, http.MethodGet, "/api/tasks/DEMO-2", nil)
	task = decode[store.Task](t, rec)
	assert.Equal(t, store.QACompleted, task.QAStatus)
	assert.Equal(t, memo, task.Memo)
}

func TestUpdateTask_Invalid(t *testing.T) {
	env := newTestEnv(t)
	env.seedDemo(t, 1)

	bad := "done-ish"
	rec := env.do(t, http.MethodPatch, "/api/tasks/DEMO-1", updateTaskRequest{QAStatus: &bad})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeInvalidQAStatus, decode[ErrorResponse](t, rec).Error.Code)

	rec = env.do(t, http.MethodPatch, "/api/tasks/DEMO-1", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExport(t *testing.T) {
	env := newTestEnv(t)
	env.seedDemo(t, 2)

	rec := env.do(t, http.MethodGet, "/api/projects/DEMO/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/markdown"))
	assert.Contains(t, rec.Body.String(), "## DEMO-1: Issue DEMO-1")

	rec = env.do(t, http.MethodGet, "/api/projects/DEMO/export?format=json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decode[map[string]any](t, rec)
	assert.Len(t, body["tasks"], 2)

	rec = env.do(t, http.MethodGet, "/api/projects/DEMO/export?format=csv", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLinks(t *testing.T) {
	env := newTestEnv(t)
	env.seedDemo(t, 1)

	ext := "ZC-77"
	rec := env.do(t, http.MethodPost, "/api/tasks/DEMO-1/links", createLinkRequest{
		CycleExternalID: &ext, Name: "Sprint 7 regression", LinkedBy: "qa", Reason: "regression",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	link := decode[store.Link](t, rec)
	assert.NotZero(t, link.ID)
	assert.True(t, link.Active)

	rec = env.do(t, http.MethodPost, "/api/tasks/DEMO-1/links", createLinkRequest{Name: "no cycle"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/tasks/DEMO-1/links", nil)
	assert.Len(t, decode[[]store.Link](t, rec), 1)

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/api/tasks/DEMO-1/links/%d", link.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/tasks/DEMO-1/links", nil)
	assert.Empty(t, decode[[]store.Link](t, rec))
	rec = env.do(t, http.MethodGet, "/api/tasks/DEMO-1/links?all=true", nil)
	all := decode[[]store.Link](t, rec)
	require.Len(t, all, 1)
	assert.False(t, all[0].Active)

	rec = env.do(t, http.MethodDelete, "/api/tasks/DEMO-1/links/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodDelete, "/api/tasks/DEMO-1/links/9999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDiagnoseAndAlternatives(t *testing.T) {
	env := newTestEnv(t)
	env.jira.SetProjectStatus("DEMO", http.StatusNotFound)
	env.jira.AddProject("DEMO2", "Demo Two")
	env.jira.AddIssues("DEMO2", jira.FakeIssue("DEMO2-1", "one", "To Do"))

	rec := env.do(t, http.MethodGet, "/api/sync/DEMO/diagnose", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	d := decode[diagnose.Diagnosis](t, rec)
	assert.False(t, d.Exists)
	require.NotEmpty(t, d.Alternatives)
	assert.Equal(t, "DEMO2", d.Alternatives[0].Key)

	rec = env.do(t, http.MethodGet, "/api/sync/DEMO/alternatives", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	alts := decode[[]diagnose.Alternative](t, rec)
	require.Len(t, alts, 1)
	assert.Equal(t, 1, alts[0].IssueCount)
}

func TestReset(t *testing.T) {
	env := newTestEnv(t)
	env.seedDemo(t, 4)

	rec := env.do(t, http.MethodDelete, "/api/sync/DEMO", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rep := decode[sync.ResetReport](t, rec)
	assert.Equal(t, int64(4), rep.Deleted.Tasks)
	require.Len(t, rep.Backups, 1)
	_, err := os.Stat(rep.Backups[0])
	assert.NoError(t, err)

	rec = env.do(t, http.MethodGet, "/api/projects/DEMO", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/sync/DEMO/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/sync/DEMO", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResetAll(t *testing.T) {
	env := newTestEnv(t)
	env.seedDemo(t, 2)

	rec := env.do(t, http.MethodDelete, "/api/sync/ALL", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rep := decode[sync.ResetReport](t, rec)
	assert.Equal(t, store.ResetAll, rep.Target)
	assert.Equal(t, int64(1), rep.Deleted.Runs)

	rec = env.do(t, http.MethodGet, "/api/projects", nil)
	assert.Empty(t, decode[[]store.Project](t, rec))
}

func TestCycles(t *testing.T) {
	env := newTestEnv(t)
	env.zephyr.AddProject("DEMO")
	env.zephyr.AddCycles("DEMO",
		zephyr.FakeCycle(1, "DEMO", "Sprint 1"),
		zephyr.FakeCycle(2, "DEMO", "Sprint 2"),
	)

	rec := env.do(t, http.MethodPost, "/api/zephyr/DEMO/cycles/sync", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	st := env.waitStatus(t, "/api/zephyr/DEMO/cycles/status")
	assert.Equal(t, status.PhaseCompleted, st.Phase, st.Message)

	rec = env.do(t, http.MethodGet, "/api/zephyr/DEMO/cycles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.TestCycle](t, rec), 2)
}

func TestCycles_NotConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.server.deps.Cycles = false
	rec := env.do(t, http.MethodPost, "/api/zephyr/DEMO/cycles/sync", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, ErrCodeNotConfigured, decode[ErrorResponse](t, rec).Error.Code)
}

func TestStartAndShutdown(t *testing.T) {
	env := newTestEnv(t)
	addr, err := env.server.Start("127.0.0.1:0")
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := requestIDMiddleware(recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "rid-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, ErrCodeInternal, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "rid-1")
}

package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"

	"github.com/JohanCodinha/qatrack/internal/diagnose"
	"github.com/JohanCodinha/qatrack/internal/jira"
	"github.com/JohanCodinha/qatrack/internal/logger"
	"github.com/JohanCodinha/qatrack/internal/store"
)

func openDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 4)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func fakeIssues(projectKey string, n int) []jira.RawIssue {
	issues := make([]jira.RawIssue, 0, n)
	for i := 1; i <= n; i++ {
		key := fmt.Sprintf("%s-%d", projectKey, i)
		issues = append(issues, jira.FakeIssue(key, "Issue "+key, "To Do"))
	}
	return issues
}

// fakeRemote serves a fixed set of issues without HTTP.
type fakeRemote struct {
	mu       gosync.Mutex
	issues   []jira.RawIssue
	projects []jira.Project
	fetchErr error
	listErr  error
	fetches  int
}

func (f *fakeRemote) setIssues(issues []jira.RawIssue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues = issues
}

func (f *fakeRemote) FetchProjectIssues(ctx context.Context, projectKey string, opts jira.FetchOptions) ([]jira.RawIssue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]jira.RawIssue(nil), f.issues...), nil
}

func (f *fakeRemote) GetIssue(ctx context.Context, key string) (jira.RawIssue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, is := range f.issues {
		if is.Key() == key {
			return is, nil
		}
	}
	return nil, &jira.APIError{Method: "GET", Path: "/issue/" + key, StatusCode: 404, Status: "404 Not Found"}
}

func (f *fakeRemote) ListProjects(ctx context.Context) ([]jira.Project, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.projects, nil
}

func withDescription(issue jira.RawIssue, desc any) jira.RawIssue {
	fields := issue["fields"].(map[string]any)
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	copied["description"] = desc
	return jira.RawIssue{"id": issue["id"], "key": issue["key"], "fields": copied}
}

func lastRun(t *testing.T, db *store.DB, target string) store.SyncRun {
	t.Helper()
	runs, err := db.ListRuns(context.Background(), target, 1)
	if err != nil {
		t.Fatalf("ListRuns() error: %v", err)
	}
	if len(runs) == 0 {
		t.Fatalf("no sync run recorded for %s", target)
	}
	return runs[0]
}

// =============================================================================
// Concrete scenarios
// =============================================================================

func TestReconcile_Demo120Issues(t *testing.T) {
	mock := jira.NewMockServer()
	defer mock.Close()
	mock.AddProject("DEMO", "Demo Project")
	mock.AddIssues("DEMO", fakeIssues("DEMO", 120)...)

	db := openDB(t)
	client := jira.NewWithBaseURL("test-token", mock.URL)
	rec := NewReconciler(db, client, nil, Options{})

	res, err := rec.Reconcile(context.Background(), Request{ProjectKey: "DEMO", RunID: "run-1"}, nil)
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}

	if calls := mock.SearchCalls(); len(calls) != 2 {
		t.Errorf("expected 2 page fetches, got %d: %+v", len(calls), calls)
	}
	if res.Total != 120 || res.Created != 120 || res.Updated != 0 {
		t.Errorf("result = %+v, want 120 created", res)
	}

	ctx := context.Background()
	projects, err := db.ListProjects(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 || projects[0].Key != "DEMO" || projects[0].Name != "Demo Project" {
		t.Errorf("projects = %+v, want one DEMO row named from the remote list", projects)
	}
	if projects[0].LastSyncAt == "" {
		t.Error("project last_sync_at should be set")
	}

	n, err := db.CountTasks(ctx, "DEMO")
	if err != nil {
		t.Fatal(err)
	}
	if n != 120 {
		t.Errorf("CountTasks = %d, want 120", n)
	}

	run := lastRun(t, db, "DEMO")
	if run.RunID != "run-1" || run.RunKind != store.RunFull || run.Phase != "completed" {
		t.Errorf("run = %+v, want completed full run-1", run)
	}
	if run.TotalItems != 120 || run.ProcessedItems != 120 || run.FailedItems != 0 {
		t.Errorf("run counts = %d/%d/%d, want 120/120/0", run.TotalItems, run.ProcessedItems, run.FailedItems)
	}
	if run.CompletedAt == "" {
		t.Error("completed_at should be set")
	}
}

func TestReconcile_SelectionWithMissingKey(t *testing.T) {
	mock := jira.NewMockServer()
	defer mock.Close()
	mock.AddProject("DEMO", "Demo Project")
	mock.AddIssues("DEMO", fakeIssues("DEMO", 5)...)

	var logs bytes.Buffer
	logger.SetOutput(&logs)
	defer logger.SetOutput(os.Stderr)

	db := openDB(t)
	rec := NewReconciler(db, jira.NewWithBaseURL("test-token", mock.URL), nil, Options{})

	res, err := rec.Reconcile(context.Background(), Request{
		ProjectKey: "DEMO",
		Selected:   []string{"DEMO-1", "DEMO-2", "DEMO-404"},
		RunID:      "sel-1",
	}, nil)
	if err != nil {
		t.Fatalf("Reconcile() should succeed, got %v", err)
	}

	n, _ := db.CountTasks(context.Background(), "DEMO")
	if n != 2 {
		t.Errorf("CountTasks = %d, want 2", n)
	}
	if len(res.Missing) != 1 || res.Missing[0] != "DEMO-404" {
		t.Errorf("Missing = %v, want [DEMO-404]", res.Missing)
	}
	if len(mock.SearchCalls()) != 0 {
		t.Error("selection sync should not search the project")
	}

	run := lastRun(t, db, "DEMO")
	if run.Phase != "completed" || run.RunKind != store.RunSelected {
		t.Errorf("run = %+v, want completed selected run", run)
	}
	if !strings.Contains(run.Message, "DEMO-404") {
		t.Errorf("run message should name the missing key, got %q", run.Message)
	}
	if !strings.Contains(logs.String(), "DEMO-404") || !strings.Contains(logs.String(), "WARN") {
		t.Errorf("expected a warning for DEMO-404, logs:\n%s", logs.String())
	}
}

func TestReconcile_GoneProjectFailsWithDiagnosis(t *testing.T) {
	mock := jira.NewMockServer()
	defer mock.Close()
	mock.AddProject("DEMO", "Demo Project")
	mock.AddProject("DEMO2", "Demo Two")
	mock.AddIssues("DEMO2", fakeIssues("DEMO2", 4)...)
	mock.SetProjectStatus("DEMO", 410)

	db := openDB(t)
	client := jira.NewWithBaseURL("test-token", mock.URL)
	rec := NewReconciler(db, client, diagnose.New(client), Options{})

	res, err := rec.Reconcile(context.Background(), Request{ProjectKey: "DEMO", RunID: "gone-1"}, nil)
	var ladderErr *jira.LadderError
	if !errors.As(err, &ladderErr) || !ladderErr.ShortCircuited {
		t.Fatalf("expected short-circuited ladder error, got %v", err)
	}
	if len(mock.SearchQueries()) != 1 {
		t.Errorf("410 on the first query should stop the ladder, got %d queries", len(mock.SearchQueries()))
	}

	if res.Diagnosis == nil || res.Diagnosis.Exists {
		t.Fatalf("expected a not-found diagnosis, got %+v", res.Diagnosis)
	}
	if len(res.Diagnosis.Alternatives) == 0 || res.Diagnosis.Alternatives[0].Key != "DEMO2" {
		t.Errorf("alternatives = %+v, want DEMO2", res.Diagnosis.Alternatives)
	}

	run := lastRun(t, db, "DEMO")
	if run.Phase != "error" || run.ErrorMessage != err.Error() {
		t.Errorf("run = %+v, want phase error carrying %q", run, err.Error())
	}
}

func TestReconcile_ZeroResultsRecordsDiagnosis(t *testing.T) {
	mock := jira.NewMockServer()
	defer mock.Close()
	mock.AddProject("EMPTY", "Empty Project")

	db := openDB(t)
	client := jira.NewWithBaseURL("test-token", mock.URL)
	rec := NewReconciler(db, client, diagnose.New(client), Options{})

	res, err := rec.Reconcile(context.Background(), Request{ProjectKey: "EMPTY", RunID: "empty-1"}, nil)
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if res.Total != 0 || res.Diagnosis == nil {
		t.Fatalf("result = %+v, want zero records with a diagnosis", res)
	}
	if !res.Diagnosis.Exists || res.Diagnosis.IssueCount != 0 {
		t.Errorf("diagnosis = %+v, want existing empty project", res.Diagnosis)
	}

	run := lastRun(t, db, "EMPTY")
	if run.Phase != "completed" {
		t.Errorf("zero results should still complete, got %s", run.Phase)
	}
	if run.Message != res.Diagnosis.Summary() {
		t.Errorf("run message = %q, want diagnosis summary %q", run.Message, res.Diagnosis.Summary())
	}
}

// =============================================================================
// Properties
// =============================================================================

func TestReconcile_Idempotent(t *testing.T) {
	db := openDB(t)
	remote := &fakeRemote{issues: fakeIssues("DEMO", 30)}
	rec := NewReconciler(db, remote, nil, Options{BatchSize: 8})
	ctx := context.Background()

	if _, err := rec.Reconcile(ctx, Request{ProjectKey: "DEMO", RunID: "a"}, nil); err != nil {
		t.Fatal(err)
	}
	before, err := db.ListTasks(ctx, store.TaskFilter{ProjectKey: "DEMO"})
	if err != nil {
		t.Fatal(err)
	}

	res, err := rec.Reconcile(ctx, Request{ProjectKey: "DEMO", RunID: "b"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 0 || res.Updated != 30 {
		t.Errorf("second run = %+v, want 30 updated and none created", res)
	}

	after, err := db.ListTasks(ctx, store.TaskFilter{ProjectKey: "DEMO"})
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Fatalf("task count changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		b, a := before[i], after[i]
		b.LastSyncAt, a.LastSyncAt = "", ""
		if a != b {
			t.Errorf("task %s changed on re-sync:\nbefore %+v\nafter  %+v", b.Key, b, a)
		}
	}

	projects, _ := db.ListProjects(ctx)
	if len(projects) != 1 {
		t.Errorf("expected 1 project, got %d", len(projects))
	}
}

func TestReconcile_PreservesQAStatusAndMemo(t *testing.T) {
	db := openDB(t)
	remote := &fakeRemote{issues: fakeIssues("DEMO", 3)}
	rec := NewReconciler(db, remote, nil, Options{})
	ctx := context.Background()

	if _, err := rec.Reconcile(ctx, Request{ProjectKey: "DEMO"}, nil); err != nil {
		t.Fatal(err)
	}

	qa, memo := store.QACompleted, "verified on staging"
	if err := db.UpdateTask(ctx, "DEMO-2", store.TaskUpdate{QAStatus: &qa, Memo: &memo}); err != nil {
		t.Fatal(err)
	}

	remote.setIssues([]jira.RawIssue{
		jira.FakeIssue("DEMO-1", "Issue DEMO-1", "Done"),
		jira.FakeIssue("DEMO-2", "Renamed", "Done"),
		jira.FakeIssue("DEMO-3", "Issue DEMO-3", "Done"),
	})
	if _, err := rec.Reconcile(ctx, Request{ProjectKey: "DEMO"}, nil); err != nil {
		t.Fatal(err)
	}

	task, err := db.GetTaskByKey(ctx, "DEMO-2")
	if err != nil {
		t.Fatal(err)
	}
	if task.QAStatus != store.QACompleted || task.Memo != memo {
		t.Errorf("qa_status/memo = %q/%q, want %q/%q", task.QAStatus, task.Memo, store.QACompleted, memo)
	}
	if task.Title != "Renamed" || task.RemoteStatus != "Done" {
		t.Errorf("remote fields not updated: %+v", task)
	}

	other, _ := db.GetTaskByKey(ctx, "DEMO-1")
	if other.QAStatus != store.QANotStarted {
		t.Errorf("new tasks should default to not_started, got %q", other.QAStatus)
	}
}

func TestReconcile_EmptyDescriptionKeepsExisting(t *testing.T) {
	db := openDB(t)
	issue := jira.FakeIssue("DEMO-1", "Issue", "To Do")
	remote := &fakeRemote{issues: []jira.RawIssue{issue}}
	rec := NewReconciler(db, remote, nil, Options{})
	ctx := context.Background()

	if _, err := rec.Reconcile(ctx, Request{ProjectKey: "DEMO"}, nil); err != nil {
		t.Fatal(err)
	}

	for _, empty := range []any{nil, ""} {
		remote.setIssues([]jira.RawIssue{withDescription(issue, empty)})
		if _, err := rec.Reconcile(ctx, Request{ProjectKey: "DEMO"}, nil); err != nil {
			t.Fatal(err)
		}
		task, _ := db.GetTaskByKey(ctx, "DEMO-1")
		if task.Description != "Details for DEMO-1" {
			t.Errorf("description = %q after empty update %#v, want it kept", task.Description, empty)
		}
	}

	remote.setIssues([]jira.RawIssue{withDescription(issue, "Rewritten")})
	if _, err := rec.Reconcile(ctx, Request{ProjectKey: "DEMO"}, nil); err != nil {
		t.Fatal(err)
	}
	task, _ := db.GetTaskByKey(ctx, "DEMO-1")
	if task.Description != "Rewritten" {
		t.Errorf("description = %q, want Rewritten", task.Description)
	}
}

func TestReconcile_ProgressAfterEveryRecord(t *testing.T) {
	db := openDB(t)
	remote := &fakeRemote{issues: fakeIssues("DEMO", 12)}
	rec := NewReconciler(db, remote, nil, Options{BatchSize: 5})

	var processed []int
	var keys []string
	_, err := rec.Reconcile(context.Background(), Request{ProjectKey: "DEMO"}, func(p, total int, key string) {
		if total != 12 {
			t.Errorf("total = %d, want 12", total)
		}
		processed = append(processed, p)
		keys = append(keys, key)
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(processed) != 13 {
		t.Fatalf("expected 13 callbacks, got %d", len(processed))
	}
	for i, p := range processed {
		if p != i {
			t.Errorf("callback %d reported processed=%d", i, p)
		}
	}
	if keys[0] != "" || keys[12] != "DEMO-12" {
		t.Errorf("keys = %v", keys)
	}
}

func TestReconcile_SkipsBadRecords(t *testing.T) {
	db := openDB(t)
	issues := fakeIssues("DEMO", 19)
	// no key: cannot be upserted
	issues = append(issues[:10], append([]jira.RawIssue{{"fields": map[string]any{"summary": "orphan"}}}, issues[10:]...)...)
	remote := &fakeRemote{issues: issues}
	rec := NewReconciler(db, remote, nil, Options{BatchSize: 7})

	res, err := rec.Reconcile(context.Background(), Request{ProjectKey: "DEMO"}, nil)
	if err != nil {
		t.Fatalf("a bad record should not fail the run: %v", err)
	}
	if res.Total != 20 || res.Created != 19 || res.Failed != 1 {
		t.Errorf("result = %+v, want 20 total, 19 created, 1 failed", res)
	}

	n, _ := db.CountTasks(context.Background(), "DEMO")
	if n != 19 {
		t.Errorf("CountTasks = %d, want 19", n)
	}
	run := lastRun(t, db, "DEMO")
	if run.ProcessedItems != 19 || run.FailedItems != 1 || run.TotalItems != 20 {
		t.Errorf("run counts = %+v", run)
	}
}

func TestReconcile_ProjectNameFallsBackToKey(t *testing.T) {
	db := openDB(t)
	remote := &fakeRemote{issues: fakeIssues("DEMO", 1), listErr: errors.New("boom")}
	rec := NewReconciler(db, remote, nil, Options{})

	if _, err := rec.Reconcile(context.Background(), Request{ProjectKey: "DEMO"}, nil); err != nil {
		t.Fatal(err)
	}
	p, err := db.GetProjectByKey(context.Background(), "DEMO")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "DEMO" {
		t.Errorf("Name = %q, want DEMO", p.Name)
	}
}

func TestReconcile_FetchErrorMarksRun(t *testing.T) {
	db := openDB(t)
	fetchErr := &jira.ConnectivityError{Op: "search", Kind: "timeout", Timeout: true, Err: errors.New("deadline exceeded")}
	remote := &fakeRemote{fetchErr: fetchErr}
	rec := NewReconciler(db, remote, nil, Options{})

	_, err := rec.Reconcile(context.Background(), Request{ProjectKey: "DEMO", RunID: "x"}, nil)
	if !jira.IsConnectivity(err) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
	run := lastRun(t, db, "DEMO")
	if run.Phase != "error" || run.ErrorMessage != err.Error() {
		t.Errorf("run = %+v", run)
	}
}

func TestReconcile_FailureAfterFetchKeepsTotal(t *testing.T) {
	db := openDB(t)
	rec := NewReconciler(db, &fakeRemote{issues: fakeIssues("DEMO", 120)}, nil, Options{BatchSize: 50})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := rec.Reconcile(ctx, Request{ProjectKey: "DEMO", RunID: "cancelled"}, func(processed, total int, key string) {
		if processed == 60 {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	run := lastRun(t, db, "DEMO")
	if run.Phase != "error" {
		t.Errorf("Phase = %q, want error", run.Phase)
	}
	if run.TotalItems != 120 {
		t.Errorf("TotalItems = %d, want 120", run.TotalItems)
	}
	if run.ProcessedItems != 60 {
		t.Errorf("ProcessedItems = %d, want 60", run.ProcessedItems)
	}
}

func TestReconcile_SelectionLimit(t *testing.T) {
	db := openDB(t)
	remote := &fakeRemote{issues: fakeIssues("DEMO", 5)}
	rec := NewReconciler(db, remote, nil, Options{MaxSelection: 2})

	_, err := rec.Reconcile(context.Background(), Request{
		ProjectKey: "DEMO",
		Selected:   []string{"DEMO-1", "DEMO-2", "DEMO-3"},
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "exceeds the maximum") {
		t.Fatalf("expected selection limit error, got %v", err)
	}

	// duplicates do not count against the limit
	_, err = rec.Reconcile(context.Background(), Request{
		ProjectKey: "DEMO",
		Selected:   []string{"DEMO-1", " DEMO-1", "DEMO-2", ""},
	}, nil)
	if err != nil {
		t.Fatalf("deduplicated selection should pass: %v", err)
	}
}

func TestReconcile_RequiresProjectKey(t *testing.T) {
	rec := NewReconciler(openDB(t), &fakeRemote{}, nil, Options{})
	if _, err := rec.Reconcile(context.Background(), Request{ProjectKey: "  "}, nil); err == nil {
		t.Error("expected error for empty project key")
	}
}

func TestDedupeKeys(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"empty", nil, []string{}},
		{"keeps order", []string{"B-2", "A-1"}, []string{"B-2", "A-1"}},
		{"drops duplicates and blanks", []string{"A-1", "", " A-1 ", "A-2"}, []string{"A-1", "A-2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dedupeKeys(tt.in)
			if strings.Join(got, ",") != strings.Join(tt.want, ",") || len(got) != len(tt.want) {
				t.Errorf("dedupeKeys(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// Package sync reconciles remote Jira issues and Zephyr cycles into the local store.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/JohanCodinha/qatrack/internal/diagnose"
	"github.com/JohanCodinha/qatrack/internal/jira"
	"github.com/JohanCodinha/qatrack/internal/logger"
	"github.com/JohanCodinha/qatrack/internal/store"
)

var tracer = otel.Tracer("github.com/JohanCodinha/qatrack/internal/sync")

// Defaults for Options.
const (
	DefaultBatchSize    = 50
	DefaultMaxSelection = 500
)

// Remote is the subset of the Jira client the reconciler reads from.
type Remote interface {
	FetchProjectIssues(ctx context.Context, projectKey string, opts jira.FetchOptions) ([]jira.RawIssue, error)
	GetIssue(ctx context.Context, key string) (jira.RawIssue, error)
	ListProjects(ctx context.Context) ([]jira.Project, error)
}

// Diagnoser explains a run that found nothing.
type Diagnoser interface {
	Diagnose(ctx context.Context, key string) (*diagnose.Diagnosis, error)
}

// Options tunes a Reconciler.
type Options struct {
	BatchSize    int
	MaxSelection int
}

// Request describes one reconciliation.
type Request struct {
	ProjectKey string
	// Selected restricts the run to these issue keys when non-empty.
	Selected []string
	Quick    bool
	Cap      int
	RunID    string
}

// ProgressFunc is called after every record. processed is 0 right after
// the fetch.
type ProgressFunc func(processed, total int, key string)

// Result summarizes a finished reconciliation.
type Result struct {
	RunID      string              `json:"run_id"`
	ProjectKey string              `json:"project_key"`
	RunKind    string              `json:"run_kind"`
	Total      int                 `json:"total"`
	Created    int                 `json:"created"`
	Updated    int                 `json:"updated"`
	Failed     int                 `json:"failed"`
	Missing    []string            `json:"missing,omitempty"`
	Message    string              `json:"message,omitempty"`
	Diagnosis  *diagnose.Diagnosis `json:"diagnosis,omitempty"`
}

// Reconciler mirrors remote issues into the store.
type Reconciler struct {
	db           *store.DB
	remote       Remote
	diag         Diagnoser
	batchSize    int
	maxSelection int
}

// NewReconciler creates a Reconciler. diag may be nil.
func NewReconciler(db *store.DB, remote Remote, diag Diagnoser, opts Options) *Reconciler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxSelection <= 0 {
		opts.MaxSelection = DefaultMaxSelection
	}
	return &Reconciler{
		db:           db,
		remote:       remote,
		diag:         diag,
		batchSize:    opts.BatchSize,
		maxSelection: opts.MaxSelection,
	}
}

// Reconcile runs one reconciliation and records it as a sync run. The
// remote fetch runs on the shared pool; a dedicated storage session is held
// only while the records are written. A run-level failure marks the run as
// error and is returned unchanged.
func (r *Reconciler) Reconcile(ctx context.Context, req Request, progress ProgressFunc) (*Result, error) {
	if progress == nil {
		progress = func(int, int, string) {}
	}
	req.ProjectKey = strings.TrimSpace(req.ProjectKey)
	if req.ProjectKey == "" {
		return nil, errors.New("project key is required")
	}

	ctx, span := tracer.Start(ctx, "sync.reconcile")
	defer span.End()
	span.SetAttributes(
		attribute.String("sync.project", req.ProjectKey),
		attribute.String("sync.run_id", req.RunID),
		attribute.Int("sync.selected", len(req.Selected)),
	)

	res := &Result{RunID: req.RunID, ProjectKey: req.ProjectKey, RunKind: store.RunFull}
	if len(req.Selected) > 0 {
		res.RunKind = store.RunSelected
	}

	run := &store.SyncRun{RunID: req.RunID, TargetKey: req.ProjectKey, RunKind: res.RunKind, Phase: "starting"}
	if err := r.db.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	err := r.reconcile(ctx, run, req, res, progress)

	run.TotalItems = res.Total
	run.ProcessedItems = res.Created + res.Updated
	run.FailedItems = res.Failed
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("sync: run %s for %s failed: %v", req.RunID, req.ProjectKey, err)

		run.Phase = "error"
		run.ErrorMessage = err.Error()
		if ferr := r.db.FinishRun(context.WithoutCancel(ctx), run); ferr != nil {
			logger.Warn("sync: failed to record failure of run %s: %v", req.RunID, ferr)
		}
		return res, err
	}

	run.Phase = "completed"
	run.Message = res.Message
	if err := r.db.FinishRun(ctx, run); err != nil {
		return res, err
	}

	span.SetAttributes(attribute.Int("sync.total", res.Total), attribute.Int("sync.failed", res.Failed))
	logger.Info("sync: run %s for %s done: %d fetched, %d created, %d updated, %d failed",
		req.RunID, req.ProjectKey, res.Total, res.Created, res.Updated, res.Failed)
	return res, nil
}

// MaxSelection is the largest accepted selection after deduplication.
func (r *Reconciler) MaxSelection() int { return r.maxSelection }

func (r *Reconciler) reconcile(ctx context.Context, run *store.SyncRun, req Request, res *Result, progress ProgressFunc) error {
	project, err := ensureProject(ctx, r.db.Queries, r.remote, req.ProjectKey)
	if err != nil {
		return err
	}

	if err := r.db.UpdateRunProgress(ctx, run.ID, "fetching", 0, 0); err != nil {
		return err
	}

	var issues []jira.RawIssue
	if res.RunKind == store.RunSelected {
		issues, res.Missing, err = r.fetchSelected(ctx, req.Selected)
	} else {
		issues, err = r.remote.FetchProjectIssues(ctx, req.ProjectKey, jira.FetchOptions{Cap: req.Cap, Quick: req.Quick})
	}
	if err != nil {
		if jira.IsProjectMissing(err) {
			res.Diagnosis = r.diagnose(ctx, req.ProjectKey)
		}
		return err
	}

	res.Total = len(issues)
	logger.Debug("sync: fetched %d issues for %s", res.Total, req.ProjectKey)
	progress(0, res.Total, "")

	if err := r.write(ctx, run, project.ID, issues, res, progress); err != nil {
		return err
	}

	switch {
	case res.Total == 0 && res.RunKind == store.RunFull:
		res.Message = fmt.Sprintf("no issues found for %s", req.ProjectKey)
		if d := r.diagnose(ctx, req.ProjectKey); d != nil {
			res.Diagnosis = d
			res.Message = d.Summary()
		}
	case len(res.Missing) > 0:
		res.Message = fmt.Sprintf("synchronized %d of %d selected issues; not found: %s",
			res.Total, res.Total+len(res.Missing), strings.Join(res.Missing, ", "))
	}
	return nil
}

// write upserts the fetched issues on a session that is released before
// any further remote call.
func (r *Reconciler) write(ctx context.Context, run *store.SyncRun, projectID int64, issues []jira.RawIssue, res *Result, progress ProgressFunc) error {
	sess, err := r.db.Session(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := r.upsertAll(ctx, sess, run, projectID, issues, res, progress); err != nil {
		return err
	}
	return sess.TouchProject(ctx, projectID)
}

func (r *Reconciler) diagnose(ctx context.Context, key string) *diagnose.Diagnosis {
	if r.diag == nil {
		return nil
	}
	d, err := r.diag.Diagnose(ctx, key)
	if err != nil {
		logger.Warn("sync: diagnosing %s failed: %v", key, err)
		return nil
	}
	logger.Info("sync: diagnosis for %s", d.Summary())
	return d
}

// ProjectLister lists remote projects. It names newly created local projects.
type ProjectLister interface {
	ListProjects(ctx context.Context) ([]jira.Project, error)
}

// ensureProject returns the local project for key, creating it on first
// sight with the remote display name when lister knows it.
func ensureProject(ctx context.Context, q *store.Queries, lister ProjectLister, key string) (*store.Project, error) {
	p, err := q.GetProjectByKey(ctx, key)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	p = &store.Project{Key: key, Name: key}
	if lister != nil {
		remote, err := lister.ListProjects(ctx)
		if err != nil {
			logger.Warn("sync: could not list remote projects, using %s as name: %v", key, err)
		}
		for _, rp := range remote {
			if rp.Key == key {
				p.Name = rp.Name
				p.Description = rp.Description
				break
			}
		}
	}

	if err := q.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	logger.Info("sync: created project %s (%s)", p.Key, p.Name)
	return p, nil
}

// fetchSelected looks each selected key up. Keys the remote does not know
// are returned as missing.
func (r *Reconciler) fetchSelected(ctx context.Context, selected []string) ([]jira.RawIssue, []string, error) {
	keys := dedupeKeys(selected)
	if len(keys) > r.maxSelection {
		return nil, nil, fmt.Errorf("selection of %d issues exceeds the maximum of %d", len(keys), r.maxSelection)
	}

	var issues []jira.RawIssue
	var missing []string
	for _, key := range keys {
		issue, err := r.remote.GetIssue(ctx, key)
		switch {
		case err == nil:
			issues = append(issues, issue)
		case jira.IsUnauthorized(err), jira.IsConnectivity(err):
			return nil, nil, err
		default:
			logger.Warn("sync: selected issue %s skipped: %v", key, err)
			missing = append(missing, key)
		}
	}
	return issues, missing, nil
}

func dedupeKeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// upsertAll writes the records in batches of batchSize. Every write goes
// through the open batch while one exists.
func (r *Reconciler) upsertAll(ctx context.Context, sess *store.Session, run *store.SyncRun, projectID int64, issues []jira.RawIssue, res *Result, progress ProgressFunc) error {
	total := len(issues)
	if err := sess.UpdateRunProgress(ctx, run.ID, "processing", total, 0); err != nil {
		return err
	}

	batch, err := sess.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { batch.Rollback() }()

	inBatch := 0
	for i, raw := range issues {
		rec := jira.Normalize(raw)
		created, err := upsert(ctx, batch.Queries, projectID, rec)
		switch {
		case err != nil:
			res.Failed++
			logger.Warn("sync: skipping %s: %v", recordLabel(rec, i), err)
		case created:
			res.Created++
		default:
			res.Updated++
		}
		progress(i+1, total, rec.Key)

		inBatch++
		if inBatch < r.batchSize || i == total-1 {
			continue
		}
		if err := batch.UpdateRunProgress(ctx, run.ID, "processing", total, i+1); err != nil {
			return err
		}
		if err := batch.Commit(); err != nil {
			return err
		}
		logger.Debug("sync: committed batch at %d/%d", i+1, total)
		if batch, err = sess.Begin(ctx); err != nil {
			return err
		}
		inBatch = 0
	}

	if err := batch.UpdateRunProgress(ctx, run.ID, "finalizing", total, total); err != nil {
		return err
	}
	return batch.Commit()
}

func recordLabel(rec jira.Record, i int) string {
	if rec.Key != "" {
		return rec.Key
	}
	return fmt.Sprintf("record #%d", i+1)
}

// upsert creates or updates the task for rec. Locally owned fields are
// never written.
func upsert(ctx context.Context, q *store.Queries, projectID int64, rec jira.Record) (created bool, err error) {
	if rec.Key == "" {
		return false, errors.New("record has no key")
	}

	t := taskFromRecord(projectID, rec)
	_, err = q.GetTaskByKey(ctx, rec.Key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return true, q.CreateTask(ctx, t)
	case err != nil:
		return false, err
	default:
		return false, q.ApplyRemote(ctx, t)
	}
}

func taskFromRecord(projectID int64, rec jira.Record) *store.Task {
	return &store.Task{
		Key:           rec.Key,
		ExternalID:    rec.ID,
		Title:         rec.Summary,
		Description:   rec.Description,
		RemoteStatus:  rec.Status,
		IssueType:     rec.IssueType,
		Assignee:      rec.Assignee,
		AssigneeEmail: rec.AssigneeEmail,
		Reporter:      rec.Reporter,
		Priority:      rec.Priority,
		ProjectID:     projectID,
		Created:       rec.Created,
		Updated:       rec.Updated,
	}
}

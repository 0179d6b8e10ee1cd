package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/google/uuid"

	"github.com/JohanCodinha/qatrack/internal/logger"
	"github.com/JohanCodinha/qatrack/internal/status"
)

// Handle identifies a background run. Done is closed when it finishes.
type Handle struct {
	RunID  string          `json:"run_id"`
	Target string          `json:"target"`
	Kind   string          `json:"run_kind"`
	Done   <-chan struct{} `json:"-"`

	done   chan struct{}
	result *Result
	cycles *CycleResult
	err    error
}

func newHandle(runID, target, kind string) *Handle {
	done := make(chan struct{})
	return &Handle{RunID: runID, Target: target, Kind: kind, Done: done, done: done}
}

// Wait blocks until the run finishes or ctx is done, and returns the run's
// error.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the issue reconciliation result once Done is closed.
func (h *Handle) Result() *Result { return h.result }

// CycleResult returns the cycle reconciliation result once Done is closed.
func (h *Handle) CycleResult() *CycleResult { return h.cycles }

// Runner starts reconciliations in the background and reports their
// progress to a status store. Runs for the same target are not
// deduplicated.
type Runner struct {
	reconciler *Reconciler
	cycles     *CycleSyncer
	statuses   status.Store

	wg gosync.WaitGroup
}

// NewRunner creates a Runner. cycles may be nil when Zephyr is not configured.
func NewRunner(reconciler *Reconciler, cycles *CycleSyncer, statuses status.Store) *Runner {
	return &Runner{reconciler: reconciler, cycles: cycles, statuses: statuses}
}

// StartSync marks target as starting and reconciles it in the background.
// The run outlives ctx.
func (r *Runner) StartSync(ctx context.Context, req Request) (*Handle, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	kind := "full"
	if len(req.Selected) > 0 {
		kind = "selected"
	}
	if _, err := r.statuses.Start(ctx, req.ProjectKey, req.RunID, req.Selected); err != nil {
		return nil, fmt.Errorf("failed to record sync start: %w", err)
	}

	h := newHandle(req.RunID, req.ProjectKey, kind)
	rep := status.NewReporter(r.statuses, req.ProjectKey, req.RunID)
	runCtx := context.WithoutCancel(ctx)

	r.launch(h, rep, func() (int, error) {
		rep.Fetching(0, 1, "fetching issues from Jira")
		res, err := r.reconciler.Reconcile(runCtx, req, rep.Progress)
		h.result = res
		if res == nil {
			return 0, err
		}
		rep.SetFailed(res.Failed)
		if err == nil {
			rep.Finalizing(res.Created + res.Updated)
			rep.Completed(res.Created+res.Updated, res.Message)
		}
		return res.Created + res.Updated, err
	})
	return h, nil
}

// MaxSelection is the largest selection StartSync accepts.
func (r *Runner) MaxSelection() int { return r.reconciler.MaxSelection() }

// StartCycles reconciles the Zephyr test cycles of projectKey in the
// background. Its status is kept under "cycles:" + projectKey.
func (r *Runner) StartCycles(ctx context.Context, projectKey string) (*Handle, error) {
	if r.cycles == nil {
		return nil, fmt.Errorf("zephyr is not configured")
	}
	runID := uuid.NewString()
	target := CyclesTarget(projectKey)
	if _, err := r.statuses.Start(ctx, target, runID, nil); err != nil {
		return nil, fmt.Errorf("failed to record sync start: %w", err)
	}

	h := newHandle(runID, target, "cycles")
	rep := status.NewReporter(r.statuses, target, runID)
	runCtx := context.WithoutCancel(ctx)

	r.launch(h, rep, func() (int, error) {
		rep.Fetching(0, 1, "fetching test cycles from Zephyr")
		res, err := r.cycles.Sync(runCtx, projectKey, runID, rep.Progress)
		h.cycles = res
		if res == nil {
			return 0, err
		}
		rep.SetFailed(res.Failed)
		processed := res.Created + res.Updated
		if err == nil {
			rep.Finalizing(processed)
			rep.Completed(processed, fmt.Sprintf("%d cycles synchronized, %d failed", processed, res.Failed))
		}
		return processed, err
	})
	return h, nil
}

// CyclesTarget is the status key of a project's cycle runs.
func CyclesTarget(projectKey string) string {
	return "cycles:" + projectKey
}

func (r *Runner) launch(h *Handle, rep *status.Reporter, run func() (int, error)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(h.done)

		processed := 0
		defer func() {
			if p := recover(); p != nil {
				h.err = fmt.Errorf("sync run panicked: %v", p)
				logger.Error("sync: run %s for %s: %v", h.RunID, h.Target, h.err)
				rep.Failed(processed, h.err)
			}
		}()

		var err error
		processed, err = run()
		if err != nil {
			h.err = err
			rep.Failed(processed, err)
		}
	}()
}

// Wait blocks until every run started so far has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

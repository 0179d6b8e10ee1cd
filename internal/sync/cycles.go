package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/JohanCodinha/qatrack/internal/logger"
	"github.com/JohanCodinha/qatrack/internal/store"
	"github.com/JohanCodinha/qatrack/internal/zephyr"
)

// CycleSource lists the Zephyr test cycles of a project.
type CycleSource interface {
	ListTestCycles(ctx context.Context, projectKey string) ([]zephyr.TestCycle, error)
}

// CycleResult summarizes a cycle reconciliation.
type CycleResult struct {
	RunID      string `json:"run_id"`
	ProjectKey string `json:"project_key"`
	Total      int    `json:"total"`
	Created    int    `json:"created"`
	Updated    int    `json:"updated"`
	Failed     int    `json:"failed"`
}

// CycleSyncer mirrors Zephyr test cycles into the store. Unlike issue
// reconciliation, per-cycle failures are counted on the sync run.
type CycleSyncer struct {
	db       *store.DB
	source   CycleSource
	projects ProjectLister
}

// NewCycleSyncer creates a CycleSyncer. projects names newly created local
// projects and may be nil.
func NewCycleSyncer(db *store.DB, source CycleSource, projects ProjectLister) *CycleSyncer {
	return &CycleSyncer{db: db, source: source, projects: projects}
}

// Sync upserts every cycle of projectKey by external id.
func (c *CycleSyncer) Sync(ctx context.Context, projectKey, runID string, progress ProgressFunc) (*CycleResult, error) {
	if progress == nil {
		progress = func(int, int, string) {}
	}
	if c.source == nil {
		return nil, errors.New("zephyr is not configured")
	}

	ctx, span := tracer.Start(ctx, "sync.cycles")
	defer span.End()

	run := &store.SyncRun{RunID: runID, TargetKey: projectKey, RunKind: store.RunCycles, Phase: "starting"}
	if err := c.db.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	res := &CycleResult{RunID: runID, ProjectKey: projectKey}
	err := c.sync(ctx, run, res, progress)

	run.TotalItems = res.Total
	run.ProcessedItems = res.Created + res.Updated
	run.FailedItems = res.Failed
	if err != nil {
		logger.Error("sync: cycle run %s for %s failed: %v", runID, projectKey, err)
		run.Phase = "error"
		run.ErrorMessage = err.Error()
		if ferr := c.db.FinishRun(context.WithoutCancel(ctx), run); ferr != nil {
			logger.Warn("sync: failed to record failure of run %s: %v", runID, ferr)
		}
		return res, err
	}

	run.Phase = "completed"
	run.Message = fmt.Sprintf("%d cycles synchronized, %d failed", run.ProcessedItems, res.Failed)
	if err := c.db.FinishRun(ctx, run); err != nil {
		return res, err
	}
	logger.Info("sync: cycle run %s for %s: %s", runID, projectKey, run.Message)
	return res, nil
}

func (c *CycleSyncer) sync(ctx context.Context, run *store.SyncRun, res *CycleResult, progress ProgressFunc) error {
	project, err := ensureProject(ctx, c.db.Queries, c.projects, res.ProjectKey)
	if err != nil {
		return err
	}

	cycles, err := c.source.ListTestCycles(ctx, res.ProjectKey)
	if err != nil {
		return fmt.Errorf("failed to list test cycles: %w", err)
	}
	res.Total = len(cycles)
	progress(0, res.Total, "")

	sess, err := c.db.Session(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	batch, err := sess.Begin(ctx)
	if err != nil {
		return err
	}
	defer batch.Rollback()

	for i, zc := range cycles {
		created, err := upsertCycle(ctx, batch.Queries, project.ID, zc)
		switch {
		case err != nil:
			res.Failed++
			logger.Warn("sync: skipping cycle %s: %v", zc.Key, err)
		case created:
			res.Created++
		default:
			res.Updated++
		}
		progress(i+1, res.Total, zc.Key)
	}

	if err := batch.UpdateRunProgress(ctx, run.ID, "finalizing", res.Total, res.Created+res.Updated); err != nil {
		return err
	}
	return batch.Commit()
}

func upsertCycle(ctx context.Context, q *store.Queries, projectID int64, zc zephyr.TestCycle) (bool, error) {
	if zc.ID == 0 || zc.Key == "" {
		return false, fmt.Errorf("cycle %q has no id or key", zc.Name)
	}
	return q.UpsertCycle(ctx, cycleFromZephyr(projectID, zc))
}

func cycleFromZephyr(projectID int64, zc zephyr.TestCycle) *store.TestCycle {
	c := &store.TestCycle{
		ExternalID:   zc.ID,
		Key:          zc.Key,
		Name:         zc.Name,
		ProjectID:    projectID,
		PlannedStart: dateOnly(zc.PlannedStartDate),
		PlannedEnd:   dateOnly(zc.PlannedEndDate),
	}
	if zc.Status != nil {
		c.Status = strconv.FormatInt(zc.Status.ID, 10)
	}
	return c
}

func dateOnly(s string) string {
	if len(s) > 10 && s[10] == 'T' {
		return s[:10]
	}
	return s
}

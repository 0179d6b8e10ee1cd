package store

import (
	"context"
	"fmt"
)

// ResetAll is the target that clears the whole mirror and the audit trail.
const ResetAll = "all"

// ResetResult counts the rows a reset removed.
type ResetResult struct {
	Projects int64 `json:"projects"`
	Tasks    int64 `json:"tasks"`
	Cycles   int64 `json:"cycles"`
	Links    int64 `json:"links"`
	Runs     int64 `json:"runs"`
}

// Reset deletes the local mirror of target, or of every project when target
// is ResetAll. Only ResetAll removes sync_runs. This cannot be undone.
func (db *DB) Reset(ctx context.Context, target string) (*ResetResult, error) {
	var r ResetResult
	err := db.inTx(ctx, func(q *Queries) error {
		if target == ResetAll {
			return q.resetAll(ctx, &r)
		}
		return q.resetProject(ctx, target, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (q *Queries) count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := q.get(ctx, &n, query, args...)
	return n, err
}

func (q *Queries) resetProject(ctx context.Context, key string, r *ResetResult) error {
	p, err := q.GetProjectByKey(ctx, key)
	if err != nil {
		return err
	}

	// Links and cycles go with the tasks and project through ON DELETE
	// CASCADE; count them first.
	if r.Links, err = q.count(ctx, `
		SELECT COUNT(*) FROM task_cycle_links l JOIN tasks t ON t.id = l.task_id WHERE t.project_id = ?
	`, p.ID); err != nil {
		return fmt.Errorf("failed to count links: %w", err)
	}
	if r.Cycles, err = q.count(ctx, `SELECT COUNT(*) FROM test_cycles WHERE project_id = ?`, p.ID); err != nil {
		return fmt.Errorf("failed to count cycles: %w", err)
	}

	res, err := q.x.ExecContext(ctx, `DELETE FROM tasks WHERE project_id = ?`, p.ID)
	if err != nil {
		return fmt.Errorf("failed to delete tasks: %w", err)
	}
	r.Tasks, _ = res.RowsAffected()

	if _, err := q.x.ExecContext(ctx, `DELETE FROM test_cycles WHERE project_id = ?`, p.ID); err != nil {
		return fmt.Errorf("failed to delete cycles: %w", err)
	}
	if _, err := q.x.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, p.ID); err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	r.Projects = 1
	return nil
}

func (q *Queries) resetAll(ctx context.Context, r *ResetResult) error {
	tables := []struct {
		name string
		dst  *int64
	}{
		{"task_cycle_links", &r.Links},
		{"tasks", &r.Tasks},
		{"test_cycles", &r.Cycles},
		{"projects", &r.Projects},
		{"sync_runs", &r.Runs},
	}
	for _, t := range tables {
		res, err := q.x.ExecContext(ctx, `DELETE FROM `+t.name)
		if err != nil {
			return fmt.Errorf("failed to clear %s: %w", t.name, err)
		}
		*t.dst, _ = res.RowsAffected()
	}
	return nil
}

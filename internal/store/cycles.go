package store

import (
	"context"
	"fmt"
)

// TestCycle is the local mirror of a Zephyr test cycle.
type TestCycle struct {
	ID           int64  `db:"id" json:"id"`
	ExternalID   int64  `db:"external_id" json:"external_id"`
	Key          string `db:"key" json:"key"`
	Name         string `db:"name" json:"name"`
	Status       string `db:"status" json:"status"`
	ProjectID    int64  `db:"project_id" json:"project_id"`
	PlannedStart string `db:"planned_start" json:"planned_start"`
	PlannedEnd   string `db:"planned_end" json:"planned_end"`
	LastSyncAt   string `db:"last_sync_at" json:"last_sync_at"`
}

// Link associates a task with a test cycle, mirrored or not.
type Link struct {
	ID              int64   `db:"id" json:"id"`
	TaskID          int64   `db:"task_id" json:"task_id"`
	CycleID         *int64  `db:"cycle_id" json:"cycle_id,omitempty"`
	CycleExternalID *string `db:"cycle_external_id" json:"cycle_external_id,omitempty"`
	Name            string  `db:"name" json:"name"`
	LinkedBy        string  `db:"linked_by" json:"linked_by"`
	Reason          string  `db:"reason" json:"reason"`
	Active          bool    `db:"active" json:"active"`
	CreatedAt       string  `db:"created_at" json:"created_at"`
}

const cycleColumns = `c.id, c.external_id, c.key, c.name, c.status, c.project_id,
       c.planned_start, c.planned_end, c.last_sync_at`

// UpsertCycle inserts or updates a cycle by external id and reports whether
// it was created.
func (q *Queries) UpsertCycle(ctx context.Context, c *TestCycle) (created bool, err error) {
	c.LastSyncAt = now()

	var existing int64
	switch err := q.get(ctx, &existing, `SELECT id FROM test_cycles WHERE external_id = ?`, c.ExternalID); err {
	case nil:
		c.ID = existing
		_, err := q.x.ExecContext(ctx, `
			UPDATE test_cycles SET key = ?, name = ?, status = ?, project_id = ?,
				planned_start = ?, planned_end = ?, last_sync_at = ?
			WHERE id = ?
		`, c.Key, c.Name, c.Status, c.ProjectID, c.PlannedStart, c.PlannedEnd, c.LastSyncAt, c.ID)
		if err != nil {
			return false, fmt.Errorf("failed to update cycle %s: %w", c.Key, err)
		}
		return false, nil
	case ErrNotFound:
	default:
		return false, fmt.Errorf("failed to look up cycle %d: %w", c.ExternalID, err)
	}

	res, err := q.x.ExecContext(ctx, `
		INSERT INTO test_cycles (external_id, key, name, status, project_id, planned_start, planned_end, last_sync_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ExternalID, c.Key, c.Name, c.Status, c.ProjectID, c.PlannedStart, c.PlannedEnd, c.LastSyncAt)
	if err != nil {
		return false, fmt.Errorf("failed to create cycle %s: %w", c.Key, err)
	}
	c.ID, _ = res.LastInsertId()
	return true, nil
}

// GetCycle looks a cycle up by local id.
func (q *Queries) GetCycle(ctx context.Context, id int64) (*TestCycle, error) {
	var c TestCycle
	if err := q.get(ctx, &c, `SELECT `+cycleColumns+` FROM test_cycles c WHERE c.id = ?`, id); err != nil {
		return nil, fmt.Errorf("cycle %d: %w", id, err)
	}
	return &c, nil
}

// ListCycles returns a project's cycles ordered by key.
func (q *Queries) ListCycles(ctx context.Context, projectKey string) ([]TestCycle, error) {
	cycles := []TestCycle{}
	err := q.all(ctx, &cycles, `
		SELECT `+cycleColumns+`
		FROM test_cycles c JOIN projects p ON p.id = c.project_id
		WHERE p.key = ?
		ORDER BY c.key
	`, projectKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	return cycles, nil
}

// CreateLink links a task to a cycle. Either CycleID or CycleExternalID must
// be set; a mirrored cycle's name is used when Name is empty.
func (q *Queries) CreateLink(ctx context.Context, taskKey string, l *Link) error {
	if l.CycleID == nil && (l.CycleExternalID == nil || *l.CycleExternalID == "") {
		return fmt.Errorf("link needs a cycle id or an external cycle id")
	}

	task, err := q.GetTaskByKey(ctx, taskKey)
	if err != nil {
		return err
	}
	l.TaskID = task.ID

	if l.CycleID != nil {
		c, err := q.GetCycle(ctx, *l.CycleID)
		if err != nil {
			return err
		}
		if l.Name == "" {
			l.Name = c.Name
		}
	}

	l.CreatedAt = now()
	l.Active = true
	res, err := q.x.ExecContext(ctx, `
		INSERT INTO task_cycle_links (task_id, cycle_id, cycle_external_id, name, linked_by, reason, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
	`, l.TaskID, l.CycleID, l.CycleExternalID, l.Name, l.LinkedBy, l.Reason, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create link: %w", err)
	}
	l.ID, _ = res.LastInsertId()
	return nil
}

// ListLinks returns a task's links, newest first. Inactive links are only
// included when all is true.
func (q *Queries) ListLinks(ctx context.Context, taskKey string, all bool) ([]Link, error) {
	query := `
		SELECT l.id, l.task_id, l.cycle_id, l.cycle_external_id, l.name, l.linked_by,
		       l.reason, l.active, l.created_at
		FROM task_cycle_links l JOIN tasks t ON t.id = l.task_id
		WHERE t.key = ?`
	if !all {
		query += ` AND l.active = 1`
	}
	query += ` ORDER BY l.id DESC`

	links := []Link{}
	if err := q.all(ctx, &links, query, taskKey); err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	return links, nil
}

// DeactivateLink soft-deletes a link so its history is kept.
func (q *Queries) DeactivateLink(ctx context.Context, taskKey string, linkID int64) error {
	res, err := q.x.ExecContext(ctx, `
		UPDATE task_cycle_links SET active = 0
		WHERE id = ? AND active = 1 AND task_id = (SELECT id FROM tasks WHERE key = ?)
	`, linkID, taskKey)
	if err != nil {
		return fmt.Errorf("failed to deactivate link: %w", err)
	}
	return rowsAffected(res, fmt.Sprintf("active link %d on %s", linkID, taskKey))
}

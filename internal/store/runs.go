package store

import (
	"context"
	"fmt"
)

// Run kinds.
const (
	RunFull     = "full"
	RunSelected = "selected"
	RunCycles   = "cycles"
)

// SyncRun is the audit row of one reconciliation.
type SyncRun struct {
	ID             int64  `db:"id" json:"id"`
	RunID          string `db:"run_id" json:"run_id"`
	TargetKey      string `db:"target_key" json:"target_key"`
	RunKind        string `db:"run_kind" json:"run_kind"`
	Phase          string `db:"phase" json:"phase"`
	TotalItems     int    `db:"total_items" json:"total_items"`
	ProcessedItems int    `db:"processed_items" json:"processed_items"`
	FailedItems    int    `db:"failed_items" json:"failed_items"`
	Message        string `db:"message" json:"message,omitempty"`
	ErrorMessage   string `db:"error_message" json:"error_message,omitempty"`
	StartedAt      string `db:"started_at" json:"started_at"`
	CompletedAt    string `db:"completed_at" json:"completed_at,omitempty"`
}

const runColumns = `id, run_id, target_key, run_kind, phase, total_items, processed_items,
       failed_items, message, error_message, started_at, completed_at`

// CreateRun inserts an audit row and sets its ID.
func (q *Queries) CreateRun(ctx context.Context, r *SyncRun) error {
	if r.StartedAt == "" {
		r.StartedAt = now()
	}
	res, err := q.x.ExecContext(ctx, `
		INSERT INTO sync_runs (run_id, target_key, run_kind, phase, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.RunID, r.TargetKey, r.RunKind, r.Phase, r.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync run: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// UpdateRunProgress records intermediate counts for a running run.
func (q *Queries) UpdateRunProgress(ctx context.Context, id int64, phase string, total, processed int) error {
	res, err := q.x.ExecContext(ctx, `
		UPDATE sync_runs SET phase = ?, total_items = ?, processed_items = ? WHERE id = ?
	`, phase, total, processed, id)
	if err != nil {
		return fmt.Errorf("failed to update sync run: %w", err)
	}
	return rowsAffected(res, fmt.Sprintf("sync run %d", id))
}

// FinishRun writes the terminal state of a run.
func (q *Queries) FinishRun(ctx context.Context, r *SyncRun) error {
	r.CompletedAt = now()
	res, err := q.x.ExecContext(ctx, `
		UPDATE sync_runs SET
			phase = ?, total_items = ?, processed_items = ?, failed_items = ?,
			message = ?, error_message = ?, completed_at = ?
		WHERE id = ?
	`, r.Phase, r.TotalItems, r.ProcessedItems, r.FailedItems, r.Message, r.ErrorMessage, r.CompletedAt, r.ID)
	if err != nil {
		return fmt.Errorf("failed to finish sync run: %w", err)
	}
	return rowsAffected(res, fmt.Sprintf("sync run %d", r.ID))
}

// GetRun looks a run up by its run id.
func (q *Queries) GetRun(ctx context.Context, runID string) (*SyncRun, error) {
	var r SyncRun
	if err := q.get(ctx, &r, `SELECT `+runColumns+` FROM sync_runs WHERE run_id = ?`, runID); err != nil {
		return nil, fmt.Errorf("sync run %s: %w", runID, err)
	}
	return &r, nil
}

// ListRuns returns the newest runs first, optionally for one target.
func (q *Queries) ListRuns(ctx context.Context, target string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM sync_runs`
	args := []any{}
	if target != "" {
		query += ` WHERE target_key = ?`
		args = append(args, target)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	runs := []SyncRun{}
	if err := q.all(ctx, &runs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	return runs, nil
}

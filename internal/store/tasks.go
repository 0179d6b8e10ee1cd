package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidQAStatus is returned for an unknown qa_status label.
var ErrInvalidQAStatus = errors.New("invalid qa_status")

// QA workflow labels. Any label may follow any other.
const (
	QANotStarted = "not_started"
	QAStarted    = "qa_started"
	QAInProgress = "qa_in_progress"
	QACompleted  = "qa_completed"
)

// QAStatuses lists the valid qa_status labels in workflow order.
var QAStatuses = []string{QANotStarted, QAStarted, QAInProgress, QACompleted}

// ValidQAStatus reports whether s is a known qa_status label.
func ValidQAStatus(s string) bool {
	for _, v := range QAStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Project is the local shell of a remote project.
type Project struct {
	ID          int64  `db:"id" json:"id"`
	Key         string `db:"key" json:"key"`
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description"`
	Active      bool   `db:"active" json:"active"`
	LastSyncAt  string `db:"last_sync_at" json:"last_sync_at"`
	CreatedAt   string `db:"created_at" json:"created_at"`
}

// Task is the local mirror of a remote issue.
type Task struct {
	ID            int64  `db:"id" json:"id"`
	Key           string `db:"key" json:"key"`
	ExternalID    string `db:"external_id" json:"external_id"`
	Title         string `db:"title" json:"title"`
	Description   string `db:"description" json:"description"`
	RemoteStatus  string `db:"remote_status" json:"remote_status"`
	IssueType     string `db:"issue_type" json:"issue_type"`
	QAStatus      string `db:"qa_status" json:"qa_status"`
	Assignee      string `db:"assignee" json:"assignee"`
	AssigneeEmail string `db:"assignee_email" json:"assignee_email"`
	Reporter      string `db:"reporter" json:"reporter"`
	Priority      string `db:"priority" json:"priority"`
	ProjectID     int64  `db:"project_id" json:"project_id"`
	Memo          string `db:"memo" json:"memo"`
	Created       string `db:"created" json:"created"`
	Updated       string `db:"updated" json:"updated"`
	LastSyncAt    string `db:"last_sync_at" json:"last_sync_at"`
}

const projectColumns = `id, key, name, description, active, last_sync_at, created_at`

const taskColumns = `t.id, t.key, t.external_id, t.title, t.description, t.remote_status,
       t.issue_type, t.qa_status, t.assignee, t.assignee_email, t.reporter,
       t.priority, t.project_id, t.memo, t.created, t.updated, t.last_sync_at`

// GetProjectByKey looks a project up by its external key.
func (q *Queries) GetProjectByKey(ctx context.Context, key string) (*Project, error) {
	var p Project
	if err := q.get(ctx, &p, `SELECT `+projectColumns+` FROM projects WHERE key = ?`, key); err != nil {
		return nil, fmt.Errorf("project %s: %w", key, err)
	}
	return &p, nil
}

// CreateProject inserts a project and sets its ID.
func (q *Queries) CreateProject(ctx context.Context, p *Project) error {
	p.CreatedAt = now()
	res, err := q.x.ExecContext(ctx, `
		INSERT INTO projects (key, name, description, active, last_sync_at, created_at)
		VALUES (?, ?, ?, 1, ?, ?)
	`, p.Key, p.Name, p.Description, p.LastSyncAt, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create project %s: %w", p.Key, err)
	}
	p.ID, _ = res.LastInsertId()
	p.Active = true
	return nil
}

// TouchProject records a reconciliation of the project.
func (q *Queries) TouchProject(ctx context.Context, id int64) error {
	res, err := q.x.ExecContext(ctx, `UPDATE projects SET last_sync_at = ?, active = 1 WHERE id = ?`, now(), id)
	if err != nil {
		return fmt.Errorf("failed to touch project: %w", err)
	}
	return rowsAffected(res, fmt.Sprintf("project id %d", id))
}

// ListProjects returns all projects ordered by key.
func (q *Queries) ListProjects(ctx context.Context) ([]Project, error) {
	projects := []Project{}
	if err := q.all(ctx, &projects, `SELECT `+projectColumns+` FROM projects ORDER BY key`); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// GetTaskByKey looks a task up by its external key.
func (q *Queries) GetTaskByKey(ctx context.Context, key string) (*Task, error) {
	var t Task
	if err := q.get(ctx, &t, `SELECT `+taskColumns+` FROM tasks t WHERE t.key = ?`, key); err != nil {
		return nil, fmt.Errorf("task %s: %w", key, err)
	}
	return &t, nil
}

// CreateTask inserts a task. An empty QAStatus becomes not_started.
func (q *Queries) CreateTask(ctx context.Context, t *Task) error {
	if t.QAStatus == "" {
		t.QAStatus = QANotStarted
	}
	if t.LastSyncAt == "" {
		t.LastSyncAt = now()
	}
	res, err := q.x.ExecContext(ctx, `
		INSERT INTO tasks (
			key, external_id, title, description, remote_status, issue_type,
			qa_status, assignee, assignee_email, reporter, priority, project_id,
			memo, created, updated, last_sync_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.Key, t.ExternalID, t.Title, t.Description, t.RemoteStatus, t.IssueType,
		t.QAStatus, t.Assignee, t.AssigneeEmail, t.Reporter, t.Priority, t.ProjectID,
		t.Memo, t.Created, t.Updated, t.LastSyncAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", t.Key, err)
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

// ApplyRemote overwrites the remotely owned fields of an existing task.
// The description is kept when t.Description is empty; qa_status and memo
// are never written.
func (q *Queries) ApplyRemote(ctx context.Context, t *Task) error {
	if t.LastSyncAt == "" {
		t.LastSyncAt = now()
	}
	res, err := q.x.ExecContext(ctx, `
		UPDATE tasks SET
			external_id = ?,
			title = ?,
			description = CASE WHEN ? <> '' THEN ? ELSE description END,
			remote_status = ?,
			issue_type = ?,
			assignee = ?,
			assignee_email = ?,
			reporter = ?,
			priority = ?,
			project_id = ?,
			created = ?,
			updated = ?,
			last_sync_at = ?
		WHERE key = ?
	`,
		t.ExternalID, t.Title, t.Description, t.Description, t.RemoteStatus, t.IssueType,
		t.Assignee, t.AssigneeEmail, t.Reporter, t.Priority, t.ProjectID,
		t.Created, t.Updated, t.LastSyncAt, t.Key,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.Key, err)
	}
	return rowsAffected(res, "task "+t.Key)
}

// TaskUpdate contains the locally owned fields a user may change.
// Nil fields are not updated.
type TaskUpdate struct {
	QAStatus *string
	Memo     *string
}

// UpdateTask applies a user edit to a task.
func (q *Queries) UpdateTask(ctx context.Context, key string, update TaskUpdate) error {
	var setClauses []string
	var args []any

	if update.QAStatus != nil {
		if !ValidQAStatus(*update.QAStatus) {
			return fmt.Errorf("%w %q: valid values are %s", ErrInvalidQAStatus, *update.QAStatus, strings.Join(QAStatuses, ", "))
		}
		setClauses = append(setClauses, "qa_status = ?")
		args = append(args, *update.QAStatus)
	}
	if update.Memo != nil {
		setClauses = append(setClauses, "memo = ?")
		args = append(args, *update.Memo)
	}
	if len(setClauses) == 0 {
		return nil
	}
	args = append(args, key)

	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE key = ?`, strings.Join(setClauses, ", "))
	res, err := q.x.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", key, err)
	}
	return rowsAffected(res, "task "+key)
}

// TaskFilter narrows ListTasks. Empty fields match everything.
type TaskFilter struct {
	ProjectKey string
	QAStatus   string
	Status     string
	Assignee   string
}

// ListTasks returns tasks matching filter ordered by key.
func (q *Queries) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	var where []string
	var args []any

	if filter.ProjectKey != "" {
		where = append(where, "p.key = ?")
		args = append(args, filter.ProjectKey)
	}
	if filter.QAStatus != "" {
		where = append(where, "t.qa_status = ?")
		args = append(args, filter.QAStatus)
	}
	if filter.Status != "" {
		where = append(where, "t.remote_status = ?")
		args = append(args, filter.Status)
	}
	if filter.Assignee != "" {
		where = append(where, "t.assignee = ?")
		args = append(args, filter.Assignee)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks t JOIN projects p ON p.id = t.project_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY t.project_id, length(t.key), t.key"

	tasks := []Task{}
	if err := q.all(ctx, &tasks, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	return tasks, nil
}

// CountTasks returns the number of tasks mirrored for a project.
func (q *Queries) CountTasks(ctx context.Context, projectKey string) (int, error) {
	var n int
	err := q.get(ctx, &n, `SELECT COUNT(*) FROM tasks t JOIN projects p ON p.id = t.project_id WHERE p.key = ?`, projectKey)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

// Report breaks a project's tasks down by QA and remote status.
type Report struct {
	ProjectKey     string         `json:"project_key"`
	Total          int            `json:"total"`
	ByQAStatus     map[string]int `json:"by_qa_status"`
	ByRemoteStatus map[string]int `json:"by_remote_status"`
}

// ProjectReport builds the status breakdown of a project.
func (q *Queries) ProjectReport(ctx context.Context, projectKey string) (*Report, error) {
	if _, err := q.GetProjectByKey(ctx, projectKey); err != nil {
		return nil, err
	}

	r := &Report{
		ProjectKey:     projectKey,
		ByQAStatus:     make(map[string]int),
		ByRemoteStatus: make(map[string]int),
	}
	for _, s := range QAStatuses {
		r.ByQAStatus[s] = 0
	}

	var rows []struct {
		QAStatus     string `db:"qa_status"`
		RemoteStatus string `db:"remote_status"`
		N            int    `db:"n"`
	}
	err := q.all(ctx, &rows, `
		SELECT t.qa_status, t.remote_status, COUNT(*) AS n
		FROM tasks t JOIN projects p ON p.id = t.project_id
		WHERE p.key = ?
		GROUP BY t.qa_status, t.remote_status
	`, projectKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build report: %w", err)
	}
	for _, row := range rows {
		r.Total += row.N
		r.ByQAStatus[row.QAStatus] += row.N
		r.ByRemoteStatus[row.RemoteStatus] += row.N
	}
	return r, nil
}

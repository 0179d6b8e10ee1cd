package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/JohanCodinha/qatrack/internal/logger"
	"github.com/JohanCodinha/qatrack/internal/md"
	"github.com/JohanCodinha/qatrack/internal/status"
	"github.com/JohanCodinha/qatrack/internal/store"
)

// ResetReport describes a finished reset.
type ResetReport struct {
	Target  string             `json:"target"`
	Deleted *store.ResetResult `json:"deleted"`
	Backups []string           `json:"backups,omitempty"`
}

// Resetter deletes local mirrors, optionally writing a markdown backup of
// every project first.
type Resetter struct {
	db        *store.DB
	statuses  status.Store
	backupDir string
}

// NewResetter creates a Resetter. An empty backupDir disables backups.
func NewResetter(db *store.DB, statuses status.Store, backupDir string) *Resetter {
	return &Resetter{db: db, statuses: statuses, backupDir: backupDir}
}

// Reset removes target, or everything for store.ResetAll, and forgets its
// live status. A failed backup aborts the reset.
func (r *Resetter) Reset(ctx context.Context, target string) (*ResetReport, error) {
	rep := &ResetReport{Target: target}

	if r.backupDir != "" {
		paths, err := r.backup(ctx, target)
		if err != nil {
			return nil, err
		}
		rep.Backups = paths
	}

	deleted, err := r.db.Reset(ctx, target)
	if err != nil {
		return nil, err
	}
	rep.Deleted = deleted

	forget := target
	if target == store.ResetAll {
		forget = status.AllTargets
	}
	if err := r.statuses.Forget(ctx, forget); err != nil {
		logger.Warn("sync: failed to clear status of %s: %v", target, err)
	}

	logger.Info("sync: reset %s: %d projects, %d tasks, %d cycles, %d links, %d runs removed",
		target, deleted.Projects, deleted.Tasks, deleted.Cycles, deleted.Links, deleted.Runs)
	return rep, nil
}

// backup saves the projects about to be deleted to
// {backupDir}/reset_{KEY}_{timestamp}.md.
func (r *Resetter) backup(ctx context.Context, target string) ([]string, error) {
	var projects []store.Project
	if target == store.ResetAll {
		all, err := r.db.ListProjects(ctx)
		if err != nil {
			return nil, err
		}
		projects = all
	} else {
		p, err := r.db.GetProjectByKey(ctx, target)
		if errors.Is(err, store.ErrNotFound) {
			// Reset reports the missing project.
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		projects = []store.Project{*p}
	}

	if err := os.MkdirAll(r.backupDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	now := time.Now()
	var paths []string
	for _, p := range projects {
		e, err := LoadExport(ctx, r.db.Queries, p.Key)
		if err != nil {
			return nil, err
		}
		e.Reason = "reset " + target
		e.GeneratedAt = now

		path := filepath.Join(r.backupDir, fmt.Sprintf("reset_%s_%s.md", p.Key, now.Format("20060102_150405")))
		if err := md.WriteFile(path, md.FormatMarkdown, e); err != nil {
			return nil, err
		}
		logger.Info("sync: backed up %s to %s", p.Key, path)
		paths = append(paths, path)
	}
	return paths, nil
}

// LoadExport snapshots a project and its tasks.
func LoadExport(ctx context.Context, q *store.Queries, projectKey string) (*md.Export, error) {
	p, err := q.GetProjectByKey(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	tasks, err := q.ListTasks(ctx, store.TaskFilter{ProjectKey: projectKey})
	if err != nil {
		return nil, err
	}
	return &md.Export{Project: *p, Tasks: tasks, GeneratedAt: time.Now()}, nil
}

// Package status keeps the live progress board of sync runs, keyed by
// target. Writes overwrite the previous value and no history is kept.
package status

import (
	"context"
	"time"
)

// Phase is the stage a run is in.
type Phase string

const (
	PhaseStarting   Phase = "starting"
	PhaseFetching   Phase = "fetching"
	PhaseProcessing Phase = "processing"
	PhaseFinalizing Phase = "finalizing"
	PhaseCompleted  Phase = "completed"
	PhaseError      Phase = "error"
	// PhaseNotFound is reported for targets that were never started.
	PhaseNotFound Phase = "not_found"
)

// Terminal reports whether no further updates are expected.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError || p == PhaseNotFound
}

// Status is the current state of one target.
type Status struct {
	Target    string    `json:"target"`
	RunID     string    `json:"run_id,omitempty"`
	Phase     Phase     `json:"phase"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message,omitempty"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Failed    int       `json:"failed,omitempty"`
	Selected  []string  `json:"selected,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Update is a write to a target's status.
type Update struct {
	RunID     string
	Phase     Phase
	Percent   int
	Message   string
	Total     int
	Processed int
	Failed    int
}

// Store is the status board.
type Store interface {
	// Start resets target to phase starting at 0%.
	Start(ctx context.Context, target, runID string, selected []string) (Status, error)
	// Update overwrites target's status, keeping the selection of the
	// current run.
	Update(ctx context.Context, target string, u Update) error
	// Read returns the current status, or phase not_found if target was
	// never started.
	Read(ctx context.Context, target string) (Status, error)
	// Forget drops target, or every target for AllTargets.
	Forget(ctx context.Context, target string) error
}

// AllTargets addresses every target in Forget.
const AllTargets = "all"

// NotFound returns the sentinel status for an unknown target.
func NotFound(target string) Status {
	return Status{Target: target, Phase: PhaseNotFound, Message: "no sync has been started for " + target}
}

func apply(prev Status, target string, u Update) Status {
	s := Status{
		Target:    target,
		RunID:     u.RunID,
		Phase:     u.Phase,
		Percent:   clampPercent(u.Percent),
		Message:   u.Message,
		Total:     u.Total,
		Processed: u.Processed,
		Failed:    u.Failed,
		Selected:  prev.Selected,
		UpdatedAt: time.Now().UTC(),
	}
	if s.RunID == "" {
		s.RunID = prev.RunID
	}
	return s
}

func clampPercent(p int) int {
	return max(0, min(100, p))
}

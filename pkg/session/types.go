package session

import (
	"time"

	"github.com/routa-project/routa/pkg/models"
	"github.com/routa-project/routa/pkg/orchestrator"
)

// Status is a coordination session's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusNoTasks   Status = "no_tasks"
	StatusMaxWaves  Status = "max_waves_reached"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the session has finished.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusNoTasks, StatusMaxWaves, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// View is the externally visible snapshot of a session.
type View struct {
	ID          string                     `json:"id"`
	WorkspaceID string                     `json:"workspace_id"`
	Request     string                     `json:"request"`
	Status      Status                     `json:"status"`
	State       models.CoordinationState   `json:"state"`
	Result      *orchestrator.Result       `json:"result,omitempty"`
	Error       string                     `json:"error,omitempty"`
	Phases      []orchestrator.PhaseUpdate `json:"phases,omitempty"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

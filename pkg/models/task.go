package models

import "time"

// TaskStatus represents a task's position in the execution lattice.
type TaskStatus string

const (
	TaskStatusPending        TaskStatus = "pending"
	TaskStatusInProgress     TaskStatus = "in_progress"
	TaskStatusReviewRequired TaskStatus = "review_required"
	TaskStatusCompleted      TaskStatus = "completed"
	TaskStatusNeedsFix       TaskStatus = "needs_fix"
	TaskStatusBlocked        TaskStatus = "blocked"
	TaskStatusCancelled      TaskStatus = "cancelled"
)

// CanTransitionTo reports whether the task lattice permits moving from s to
// next. PENDING→IN_PROGRESS→REVIEW_REQUIRED→{COMPLETED|NEEDS_FIX};
// NEEDS_FIX→PENDING is the only back edge; BLOCKED and CANCELLED are sinks
// for the wave.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusInProgress || next == TaskStatusBlocked || next == TaskStatusCancelled
	case TaskStatusInProgress:
		return next == TaskStatusReviewRequired || next == TaskStatusBlocked || next == TaskStatusCancelled
	case TaskStatusReviewRequired:
		return next == TaskStatusCompleted || next == TaskStatusNeedsFix || next == TaskStatusBlocked
	case TaskStatusNeedsFix:
		return next == TaskStatusPending
	default:
		return false
	}
}

// Verdict is the outcome a GATE agent assigns to a reviewed task.
type Verdict string

const (
	VerdictApproved    Verdict = "APPROVED"
	VerdictNotApproved Verdict = "NOT_APPROVED"
	VerdictBlocked     Verdict = "BLOCKED"
)

// Task is a unit of delegated work produced by the coordinator's plan.
type Task struct {
	ID                   string     `json:"id"`
	Title                string     `json:"title"`
	Objective            string     `json:"objective"`
	Scope                []string   `json:"scope,omitempty"`
	AcceptanceCriteria   []string   `json:"acceptance_criteria,omitempty"`
	VerificationCommands []string   `json:"verification_commands,omitempty"`
	AssignedTo           *string    `json:"assigned_to,omitempty"`
	Status               TaskStatus `json:"status"`
	Dependencies         []string   `json:"dependencies,omitempty"`
	ParallelGroup        *string    `json:"parallel_group,omitempty"`
	WorkspaceID          string     `json:"workspace_id"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	CompletionSummary    string     `json:"completion_summary,omitempty"`
	VerificationVerdict  *Verdict   `json:"verification_verdict,omitempty"`
	VerificationReport   string     `json:"verification_report,omitempty"`
}

// Clone returns a deep copy so store snapshots never alias caller state.
func (t *Task) Clone() *Task {
	c := *t
	if t.AssignedTo != nil {
		id := *t.AssignedTo
		c.AssignedTo = &id
	}
	if t.ParallelGroup != nil {
		g := *t.ParallelGroup
		c.ParallelGroup = &g
	}
	if t.VerificationVerdict != nil {
		v := *t.VerificationVerdict
		c.VerificationVerdict = &v
	}
	c.Scope = append([]string(nil), t.Scope...)
	c.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	c.VerificationCommands = append([]string(nil), t.VerificationCommands...)
	c.Dependencies = append([]string(nil), t.Dependencies...)
	return &c
}

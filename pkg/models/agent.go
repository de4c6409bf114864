// Package models defines the coordination data model: agents, tasks,
// conversations, completion reports, coordination state, and the typed
// events exchanged between them.
package models

import "time"

// AgentRole identifies an agent's position in the coordination pipeline.
type AgentRole string

const (
	// RoleRouta is the coordinator: it plans work as @@@task blocks and
	// never edits files.
	RoleRouta AgentRole = "ROUTA"
	// RoleCrafter is an implementor: it consumes a task and produces a
	// completion report.
	RoleCrafter AgentRole = "CRAFTER"
	// RoleGate is the verifier: it approves or rejects a completed wave.
	RoleGate AgentRole = "GATE"
)

// Valid reports whether the role is one of the three pipeline roles.
func (r AgentRole) Valid() bool {
	switch r {
	case RoleRouta, RoleCrafter, RoleGate:
		return true
	}
	return false
}

// ModelTier selects the class of model backing an agent.
type ModelTier string

const (
	TierSmart ModelTier = "SMART"
	TierFast  ModelTier = "FAST"
)

// AgentStatus represents an agent's lifecycle state.
type AgentStatus string

const (
	AgentStatusPending   AgentStatus = "pending"
	AgentStatusActive    AgentStatus = "active"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusError     AgentStatus = "error"
	AgentStatusCancelled AgentStatus = "cancelled"
)

// Terminal reports whether the status is a lifecycle sink.
func (s AgentStatus) Terminal() bool {
	switch s {
	case AgentStatusCompleted, AgentStatusError, AgentStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle lattice permits moving from
// s to next. The lattice is PENDING→ACTIVE→{COMPLETED|ERROR|CANCELLED} with
// no back edges.
func (s AgentStatus) CanTransitionTo(next AgentStatus) bool {
	switch s {
	case AgentStatusPending:
		return next == AgentStatusActive || next == AgentStatusError || next == AgentStatusCancelled
	case AgentStatusActive:
		return next.Terminal()
	default:
		return false
	}
}

// Agent is a single participant in a coordination session.
// ParentID is nil only for the ROUTA agent; every CRAFTER and GATE records
// its creator.
type Agent struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Role        AgentRole      `json:"role"`
	ModelTier   ModelTier      `json:"model_tier"`
	WorkspaceID string         `json:"workspace_id"`
	ParentID    *string        `json:"parent_id,omitempty"`
	Status      AgentStatus    `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy so store snapshots never alias caller state.
func (a *Agent) Clone() *Agent {
	c := *a
	if a.ParentID != nil {
		pid := *a.ParentID
		c.ParentID = &pid
	}
	if a.Metadata != nil {
		c.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

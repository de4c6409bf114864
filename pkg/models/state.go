package models

import "time"

// Phase is the coordination state machine's position.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhasePlanning     Phase = "planning"
	PhaseReady        Phase = "ready"
	PhaseExecuting    Phase = "executing"
	PhaseWaveComplete Phase = "wave_complete"
	PhaseVerifying    Phase = "verifying"
	PhaseNeedsFix     Phase = "needs_fix"
	PhaseCompleted    Phase = "completed"
)

// CoordinationState is the single observable cell holding a session's
// coordination progress. All transitions happen inside the coordinator;
// external code reads snapshots but never writes.
type CoordinationState struct {
	Phase            Phase    `json:"phase"`
	WorkspaceID      string   `json:"workspace_id"`
	RoutaAgentID     string   `json:"routa_agent_id,omitempty"`
	CurrentWave      int      `json:"current_wave"` // 1-based; 0 before the first wave
	ActiveCrafterIDs []string `json:"active_crafter_ids,omitempty"`
	ActiveGateID     *string  `json:"active_gate_id,omitempty"`
}

// Clone returns a copy safe to hand outside the coordinator.
func (s CoordinationState) Clone() CoordinationState {
	c := s
	c.ActiveCrafterIDs = append([]string(nil), s.ActiveCrafterIDs...)
	if s.ActiveGateID != nil {
		id := *s.ActiveGateID
		c.ActiveGateID = &id
	}
	return c
}

// EventSubscription is a per-agent filter over the event stream.
type EventSubscription struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	AgentName   string    `json:"agent_name,omitempty"`
	EventTypes  []string  `json:"event_types"` // patterns: "*", "prefix:*", or exact
	ExcludeSelf bool      `json:"exclude_self"`
	OneShot     bool      `json:"one_shot"`
	CreatedAt   time.Time `json:"created_at"`
}

// DeliveredEvent is one matched event sitting in a subscriber's pending
// queue until the next drain.
type DeliveredEvent struct {
	SubscriptionID string     `json:"subscription_id"`
	Event          AgentEvent `json:"event"`
	DeliveredAt    time.Time  `json:"delivered_at"`
}

package models

// Event type strings, used for subscription filtering and wire envelopes.
// Derived from the variant by EventType(), never from a Go type name, so the
// mapping stays stable across implementations.
const (
	EventTypeAgentCreated       = "agent:created"
	EventTypeAgentStatusChanged = "agent:status_changed"
	EventTypeAgentCompleted     = "agent:completed"
	EventTypeMessageReceived    = "agent:message"
	EventTypeTaskStatusChanged  = "task:status_changed"
	EventTypeTaskDelegated      = "task:delegated"
)

// AgentEvent is the tagged union of coordination events.
//
// Actor identifies the agent that caused the event; it drives self-exclusion
// in subscriptions. An empty actor means the event has no attributable cause
// (TaskStatusChanged).
type AgentEvent interface {
	EventType() string
	Actor() string
}

// AgentCreated is emitted after a new agent record is saved.
type AgentCreated struct {
	AgentID     string  `json:"agent_id"`
	WorkspaceID string  `json:"workspace_id"`
	ParentID    *string `json:"parent_id,omitempty"`
}

func (e AgentCreated) EventType() string { return EventTypeAgentCreated }
func (e AgentCreated) Actor() string     { return e.AgentID }

// AgentStatusChanged is emitted after an agent status transition commits.
type AgentStatusChanged struct {
	AgentID string      `json:"agent_id"`
	Old     AgentStatus `json:"old"`
	New     AgentStatus `json:"new"`
}

func (e AgentStatusChanged) EventType() string { return EventTypeAgentStatusChanged }
func (e AgentStatusChanged) Actor() string     { return e.AgentID }

// AgentCompleted is emitted when an agent reports to its parent.
type AgentCompleted struct {
	AgentID  string           `json:"agent_id"`
	ParentID string           `json:"parent_id"`
	Report   CompletionReport `json:"report"`
}

func (e AgentCompleted) EventType() string { return EventTypeAgentCompleted }
func (e AgentCompleted) Actor() string     { return e.AgentID }

// MessageReceived is emitted after a message is appended to a conversation.
type MessageReceived struct {
	From    string  `json:"from"`
	To      string  `json:"to"`
	Message Message `json:"message"`
}

func (e MessageReceived) EventType() string { return EventTypeMessageReceived }
func (e MessageReceived) Actor() string     { return e.From }

// TaskStatusChanged is emitted after a task status transition commits.
// It carries no actor: transitions may be driven by tools, the coordinator,
// or verdict application.
type TaskStatusChanged struct {
	TaskID string     `json:"task_id"`
	Old    TaskStatus `json:"old"`
	New    TaskStatus `json:"new"`
}

func (e TaskStatusChanged) EventType() string { return EventTypeTaskStatusChanged }
func (e TaskStatusChanged) Actor() string     { return "" }

// TaskDelegated is emitted when a task is assigned to an agent.
type TaskDelegated struct {
	TaskID      string `json:"task_id"`
	AgentID     string `json:"agent_id"`
	DelegatedBy string `json:"delegated_by"`
}

func (e TaskDelegated) EventType() string { return EventTypeTaskDelegated }
func (e TaskDelegated) Actor() string     { return e.DelegatedBy }

package models

import "time"

// MessageRole identifies the author class of a conversation entry.
type MessageRole string

const (
	MessageRoleUser   MessageRole = "user"
	MessageRoleAgent  MessageRole = "agent"
	MessageRoleSystem MessageRole = "system"
)

// Message is one entry in an agent's append-only conversation log.
// AgentID is the owner of the transcript; FromAgentID is set when another
// agent authored the entry.
type Message struct {
	AgentID     string      `json:"agent_id"`
	Turn        int         `json:"turn"`
	Role        MessageRole `json:"role"`
	Content     string      `json:"content"`
	FromAgentID *string     `json:"from_agent_id,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// CompletionReport is a CRAFTER's account of a finished task, delivered via
// report_to_parent.
type CompletionReport struct {
	AgentID             string            `json:"agent_id"`
	TaskID              string            `json:"task_id"`
	Summary             string            `json:"summary"`
	FilesModified       []string          `json:"files_modified,omitempty"`
	VerificationResults map[string]string `json:"verification_results,omitempty"`
	Success             bool              `json:"success"`
}

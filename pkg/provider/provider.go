// Package provider defines the execution backend contract for model-backed
// agents and the routing layer that picks a backend per role.
package provider

import (
	"context"

	"github.com/routa-project/routa/pkg/models"
)

// Capabilities declares what an execution backend can do. The router matches
// these against each role's needs.
type Capabilities struct {
	Name                string `json:"name"`
	SupportsStreaming   bool   `json:"supports_streaming"`
	SupportsFileEditing bool   `json:"supports_file_editing"`
	SupportsTerminal    bool   `json:"supports_terminal"`
	SupportsToolCalling bool   `json:"supports_tool_calling"`
	Priority            int    `json:"priority"`
}

// Provider runs one agent turn to completion and returns the accumulated
// response text.
type Provider interface {
	Run(ctx context.Context, role models.AgentRole, agentID, prompt string) (string, error)
	Capabilities() Capabilities
}

// StreamingProvider additionally delivers chunks as they are produced.
type StreamingProvider interface {
	Provider
	RunStreaming(ctx context.Context, role models.AgentRole, agentID, prompt string, onChunk func(StreamChunk)) (string, error)
}

// Interrupter supports targeted cancellation of one agent's in-flight run.
type Interrupter interface {
	Interrupt(agentID string)
}

// ChunkKind tags a StreamChunk variant.
type ChunkKind string

const (
	ChunkText             ChunkKind = "text"
	ChunkThinking         ChunkKind = "thinking"
	ChunkToolCall         ChunkKind = "tool_call"
	ChunkError            ChunkKind = "error"
	ChunkCompleted        ChunkKind = "completed"
	ChunkCompletionReport ChunkKind = "completion_report"
)

// StreamChunk is one streamed increment of a provider run. Only the fields
// for its Kind are set.
type StreamChunk struct {
	Kind          ChunkKind                `json:"kind"`
	Content       string                   `json:"content,omitempty"`
	ThinkingPhase string                   `json:"thinking_phase,omitempty"`
	ToolName      string                   `json:"tool_name,omitempty"`
	ToolStatus    string                   `json:"tool_status,omitempty"`
	ToolArguments map[string]any           `json:"tool_arguments,omitempty"`
	ErrorMessage  string                   `json:"error_message,omitempty"`
	StopReason    string                   `json:"stop_reason,omitempty"`
	Report        *models.CompletionReport `json:"report,omitempty"`
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/routa-project/routa/pkg/models"
)

// Definition describes one tool to a model provider in JSON-schema form.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func params(required []string, props map[string]any) map[string]any {
	p := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		p["required"] = required
	}
	return p
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// Definitions returns every tool definition.
func Definitions() []Definition {
	return []Definition{
		{
			Name:        "list_agents",
			Description: "List all agents in a workspace with their roles and statuses.",
			Parameters: params([]string{"workspace_id"}, map[string]any{
				"workspace_id": strProp("Workspace to list."),
			}),
		},
		{
			Name:        "get_agent_status",
			Description: "Get the current status and role of a single agent.",
			Parameters: params([]string{"agent_id"}, map[string]any{
				"agent_id": strProp("Agent to inspect."),
			}),
		},
		{
			Name:        "get_agent_summary",
			Description: "Get an agent's role, status, assigned task, and recent message digest.",
			Parameters: params([]string{"agent_id"}, map[string]any{
				"agent_id": strProp("Agent to summarize."),
			}),
		},
		{
			Name:        "read_agent_conversation",
			Description: "Read another agent's conversation log, optionally limited to a turn range.",
			Parameters: params([]string{"agent_id"}, map[string]any{
				"agent_id":  strProp("Agent whose conversation to read."),
				"from_turn": map[string]any{"type": "integer", "description": "First turn, inclusive."},
				"to_turn":   map[string]any{"type": "integer", "description": "Last turn, inclusive."},
			}),
		},
		{
			Name:        "create_agent",
			Description: "Create and activate a new agent. Only one ROUTA may exist per workspace.",
			Parameters: params([]string{"workspace_id", "role"}, map[string]any{
				"workspace_id": strProp("Workspace for the new agent."),
				"role":         map[string]any{"type": "string", "enum": []string{"ROUTA", "CRAFTER", "GATE"}},
				"name":         strProp("Optional display name."),
				"parent_id":    strProp("Creating agent. Required for CRAFTER and GATE."),
				"model_tier":   map[string]any{"type": "string", "enum": []string{"SMART", "FAST"}},
			}),
		},
		{
			Name:        "delegate_task",
			Description: "Assign a ready PENDING task to an agent and start it.",
			Parameters: params([]string{"task_id", "agent_id", "delegated_by"}, map[string]any{
				"task_id":      strProp("Task to delegate."),
				"agent_id":     strProp("Assignee."),
				"delegated_by": strProp("Delegating agent."),
			}),
		},
		{
			Name:        "send_message_to_agent",
			Description: "Send a message to another agent's conversation.",
			Parameters: params([]string{"from_agent_id", "to_agent_id", "content"}, map[string]any{
				"from_agent_id": strProp("Sender."),
				"to_agent_id":   strProp("Recipient."),
				"content":       strProp("Message body."),
			}),
		},
		{
			Name:        "subscribe_to_events",
			Description: "Subscribe to coordination events. Give target_agent_id to wait for one agent's completion, or event_types patterns for a standing filter.",
			Parameters: params([]string{"agent_id"}, map[string]any{
				"agent_id":        strProp("Subscribing agent."),
				"target_agent_id": strProp("Agent to wait on (one-shot completion wait)."),
				"event_types": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": `Patterns: "*", "agent:*", or an exact event type.`,
				},
				"one_shot": map[string]any{"type": "boolean", "description": "Remove after first match."},
			}),
		},
		{
			Name:        "unsubscribe_from_events",
			Description: "Remove an event subscription.",
			Parameters: params([]string{"subscription_id"}, map[string]any{
				"subscription_id": strProp("Subscription to remove."),
			}),
		},
		{
			Name:        "report_to_parent",
			Description: "Report task completion to your parent. Finishes your run and submits the task for review.",
			Parameters: params([]string{"agent_id", "task_id", "summary", "success"}, map[string]any{
				"agent_id": strProp("Reporting agent."),
				"task_id":  strProp("Task being reported."),
				"summary":  strProp("1-3 sentence summary of what was done."),
				"files_modified": map[string]any{
					"type": "array", "items": map[string]any{"type": "string"},
				},
				"verification_results": map[string]any{
					"type":        "object",
					"description": "Command to output mapping.",
				},
				"success": map[string]any{"type": "boolean"},
			}),
		},
		{
			Name:        "wake_or_create_task_agent",
			Description: "Return the active agent assigned to a task, or create and delegate a new one.",
			Parameters: params([]string{"task_id", "parent_id"}, map[string]any{
				"task_id":   strProp("Task needing an agent."),
				"role":      map[string]any{"type": "string", "enum": []string{"CRAFTER"}},
				"parent_id": strProp("Creating agent."),
			}),
		},
	}
}

// DefinitionsForRole narrows the surface per role: ROUTA coordinates, a
// CRAFTER only reports and messages, a GATE audits.
func DefinitionsForRole(role models.AgentRole) []Definition {
	allowed := map[string]bool{}
	switch role {
	case models.RoleRouta:
		for _, d := range Definitions() {
			allowed[d.Name] = true
		}
		delete(allowed, "report_to_parent")
	case models.RoleCrafter:
		allowed = map[string]bool{
			"get_agent_status":      true,
			"send_message_to_agent": true,
			"report_to_parent":      true,
		}
	case models.RoleGate:
		allowed = map[string]bool{
			"list_agents":             true,
			"get_agent_status":        true,
			"get_agent_summary":       true,
			"read_agent_conversation": true,
			"send_message_to_agent":   true,
		}
	}
	out := make([]Definition, 0, len(allowed))
	for _, d := range Definitions() {
		if allowed[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// Execute dispatches a named tool call with JSON-shaped arguments, as
// received from a model provider. Unknown tools and malformed arguments
// produce a failed ToolResult, never a Go error.
func (s *Surface) Execute(ctx context.Context, name string, args map[string]any) ToolResult {
	switch name {
	case "list_agents":
		var a struct {
			WorkspaceID string `json:"workspace_id"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return fail("%s: %v", name, err)
		}
		return s.ListAgents(ctx, a.WorkspaceID)
	case "get_agent_status":
		var a struct {
			AgentID string `json:"agent_id"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return fail("%s: %v", name, err)
		}
		return s.GetAgentStatus(ctx, a.AgentID)
	case "get_agent_summary":
		var a struct {
			AgentID string `json:"agent_id"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return fail("%s: %v", name, err)
		}
		return s.GetAgentSummary(ctx, a.AgentID)
	case "read_agent_conversation":
		var a struct {
			AgentID  string `json:"agent_id"`
			FromTurn int    `json:"from_turn"`
			ToTurn   int    `json:"to_turn"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return fail("%s: %v", name, err)
		}
		return s.ReadAgentConversation(ctx, a.AgentID, a.FromTurn, a.ToTurn)
	case "create_agent":
		var a struct {
			WorkspaceID string  `json:"workspace_id"`
			Role        string  `json:"role"`
			Name        string  `json:"name"`
			ParentID    *string `json:"parent_id"`
			ModelTier   string  `json:"model_tier"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return fail("%s: %v", name, err)
		}
		return s.CreateAgent(ctx, a.WorkspaceID, models.AgentRole(a.Role), a.Name, a.ParentID, models.ModelTier(a.ModelTier))
	case "delegate_task":
		var a struct {
			TaskID      string `json:"task_id"`
			AgentID     string `json:"agent_id"`
			DelegatedBy string `json:"delegated_by"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return fail("%s: %v", name, err)
		}
		return s.DelegateTask(ctx, a.TaskID, a.AgentID, a.DelegatedBy)
	case "send_message_to_agent", "message_agent":
		var a struct {
			FromAgentID string `json:"from_agent_id"`
			ToAgentID   string `json:"to_agent_id"`
			Content     string `json:"content"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return fail("%s: %v", name, err)
		}
		return s.SendMessage(ctx, a.FromAgentID, a.ToAgentID, a.Content)
	case "subscribe_to_events", "wait_for_agent":
		var a struct {
			AgentID       string   `json:"agent_id"`
			AgentName     string   `json:"agent_name"`
			TargetAgentID string   `json:"target_agent_id"`
			EventTypes    []string `json:"event_types"`
			OneShot       bool     `json:"one_shot"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return fail("%s: %v", name, err)
		}
		return s.SubscribeToEvents(a.AgentID, a.AgentName, a.TargetAgentID, a.EventTypes, a.OneShot)
	case "unsubscribe_from_events":
		var a struct {
			SubscriptionID string `json:"subscription_id"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return fail("%s: %v", name, err)
		}
		return s.UnsubscribeFromEvents(a.SubscriptionID)
	case "report_to_parent":
		var report models.CompletionReport
		if err := decodeArgs(args, &report); err != nil {
			return fail("%s: %v", name, err)
		}
		return s.ReportToParent(ctx, report)
	case "wake_or_create_task_agent":
		var a struct {
			TaskID   string `json:"task_id"`
			Role     string `json:"role"`
			ParentID string `json:"parent_id"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return fail("%s: %v", name, err)
		}
		role := models.AgentRole(a.Role)
		if a.Role == "" {
			role = models.RoleCrafter
		}
		return s.WakeOrCreateTaskAgent(ctx, a.TaskID, role, a.ParentID)
	default:
		return fail("unknown tool %q", name)
	}
}

func decodeArgs(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}

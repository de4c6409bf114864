// Package tools implements the coordination operations that model-backed
// agents invoke. The tool surface is the only legitimate write path into the
// stores during an agent's run: every mutation commits and emits its event
// under a single mutex so observers never see an intermediate state.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/routa-project/routa/pkg/bus"
	"github.com/routa-project/routa/pkg/models"
	"github.com/routa-project/routa/pkg/store"
	"github.com/routa-project/routa/pkg/subscription"
)

// ToolResult is the uniform response envelope for every tool.
type ToolResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(data any) ToolResult { return ToolResult{Success: true, Data: data} }

func fail(format string, args ...any) ToolResult {
	return ToolResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Surface bundles the stores, bus, and subscription service behind the tool
// operations. One Surface per session.
type Surface struct {
	stores *store.Stores
	bus    *bus.Bus
	subs   *subscription.Service
	logger *slog.Logger

	// mu serializes mutating tools so a status transition and its event
	// emission are observed as one step.
	mu sync.Mutex
}

// NewSurface creates the tool surface for a session.
func NewSurface(stores *store.Stores, b *bus.Bus, subs *subscription.Service, logger *slog.Logger) *Surface {
	return &Surface{
		stores: stores,
		bus:    b,
		subs:   subs,
		logger: logger.With("component", "tool_surface"),
	}
}

// ListAgents returns a human-readable roster of the workspace. An unknown
// workspace is not an error: the roster is simply empty.
func (s *Surface) ListAgents(ctx context.Context, workspaceID string) ToolResult {
	agents, err := s.stores.Agents.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return fail("list agents: %v", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d agent(s) in workspace %s\n", len(agents), workspaceID)
	for _, a := range agents {
		fmt.Fprintf(&b, "- %s | %s | %s | %s\n", a.ID, a.Name, a.Role, a.Status)
	}
	return ok(map[string]any{"count": len(agents), "roster": b.String()})
}

// GetAgentStatus returns the agent's current status and role.
func (s *Surface) GetAgentStatus(ctx context.Context, agentID string) ToolResult {
	agent, err := s.stores.Agents.Get(ctx, agentID)
	if err != nil {
		return fail("get agent status: %v", err)
	}
	return ok(map[string]any{
		"agent_id": agent.ID,
		"name":     agent.Name,
		"role":     agent.Role,
		"status":   agent.Status,
	})
}

// GetAgentSummary returns role, status, the assigned task title, and a
// digest of the last few conversation turns.
func (s *Surface) GetAgentSummary(ctx context.Context, agentID string) ToolResult {
	agent, err := s.stores.Agents.Get(ctx, agentID)
	if err != nil {
		return fail("get agent summary: %v", err)
	}
	taskTitle := ""
	if tasks, err := s.stores.Tasks.ListByAssignee(ctx, agentID); err == nil && len(tasks) > 0 {
		taskTitle = tasks[0].Title
	}
	recent, err := s.stores.Conversations.GetLastN(ctx, agentID, 5)
	if err != nil {
		return fail("get agent summary: %v", err)
	}
	digest := make([]string, 0, len(recent))
	for _, m := range recent {
		digest = append(digest, fmt.Sprintf("[%d:%s] %s", m.Turn, m.Role, truncate(m.Content, 120)))
	}
	return ok(map[string]any{
		"agent_id":       agent.ID,
		"role":           agent.Role,
		"status":         agent.Status,
		"task_title":     taskTitle,
		"recent_digest":  digest,
		"message_digest": strings.Join(digest, "\n"),
	})
}

// ReadAgentConversation returns an agent's conversation as text, optionally
// limited to a turn range. fromTurn/toTurn ≤ 0 means unbounded.
func (s *Surface) ReadAgentConversation(ctx context.Context, agentID string, fromTurn, toTurn int) ToolResult {
	if _, err := s.stores.Agents.Get(ctx, agentID); err != nil {
		return fail("read conversation: %v", err)
	}
	var msgs []models.Message
	var err error
	if fromTurn > 0 || toTurn > 0 {
		if fromTurn <= 0 {
			fromTurn = 1
		}
		if toTurn <= 0 {
			toTurn = int(^uint(0) >> 1)
		}
		msgs, err = s.stores.Conversations.GetByTurnRange(ctx, agentID, fromTurn, toTurn)
	} else {
		msgs, err = s.stores.Conversations.GetConversation(ctx, agentID)
	}
	if err != nil {
		return fail("read conversation: %v", err)
	}
	var b strings.Builder
	for _, m := range msgs {
		from := string(m.Role)
		if m.FromAgentID != nil {
			from = *m.FromAgentID
		}
		fmt.Fprintf(&b, "[turn %d] %s: %s\n", m.Turn, from, m.Content)
	}
	return ok(map[string]any{"agent_id": agentID, "turns": len(msgs), "conversation": b.String()})
}

// CreateAgent creates a new agent in PENDING, activates it, and emits
// AgentCreated plus the PENDING→ACTIVE transition. Exactly one ROUTA may
// exist per workspace; CRAFTERs and GATEs must name an existing parent.
func (s *Surface) CreateAgent(ctx context.Context, workspaceID string, role models.AgentRole, name string, parentID *string, tier models.ModelTier) ToolResult {
	if !role.Valid() {
		return fail("create agent: unknown role %q", role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if role == models.RoleRouta {
		existing, err := s.stores.Agents.ListByRole(ctx, workspaceID, models.RoleRouta)
		if err != nil {
			return fail("create agent: %v", err)
		}
		if len(existing) > 0 {
			return fail("create agent: workspace %s already has a ROUTA (%s)", workspaceID, existing[0].ID)
		}
	} else {
		if parentID == nil {
			return fail("create agent: role %s requires a parent", role)
		}
		if _, err := s.stores.Agents.Get(ctx, *parentID); err != nil {
			return fail("create agent: parent: %v", err)
		}
	}

	if tier == "" {
		tier = models.TierSmart
	}
	if name == "" {
		name = strings.ToLower(string(role)) + "-" + uuid.NewString()[:8]
	}
	now := time.Now().UTC()
	agent := &models.Agent{
		ID:          uuid.NewString(),
		Name:        name,
		Role:        role,
		ModelTier:   tier,
		WorkspaceID: workspaceID,
		ParentID:    parentID,
		Status:      models.AgentStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.stores.Agents.Save(ctx, agent); err != nil {
		return fail("create agent: %v", err)
	}
	if err := s.bus.Emit(ctx, models.AgentCreated{AgentID: agent.ID, WorkspaceID: workspaceID, ParentID: parentID}); err != nil {
		return fail("create agent: emit: %v", err)
	}
	old, err := s.stores.Agents.UpdateStatus(ctx, agent.ID, models.AgentStatusActive)
	if err != nil {
		return fail("create agent: activate: %v", err)
	}
	if err := s.bus.Emit(ctx, models.AgentStatusChanged{AgentID: agent.ID, Old: old, New: models.AgentStatusActive}); err != nil {
		return fail("create agent: emit: %v", err)
	}
	s.logger.Info("agent created", "agent_id", agent.ID, "role", role, "workspace_id", workspaceID)
	return ok(map[string]any{"agent_id": agent.ID, "name": agent.Name, "role": agent.Role, "status": models.AgentStatusActive})
}

// DelegateTask assigns a ready PENDING task to an agent, moves it to
// IN_PROGRESS, and seeds the assignee's conversation with the task brief.
func (s *Surface) DelegateTask(ctx context.Context, taskID, agentID, delegatedBy string) ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.stores.Tasks.Get(ctx, taskID)
	if err != nil {
		return fail("delegate task: %v", err)
	}
	if task.Status != models.TaskStatusPending {
		return fail("delegate task: task %s is %s, not %s", taskID, task.Status, models.TaskStatusPending)
	}
	for _, dep := range task.Dependencies {
		d, err := s.stores.Tasks.Get(ctx, dep)
		if err != nil {
			return fail("delegate task: dependency %s: %v", dep, err)
		}
		if d.Status != models.TaskStatusCompleted {
			return fail("delegate task: dependency %s is %s, not %s", dep, d.Status, models.TaskStatusCompleted)
		}
	}
	if _, err := s.stores.Agents.Get(ctx, agentID); err != nil {
		return fail("delegate task: assignee: %v", err)
	}

	task.AssignedTo = &agentID
	if err := s.stores.Tasks.Save(ctx, task); err != nil {
		return fail("delegate task: %v", err)
	}
	old, err := s.stores.Tasks.UpdateStatus(ctx, taskID, models.TaskStatusInProgress)
	if err != nil {
		return fail("delegate task: %v", err)
	}
	if err := s.bus.Emit(ctx, models.TaskDelegated{TaskID: taskID, AgentID: agentID, DelegatedBy: delegatedBy}); err != nil {
		return fail("delegate task: emit: %v", err)
	}
	if err := s.bus.Emit(ctx, models.TaskStatusChanged{TaskID: taskID, Old: old, New: models.TaskStatusInProgress}); err != nil {
		return fail("delegate task: emit: %v", err)
	}
	if err := s.stores.Conversations.Append(ctx, &models.Message{
		AgentID: agentID,
		Role:    models.MessageRoleSystem,
		Content: taskBrief(task),
	}); err != nil {
		return fail("delegate task: brief: %v", err)
	}
	s.logger.Info("task delegated", "task_id", taskID, "agent_id", agentID, "delegated_by", delegatedBy)
	return ok(map[string]any{"task_id": taskID, "agent_id": agentID, "status": models.TaskStatusInProgress})
}

// SendMessage appends a message to the recipient's conversation and emits
// MessageReceived.
func (s *Surface) SendMessage(ctx context.Context, fromID, toID, content string) ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.stores.Agents.Get(ctx, fromID); err != nil {
		return fail("send message: sender: %v", err)
	}
	if _, err := s.stores.Agents.Get(ctx, toID); err != nil {
		return fail("send message: recipient: %v", err)
	}
	msg := &models.Message{
		AgentID:     toID,
		Role:        models.MessageRoleAgent,
		Content:     content,
		FromAgentID: &fromID,
	}
	if err := s.stores.Conversations.Append(ctx, msg); err != nil {
		return fail("send message: %v", err)
	}
	if err := s.bus.Emit(ctx, models.MessageReceived{From: fromID, To: toID, Message: *msg}); err != nil {
		return fail("send message: emit: %v", err)
	}
	return ok(map[string]any{"delivered_to": toID, "turn": msg.Turn})
}

// SubscribeToEvents registers an event filter for the caller. With a target
// it is the one-shot completion wait; with patterns it is a plain filter.
func (s *Surface) SubscribeToEvents(callerID, callerName, targetID string, patterns []string, oneShot bool) ToolResult {
	var subID string
	if targetID != "" && len(patterns) == 0 {
		subID = s.subs.SubscribeToAgentCompletion(callerID, callerName)
	} else {
		subID = s.subs.Subscribe(callerID, callerName, patterns, true, oneShot)
	}
	return ok(map[string]any{"subscription_id": subID})
}

// UnsubscribeFromEvents removes a subscription. Unknown IDs are not an
// error; removed=false tells the caller it was already gone.
func (s *Surface) UnsubscribeFromEvents(subscriptionID string) ToolResult {
	return ok(map[string]any{"removed": s.subs.Unsubscribe(subscriptionID)})
}

// ReportToParent finishes a CRAFTER's task: the reporter moves
// ACTIVE→COMPLETED, the task moves IN_PROGRESS→REVIEW_REQUIRED with the
// summary recorded, and the parent's conversation receives the report.
func (s *Surface) ReportToParent(ctx context.Context, report models.CompletionReport) ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	reporter, err := s.stores.Agents.Get(ctx, report.AgentID)
	if err != nil {
		return fail("report to parent: %v", err)
	}
	if reporter.Status != models.AgentStatusActive {
		return fail("report to parent: agent %s is %s, not %s", report.AgentID, reporter.Status, models.AgentStatusActive)
	}
	if reporter.ParentID == nil {
		return fail("report to parent: agent %s has no parent", report.AgentID)
	}
	task, err := s.stores.Tasks.Get(ctx, report.TaskID)
	if err != nil {
		return fail("report to parent: %v", err)
	}
	if task.Status != models.TaskStatusInProgress {
		return fail("report to parent: task %s is %s, not %s", report.TaskID, task.Status, models.TaskStatusInProgress)
	}

	oldAgent, err := s.stores.Agents.UpdateStatus(ctx, report.AgentID, models.AgentStatusCompleted)
	if err != nil {
		return fail("report to parent: %v", err)
	}
	if err := s.bus.Emit(ctx, models.AgentStatusChanged{AgentID: report.AgentID, Old: oldAgent, New: models.AgentStatusCompleted}); err != nil {
		return fail("report to parent: emit: %v", err)
	}
	if err := s.bus.Emit(ctx, models.AgentCompleted{AgentID: report.AgentID, ParentID: *reporter.ParentID, Report: report}); err != nil {
		return fail("report to parent: emit: %v", err)
	}

	task.CompletionSummary = report.Summary
	if err := s.stores.Tasks.Save(ctx, task); err != nil {
		return fail("report to parent: %v", err)
	}
	oldTask, err := s.stores.Tasks.UpdateStatus(ctx, report.TaskID, models.TaskStatusReviewRequired)
	if err != nil {
		return fail("report to parent: %v", err)
	}
	if err := s.bus.Emit(ctx, models.TaskStatusChanged{TaskID: report.TaskID, Old: oldTask, New: models.TaskStatusReviewRequired}); err != nil {
		return fail("report to parent: emit: %v", err)
	}
	if err := s.stores.Conversations.Append(ctx, &models.Message{
		AgentID:     *reporter.ParentID,
		Role:        models.MessageRoleAgent,
		Content:     formatReport(report),
		FromAgentID: &report.AgentID,
	}); err != nil {
		return fail("report to parent: %v", err)
	}
	s.logger.Info("completion reported",
		"agent_id", report.AgentID, "task_id", report.TaskID, "success", report.Success)
	return ok(map[string]any{"task_id": report.TaskID, "task_status": models.TaskStatusReviewRequired})
}

// WakeOrCreateTaskAgent returns the ACTIVE agent already assigned to the
// task, or spawns one. An assignee in ERROR is never reused; a replacement
// is created and the task reassigned. Idempotent for ACTIVE assignees.
func (s *Surface) WakeOrCreateTaskAgent(ctx context.Context, taskID string, role models.AgentRole, parentID string) ToolResult {
	task, err := s.stores.Tasks.Get(ctx, taskID)
	if err != nil {
		return fail("wake or create: %v", err)
	}
	if task.AssignedTo != nil {
		assignee, err := s.stores.Agents.Get(ctx, *task.AssignedTo)
		if err == nil && assignee.Status == models.AgentStatusActive {
			return ok(map[string]any{"agent_id": assignee.ID, "created": false})
		}
	}

	name := "crafter-" + Slug(task.Title)
	created := s.CreateAgent(ctx, task.WorkspaceID, role, name, &parentID, "")
	if !created.Success {
		return created
	}
	agentID := created.Data.(map[string]any)["agent_id"].(string)

	if task.Status == models.TaskStatusPending {
		if res := s.DelegateTask(ctx, taskID, agentID, parentID); !res.Success {
			return res
		}
		return ok(map[string]any{"agent_id": agentID, "created": true})
	}
	// Task already left PENDING (previous assignee failed mid-flight):
	// reassign in place and hand the new agent the brief.
	s.mu.Lock()
	defer s.mu.Unlock()
	task.AssignedTo = &agentID
	if err := s.stores.Tasks.Save(ctx, task); err != nil {
		return fail("wake or create: %v", err)
	}
	if err := s.bus.Emit(ctx, models.TaskDelegated{TaskID: taskID, AgentID: agentID, DelegatedBy: parentID}); err != nil {
		return fail("wake or create: emit: %v", err)
	}
	if err := s.stores.Conversations.Append(ctx, &models.Message{
		AgentID: agentID,
		Role:    models.MessageRoleSystem,
		Content: taskBrief(task),
	}); err != nil {
		return fail("wake or create: %v", err)
	}
	return ok(map[string]any{"agent_id": agentID, "created": true})
}

// MarkAgentFailed records an agent-level failure (provider crash, timeout)
// and emits the transition. Used by the coordinator, not exposed to models.
func (s *Surface) MarkAgentFailed(ctx context.Context, agentID string) ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, err := s.stores.Agents.UpdateStatus(ctx, agentID, models.AgentStatusError)
	if err != nil {
		return fail("mark failed: %v", err)
	}
	if err := s.bus.Emit(ctx, models.AgentStatusChanged{AgentID: agentID, Old: old, New: models.AgentStatusError}); err != nil {
		return fail("mark failed: emit: %v", err)
	}
	return ok(map[string]any{"agent_id": agentID, "status": models.AgentStatusError})
}

// taskBrief renders the delegation message seeded into an assignee's
// conversation.
func taskBrief(task *models.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You have been assigned task %s: %s\n", task.ID, task.Title)
	if task.Objective != "" {
		b.WriteString("\nObjective:\n" + task.Objective + "\n")
	}
	writeSection(&b, "Scope", task.Scope)
	writeSection(&b, "Definition of Done", task.AcceptanceCriteria)
	writeSection(&b, "Verification", task.VerificationCommands)
	return b.String()
}

func writeSection(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString("\n" + heading + ":\n")
	for _, item := range items {
		b.WriteString("- " + item + "\n")
	}
}

func formatReport(report models.CompletionReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Completion Report from %s (task %s)\n", report.AgentID, report.TaskID)
	fmt.Fprintf(&b, "Success: %t\n", report.Success)
	b.WriteString("Summary: " + report.Summary + "\n")
	if len(report.FilesModified) > 0 {
		b.WriteString("Files modified:\n")
		for _, f := range report.FilesModified {
			b.WriteString("- " + f + "\n")
		}
	}
	if len(report.VerificationResults) > 0 {
		b.WriteString("Verification:\n")
		for cmd, out := range report.VerificationResults {
			fmt.Fprintf(&b, "- %s → %s\n", cmd, truncate(out, 200))
		}
	}
	return b.String()
}

// Slug lowercases a title into a hyphenated identifier fragment.
func Slug(title string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteRune('-')
			lastHyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/routa-project/routa/pkg/models"
)

// MemoryAgentStore is the in-memory AgentStore reference. A single mutex
// guards the map and keeps compound mutations (status CAS) atomic.
type MemoryAgentStore struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent
}

// NewMemoryAgentStore creates an empty in-memory agent store.
func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{agents: make(map[string]*models.Agent)}
}

// Save upserts an agent record.
func (s *MemoryAgentStore) Save(_ context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = agent.Clone()
	return nil
}

// Get returns a snapshot of the agent or ErrNotFound.
func (s *MemoryAgentStore) Get(_ context.Context, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return agent.Clone(), nil
}

// ListByWorkspace returns all agents in the workspace, oldest first.
func (s *MemoryAgentStore) ListByWorkspace(_ context.Context, workspaceID string) ([]*models.Agent, error) {
	return s.list(func(a *models.Agent) bool { return a.WorkspaceID == workspaceID }), nil
}

// ListByParent returns all agents created by the given parent.
func (s *MemoryAgentStore) ListByParent(_ context.Context, parentID string) ([]*models.Agent, error) {
	return s.list(func(a *models.Agent) bool {
		return a.ParentID != nil && *a.ParentID == parentID
	}), nil
}

// ListByRole returns workspace agents with the given role.
func (s *MemoryAgentStore) ListByRole(_ context.Context, workspaceID string, role models.AgentRole) ([]*models.Agent, error) {
	return s.list(func(a *models.Agent) bool {
		return a.WorkspaceID == workspaceID && a.Role == role
	}), nil
}

// ListByStatus returns workspace agents with the given status.
func (s *MemoryAgentStore) ListByStatus(_ context.Context, workspaceID string, status models.AgentStatus) ([]*models.Agent, error) {
	return s.list(func(a *models.Agent) bool {
		return a.WorkspaceID == workspaceID && a.Status == status
	}), nil
}

// UpdateStatus validates the lifecycle lattice and applies the transition
// under the store mutex. Returns the previous status.
func (s *MemoryAgentStore) UpdateStatus(_ context.Context, id string, next models.AgentStatus) (models.AgentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return "", fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	old := agent.Status
	if !old.CanTransitionTo(next) {
		return old, fmt.Errorf("agent %s: %s → %s: %w", id, old, next, ErrIllegalTransition)
	}
	agent.Status = next
	agent.UpdatedAt = nowFn()
	return old, nil
}

func (s *MemoryAgentStore) list(keep func(*models.Agent) bool) []*models.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Agent, 0)
	for _, a := range s.agents {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	sortAgents(out)
	return out
}

func sortAgents(agents []*models.Agent) {
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].ID < agents[j].ID
		}
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
}

// MemoryTaskStore is the in-memory TaskStore reference.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

// NewMemoryTaskStore creates an empty in-memory task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*models.Task)}
}

// Save upserts a task record.
func (s *MemoryTaskStore) Save(_ context.Context, task *models.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

// Get returns a snapshot of the task or ErrNotFound.
func (s *MemoryTaskStore) Get(_ context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return task.Clone(), nil
}

// ListByWorkspace returns all tasks in the workspace, oldest first.
func (s *MemoryTaskStore) ListByWorkspace(_ context.Context, workspaceID string) ([]*models.Task, error) {
	return s.list(func(t *models.Task) bool { return t.WorkspaceID == workspaceID }), nil
}

// ListByAssignee returns tasks currently assigned to the agent.
func (s *MemoryTaskStore) ListByAssignee(_ context.Context, agentID string) ([]*models.Task, error) {
	return s.list(func(t *models.Task) bool {
		return t.AssignedTo != nil && *t.AssignedTo == agentID
	}), nil
}

// ListByStatus returns workspace tasks with the given status.
func (s *MemoryTaskStore) ListByStatus(_ context.Context, workspaceID string, status models.TaskStatus) ([]*models.Task, error) {
	return s.list(func(t *models.Task) bool {
		return t.WorkspaceID == workspaceID && t.Status == status
	}), nil
}

// FindReadyTasks returns PENDING tasks whose every dependency is COMPLETED,
// as a read against the current snapshot.
func (s *MemoryTaskStore) FindReadyTasks(_ context.Context, workspaceID string) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Task, 0)
	for _, t := range s.tasks {
		if t.WorkspaceID != workspaceID || t.Status != models.TaskStatusPending {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			d, ok := s.tasks[dep]
			if !ok || d.Status != models.TaskStatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out, nil
}

// UpdateStatus validates the task lattice and applies the transition under
// the store mutex. Returns the previous status.
func (s *MemoryTaskStore) UpdateStatus(_ context.Context, id string, next models.TaskStatus) (models.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return "", fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	old := task.Status
	if !old.CanTransitionTo(next) {
		return old, fmt.Errorf("task %s: %s → %s: %w", id, old, next, ErrIllegalTransition)
	}
	task.Status = next
	task.UpdatedAt = nowFn()
	return old, nil
}

func (s *MemoryTaskStore) list(keep func(*models.Task) bool) []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Task, 0)
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out
}

func sortTasks(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

// MemoryConversationStore is the in-memory ConversationStore reference.
type MemoryConversationStore struct {
	mu            sync.RWMutex
	conversations map[string][]models.Message
}

// NewMemoryConversationStore creates an empty in-memory conversation store.
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{conversations: make(map[string][]models.Message)}
}

// Append adds a message to its agent's log, assigning the next turn number.
func (s *MemoryConversationStore) Append(_ context.Context, msg *models.Message) error {
	if msg.AgentID == "" {
		return fmt.Errorf("message agent id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := *msg
	m.Turn = len(s.conversations[msg.AgentID]) + 1
	if m.Timestamp.IsZero() {
		m.Timestamp = nowFn()
	}
	s.conversations[msg.AgentID] = append(s.conversations[msg.AgentID], m)
	msg.Turn = m.Turn
	return nil
}

// GetConversation returns the full ordered log for an agent.
func (s *MemoryConversationStore) GetConversation(_ context.Context, agentID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Message(nil), s.conversations[agentID]...), nil
}

// GetLastN returns the tail of the log, oldest first.
func (s *MemoryConversationStore) GetLastN(_ context.Context, agentID string, n int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.conversations[agentID]
	if n <= 0 || n >= len(msgs) {
		return append([]models.Message(nil), msgs...), nil
	}
	return append([]models.Message(nil), msgs[len(msgs)-n:]...), nil
}

// GetByTurnRange returns messages with fromTurn ≤ turn ≤ toTurn.
func (s *MemoryConversationStore) GetByTurnRange(_ context.Context, agentID string, fromTurn, toTurn int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0)
	for _, m := range s.conversations[agentID] {
		if m.Turn >= fromTurn && m.Turn <= toTurn {
			out = append(out, m)
		}
	}
	return out, nil
}

// GetMessageCount returns the number of messages in an agent's log.
func (s *MemoryConversationStore) GetMessageCount(_ context.Context, agentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations[agentID]), nil
}

// DeleteConversation removes an agent's log entirely.
func (s *MemoryConversationStore) DeleteConversation(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, agentID)
	return nil
}

// Package store defines the persistence interfaces for the coordination
// core and provides two implementations: a thread-safe in-memory reference
// and a PostgreSQL backend with the same query shapes and atomicity
// guarantees.
package store

import (
	"context"
	"errors"

	"github.com/routa-project/routa/pkg/models"
)

// Sentinel errors shared by all store implementations.
var (
	ErrNotFound          = errors.New("record not found")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// AgentStore persists agent records. Implementations return snapshots; a
// returned *models.Agent is never a live reference into store state.
type AgentStore interface {
	Save(ctx context.Context, agent *models.Agent) error
	Get(ctx context.Context, id string) (*models.Agent, error)
	ListByWorkspace(ctx context.Context, workspaceID string) ([]*models.Agent, error)
	ListByParent(ctx context.Context, parentID string) ([]*models.Agent, error)
	ListByRole(ctx context.Context, workspaceID string, role models.AgentRole) ([]*models.Agent, error)
	ListByStatus(ctx context.Context, workspaceID string, status models.AgentStatus) ([]*models.Agent, error)

	// UpdateStatus atomically moves the agent to next, validating the
	// lifecycle lattice against the current status. Returns the previous
	// status so callers can emit the transition. ErrIllegalTransition when
	// the lattice forbids the move.
	UpdateStatus(ctx context.Context, id string, next models.AgentStatus) (models.AgentStatus, error)
}

// TaskStore persists task records.
type TaskStore interface {
	Save(ctx context.Context, task *models.Task) error
	Get(ctx context.Context, id string) (*models.Task, error)
	ListByWorkspace(ctx context.Context, workspaceID string) ([]*models.Task, error)
	ListByAssignee(ctx context.Context, agentID string) ([]*models.Task, error)
	ListByStatus(ctx context.Context, workspaceID string, status models.TaskStatus) ([]*models.Task, error)

	// FindReadyTasks returns tasks in PENDING whose every dependency is
	// COMPLETED. Purely a read against the current snapshot.
	FindReadyTasks(ctx context.Context, workspaceID string) ([]*models.Task, error)

	// UpdateStatus atomically moves the task to next, validating the task
	// lattice. Returns the previous status.
	UpdateStatus(ctx context.Context, id string, next models.TaskStatus) (models.TaskStatus, error)
}

// ConversationStore persists per-agent append-only message logs.
// Append assigns the message's turn number; insertion order is preserved
// per agent.
type ConversationStore interface {
	Append(ctx context.Context, msg *models.Message) error
	GetConversation(ctx context.Context, agentID string) ([]models.Message, error)
	GetLastN(ctx context.Context, agentID string, n int) ([]models.Message, error)
	GetByTurnRange(ctx context.Context, agentID string, fromTurn, toTurn int) ([]models.Message, error)
	GetMessageCount(ctx context.Context, agentID string) (int, error)
	DeleteConversation(ctx context.Context, agentID string) error
}

// Stores bundles the three stores owned by one coordination session.
type Stores struct {
	Agents        AgentStore
	Tasks         TaskStore
	Conversations ConversationStore
}

// NewMemoryStores returns the in-memory reference implementation.
func NewMemoryStores() *Stores {
	return &Stores{
		Agents:        NewMemoryAgentStore(),
		Tasks:         NewMemoryTaskStore(),
		Conversations: NewMemoryConversationStore(),
	}
}

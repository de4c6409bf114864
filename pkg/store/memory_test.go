package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routa-project/routa/pkg/models"
)

func newAgent(id, ws string, role models.AgentRole, status models.AgentStatus) *models.Agent {
	return &models.Agent{
		ID:          id,
		Name:        id,
		Role:        role,
		ModelTier:   models.TierFast,
		WorkspaceID: ws,
		Status:      status,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

func newTask(id, ws string, status models.TaskStatus, deps ...string) *models.Task {
	return &models.Task{
		ID:           id,
		Title:        id,
		Status:       status,
		Dependencies: deps,
		WorkspaceID:  ws,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
}

func TestMemoryAgentStore_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAgentStore()

	agent := newAgent("a1", "ws", models.RoleRouta, models.AgentStatusPending)
	require.NoError(t, s.Save(ctx, agent))

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.RoleRouta, got.Role)

	// Mutating the snapshot must not affect store state.
	got.Status = models.AgentStatusError
	again, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusPending, again.Status)
}

func TestMemoryAgentStore_GetNotFound(t *testing.T) {
	s := NewMemoryAgentStore()
	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryAgentStore_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAgentStore()
	require.NoError(t, s.Save(ctx, newAgent("a1", "ws", models.RoleCrafter, models.AgentStatusPending)))

	old, err := s.UpdateStatus(ctx, "a1", models.AgentStatusActive)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusPending, old)

	old, err = s.UpdateStatus(ctx, "a1", models.AgentStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusActive, old)

	// No transitions out of a terminal status.
	_, err = s.UpdateStatus(ctx, "a1", models.AgentStatusActive)
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestMemoryAgentStore_Queries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAgentStore()

	routa := newAgent("r1", "ws", models.RoleRouta, models.AgentStatusActive)
	require.NoError(t, s.Save(ctx, routa))
	crafter := newAgent("c1", "ws", models.RoleCrafter, models.AgentStatusActive)
	crafter.ParentID = &routa.ID
	require.NoError(t, s.Save(ctx, crafter))
	other := newAgent("x1", "other-ws", models.RoleCrafter, models.AgentStatusActive)
	require.NoError(t, s.Save(ctx, other))

	byWS, err := s.ListByWorkspace(ctx, "ws")
	require.NoError(t, err)
	assert.Len(t, byWS, 2)

	byRole, err := s.ListByRole(ctx, "ws", models.RoleRouta)
	require.NoError(t, err)
	require.Len(t, byRole, 1)
	assert.Equal(t, "r1", byRole[0].ID)

	byParent, err := s.ListByParent(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, byParent, 1)
	assert.Equal(t, "c1", byParent[0].ID)

	byStatus, err := s.ListByStatus(ctx, "ws", models.AgentStatusActive)
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)
}

func TestMemoryTaskStore_FindReadyTasks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTaskStore()

	t1 := newTask("t1", "ws", models.TaskStatusPending)
	t2 := newTask("t2", "ws", models.TaskStatusPending, "t1")
	require.NoError(t, s.Save(ctx, t1))
	require.NoError(t, s.Save(ctx, t2))

	ready, err := s.FindReadyTasks(ctx, "ws")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "t1", ready[0].ID)

	// Walk t1 to COMPLETED; t2 becomes ready.
	_, err = s.UpdateStatus(ctx, "t1", models.TaskStatusInProgress)
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, "t1", models.TaskStatusReviewRequired)
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, "t1", models.TaskStatusCompleted)
	require.NoError(t, err)

	ready, err = s.FindReadyTasks(ctx, "ws")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "t2", ready[0].ID)
}

func TestMemoryTaskStore_UpdateStatusLattice(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTaskStore()
	require.NoError(t, s.Save(ctx, newTask("t1", "ws", models.TaskStatusPending)))

	// The only back edge is NEEDS_FIX → PENDING.
	_, err := s.UpdateStatus(ctx, "t1", models.TaskStatusInProgress)
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, "t1", models.TaskStatusReviewRequired)
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, "t1", models.TaskStatusNeedsFix)
	require.NoError(t, err)
	old, err := s.UpdateStatus(ctx, "t1", models.TaskStatusPending)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusNeedsFix, old)

	// COMPLETED is a sink.
	_, err = s.UpdateStatus(ctx, "t1", models.TaskStatusInProgress)
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, "t1", models.TaskStatusReviewRequired)
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, "t1", models.TaskStatusCompleted)
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, "t1", models.TaskStatusPending)
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestMemoryTaskStore_ListByAssignee(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTaskStore()

	task := newTask("t1", "ws", models.TaskStatusInProgress)
	agentID := "c1"
	task.AssignedTo = &agentID
	require.NoError(t, s.Save(ctx, task))
	require.NoError(t, s.Save(ctx, newTask("t2", "ws", models.TaskStatusPending)))

	assigned, err := s.ListByAssignee(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, "t1", assigned[0].ID)
}

func TestMemoryConversationStore_AppendOrderAndTurns(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryConversationStore()

	for _, content := range []string{"first", "second", "third"} {
		require.NoError(t, s.Append(ctx, &models.Message{
			AgentID: "a1",
			Role:    models.MessageRoleUser,
			Content: content,
		}))
	}

	msgs, err := s.GetConversation(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{msgs[0].Turn, msgs[1].Turn, msgs[2].Turn})
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "third", msgs[2].Content)

	last, err := s.GetLastN(ctx, "a1", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "second", last[0].Content)

	ranged, err := s.GetByTurnRange(ctx, "a1", 2, 2)
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, "second", ranged[0].Content)

	count, err := s.GetMessageCount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, s.DeleteConversation(ctx, "a1"))
	count, err = s.GetMessageCount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

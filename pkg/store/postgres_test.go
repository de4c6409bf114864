package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/routa-project/routa/pkg/models"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// getSharedDatabase returns a connection string to the shared test database.
// In CI, CI_DATABASE_URL points at an external PostgreSQL service container;
// locally a testcontainer is started once per package.
func getSharedDatabase(t *testing.T) string {
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		return ciDatabaseURL
	}
	containerOnce.Do(func() {
		ctx := context.Background()
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		sharedConnStr, containerErr = pgContainer.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, containerErr)
	return sharedConnStr
}

// newTestStores creates the store bundle against a per-test schema so tests
// can run in parallel on the shared database.
func newTestStores(t *testing.T) *Stores {
	if testing.Short() {
		t.Skip("requires a PostgreSQL container")
	}
	ctx := context.Background()
	connStr := getSharedDatabase(t)

	schema := schemaName(t)
	conn, err := pgx.Connect(ctx, connStr)
	require.NoError(t, err)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	require.NoError(t, conn.Close(ctx))

	sep := "?"
	if strings.Contains(connStr, "?") {
		sep = "&"
	}
	stores, closeStores, err := NewPostgresStores(ctx, connStr+sep+"search_path="+schema)
	require.NoError(t, err)

	t.Cleanup(func() {
		closeStores()
		conn, err := pgx.Connect(context.Background(), connStr)
		if err != nil {
			t.Logf("cleanup connect failed: %v", err)
			return
		}
		defer conn.Close(context.Background())
		if _, err := conn.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("failed to drop schema %s: %v", schema, err)
		}
	})
	return stores
}

func schemaName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}
	return fmt.Sprintf("test_%s_%d", name, time.Now().UnixNano()%1_000_000)
}

func testAgent(id, workspaceID string) *models.Agent {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Agent{
		ID:          id,
		Name:        "agent-" + id,
		Role:        models.RoleCrafter,
		ModelTier:   models.TierSmart,
		WorkspaceID: workspaceID,
		Status:      models.AgentStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func testTask(id, workspaceID string, deps ...string) *models.Task {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Task{
		ID:           id,
		Title:        "Task " + id,
		Objective:    "do " + id,
		Status:       models.TaskStatusPending,
		Dependencies: deps,
		WorkspaceID:  workspaceID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestPostgresAgentStore_RoundTrip(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()

	parent := testAgent("routa-1", "ws-1")
	parent.Role = models.RoleRouta
	parent.Metadata = map[string]any{"wave": float64(1)}
	require.NoError(t, stores.Agents.Save(ctx, parent))

	child := testAgent("crafter-1", "ws-1")
	pid := parent.ID
	child.ParentID = &pid
	require.NoError(t, stores.Agents.Save(ctx, child))

	got, err := stores.Agents.Get(ctx, "routa-1")
	require.NoError(t, err)
	assert.Equal(t, models.RoleRouta, got.Role)
	assert.Equal(t, map[string]any{"wave": float64(1)}, got.Metadata)
	assert.Nil(t, got.ParentID)

	byParent, err := stores.Agents.ListByParent(ctx, "routa-1")
	require.NoError(t, err)
	require.Len(t, byParent, 1)
	assert.Equal(t, "crafter-1", byParent[0].ID)

	byRole, err := stores.Agents.ListByRole(ctx, "ws-1", models.RoleRouta)
	require.NoError(t, err)
	require.Len(t, byRole, 1)

	_, err = stores.Agents.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresAgentStore_UpdateStatus(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()

	require.NoError(t, stores.Agents.Save(ctx, testAgent("a1", "ws-1")))

	old, err := stores.Agents.UpdateStatus(ctx, "a1", models.AgentStatusActive)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusPending, old)

	old, err = stores.Agents.UpdateStatus(ctx, "a1", models.AgentStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusActive, old)

	// Terminal states have no outgoing edges.
	_, err = stores.Agents.UpdateStatus(ctx, "a1", models.AgentStatusActive)
	require.ErrorIs(t, err, ErrIllegalTransition)

	_, err = stores.Agents.UpdateStatus(ctx, "missing", models.AgentStatusActive)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresTaskStore_FindReadyTasks(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()

	done := testTask("t1", "ws-1")
	done.Status = models.TaskStatusCompleted
	require.NoError(t, stores.Tasks.Save(ctx, done))

	ready := testTask("t2", "ws-1", "t1")
	require.NoError(t, stores.Tasks.Save(ctx, ready))

	missingDep := testTask("t3", "ws-1", "nonexistent")
	require.NoError(t, stores.Tasks.Save(ctx, missingDep))

	pendingDep := testTask("t4", "ws-1", "t5")
	require.NoError(t, stores.Tasks.Save(ctx, pendingDep))
	require.NoError(t, stores.Tasks.Save(ctx, testTask("t5", "ws-1")))

	got, err := stores.Tasks.FindReadyTasks(ctx, "ws-1")
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, task := range got {
		ids = append(ids, task.ID)
	}
	// t5 has no dependencies at all, so it is ready alongside t2.
	assert.ElementsMatch(t, []string{"t2", "t5"}, ids)
}

func TestPostgresTaskStore_StatusLattice(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()

	require.NoError(t, stores.Tasks.Save(ctx, testTask("t1", "ws-1")))

	for _, next := range []models.TaskStatus{
		models.TaskStatusInProgress,
		models.TaskStatusReviewRequired,
		models.TaskStatusNeedsFix,
		models.TaskStatusPending,
	} {
		_, err := stores.Tasks.UpdateStatus(ctx, "t1", next)
		require.NoError(t, err, "transition to %s", next)
	}

	// PENDING cannot jump straight to COMPLETED.
	_, err := stores.Tasks.UpdateStatus(ctx, "t1", models.TaskStatusCompleted)
	require.ErrorIs(t, err, ErrIllegalTransition)

	got, err := stores.Tasks.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)
}

func TestPostgresTaskStore_VerdictRoundTrip(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()

	task := testTask("t1", "ws-1")
	verdict := models.VerdictApproved
	task.VerificationVerdict = &verdict
	task.Scope = []string{"pkg/a", "pkg/b"}
	task.AcceptanceCriteria = []string{"builds"}
	require.NoError(t, stores.Tasks.Save(ctx, task))

	got, err := stores.Tasks.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.VerificationVerdict)
	assert.Equal(t, models.VerdictApproved, *got.VerificationVerdict)
	assert.Equal(t, []string{"pkg/a", "pkg/b"}, got.Scope)
	assert.Equal(t, []string{"builds"}, got.AcceptanceCriteria)
}

func TestPostgresConversationStore_TurnsAndRanges(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		msg := &models.Message{
			AgentID: "a1",
			Role:    models.MessageRoleAgent,
			Content: fmt.Sprintf("message %d", i),
		}
		require.NoError(t, stores.Conversations.Append(ctx, msg))
		assert.Equal(t, i, msg.Turn)
	}

	all, err := stores.Conversations.GetConversation(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "message 1", all[0].Content)

	tail, err := stores.Conversations.GetLastN(ctx, "a1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "message 3", tail[0].Content)

	ranged, err := stores.Conversations.GetByTurnRange(ctx, "a1", 2, 3)
	require.NoError(t, err)
	require.Len(t, ranged, 2)

	count, err := stores.Conversations.GetMessageCount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	require.NoError(t, stores.Conversations.DeleteConversation(ctx, "a1"))
	count, err = stores.Conversations.GetMessageCount(ctx, "a1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

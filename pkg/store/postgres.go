package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql, used by migrations

	"github.com/routa-project/routa/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// RunMigrations applies all pending schema migrations embedded in the binary.
func RunMigrations(databaseURL string) error {
	db, err := stdsql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open database for migrations: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	// Closing m would also close the shared *sql.DB driver; only the source
	// needs explicit cleanup before the deferred db.Close.
	if err := source.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

// NewPostgresStores connects a pool, runs migrations, and returns the store
// bundle. The returned close function releases the pool.
func NewPostgresStores(ctx context.Context, databaseURL string) (*Stores, func(), error) {
	if err := RunMigrations(databaseURL); err != nil {
		return nil, nil, err
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	return &Stores{
		Agents:        &PostgresAgentStore{pool: pool},
		Tasks:         &PostgresTaskStore{pool: pool},
		Conversations: &PostgresConversationStore{pool: pool},
	}, pool.Close, nil
}

// PostgresAgentStore is the PostgreSQL AgentStore. Status transitions run in
// a transaction with a row lock so concurrent updates see the lattice
// consistently.
type PostgresAgentStore struct {
	pool *pgxpool.Pool
}

const agentColumns = `id, name, role, model_tier, workspace_id, parent_id, status, created_at, updated_at, metadata`

func (s *PostgresAgentStore) Save(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	var metadata []byte
	if agent.Metadata != nil {
		var err error
		metadata, err = json.Marshal(agent.Metadata)
		if err != nil {
			return fmt.Errorf("encode agent metadata: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			role = EXCLUDED.role,
			model_tier = EXCLUDED.model_tier,
			workspace_id = EXCLUDED.workspace_id,
			parent_id = EXCLUDED.parent_id,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			metadata = EXCLUDED.metadata`,
		agent.ID, agent.Name, agent.Role, agent.ModelTier, agent.WorkspaceID,
		agent.ParentID, agent.Status, agent.CreatedAt, agent.UpdatedAt, metadata)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", agent.ID, err)
	}
	return nil
}

func (s *PostgresAgentStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	agents, err := collectAgents(rows)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return agents[0], nil
}

func (s *PostgresAgentStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]*models.Agent, error) {
	return s.query(ctx, `WHERE workspace_id = $1`, workspaceID)
}

func (s *PostgresAgentStore) ListByParent(ctx context.Context, parentID string) ([]*models.Agent, error) {
	return s.query(ctx, `WHERE parent_id = $1`, parentID)
}

func (s *PostgresAgentStore) ListByRole(ctx context.Context, workspaceID string, role models.AgentRole) ([]*models.Agent, error) {
	return s.query(ctx, `WHERE workspace_id = $1 AND role = $2`, workspaceID, role)
}

func (s *PostgresAgentStore) ListByStatus(ctx context.Context, workspaceID string, status models.AgentStatus) ([]*models.Agent, error) {
	return s.query(ctx, `WHERE workspace_id = $1 AND status = $2`, workspaceID, status)
}

func (s *PostgresAgentStore) UpdateStatus(ctx context.Context, id string, next models.AgentStatus) (models.AgentStatus, error) {
	var old models.AgentStatus
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `SELECT status FROM agents WHERE id = $1 FOR UPDATE`, id).Scan(&old)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("agent %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock agent %s: %w", id, err)
		}
		if !old.CanTransitionTo(next) {
			return fmt.Errorf("agent %s: %s -> %s: %w", id, old, next, ErrIllegalTransition)
		}
		_, err = tx.Exec(ctx, `UPDATE agents SET status = $2, updated_at = $3 WHERE id = $1`,
			id, next, nowFn())
		if err != nil {
			return fmt.Errorf("update agent %s: %w", id, err)
		}
		return nil
	})
	return old, err
}

func (s *PostgresAgentStore) query(ctx context.Context, where string, args ...any) ([]*models.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	agents, err := collectAgents(rows)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

func collectAgents(rows pgx.Rows) ([]*models.Agent, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Agent, error) {
		var a models.Agent
		var metadata []byte
		err := row.Scan(&a.ID, &a.Name, &a.Role, &a.ModelTier, &a.WorkspaceID,
			&a.ParentID, &a.Status, &a.CreatedAt, &a.UpdatedAt, &metadata)
		if err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
				return nil, fmt.Errorf("decode agent metadata: %w", err)
			}
		}
		return &a, nil
	})
}

// PostgresTaskStore is the PostgreSQL TaskStore.
type PostgresTaskStore struct {
	pool *pgxpool.Pool
}

const taskColumns = `id, title, objective, scope, acceptance_criteria, verification_commands,
	assigned_to, status, dependencies, parallel_group, workspace_id,
	created_at, updated_at, completion_summary, verification_verdict, verification_report`

func (s *PostgresTaskStore) Save(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			objective = EXCLUDED.objective,
			scope = EXCLUDED.scope,
			acceptance_criteria = EXCLUDED.acceptance_criteria,
			verification_commands = EXCLUDED.verification_commands,
			assigned_to = EXCLUDED.assigned_to,
			status = EXCLUDED.status,
			dependencies = EXCLUDED.dependencies,
			parallel_group = EXCLUDED.parallel_group,
			workspace_id = EXCLUDED.workspace_id,
			updated_at = EXCLUDED.updated_at,
			completion_summary = EXCLUDED.completion_summary,
			verification_verdict = EXCLUDED.verification_verdict,
			verification_report = EXCLUDED.verification_report`,
		task.ID, task.Title, task.Objective, emptySlice(task.Scope),
		emptySlice(task.AcceptanceCriteria), emptySlice(task.VerificationCommands),
		task.AssignedTo, task.Status, emptySlice(task.Dependencies), task.ParallelGroup,
		task.WorkspaceID, task.CreatedAt, task.UpdatedAt, task.CompletionSummary,
		verdictText(task.VerificationVerdict), task.VerificationReport)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

func (s *PostgresTaskStore) Get(ctx context.Context, id string) (*models.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return tasks[0], nil
}

func (s *PostgresTaskStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]*models.Task, error) {
	return s.query(ctx, `WHERE workspace_id = $1`, workspaceID)
}

func (s *PostgresTaskStore) ListByAssignee(ctx context.Context, agentID string) ([]*models.Task, error) {
	return s.query(ctx, `WHERE assigned_to = $1`, agentID)
}

func (s *PostgresTaskStore) ListByStatus(ctx context.Context, workspaceID string, status models.TaskStatus) ([]*models.Task, error) {
	return s.query(ctx, `WHERE workspace_id = $1 AND status = $2`, workspaceID, status)
}

// FindReadyTasks pushes the dependency check into SQL: a task is ready when
// no element of its dependencies array names a task that is missing or not
// yet completed.
func (s *PostgresTaskStore) FindReadyTasks(ctx context.Context, workspaceID string) ([]*models.Task, error) {
	return s.query(ctx, `
		WHERE workspace_id = $1 AND status = $2
		AND NOT EXISTS (
			SELECT 1 FROM unnest(tasks.dependencies) AS dep(id)
			LEFT JOIN tasks d ON d.id = dep.id
			WHERE d.id IS NULL OR d.status <> $3
		)`, workspaceID, models.TaskStatusPending, models.TaskStatusCompleted)
}

func (s *PostgresTaskStore) UpdateStatus(ctx context.Context, id string, next models.TaskStatus) (models.TaskStatus, error) {
	var old models.TaskStatus
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&old)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock task %s: %w", id, err)
		}
		if !old.CanTransitionTo(next) {
			return fmt.Errorf("task %s: %s -> %s: %w", id, old, next, ErrIllegalTransition)
		}
		_, err = tx.Exec(ctx, `UPDATE tasks SET status = $2, updated_at = $3 WHERE id = $1`,
			id, next, nowFn())
		if err != nil {
			return fmt.Errorf("update task %s: %w", id, err)
		}
		return nil
	})
	return old, err
}

func (s *PostgresTaskStore) query(ctx context.Context, where string, args ...any) ([]*models.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func collectTasks(rows pgx.Rows) ([]*models.Task, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Task, error) {
		var t models.Task
		var verdict *string
		err := row.Scan(&t.ID, &t.Title, &t.Objective, &t.Scope, &t.AcceptanceCriteria,
			&t.VerificationCommands, &t.AssignedTo, &t.Status, &t.Dependencies,
			&t.ParallelGroup, &t.WorkspaceID, &t.CreatedAt, &t.UpdatedAt,
			&t.CompletionSummary, &verdict, &t.VerificationReport)
		if err != nil {
			return nil, err
		}
		if verdict != nil {
			v := models.Verdict(*verdict)
			t.VerificationVerdict = &v
		}
		return &t, nil
	})
}

func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func verdictText(v *models.Verdict) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

// PostgresConversationStore is the PostgreSQL ConversationStore. Turn
// assignment happens inside the insert; the (agent_id, turn) primary key
// turns a concurrent append race into a constraint error instead of a
// silently reused turn.
type PostgresConversationStore struct {
	pool *pgxpool.Pool
}

func (s *PostgresConversationStore) Append(ctx context.Context, msg *models.Message) error {
	if msg.AgentID == "" {
		return fmt.Errorf("message agent id is required")
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = nowFn()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (agent_id, turn, role, content, from_agent_id, created_at)
		VALUES ($1, (SELECT COALESCE(MAX(turn), 0) + 1 FROM messages WHERE agent_id = $1), $2, $3, $4, $5)
		RETURNING turn`,
		msg.AgentID, msg.Role, msg.Content, msg.FromAgentID, ts).Scan(&msg.Turn)
	if err != nil {
		return fmt.Errorf("append message for %s: %w", msg.AgentID, err)
	}
	msg.Timestamp = ts
	return nil
}

func (s *PostgresConversationStore) GetConversation(ctx context.Context, agentID string) ([]models.Message, error) {
	return s.query(ctx, `WHERE agent_id = $1`, agentID)
}

func (s *PostgresConversationStore) GetLastN(ctx context.Context, agentID string, n int) ([]models.Message, error) {
	if n <= 0 {
		return s.GetConversation(ctx, agentID)
	}
	count, err := s.GetMessageCount(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return s.query(ctx, `WHERE agent_id = $1 AND turn > $2`, agentID, count-n)
}

func (s *PostgresConversationStore) GetByTurnRange(ctx context.Context, agentID string, fromTurn, toTurn int) ([]models.Message, error) {
	return s.query(ctx, `WHERE agent_id = $1 AND turn BETWEEN $2 AND $3`, agentID, fromTurn, toTurn)
}

func (s *PostgresConversationStore) GetMessageCount(ctx context.Context, agentID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE agent_id = $1`, agentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages for %s: %w", agentID, err)
	}
	return count, nil
}

func (s *PostgresConversationStore) DeleteConversation(ctx context.Context, agentID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("delete conversation for %s: %w", agentID, err)
	}
	return nil
}

func (s *PostgresConversationStore) query(ctx context.Context, where string, args ...any) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, turn, role, content, from_agent_id, created_at
		FROM messages `+where+` ORDER BY turn`, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Message, error) {
		var m models.Message
		err := row.Scan(&m.AgentID, &m.Turn, &m.Role, &m.Content, &m.FromAgentID, &m.Timestamp)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

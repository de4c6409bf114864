package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routa-project/routa/pkg/bus"
	"github.com/routa-project/routa/pkg/models"
	"github.com/routa-project/routa/pkg/store"
	"github.com/routa-project/routa/pkg/subscription"
	"github.com/routa-project/routa/pkg/tools"
)

const planTwoTasks = `Splitting the work.

@@@task
# Implement Login API

## Objective
Build the login endpoint.

## Verification
- go test ./...
@@@

@@@task
# Add User Registration

## Objective
Build the registration flow.
@@@
`

type fixture struct {
	stores  *store.Stores
	surface *tools.Surface
	coord   *Coordinator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	b := bus.New(0)
	subs := subscription.NewService(b, slog.Default())
	t.Cleanup(func() {
		subs.Stop()
		b.Close()
	})
	stores := store.NewMemoryStores()
	surface := tools.NewSurface(stores, b, subs, slog.Default())
	return &fixture{
		stores:  stores,
		surface: surface,
		coord:   New(stores, b, subs, surface, opts, slog.Default()),
	}
}

// runWave registers the plan, starts a wave, and reports every crafter done.
func (f *fixture) runWave(t *testing.T, ctx context.Context) []Delegation {
	delegations, err := f.coord.ExecuteNextWave(ctx)
	require.NoError(t, err)
	for _, d := range delegations {
		res := f.surface.ReportToParent(ctx, models.CompletionReport{
			AgentID: d.CrafterID,
			TaskID:  d.TaskID,
			Summary: "done",
			Success: true,
		})
		require.True(t, res.Success, res.Error)
	}
	require.NoError(t, f.coord.ObserveWaveCompletion(ctx))
	return delegations
}

func TestCoordinator_InitializeAndRegister(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	routaID, err := f.coord.Initialize(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, models.PhasePlanning, f.coord.State().Phase)
	assert.Equal(t, routaID, f.coord.State().RoutaAgentID)

	agent, err := f.stores.Agents.Get(ctx, routaID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleRouta, agent.Role)
	assert.Equal(t, models.AgentStatusActive, agent.Status)

	// Initialize is valid only once per session.
	_, err = f.coord.Initialize(ctx, "ws")
	require.ErrorIs(t, err, ErrWrongPhase)

	ids, err := f.coord.RegisterTasks(ctx, planTwoTasks)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Equal(t, models.PhaseReady, f.coord.State().Phase)
}

func TestCoordinator_RegisterTasks_NoBlocksStaysPlanning(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.coord.Initialize(ctx, "ws")
	require.NoError(t, err)

	ids, err := f.coord.RegisterTasks(ctx, "no structure in this plan")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, models.PhasePlanning, f.coord.State().Phase)
}

func TestCoordinator_ExecuteNextWave(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.coord.Initialize(ctx, "ws")
	require.NoError(t, err)
	_, err = f.coord.RegisterTasks(ctx, planTwoTasks)
	require.NoError(t, err)

	delegations, err := f.coord.ExecuteNextWave(ctx)
	require.NoError(t, err)
	require.Len(t, delegations, 2)

	state := f.coord.State()
	assert.Equal(t, models.PhaseExecuting, state.Phase)
	assert.Equal(t, 1, state.CurrentWave)
	assert.Len(t, state.ActiveCrafterIDs, 2)

	names := map[string]bool{}
	for _, d := range delegations {
		agent, err := f.stores.Agents.Get(ctx, d.CrafterID)
		require.NoError(t, err)
		names[agent.Name] = true

		task, err := f.stores.Tasks.Get(ctx, d.TaskID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusInProgress, task.Status)
		require.NotNil(t, task.AssignedTo)
		assert.Equal(t, d.CrafterID, *task.AssignedTo)
	}
	assert.True(t, names["crafter-implement-login-api-1"])
	assert.True(t, names["crafter-add-user-registration-1"])

	// EXECUTING forbids starting another wave.
	_, err = f.coord.ExecuteNextWave(ctx)
	require.ErrorIs(t, err, ErrWrongPhase)
}

func TestCoordinator_ObserveWaveCompletion(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.coord.Initialize(ctx, "ws")
	require.NoError(t, err)
	_, err = f.coord.RegisterTasks(ctx, planTwoTasks)
	require.NoError(t, err)
	delegations, err := f.coord.ExecuteNextWave(ctx)
	require.NoError(t, err)

	observed := make(chan error, 1)
	go func() { observed <- f.coord.ObserveWaveCompletion(ctx) }()

	// Still executing until the second report lands.
	res := f.surface.ReportToParent(ctx, models.CompletionReport{
		AgentID: delegations[0].CrafterID, TaskID: delegations[0].TaskID, Summary: "done", Success: true,
	})
	require.True(t, res.Success, res.Error)
	select {
	case err := <-observed:
		t.Fatalf("wave observed complete too early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	res = f.surface.ReportToParent(ctx, models.CompletionReport{
		AgentID: delegations[1].CrafterID, TaskID: delegations[1].TaskID, Summary: "done", Success: true,
	})
	require.True(t, res.Success, res.Error)

	select {
	case err := <-observed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("wave completion never observed")
	}
	assert.Equal(t, models.PhaseWaveComplete, f.coord.State().Phase)
}

func TestCoordinator_VerdictApprovedCompletesSession(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.coord.Initialize(ctx, "ws")
	require.NoError(t, err)
	ids, err := f.coord.RegisterTasks(ctx, planTwoTasks)
	require.NoError(t, err)
	f.runWave(t, ctx)

	gateID, err := f.coord.StartVerification(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseVerifying, f.coord.State().Phase)

	gate, err := f.stores.Agents.Get(ctx, gateID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleGate, gate.Role)
	assert.Equal(t, "gate-1", gate.Name)

	verdict, err := f.coord.RecordVerdict(ctx, "Both tasks meet their criteria. ✅ APPROVED")
	require.NoError(t, err)
	assert.Equal(t, models.VerdictApproved, verdict)
	assert.Equal(t, models.PhaseCompleted, f.coord.State().Phase)

	for _, id := range ids {
		task, err := f.stores.Tasks.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusCompleted, task.Status)
		require.NotNil(t, task.VerificationVerdict)
		assert.Equal(t, models.VerdictApproved, *task.VerificationVerdict)
	}

	gate, err = f.stores.Agents.Get(ctx, gateID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusCompleted, gate.Status)
}

func TestCoordinator_VerdictRejectionRetriesWave(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.coord.Initialize(ctx, "ws")
	require.NoError(t, err)
	ids, err := f.coord.RegisterTasks(ctx, "@@@task\n# Fix Bug\n\n## Objective\nFix it.\n@@@")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	f.runWave(t, ctx)
	_, err = f.coord.StartVerification(ctx)
	require.NoError(t, err)

	verdict, err := f.coord.RecordVerdict(ctx, "❌ NOT APPROVED: the bug is still reproducible")
	require.NoError(t, err)
	assert.Equal(t, models.VerdictNotApproved, verdict)
	assert.Equal(t, models.PhaseNeedsFix, f.coord.State().Phase)

	// The task went back to PENDING with its assignment cleared.
	task, err := f.stores.Tasks.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Nil(t, task.AssignedTo)

	// Wave two runs from NEEDS_FIX and names its crafter accordingly.
	delegations := f.runWave(t, ctx)
	require.Len(t, delegations, 1)
	agent, err := f.stores.Agents.Get(ctx, delegations[0].CrafterID)
	require.NoError(t, err)
	assert.Equal(t, "crafter-fix-bug-2", agent.Name)

	_, err = f.coord.StartVerification(ctx)
	require.NoError(t, err)
	verdict, err = f.coord.RecordVerdict(ctx, "APPROVED")
	require.NoError(t, err)
	assert.Equal(t, models.VerdictApproved, verdict)
	assert.Equal(t, models.PhaseCompleted, f.coord.State().Phase)
}

// pendingAssigneeGuard fails the invariant check if a task ever transitions
// to PENDING while still carrying an assignment.
type pendingAssigneeGuard struct {
	store.TaskStore
	violations []string
}

func (g *pendingAssigneeGuard) UpdateStatus(ctx context.Context, id string, next models.TaskStatus) (models.TaskStatus, error) {
	if next == models.TaskStatusPending {
		if task, err := g.TaskStore.Get(ctx, id); err == nil && task.AssignedTo != nil {
			g.violations = append(g.violations, id)
		}
	}
	return g.TaskStore.UpdateStatus(ctx, id, next)
}

func TestCoordinator_RejectionClearsAssigneeBeforePending(t *testing.T) {
	f := newFixture(t, Options{})
	guard := &pendingAssigneeGuard{TaskStore: f.stores.Tasks}
	f.stores.Tasks = guard
	ctx := context.Background()

	_, err := f.coord.Initialize(ctx, "ws")
	require.NoError(t, err)
	ids, err := f.coord.RegisterTasks(ctx, "@@@task\n# Fix Bug\n\n## Objective\nFix it.\n@@@")
	require.NoError(t, err)
	f.runWave(t, ctx)
	_, err = f.coord.StartVerification(ctx)
	require.NoError(t, err)

	_, err = f.coord.RecordVerdict(ctx, "NOT APPROVED")
	require.NoError(t, err)

	assert.Empty(t, guard.violations, "task observed PENDING with an assignee")
	task, err := f.stores.Tasks.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Nil(t, task.AssignedTo)
}

func TestCoordinator_BuildAgentContext(t *testing.T) {
	f := newFixture(t, Options{ConversationTail: 2})
	ctx := context.Background()
	routaID, err := f.coord.Initialize(ctx, "ws")
	require.NoError(t, err)
	_, err = f.coord.RegisterTasks(ctx, planTwoTasks)
	require.NoError(t, err)
	delegations, err := f.coord.ExecuteNextWave(ctx)
	require.NoError(t, err)

	crafterID := ""
	for _, d := range delegations {
		task, err := f.stores.Tasks.Get(ctx, d.TaskID)
		require.NoError(t, err)
		if task.Title == "Implement Login API" {
			crafterID = d.CrafterID
		}
	}
	require.NotEmpty(t, crafterID)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.stores.Conversations.Append(ctx, &models.Message{
			AgentID: crafterID,
			Role:    models.MessageRoleAgent,
			Content: fmt.Sprintf("note %d", i),
		}))
	}

	prompt, err := f.coord.BuildAgentContext(ctx, crafterID)
	require.NoError(t, err)
	assert.Contains(t, prompt, "You are a CRAFTER")
	assert.Contains(t, prompt, "@@@task")
	assert.Contains(t, prompt, "Implement Login API")
	// Tail of 2: the oldest note fell out of the window.
	assert.NotContains(t, prompt, "note 0")
	assert.Contains(t, prompt, "note 2")

	routaPrompt, err := f.coord.BuildAgentContext(ctx, routaID)
	require.NoError(t, err)
	assert.Contains(t, routaPrompt, "You are ROUTA")
}

func TestCoordinator_BuildAgentContext_IterationBudget(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	routaID, err := f.coord.Initialize(ctx, "ws")
	require.NoError(t, err)

	prompt, err := f.coord.BuildAgentContext(ctx, routaID)
	require.NoError(t, err)
	assert.Contains(t, prompt, "at most 20 tool calls")

	custom := newFixture(t, Options{IterationLimits: map[models.AgentRole]int{models.RoleRouta: 7}})
	routaID, err = custom.coord.Initialize(ctx, "ws")
	require.NoError(t, err)
	prompt, err = custom.coord.BuildAgentContext(ctx, routaID)
	require.NoError(t, err)
	assert.Contains(t, prompt, "at most 7 tool calls")
}

func TestCoordinator_ResetUnblocksObserver(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.coord.Initialize(ctx, "ws")
	require.NoError(t, err)
	_, err = f.coord.RegisterTasks(ctx, planTwoTasks)
	require.NoError(t, err)
	_, err = f.coord.ExecuteNextWave(ctx)
	require.NoError(t, err)

	observed := make(chan error, 1)
	go func() { observed <- f.coord.ObserveWaveCompletion(ctx) }()
	time.Sleep(20 * time.Millisecond)

	f.coord.Reset(ctx)

	select {
	case err := <-observed:
		require.ErrorIs(t, err, ErrWrongPhase)
	case <-time.After(2 * time.Second):
		t.Fatal("reset did not unblock the observer")
	}
	assert.Equal(t, models.PhaseIdle, f.coord.State().Phase)
}

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		name      string
		output    string
		want      models.Verdict
		ambiguous bool
	}{
		{"plain approval", "APPROVED", models.VerdictApproved, false},
		{"lowercase approval", "everything checks out, approved.", models.VerdictApproved, false},
		{"emoji rejection", "❌ NOT APPROVED", models.VerdictNotApproved, false},
		{"underscore rejection", "verdict: NOT_APPROVED", models.VerdictNotApproved, false},
		{"rejection wins", "Task A is APPROVED but task B is NOT APPROVED.", models.VerdictNotApproved, true},
		{"rejection marker alone is unambiguous", "NOT APPROVED", models.VerdictNotApproved, false},
		{"no marker", "I could not complete the review.", models.VerdictBlocked, false},
		{"empty", "", models.VerdictBlocked, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ambiguous := ParseVerdict(tc.output)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.ambiguous, ambiguous)
		})
	}
}

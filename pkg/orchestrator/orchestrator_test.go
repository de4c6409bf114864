package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routa-project/routa/pkg/bus"
	"github.com/routa-project/routa/pkg/coordinator"
	"github.com/routa-project/routa/pkg/models"
	"github.com/routa-project/routa/pkg/provider"
	"github.com/routa-project/routa/pkg/store"
	"github.com/routa-project/routa/pkg/subscription"
	"github.com/routa-project/routa/pkg/tools"
)

const planTwoTasks = `Here is the plan.

@@@task
# Implement Login API

## Objective
Build the login endpoint.
@@@

@@@task
# Add User Registration

## Objective
Build the registration flow.
@@@
`

const planOneTask = `@@@task
# Fix Bug

## Objective
Fix the reported bug.
@@@
`

type fixture struct {
	stores  *store.Stores
	surface *tools.Surface
	coord   *coordinator.Coordinator
	mock    *provider.MockProvider
	phases  []PhaseUpdate
	mu      sync.Mutex
}

func newFixture(t *testing.T, opts coordinator.Options) *fixture {
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
		coord:   coordinator.New(stores, b, subs, surface, opts, slog.Default()),
		mock: provider.NewMockProvider(provider.Capabilities{
			Name:                "mock",
			SupportsFileEditing: true,
			SupportsTerminal:    true,
			SupportsToolCalling: true,
		}),
	}
}

func (f *fixture) orchestrator() *Orchestrator {
	return New(f.coord, f.stores, f.surface, f.mock, func(u PhaseUpdate) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.phases = append(f.phases, u)
	}, slog.Default())
}

func (f *fixture) phaseNames() []Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Phase, 0, len(f.phases))
	for _, u := range f.phases {
		out = append(out, u.Phase)
	}
	return out
}

// reportingCrafter scripts a CRAFTER that finishes its assigned task via
// report_to_parent, the way a real implementor backend would.
func (f *fixture) reportingCrafter(t *testing.T) func(provider.Call) (string, error) {
	return func(call provider.Call) (string, error) {
		ctx := context.Background()
		assigned, err := f.stores.Tasks.ListByAssignee(ctx, call.AgentID)
		if err != nil || len(assigned) == 0 {
			return "", fmt.Errorf("no assigned task for %s", call.AgentID)
		}
		res := f.surface.ReportToParent(ctx, models.CompletionReport{
			AgentID: call.AgentID,
			TaskID:  assigned[0].ID,
			Summary: "Implemented " + assigned[0].Title + ".",
			Success: true,
		})
		if !res.Success {
			return "", fmt.Errorf("report failed: %s", res.Error)
		}
		return "done", nil
	}
}

func TestRun_TwoTasksAllApproved(t *testing.T) {
	f := newFixture(t, coordinator.Options{})
	f.mock.Queue(models.RoleRouta, planTwoTasks)
	f.mock.Handle(models.RoleCrafter, f.reportingCrafter(t))
	f.mock.Queue(models.RoleGate, "Both tasks verified. APPROVED")

	result, err := f.orchestrator().Run(context.Background(), "ws", "Build auth")
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, result.Kind)
	assert.Equal(t, 1, result.Waves)
	require.Len(t, result.Tasks, 2)
	for _, task := range result.Tasks {
		assert.Equal(t, models.TaskStatusCompleted, task.Status)
		assert.Contains(t, task.Summary, "Implemented")
	}

	// Run order: ROUTA plans, both CRAFTERs execute, GATE verifies.
	assert.Equal(t, []models.AgentRole{
		models.RoleRouta, models.RoleCrafter, models.RoleCrafter, models.RoleGate,
	}, f.mock.RoleSequence())

	// Every crafter ended COMPLETED.
	ctx := context.Background()
	crafters, err := f.stores.Agents.ListByRole(ctx, "ws", models.RoleCrafter)
	require.NoError(t, err)
	require.Len(t, crafters, 2)
	for _, c := range crafters {
		assert.Equal(t, models.AgentStatusCompleted, c.Status)
	}
}

func TestRun_GateRejectsThenApproves(t *testing.T) {
	f := newFixture(t, coordinator.Options{})
	f.mock.Queue(models.RoleRouta, planOneTask)
	f.mock.Handle(models.RoleCrafter, f.reportingCrafter(t))
	f.mock.Queue(models.RoleGate, "❌ NOT APPROVED: bug still present", "✅ APPROVED")

	result, err := f.orchestrator().Run(context.Background(), "ws", "Fix the bug")
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, result.Kind)
	assert.Equal(t, 2, result.Waves)
	require.Len(t, result.Tasks, 1)
	assert.Equal(t, models.TaskStatusCompleted, result.Tasks[0].Status)

	// The gate ran twice with a NeedsFix boundary between verifications.
	gateRuns := 0
	for _, role := range f.mock.RoleSequence() {
		if role == models.RoleGate {
			gateRuns++
		}
	}
	assert.Equal(t, 2, gateRuns)

	phases := f.phaseNames()
	needsFixAt, secondVerifyAt := -1, -1
	for i, p := range phases {
		if p == PhaseNeedsFix && needsFixAt == -1 {
			needsFixAt = i
		}
		if p == PhaseVerificationCompleted {
			secondVerifyAt = i
		}
	}
	require.GreaterOrEqual(t, needsFixAt, 0, "expected a NeedsFix boundary")
	assert.Greater(t, secondVerifyAt, needsFixAt)
}

func TestRun_NoTasksProduced(t *testing.T) {
	f := newFixture(t, coordinator.Options{})
	f.mock.Queue(models.RoleRouta, "I could not break this request into tasks.")

	result, err := f.orchestrator().Run(context.Background(), "ws", "Do something vague")
	require.NoError(t, err)
	assert.Equal(t, ResultNoTasks, result.Kind)
	assert.Equal(t, "I could not break this request into tasks.", result.PlanText)
	assert.Empty(t, result.Tasks)

	// No crafters or gates were ever created.
	assert.Equal(t, []models.AgentRole{models.RoleRouta}, f.mock.RoleSequence())
}

func TestRun_SilentCrafterGetsSynthesizedFailure(t *testing.T) {
	f := newFixture(t, coordinator.Options{})
	f.mock.Queue(models.RoleRouta, planOneTask)
	// This crafter produces text but never calls report_to_parent.
	f.mock.Queue(models.RoleCrafter, "I did some work but forgot to report.")
	f.mock.Queue(models.RoleGate, "APPROVED")

	result, err := f.orchestrator().Run(context.Background(), "ws", "Fix the bug")
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, result.Kind)
	require.Len(t, result.Tasks, 1)
	assert.Contains(t, result.Tasks[0].Summary, "Task not completed")
}

func TestRun_MaxWavesReached(t *testing.T) {
	f := newFixture(t, coordinator.Options{MaxWaves: 2})
	f.mock.Queue(models.RoleRouta, planOneTask)
	f.mock.Handle(models.RoleCrafter, f.reportingCrafter(t))
	f.mock.Queue(models.RoleGate, "NOT APPROVED: never good enough")

	result, err := f.orchestrator().Run(context.Background(), "ws", "Fix the bug")
	require.NoError(t, err)
	assert.Equal(t, ResultMaxWavesReached, result.Kind)
	assert.Equal(t, 2, result.Waves)
	require.Len(t, result.Tasks, 1)
	assert.Equal(t, models.TaskStatusPending, result.Tasks[0].Status)

	phases := f.phaseNames()
	assert.Equal(t, PhaseMaxWavesReached, phases[len(phases)-1])
}

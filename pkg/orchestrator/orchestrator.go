// Package orchestrator drives one user request end to end: plan with ROUTA,
// execute waves of CRAFTERs, verify with GATE, retry on rejection.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/routa-project/routa/pkg/coordinator"
	"github.com/routa-project/routa/pkg/models"
	"github.com/routa-project/routa/pkg/store"
	"github.com/routa-project/routa/pkg/tools"
)

// Runner is the provider surface the orchestrator needs: routing is the
// caller's concern.
type Runner interface {
	Run(ctx context.Context, role models.AgentRole, agentID, prompt string) (string, error)
}

// Phase is one boundary in the outer loop, reported on the phase callback.
type Phase string

const (
	PhaseInitializing          Phase = "initializing"
	PhasePlanning              Phase = "planning"
	PhasePlanReady             Phase = "plan_ready"
	PhaseTasksRegistered       Phase = "tasks_registered"
	PhaseWaveStarting          Phase = "wave_starting"
	PhaseCrafterRunning        Phase = "crafter_running"
	PhaseCrafterCompleted      Phase = "crafter_completed"
	PhaseVerificationStarting  Phase = "verification_starting"
	PhaseVerificationCompleted Phase = "verification_completed"
	PhaseNeedsFix              Phase = "needs_fix"
	PhaseCompleted             Phase = "completed"
	PhaseMaxWavesReached       Phase = "max_waves_reached"
)

// PhaseUpdate is one callback notification.
type PhaseUpdate struct {
	Phase   Phase  `json:"phase"`
	Wave    int    `json:"wave,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// PhaseCallback observes outer-loop progress. Callbacks run synchronously on
// the orchestrator goroutine and must be fast.
type PhaseCallback func(PhaseUpdate)

// ResultKind tags the terminal outcome of a request.
type ResultKind string

const (
	ResultSuccess         ResultKind = "success"
	ResultNoTasks         ResultKind = "no_tasks"
	ResultMaxWavesReached ResultKind = "max_waves_reached"
)

// TaskSummary is one task's final standing in the result.
type TaskSummary struct {
	TaskID  string            `json:"task_id"`
	Title   string            `json:"title"`
	Status  models.TaskStatus `json:"status"`
	Summary string            `json:"summary,omitempty"`
}

// Result is the terminal outcome of one orchestrated request.
type Result struct {
	Kind     ResultKind    `json:"kind"`
	PlanText string        `json:"plan_text,omitempty"`
	Tasks    []TaskSummary `json:"tasks,omitempty"`
	Waves    int           `json:"waves"`
}

// Orchestrator ties the coordinator, tool surface, and provider runner
// together for a single session.
type Orchestrator struct {
	coord   *coordinator.Coordinator
	stores  *store.Stores
	surface *tools.Surface
	runner  Runner
	onPhase PhaseCallback
	logger  *slog.Logger
}

// New creates an orchestrator. onPhase may be nil.
func New(coord *coordinator.Coordinator, stores *store.Stores, surface *tools.Surface, runner Runner, onPhase PhaseCallback, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		coord:   coord,
		stores:  stores,
		surface: surface,
		runner:  runner,
		onPhase: onPhase,
		logger:  logger.With("component", "orchestrator"),
	}
}

func (o *Orchestrator) notify(update PhaseUpdate) {
	if o.onPhase != nil {
		o.onPhase(update)
	}
}

// Run executes the full outer loop for one user request.
func (o *Orchestrator) Run(ctx context.Context, workspaceID, userRequest string) (*Result, error) {
	o.notify(PhaseUpdate{Phase: PhaseInitializing})
	routaID, err := o.coord.Initialize(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("orchestrate: %w", err)
	}

	if err := o.stores.Conversations.Append(ctx, &models.Message{
		AgentID: routaID,
		Role:    models.MessageRoleUser,
		Content: userRequest,
	}); err != nil {
		return nil, fmt.Errorf("orchestrate: %w", err)
	}

	o.notify(PhaseUpdate{Phase: PhasePlanning, AgentID: routaID})
	prompt, err := o.coord.BuildAgentContext(ctx, routaID)
	if err != nil {
		return nil, fmt.Errorf("orchestrate: %w", err)
	}
	planText, err := o.runner.Run(ctx, models.RoleRouta, routaID, prompt)
	if err != nil {
		return nil, fmt.Errorf("orchestrate: plan: %w", err)
	}
	if err := o.stores.Conversations.Append(ctx, &models.Message{
		AgentID: routaID,
		Role:    models.MessageRoleAgent,
		Content: planText,
	}); err != nil {
		return nil, fmt.Errorf("orchestrate: %w", err)
	}
	o.notify(PhaseUpdate{Phase: PhasePlanReady, AgentID: routaID})

	taskIDs, err := o.coord.RegisterTasks(ctx, planText)
	if err != nil {
		return nil, fmt.Errorf("orchestrate: %w", err)
	}
	if len(taskIDs) == 0 {
		o.logger.Info("plan produced no tasks", "workspace_id", workspaceID)
		return &Result{Kind: ResultNoTasks, PlanText: planText}, nil
	}
	o.notify(PhaseUpdate{Phase: PhaseTasksRegistered, Detail: fmt.Sprintf("%d task(s)", len(taskIDs))})

	maxWaves := o.coord.MaxWaves()
	for wave := 1; wave <= maxWaves; wave++ {
		o.notify(PhaseUpdate{Phase: PhaseWaveStarting, Wave: wave})
		delegations, err := o.coord.ExecuteNextWave(ctx)
		if err != nil {
			return nil, fmt.Errorf("orchestrate: wave %d: %w", wave, err)
		}

		o.runCrafters(ctx, wave, delegations)

		if err := o.coord.ObserveWaveCompletion(ctx); err != nil {
			return nil, fmt.Errorf("orchestrate: wave %d: %w", wave, err)
		}

		gateID, err := o.coord.StartVerification(ctx)
		if err != nil {
			return nil, fmt.Errorf("orchestrate: wave %d: %w", wave, err)
		}
		o.notify(PhaseUpdate{Phase: PhaseVerificationStarting, Wave: wave, AgentID: gateID})
		gatePrompt, err := o.coord.BuildAgentContext(ctx, gateID)
		if err != nil {
			return nil, fmt.Errorf("orchestrate: wave %d: %w", wave, err)
		}
		gateOutput, err := o.runner.Run(ctx, models.RoleGate, gateID, gatePrompt)
		if err != nil {
			return nil, fmt.Errorf("orchestrate: wave %d: verification: %w", wave, err)
		}
		verdict, err := o.coord.RecordVerdict(ctx, gateOutput)
		if err != nil {
			return nil, fmt.Errorf("orchestrate: wave %d: %w", wave, err)
		}
		o.notify(PhaseUpdate{Phase: PhaseVerificationCompleted, Wave: wave, AgentID: gateID, Detail: string(verdict)})

		if o.coord.State().Phase == models.PhaseCompleted {
			o.notify(PhaseUpdate{Phase: PhaseCompleted, Wave: wave})
			summaries, err := o.taskSummaries(ctx, workspaceID)
			if err != nil {
				return nil, err
			}
			return &Result{Kind: ResultSuccess, PlanText: planText, Tasks: summaries, Waves: wave}, nil
		}
		o.notify(PhaseUpdate{Phase: PhaseNeedsFix, Wave: wave})
	}

	o.notify(PhaseUpdate{Phase: PhaseMaxWavesReached, Wave: maxWaves})
	summaries, err := o.taskSummaries(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return &Result{Kind: ResultMaxWavesReached, PlanText: planText, Tasks: summaries, Waves: maxWaves}, nil
}

// runCrafters fans the wave's provider runs out and joins them. A crafter
// whose run ends without a completion report gets a synthesized failure
// report so the wave can still settle and the gate sees the failure.
func (o *Orchestrator) runCrafters(ctx context.Context, wave int, delegations []coordinator.Delegation) {
	var wg sync.WaitGroup
	for _, d := range delegations {
		wg.Add(1)
		go func(d coordinator.Delegation) {
			defer wg.Done()
			o.notify(PhaseUpdate{Phase: PhaseCrafterRunning, Wave: wave, AgentID: d.CrafterID, TaskID: d.TaskID})
			o.runCrafter(ctx, d)
			o.notify(PhaseUpdate{Phase: PhaseCrafterCompleted, Wave: wave, AgentID: d.CrafterID, TaskID: d.TaskID})
		}(d)
	}
	wg.Wait()
}

func (o *Orchestrator) runCrafter(ctx context.Context, d coordinator.Delegation) {
	prompt, err := o.coord.BuildAgentContext(ctx, d.CrafterID)
	if err != nil {
		o.logger.Error("failed to build crafter context", "agent_id", d.CrafterID, "error", err)
		o.synthesizeFailure(ctx, d, "context construction failed")
		return
	}
	out, err := o.runner.Run(ctx, models.RoleCrafter, d.CrafterID, prompt)
	if err != nil {
		o.logger.Error("crafter run failed", "agent_id", d.CrafterID, "error", err)
		o.synthesizeFailure(ctx, d, fmt.Sprintf("provider run failed: %v", err))
		return
	}
	if out != "" {
		if err := o.stores.Conversations.Append(ctx, &models.Message{
			AgentID: d.CrafterID,
			Role:    models.MessageRoleAgent,
			Content: out,
		}); err != nil {
			o.logger.Error("failed to record crafter output", "agent_id", d.CrafterID, "error", err)
		}
	}

	agent, err := o.stores.Agents.Get(ctx, d.CrafterID)
	if err != nil {
		o.logger.Error("failed to read crafter after run", "agent_id", d.CrafterID, "error", err)
		return
	}
	if agent.Status == models.AgentStatusActive {
		// The run ended without report_to_parent.
		o.synthesizeFailure(ctx, d, "run ended without a completion report")
	}
}

func (o *Orchestrator) synthesizeFailure(ctx context.Context, d coordinator.Delegation, reason string) {
	res := o.surface.ReportToParent(ctx, models.CompletionReport{
		AgentID: d.CrafterID,
		TaskID:  d.TaskID,
		Summary: "Task not completed: " + reason + ".",
		Success: false,
	})
	if !res.Success {
		o.logger.Error("failed to synthesize completion report",
			"agent_id", d.CrafterID, "task_id", d.TaskID, "error", res.Error)
		// Last resort so the wave observer is not stuck on this agent.
		if failed := o.surface.MarkAgentFailed(ctx, d.CrafterID); !failed.Success {
			o.logger.Error("failed to mark crafter failed", "agent_id", d.CrafterID, "error", failed.Error)
		}
	}
}

func (o *Orchestrator) taskSummaries(ctx context.Context, workspaceID string) ([]TaskSummary, error) {
	all, err := o.stores.Tasks.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("orchestrate: summaries: %w", err)
	}
	out := make([]TaskSummary, 0, len(all))
	for _, task := range all {
		out = append(out, TaskSummary{
			TaskID:  task.ID,
			Title:   task.Title,
			Status:  task.Status,
			Summary: task.CompletionSummary,
		})
	}
	return out, nil
}

// Package coordinator holds the per-session coordination state machine: it
// registers planned tasks, launches execution waves, observes their
// completion, and applies verification verdicts.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/routa-project/routa/pkg/bus"
	"github.com/routa-project/routa/pkg/models"
	"github.com/routa-project/routa/pkg/plan"
	"github.com/routa-project/routa/pkg/store"
	"github.com/routa-project/routa/pkg/subscription"
	"github.com/routa-project/routa/pkg/tools"
)

// ErrWrongPhase marks a contract violation: an operation was invoked in a
// phase that does not permit it.
var ErrWrongPhase = errors.New("operation not valid in current phase")

// DefaultMaxWaves caps verification retries.
const DefaultMaxWaves = 5

// DefaultConversationTail is the number of trailing messages included in an
// agent's context.
const DefaultConversationTail = 20

// Default per-role tool-call budgets, surfaced to agents in their context.
const (
	DefaultIterationsRouta   = 20
	DefaultIterationsCrafter = 20
	DefaultIterationsGate    = 30
)

// Options tune a coordinator.
type Options struct {
	MaxWaves         int
	ConversationTail int
	// IterationLimits caps tool-call loops per provider run, by role. The
	// limit is stated in the agent's context; enforcement is the execution
	// backend's job.
	IterationLimits map[models.AgentRole]int
}

func (o Options) withDefaults() Options {
	if o.MaxWaves <= 0 {
		o.MaxWaves = DefaultMaxWaves
	}
	if o.ConversationTail <= 0 {
		o.ConversationTail = DefaultConversationTail
	}
	if o.IterationLimits == nil {
		o.IterationLimits = map[models.AgentRole]int{
			models.RoleRouta:   DefaultIterationsRouta,
			models.RoleCrafter: DefaultIterationsCrafter,
			models.RoleGate:    DefaultIterationsGate,
		}
	}
	return o
}

// Delegation pairs a wave CRAFTER with its task.
type Delegation struct {
	CrafterID string `json:"crafter_id"`
	TaskID    string `json:"task_id"`
}

// Coordinator drives one session's state machine. All phase transitions
// happen under its mutex; State returns snapshots.
type Coordinator struct {
	stores  *store.Stores
	bus     *bus.Bus
	subs    *subscription.Service
	surface *tools.Surface
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	state   models.CoordinationState
	resetCh chan struct{}
}

// New creates an idle coordinator for the session.
func New(stores *store.Stores, b *bus.Bus, subs *subscription.Service, surface *tools.Surface, opts Options, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		stores:  stores,
		bus:     b,
		subs:    subs,
		surface: surface,
		opts:    opts.withDefaults(),
		logger:  logger.With("component", "coordinator"),
		state:   models.CoordinationState{Phase: models.PhaseIdle},
		resetCh: make(chan struct{}),
	}
}

// State returns a snapshot of the coordination state.
func (c *Coordinator) State() models.CoordinationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// MaxWaves returns the verification retry cap.
func (c *Coordinator) MaxWaves() int { return c.opts.MaxWaves }

func (c *Coordinator) transition(next models.Phase) {
	old := c.state.Phase
	c.state.Phase = next
	c.logger.Info("phase transition", "from", old, "to", next, "wave", c.state.CurrentWave)
}

func (c *Coordinator) requirePhase(allowed ...models.Phase) error {
	for _, p := range allowed {
		if c.state.Phase == p {
			return nil
		}
	}
	return fmt.Errorf("%w: phase is %s", ErrWrongPhase, c.state.Phase)
}

// Initialize creates the workspace's ROUTA agent and moves IDLE→PLANNING.
// Returns the ROUTA agent id.
func (c *Coordinator) Initialize(ctx context.Context, workspaceID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requirePhase(models.PhaseIdle); err != nil {
		return "", err
	}
	res := c.surface.CreateAgent(ctx, workspaceID, models.RoleRouta, "routa", nil, models.TierSmart)
	if !res.Success {
		return "", fmt.Errorf("initialize: %s", res.Error)
	}
	routaID := res.Data.(map[string]any)["agent_id"].(string)
	c.state.WorkspaceID = workspaceID
	c.state.RoutaAgentID = routaID
	c.transition(models.PhasePlanning)
	return routaID, nil
}

// RegisterTasks parses @@@task blocks out of the plan, saves them, and
// moves PLANNING→READY when at least one task was produced. Returns the new
// task ids in document order.
func (c *Coordinator) RegisterTasks(ctx context.Context, planText string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requirePhase(models.PhasePlanning); err != nil {
		return nil, err
	}
	tasks := plan.Parse(planText, c.state.WorkspaceID)
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		if err := c.stores.Tasks.Save(ctx, task); err != nil {
			return nil, fmt.Errorf("register tasks: %w", err)
		}
		ids = append(ids, task.ID)
	}
	if len(ids) > 0 {
		c.transition(models.PhaseReady)
	}
	c.logger.Info("tasks registered", "count", len(ids))
	return ids, nil
}

// ExecuteNextWave creates one CRAFTER per ready task, delegates the tasks,
// and moves to EXECUTING. Valid in READY or NEEDS_FIX.
func (c *Coordinator) ExecuteNextWave(ctx context.Context) ([]Delegation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requirePhase(models.PhaseReady, models.PhaseNeedsFix); err != nil {
		return nil, err
	}
	ready, err := c.stores.Tasks.FindReadyTasks(ctx, c.state.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("execute wave: %w", err)
	}
	c.state.CurrentWave++
	delegations := make([]Delegation, 0, len(ready))
	crafterIDs := make([]string, 0, len(ready))
	for _, task := range ready {
		name := fmt.Sprintf("crafter-%s-%d", tools.Slug(task.Title), c.state.CurrentWave)
		res := c.surface.CreateAgent(ctx, c.state.WorkspaceID, models.RoleCrafter, name, &c.state.RoutaAgentID, models.TierSmart)
		if !res.Success {
			return nil, fmt.Errorf("execute wave: create crafter: %s", res.Error)
		}
		crafterID := res.Data.(map[string]any)["agent_id"].(string)
		if res := c.surface.DelegateTask(ctx, task.ID, crafterID, c.state.RoutaAgentID); !res.Success {
			return nil, fmt.Errorf("execute wave: delegate %s: %s", task.ID, res.Error)
		}
		delegations = append(delegations, Delegation{CrafterID: crafterID, TaskID: task.ID})
		crafterIDs = append(crafterIDs, crafterID)
	}
	c.state.ActiveCrafterIDs = crafterIDs
	c.transition(models.PhaseExecuting)
	c.logger.Info("wave started", "wave", c.state.CurrentWave, "crafters", len(crafterIDs))
	return delegations, nil
}

// ObserveWaveCompletion blocks until every CRAFTER of the current wave has
// reached a terminal status, then moves EXECUTING→WAVE_COMPLETE. Reset
// unblocks it with ErrWrongPhase; ctx cancellation propagates.
func (c *Coordinator) ObserveWaveCompletion(ctx context.Context) error {
	c.mu.Lock()
	if err := c.requirePhase(models.PhaseExecuting); err != nil {
		c.mu.Unlock()
		return err
	}
	crafterIDs := append([]string(nil), c.state.ActiveCrafterIDs...)
	resetCh := c.resetCh
	c.mu.Unlock()

	sub := c.bus.Subscribe()
	defer sub.Close()

	for {
		done, err := c.waveSettled(ctx, crafterIDs)
		if err != nil {
			return err
		}
		if done {
			break
		}
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("observe wave: event bus closed")
			}
			switch ev.EventType() {
			case models.EventTypeAgentCompleted, models.EventTypeAgentStatusChanged:
				// Recheck on the next loop iteration.
			}
		case <-resetCh:
			return fmt.Errorf("%w: coordinator was reset", ErrWrongPhase)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requirePhase(models.PhaseExecuting); err != nil {
		return err
	}
	c.transition(models.PhaseWaveComplete)
	return nil
}

func (c *Coordinator) waveSettled(ctx context.Context, crafterIDs []string) (bool, error) {
	for _, id := range crafterIDs {
		agent, err := c.stores.Agents.Get(ctx, id)
		if err != nil {
			return false, fmt.Errorf("observe wave: %w", err)
		}
		if !agent.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// StartVerification creates the wave's GATE agent and moves
// WAVE_COMPLETE→VERIFYING. Returns the gate's id.
func (c *Coordinator) StartVerification(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requirePhase(models.PhaseWaveComplete); err != nil {
		return "", err
	}
	name := fmt.Sprintf("gate-%d", c.state.CurrentWave)
	res := c.surface.CreateAgent(ctx, c.state.WorkspaceID, models.RoleGate, name, &c.state.RoutaAgentID, models.TierSmart)
	if !res.Success {
		return "", fmt.Errorf("start verification: %s", res.Error)
	}
	gateID := res.Data.(map[string]any)["agent_id"].(string)
	c.state.ActiveGateID = &gateID
	c.transition(models.PhaseVerifying)
	return gateID, nil
}

// RecordVerdict parses the gate's output and applies it to every task in
// REVIEW_REQUIRED, then settles the phase: COMPLETED when everything is
// done, NEEDS_FIX otherwise. Returns the parsed verdict.
func (c *Coordinator) RecordVerdict(ctx context.Context, gateOutput string) (models.Verdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requirePhase(models.PhaseVerifying); err != nil {
		return "", err
	}
	verdict, ambiguous := ParseVerdict(gateOutput)
	if ambiguous {
		c.logger.Warn("gate output contains both verdict markers; rejection wins", "wave", c.state.CurrentWave)
	}

	reviewed, err := c.stores.Tasks.ListByStatus(ctx, c.state.WorkspaceID, models.TaskStatusReviewRequired)
	if err != nil {
		return "", fmt.Errorf("record verdict: %w", err)
	}
	for _, task := range reviewed {
		if err := c.applyVerdict(ctx, task, verdict, gateOutput); err != nil {
			return "", err
		}
	}

	if c.state.ActiveGateID != nil {
		if _, err := c.stores.Agents.UpdateStatus(ctx, *c.state.ActiveGateID, models.AgentStatusCompleted); err != nil {
			c.logger.Warn("failed to complete gate agent", "gate_id", *c.state.ActiveGateID, "error", err)
		}
		c.state.ActiveGateID = nil
	}
	c.state.ActiveCrafterIDs = nil

	allDone, err := c.allTasksSettled(ctx)
	if err != nil {
		return "", err
	}
	if allDone {
		c.transition(models.PhaseCompleted)
	} else {
		c.transition(models.PhaseNeedsFix)
	}
	c.logger.Info("verdict recorded", "verdict", verdict, "phase", c.state.Phase)
	return verdict, nil
}

func (c *Coordinator) applyVerdict(ctx context.Context, task *models.Task, verdict models.Verdict, report string) error {
	task.VerificationVerdict = &verdict
	task.VerificationReport = report
	if err := c.stores.Tasks.Save(ctx, task); err != nil {
		return fmt.Errorf("record verdict: %w", err)
	}
	emitTransition := func(next models.TaskStatus) error {
		old, err := c.stores.Tasks.UpdateStatus(ctx, task.ID, next)
		if err != nil {
			return fmt.Errorf("record verdict: task %s: %w", task.ID, err)
		}
		return c.bus.Emit(ctx, models.TaskStatusChanged{TaskID: task.ID, Old: old, New: next})
	}
	switch verdict {
	case models.VerdictApproved:
		return emitTransition(models.TaskStatusCompleted)
	case models.VerdictNotApproved:
		if err := emitTransition(models.TaskStatusNeedsFix); err != nil {
			return err
		}
		// Clear the stale assignment while the task is still NEEDS_FIX, so
		// no reader ever observes a PENDING task with an assignee.
		fresh, err := c.stores.Tasks.Get(ctx, task.ID)
		if err != nil {
			return fmt.Errorf("record verdict: %w", err)
		}
		fresh.AssignedTo = nil
		if err := c.stores.Tasks.Save(ctx, fresh); err != nil {
			return fmt.Errorf("record verdict: %w", err)
		}
		// Back to PENDING so the next wave picks it up.
		return emitTransition(models.TaskStatusPending)
	default:
		return emitTransition(models.TaskStatusBlocked)
	}
}

// allTasksSettled reports whether every workspace task is COMPLETED (blocked
// and cancelled tasks do not count as settled: the session cannot claim
// success over them).
func (c *Coordinator) allTasksSettled(ctx context.Context) (bool, error) {
	all, err := c.stores.Tasks.ListByWorkspace(ctx, c.state.WorkspaceID)
	if err != nil {
		return false, fmt.Errorf("record verdict: %w", err)
	}
	for _, task := range all {
		if task.Status != models.TaskStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// BuildAgentContext assembles the prompt for one agent: the role's system
// text, the assigned task snapshot, and the conversation tail.
func (c *Coordinator) BuildAgentContext(ctx context.Context, agentID string) (string, error) {
	agent, err := c.stores.Agents.Get(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("build context: %w", err)
	}
	var b strings.Builder
	b.WriteString(systemText(agent.Role))
	if limit := c.opts.IterationLimits[agent.Role]; limit > 0 {
		fmt.Fprintf(&b, "\n\nYou may use at most %d tool calls in this run.", limit)
	}

	if tasks, err := c.stores.Tasks.ListByAssignee(ctx, agentID); err == nil && len(tasks) > 0 {
		b.WriteString("\n\n## Your assigned task\n\n")
		b.WriteString(plan.Canonical(tasks[0]))
	}

	tail, err := c.stores.Conversations.GetLastN(ctx, agentID, c.opts.ConversationTail)
	if err != nil {
		return "", fmt.Errorf("build context: %w", err)
	}
	if len(tail) > 0 {
		b.WriteString("\n\n## Recent conversation\n\n")
		for _, m := range tail {
			from := string(m.Role)
			if m.FromAgentID != nil {
				from = *m.FromAgentID
			}
			fmt.Fprintf(&b, "[turn %d] %s: %s\n", m.Turn, from, m.Content)
		}
	}
	return b.String(), nil
}

// Reset cancels subscriptions, clears active ids, unblocks wave observers,
// and returns to IDLE. Stores are retained.
func (c *Coordinator) Reset(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelWaveLocked(ctx)
	c.state = models.CoordinationState{Phase: models.PhaseIdle}
	c.logger.Info("coordinator reset")
}

// Shutdown cancels subscriptions and marks still-active wave agents
// CANCELLED. The coordinator is unusable afterwards; stores are retained.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelWaveLocked(ctx)
	c.state.ActiveCrafterIDs = nil
	c.state.ActiveGateID = nil
	c.logger.Info("coordinator shut down", "phase", c.state.Phase)
}

func (c *Coordinator) cancelWaveLocked(ctx context.Context) {
	for _, id := range c.state.ActiveCrafterIDs {
		if agent, err := c.stores.Agents.Get(ctx, id); err == nil && !agent.Status.Terminal() {
			if _, err := c.stores.Agents.UpdateStatus(ctx, id, models.AgentStatusCancelled); err != nil {
				c.logger.Warn("failed to cancel crafter", "agent_id", id, "error", err)
			}
		}
	}
	if c.state.RoutaAgentID != "" {
		c.subs.UnsubscribeAll(c.state.RoutaAgentID)
	}
	close(c.resetCh)
	c.resetCh = make(chan struct{})
}

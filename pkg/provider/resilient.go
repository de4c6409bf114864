package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/routa-project/routa/pkg/models"
	"github.com/routa-project/routa/pkg/store"
)

// DefaultRunTimeout bounds a single provider run.
const DefaultRunTimeout = 5 * time.Minute

// ResilientAgentProvider wraps a backend so provider failures and timeouts
// never escape as errors: the failure is recorded in the agent's transcript
// and a synthetic error string is returned instead. The coordination loop
// keeps moving and the gate sees the failure text.
type ResilientAgentProvider struct {
	inner         Provider
	conversations store.ConversationStore
	timeout       time.Duration
	logger        *slog.Logger
}

// NewResilientAgentProvider wraps inner. timeout ≤ 0 uses DefaultRunTimeout.
func NewResilientAgentProvider(inner Provider, conversations store.ConversationStore, timeout time.Duration, logger *slog.Logger) *ResilientAgentProvider {
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	return &ResilientAgentProvider{
		inner:         inner,
		conversations: conversations,
		timeout:       timeout,
		logger:        logger.With("component", "resilient_provider", "backend", inner.Capabilities().Name),
	}
}

// Capabilities passes through to the wrapped backend.
func (r *ResilientAgentProvider) Capabilities() Capabilities { return r.inner.Capabilities() }

// Run executes the wrapped backend under the run timeout. The returned error
// is always nil; failures come back as a "[provider error: …]" string.
func (r *ResilientAgentProvider) Run(ctx context.Context, role models.AgentRole, agentID, prompt string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := r.run(runCtx, role, agentID, prompt)
	if err == nil {
		return out, nil
	}
	r.logger.Error("provider run failed", "role", role, "agent_id", agentID, "error", err)
	failure := fmt.Sprintf("[provider error: %v]", err)
	if appendErr := r.conversations.Append(ctx, &models.Message{
		AgentID: agentID,
		Role:    models.MessageRoleSystem,
		Content: failure,
	}); appendErr != nil {
		r.logger.Error("failed to record provider failure", "agent_id", agentID, "error", appendErr)
	}
	return failure, nil
}

// run isolates the backend call so a panicking provider is also converted
// into a failure string.
func (r *ResilientAgentProvider) run(ctx context.Context, role models.AgentRole, agentID, prompt string) (out string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("provider panic: %v", rec)
		}
	}()
	out, err = r.inner.Run(ctx, role, agentID, prompt)
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("run timed out after %s: %w", r.timeout, ctx.Err())
	}
	return out, err
}

// Interrupt forwards to the backend when supported.
func (r *ResilientAgentProvider) Interrupt(agentID string) {
	if i, ok := r.inner.(Interrupter); ok {
		i.Interrupt(agentID)
	}
}

package provider

import (
	"context"
	"errors"

	"github.com/routa-project/routa/pkg/models"
)

// ErrNoProvider is returned when the router has no backend to run against.
var ErrNoProvider = errors.New("no provider available")

// CapabilityBasedRouter picks an execution backend per role from an ordered
// provider list. When no backend satisfies a role's needs, the first provider
// in order is the fallback.
type CapabilityBasedRouter struct {
	providers []Provider
}

// NewCapabilityBasedRouter creates a router over the given providers. Order
// matters: index 0 is the fallback.
func NewCapabilityBasedRouter(providers ...Provider) *CapabilityBasedRouter {
	return &CapabilityBasedRouter{providers: providers}
}

// Route returns the backend for the role: the highest-priority provider
// whose capabilities satisfy the role, preferring tool-calling where the
// role benefits from it.
func (r *CapabilityBasedRouter) Route(role models.AgentRole) Provider {
	if len(r.providers) == 0 {
		return nil
	}
	var best Provider
	bestScore := -1
	for _, p := range r.providers {
		caps := p.Capabilities()
		if !satisfies(role, caps) {
			continue
		}
		score := caps.Priority * 2
		if caps.SupportsToolCalling {
			score++
		}
		if score > bestScore {
			best, bestScore = p, score
		}
	}
	if best == nil {
		return r.providers[0]
	}
	return best
}

// satisfies encodes each role's hard requirements. ROUTA plans and must not
// be able to edit files; CRAFTER implements and needs file editing plus a
// terminal; GATE audits via tool calls.
func satisfies(role models.AgentRole, caps Capabilities) bool {
	switch role {
	case models.RoleRouta:
		return !caps.SupportsFileEditing
	case models.RoleCrafter:
		return caps.SupportsFileEditing && caps.SupportsTerminal
	case models.RoleGate:
		return caps.SupportsToolCalling
	default:
		return false
	}
}

// Run routes and runs in one step.
func (r *CapabilityBasedRouter) Run(ctx context.Context, role models.AgentRole, agentID, prompt string) (string, error) {
	p := r.Route(role)
	if p == nil {
		return "", ErrNoProvider
	}
	return p.Run(ctx, role, agentID, prompt)
}

// Interrupt forwards targeted cancellation to every backend that supports it.
func (r *CapabilityBasedRouter) Interrupt(agentID string) {
	for _, p := range r.providers {
		if i, ok := p.(Interrupter); ok {
			i.Interrupt(agentID)
		}
	}
}

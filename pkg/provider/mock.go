package provider

import (
	"context"
	"sync"

	"github.com/routa-project/routa/pkg/models"
)

// Call records one Run invocation against a MockProvider.
type Call struct {
	Role    models.AgentRole
	AgentID string
	Prompt  string
}

// MockProvider is a scripted backend for tests and dry runs. Each role has
// either a handler function or a FIFO of canned responses; every invocation
// is recorded.
type MockProvider struct {
	mu        sync.Mutex
	caps      Capabilities
	handlers  map[models.AgentRole]func(Call) (string, error)
	responses map[models.AgentRole][]string
	calls     []Call
}

// NewMockProvider creates a scripted provider with the given capabilities.
func NewMockProvider(caps Capabilities) *MockProvider {
	if caps.Name == "" {
		caps.Name = "mock"
	}
	return &MockProvider{
		caps:      caps,
		handlers:  make(map[models.AgentRole]func(Call) (string, error)),
		responses: make(map[models.AgentRole][]string),
	}
}

// Handle installs a handler for the role. Handlers take precedence over
// queued responses.
func (m *MockProvider) Handle(role models.AgentRole, fn func(Call) (string, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[role] = fn
	return m
}

// Queue appends canned responses for the role, consumed in order. The last
// response repeats once the queue is exhausted.
func (m *MockProvider) Queue(role models.AgentRole, responses ...string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[role] = append(m.responses[role], responses...)
	return m
}

// Capabilities returns the scripted capability set.
func (m *MockProvider) Capabilities() Capabilities { return m.caps }

// Run records the call and produces the scripted output.
func (m *MockProvider) Run(ctx context.Context, role models.AgentRole, agentID, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	call := Call{Role: role, AgentID: agentID, Prompt: prompt}

	m.mu.Lock()
	m.calls = append(m.calls, call)
	handler := m.handlers[role]
	var response string
	if handler == nil {
		queue := m.responses[role]
		switch len(queue) {
		case 0:
		case 1:
			response = queue[0]
		default:
			response = queue[0]
			m.responses[role] = queue[1:]
		}
	}
	m.mu.Unlock()

	if handler != nil {
		return handler(call)
	}
	return response, nil
}

// Calls returns a copy of every recorded invocation, in order.
func (m *MockProvider) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// RoleSequence returns just the roles of the recorded calls, in order.
func (m *MockProvider) RoleSequence() []models.AgentRole {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AgentRole, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c.Role)
	}
	return out
}

// Package session runs coordination requests. Each session owns its own
// stores, event bus, subscription service, coordinator, and orchestrator;
// nothing is shared across sessions except the provider backends.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/routa-project/routa/pkg/bus"
	"github.com/routa-project/routa/pkg/config"
	"github.com/routa-project/routa/pkg/coordinator"
	"github.com/routa-project/routa/pkg/models"
	"github.com/routa-project/routa/pkg/orchestrator"
	"github.com/routa-project/routa/pkg/provider"
	"github.com/routa-project/routa/pkg/store"
	"github.com/routa-project/routa/pkg/subscription"
	"github.com/routa-project/routa/pkg/tools"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = fmt.Errorf("session not found")

// ProviderFactory builds one execution backend from its config entry.
type ProviderFactory func(cfg config.ProviderConfig) (provider.Provider, error)

// StoresFactory builds one session's store bundle.
type StoresFactory func(ctx context.Context) (*store.Stores, error)

// MirrorFactory attaches an optional best-effort event mirror to a session's
// bus. The returned stop function detaches it; both may be nil.
type MirrorFactory func(sessionID string, b *bus.Bus) (stop func())

// Hooks observe session activity. Both callbacks may be nil and must not
// block: they run on session goroutines.
type Hooks struct {
	OnPhase func(sessionID string, update orchestrator.PhaseUpdate)
	OnEvent func(sessionID string, event models.AgentEvent)
}

// Session is one coordination request in flight or finished.
type Session struct {
	mu     sync.Mutex
	view   View
	coord  *coordinator.Coordinator
	stores *store.Stores
	bus    *bus.Bus
	subs   *subscription.Service
	cancel context.CancelFunc
}

func (s *Session) snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.view
	v.State = s.coord.State()
	v.Phases = append([]orchestrator.PhaseUpdate(nil), s.view.Phases...)
	return v
}

func (s *Session) setStatus(status Status, errText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view.Status = status
	s.view.Error = errText
	s.view.UpdatedAt = time.Now().UTC()
}

// Stores exposes the session's store bundle for read-only API queries.
func (s *Session) Stores() *store.Stores { return s.stores }

// Manager creates, tracks, and cancels sessions.
type Manager struct {
	cfg       *config.Config
	providers ProviderFactory
	stores    StoresFactory
	mirror    MirrorFactory
	hooks     Hooks
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. stores may be nil for in-memory
// sessions; mirror may be nil.
func NewManager(cfg *config.Config, providers ProviderFactory, stores StoresFactory, mirror MirrorFactory, hooks Hooks, logger *slog.Logger) *Manager {
	if stores == nil {
		stores = func(context.Context) (*store.Stores, error) { return store.NewMemoryStores(), nil }
	}
	return &Manager{
		cfg:       cfg,
		providers: providers,
		stores:    stores,
		mirror:    mirror,
		hooks:     hooks,
		logger:    logger.With("component", "session_manager"),
		sessions:  make(map[string]*Session),
	}
}

// Start creates a session for the request and runs it in the background.
// The returned view is the session's initial snapshot.
func (m *Manager) Start(ctx context.Context, request string) (View, error) {
	stores, err := m.stores(ctx)
	if err != nil {
		return View{}, fmt.Errorf("start session: %w", err)
	}

	id := uuid.NewString()
	b := bus.New(m.cfg.Coordination.EventBusBuffer)
	subs := subscription.NewService(b, m.logger)
	surface := tools.NewSurface(stores, b, subs, m.logger)
	coord := coordinator.New(stores, b, subs, surface, coordinator.Options{
		MaxWaves:         m.cfg.Coordination.MaxWaves,
		ConversationTail: m.cfg.Coordination.ConversationTailMessages,
		IterationLimits: map[models.AgentRole]int{
			models.RoleRouta:   m.cfg.Coordination.MaxIterationsRouta,
			models.RoleCrafter: m.cfg.Coordination.MaxIterationsCrafter,
			models.RoleGate:    m.cfg.Coordination.MaxIterationsGate,
		},
	}, m.logger)

	runner, err := m.buildRunner(stores)
	if err != nil {
		subs.Stop()
		b.Close()
		return View{}, fmt.Errorf("start session: %w", err)
	}

	now := time.Now().UTC()
	sess := &Session{
		view: View{
			ID:          id,
			WorkspaceID: "ws-" + id[:8],
			Request:     request,
			Status:      StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		coord:  coord,
		stores: stores,
		bus:    b,
		subs:   subs,
	}

	onPhase := func(update orchestrator.PhaseUpdate) {
		sess.mu.Lock()
		sess.view.Phases = append(sess.view.Phases, update)
		sess.view.UpdatedAt = time.Now().UTC()
		sess.mu.Unlock()
		if m.hooks.OnPhase != nil {
			m.hooks.OnPhase(id, update)
		}
	}
	orch := orchestrator.New(coord, stores, surface, runner, onPhase, m.logger)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess.cancel = cancel

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	if m.hooks.OnEvent != nil {
		go m.forwardEvents(id, b.Subscribe())
	}
	var stopMirror func()
	if m.mirror != nil {
		stopMirror = m.mirror(id, b)
	}

	go m.run(runCtx, sess, orch, stopMirror)
	m.logger.Info("session started", "session_id", id, "workspace_id", sess.view.WorkspaceID)
	return sess.snapshot(), nil
}

func (m *Manager) run(ctx context.Context, sess *Session, orch *orchestrator.Orchestrator, stopMirror func()) {
	defer func() {
		sess.subs.Stop()
		if stopMirror != nil {
			stopMirror()
		}
		sess.bus.Close()
	}()

	sess.setStatus(StatusRunning, "")
	result, err := orch.Run(ctx, sess.view.WorkspaceID, sess.view.Request)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.view.UpdatedAt = time.Now().UTC()
	switch {
	case ctx.Err() != nil:
		sess.view.Status = StatusCancelled
		sess.view.Error = ctx.Err().Error()
	case err != nil:
		sess.view.Status = StatusFailed
		sess.view.Error = err.Error()
	default:
		sess.view.Result = result
		switch result.Kind {
		case orchestrator.ResultNoTasks:
			sess.view.Status = StatusNoTasks
		case orchestrator.ResultMaxWavesReached:
			sess.view.Status = StatusMaxWaves
		default:
			sess.view.Status = StatusCompleted
		}
	}
	m.logger.Info("session finished", "session_id", sess.view.ID, "status", sess.view.Status)
}

// buildRunner assembles the per-session provider stack: configured backends
// behind a capability router, wrapped so failures become transcript entries.
func (m *Manager) buildRunner(stores *store.Stores) (orchestrator.Runner, error) {
	backends := make([]provider.Provider, 0, len(m.cfg.Providers))
	for _, pc := range m.cfg.Providers {
		p, err := m.providers(pc)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		backends = append(backends, provider.NewResilientAgentProvider(
			p, stores.Conversations, m.cfg.Coordination.ProviderTimeout, m.logger))
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	return provider.NewCapabilityBasedRouter(backends...), nil
}

func (m *Manager) forwardEvents(sessionID string, sub *bus.Subscription) {
	for ev := range sub.Events() {
		m.hooks.OnEvent(sessionID, ev)
	}
}

// Get returns a session snapshot.
func (m *Manager) Get(id string) (View, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return View{}, ErrSessionNotFound
	}
	return sess.snapshot(), nil
}

// Session returns the live session for API queries against its stores.
func (m *Manager) Session(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// List returns snapshots of all sessions, newest first.
func (m *Manager) List() []View {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	views := make([]View, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, s.snapshot())
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	return views
}

// Cancel stops a running session. Cancelling a finished session is a no-op.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	sess.mu.Lock()
	terminal := sess.view.Status.Terminal()
	sess.mu.Unlock()
	if terminal {
		return nil
	}
	sess.cancel()
	m.logger.Info("session cancelled", "session_id", id)
	return nil
}

// Shutdown cancels every running session.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sess := range m.sessions {
		sess.cancel()
	}
}

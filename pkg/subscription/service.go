// Package subscription implements per-agent event filtering on top of the
// bus. Agents register subscriptions describing which event types they care
// about; matched events accumulate in a pending queue until the agent drains
// them at its next turn boundary.
package subscription

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/routa-project/routa/pkg/bus"
	"github.com/routa-project/routa/pkg/models"
)

// Service routes bus events into per-agent pending queues according to the
// registered subscriptions. One Service per session.
type Service struct {
	logger *slog.Logger

	mu            sync.Mutex
	subscriptions map[string]*models.EventSubscription
	pending       map[string][]models.DeliveredEvent // keyed by agent ID
	stopped       bool

	sub  *bus.Subscription
	done chan struct{}
}

// NewService creates a subscription service attached to the bus and starts
// its consumer goroutine. Call Stop to detach.
func NewService(b *bus.Bus, logger *slog.Logger) *Service {
	s := &Service{
		logger:        logger.With("component", "subscription_service"),
		subscriptions: make(map[string]*models.EventSubscription),
		pending:       make(map[string][]models.DeliveredEvent),
		sub:           b.Subscribe(),
		done:          make(chan struct{}),
	}
	go s.listen()
	return s
}

func (s *Service) listen() {
	defer close(s.done)
	for ev := range s.sub.Events() {
		s.dispatch(ev)
	}
}

// dispatch fans one event into every matching subscription's pending queue,
// then removes one-shot subscriptions that matched. The sweep happens in a
// single critical section so an agent never observes a partially applied
// event.
func (s *Service) dispatch(ev models.AgentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	now := time.Now().UTC()
	var matchedOneShots []string
	for id, sub := range s.subscriptions {
		if !matches(sub, ev) {
			continue
		}
		s.pending[sub.AgentID] = append(s.pending[sub.AgentID], models.DeliveredEvent{
			SubscriptionID: id,
			Event:          ev,
			DeliveredAt:    now,
		})
		if sub.OneShot {
			matchedOneShots = append(matchedOneShots, id)
		}
	}
	for _, id := range matchedOneShots {
		delete(s.subscriptions, id)
	}
}

// matches reports whether the subscription wants this event. Self-exclusion
// uses the event's actor: an event with no actor is never excluded.
func matches(sub *models.EventSubscription, ev models.AgentEvent) bool {
	if sub.ExcludeSelf {
		if actor := ev.Actor(); actor != "" && actor == sub.AgentID {
			return false
		}
	}
	for _, pattern := range sub.EventTypes {
		if matchesEventType(pattern, ev.EventType()) {
			return true
		}
	}
	return false
}

// matchesEventType supports three pattern forms: "*" (everything),
// "prefix:*" (category wildcard), and exact match.
func matchesEventType(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ":*"); ok {
		return strings.HasPrefix(eventType, prefix+":")
	}
	return pattern == eventType
}

// Subscribe registers a filter for the agent and returns the subscription ID.
func (s *Service) Subscribe(agentID, agentName string, eventTypes []string, excludeSelf, oneShot bool) string {
	sub := &models.EventSubscription{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		AgentName:   agentName,
		EventTypes:  append([]string(nil), eventTypes...),
		ExcludeSelf: excludeSelf,
		OneShot:     oneShot,
		CreatedAt:   time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.ID] = sub
	s.logger.Debug("subscription registered",
		"subscription_id", sub.ID, "agent_id", agentID, "event_types", eventTypes, "one_shot", oneShot)
	return sub.ID
}

// SubscribeToAgentCompletion is the common wait pattern: a one-shot,
// self-excluding subscription covering completion and status transitions.
// The caller filters drained events by the agent it is waiting on.
func (s *Service) SubscribeToAgentCompletion(agentID, agentName string) string {
	return s.Subscribe(agentID, agentName,
		[]string{models.EventTypeAgentCompleted, models.EventTypeAgentStatusChanged}, true, true)
}

// Unsubscribe removes one subscription. Already-pending events stay queued.
// Returns false when the ID is unknown (e.g. a one-shot already consumed).
func (s *Service) Unsubscribe(subscriptionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[subscriptionID]
	delete(s.subscriptions, subscriptionID)
	return ok
}

// UnsubscribeAll removes every subscription owned by the agent and returns
// how many were removed.
func (s *Service) UnsubscribeAll(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sub := range s.subscriptions {
		if sub.AgentID == agentID {
			delete(s.subscriptions, id)
			n++
		}
	}
	return n
}

// Subscriptions returns snapshots of the agent's active subscriptions.
func (s *Service) Subscriptions(agentID string) []models.EventSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.EventSubscription, 0)
	for _, sub := range s.subscriptions {
		if sub.AgentID == agentID {
			c := *sub
			c.EventTypes = append([]string(nil), sub.EventTypes...)
			out = append(out, c)
		}
	}
	return out
}

// DrainPendingEvents atomically returns and clears the agent's pending
// queue, in delivery order. A second drain with no new events returns nil.
func (s *Service) DrainPendingEvents(agentID string) []models.DeliveredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.pending[agentID]
	delete(s.pending, agentID)
	return events
}

// PendingCount returns the number of undrained events for the agent.
func (s *Service) PendingCount(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[agentID])
}

// Stop detaches from the bus and drops all subscriptions. Pending queues
// remain drainable.
func (s *Service) Stop() {
	s.sub.Close()
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.subscriptions = make(map[string]*models.EventSubscription)
}

package bus

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/routa-project/routa/pkg/models"
)

// envelope is the wire form of a mirrored event.
type envelope struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   models.AgentEvent `json:"payload"`
}

// NATSMirror republishes bus events onto NATS subjects so external consumers
// (dashboards, audit sinks) can observe a session. The mirror is strictly
// best-effort: it never slows down or fails the core emission path, and a
// lost message is acceptable.
type NATSMirror struct {
	conn    *nats.Conn
	prefix  string
	logger  *slog.Logger
	sub     *Subscription
	stopped sync.WaitGroup
}

// NewNATSMirror connects a mirror to the bus. Events flow until Stop or bus
// close. Subject names derive from the event type with ':' mapped to '.',
// e.g. prefix "routa.ws1" and event "agent:completed" publish to
// "routa.ws1.agent.completed".
func NewNATSMirror(b *Bus, conn *nats.Conn, prefix string, logger *slog.Logger) *NATSMirror {
	m := &NATSMirror{
		conn:   conn,
		prefix: prefix,
		logger: logger.With("component", "nats_mirror"),
		sub:    b.Subscribe(),
	}
	m.stopped.Add(1)
	go m.run()
	return m
}

func (m *NATSMirror) run() {
	defer m.stopped.Done()
	for ev := range m.sub.Events() {
		m.publish(ev)
	}
}

func (m *NATSMirror) publish(ev models.AgentEvent) {
	data, err := json.Marshal(envelope{
		Type:      ev.EventType(),
		Timestamp: time.Now().UTC(),
		Payload:   ev,
	})
	if err != nil {
		m.logger.Warn("failed to encode mirrored event", "event_type", ev.EventType(), "error", err)
		return
	}
	subject := m.prefix + "." + strings.ReplaceAll(ev.EventType(), ":", ".")
	if err := m.conn.Publish(subject, data); err != nil {
		m.logger.Warn("failed to publish mirrored event", "subject", subject, "error", err)
	}
}

// Stop detaches the mirror from the bus and waits for in-flight publishes.
// The NATS connection is owned by the caller and stays open.
func (m *NATSMirror) Stop() {
	m.sub.Close()
	m.stopped.Wait()
}

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// sendBuffer is the per-connection outbound queue. A client that cannot keep
// up loses messages rather than stalling broadcasts: the stream is a
// best-effort mirror of state that REST can always re-fetch.
const sendBuffer = 64

// writeTimeout bounds one WebSocket write.
const writeTimeout = 5 * time.Second

// Envelope is the wire format of every streamed message.
type Envelope struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type wsConn struct {
	id   string
	out  chan []byte
	stop context.CancelFunc
}

// Hub fans session updates out to connected WebSocket clients.
type Hub struct {
	allowedOrigins []string
	logger         *slog.Logger

	mu    sync.RWMutex
	conns map[string]*wsConn
}

// NewHub creates an empty hub. With no allowed origins, cross-origin
// browser connections are rejected by the websocket library's default
// same-origin check.
func NewHub(allowedOrigins []string, logger *slog.Logger) *Hub {
	return &Hub{
		allowedOrigins: allowedOrigins,
		logger:         logger.With("component", "ws_hub"),
		conns:          make(map[string]*wsConn),
	}
}

// HandleWS upgrades the request and serves the connection until it closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.allowedOrigins,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{
		id:   uuid.NewString(),
		out:  make(chan []byte, sendBuffer),
		stop: cancel,
	}
	h.register(c)
	defer h.unregister(c)

	h.send(c, Envelope{Type: "connection.established", Timestamp: time.Now().UTC()})

	// Writer goroutine: drains the outbound queue.
	go func() {
		for {
			select {
			case data, ok := <-c.out:
				if !ok {
					return
				}
				writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
				err := conn.Write(writeCtx, websocket.MessageText, data)
				cancelWrite()
				if err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Read loop: the stream is server-to-client; client frames are drained
	// and ignored until the connection closes.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// Broadcast queues an envelope for every connected client, dropping it for
// clients whose queues are full.
func (h *Hub) Broadcast(msgType, sessionID string, payload any) {
	data, err := json.Marshal(Envelope{
		Type:      msgType,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("failed to encode broadcast", "type", msgType, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		select {
		case c.out <- data:
		default:
			h.logger.Debug("dropping message for slow client", "connection_id", c.id, "type", msgType)
		}
	}
}

// ConnectionCount returns the number of connected clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) send(c *wsConn, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.out <- data:
	default:
	}
}

func (h *Hub) register(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
	h.logger.Debug("websocket connected", "connection_id", c.id)
}

func (h *Hub) unregister(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	delete(h.conns, c.id)
	c.stop()
	close(c.out)
	h.logger.Debug("websocket disconnected", "connection_id", c.id)
}

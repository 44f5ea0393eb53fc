// Package auditfeed fans audit records out to additional sinks and streams
// them to websocket clients.
package auditfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/alogger"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/common"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/metrics"
	"github.com/gorilla/websocket"
)

const (
	sendBufferSize = 64
	writeTimeout   = 10 * time.Second
)

// Hub streams audit records as JSON text messages to connected websocket
// clients. Clients which fall behind are disconnected.
type Hub struct {
	upgrader websocket.Upgrader
	logger   common.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub returns an empty hub. checkOrigin may be nil to accept same-origin
// connections only.
func NewHub(logger common.Logger, checkOrigin func(r *http.Request) bool) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger:  alogger.OrNop(logger).With(common.FieldModule, "auditfeed"),
		clients: make(map[*client]struct{}),
	}
}

// Append broadcasts rec to all clients. It never blocks on a client.
func (h *Hub) Append(ctx context.Context, rec ra.AuditRecord) error {
	msg, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warnw("Dropping slow audit feed client", "remote", c.conn.RemoteAddr().String())
			h.remove(c)
		}
	}

	return nil
}

// ServeHTTP upgrades the connection and streams records until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("Failed to upgrade connection: %v", err)
		return
	}

	c := &client{conn: ws, send: make(chan []byte, sendBufferSize)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.AuditFeedClients.Inc()

	go c.writeLoop(h.logger)

	// Clients only listen; reading detects when they go away.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			h.logger.Debugf("Audit feed client closed: %v", err)
			break
		}
	}

	h.mu.Lock()
	h.remove(c)
	h.mu.Unlock()
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		h.remove(c)
	}
}

// remove unregisters c. The caller must hold h.mu.
func (h *Hub) remove(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	delete(h.clients, c)
	close(c.send)
	metrics.AuditFeedClients.Dec()
}

func (c *client) writeLoop(logger common.Logger) {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			logger.Errorf("Failed to write message: %v", err)
			return
		}
	}

	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeTimeout))
}

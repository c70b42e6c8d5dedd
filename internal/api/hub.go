package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"cluster-watchdog/internal/model"
	"cluster-watchdog/internal/publish"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	// Agents and dashboards authenticate with the bearer token, not the origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// SubscriberGauge is told how many /v1/stream clients are connected.
type SubscriberGauge interface {
	SetStreamSubscribers(n int)
}

// Hub broadcasts every window result to websocket subscribers. It is a
// publish.Publisher so the dispatcher drives it like any other sink.
type Hub struct {
	logger *slog.Logger
	gauge  SubscriberGauge

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewHub(logger *slog.Logger, gauge SubscriberGauge) *Hub {
	return &Hub{logger: logger, gauge: gauge, clients: map[*websocket.Conn]struct{}{}}
}

func (h *Hub) Name() string { return "stream" }

func (h *Hub) Publish(_ context.Context, r publish.Result) error {
	payload, err := json.Marshal(model.Envelope{
		Type:          model.MessageTypeResult,
		TimestampUnix: time.Now().UTC().Unix(),
		Payload:       r,
	})
	if err != nil {
		return err
	}
	h.writeToClients(websocket.TextMessage, payload)
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run pings subscribers until ctx is done, then disconnects them.
func (h *Hub) Run(ctx context.Context) error {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-t.C:
			h.writePingToClients()
		}
	}
}

func (h *Hub) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("stream upgrade failed", "error", err)
		return
	}
	h.register(conn)
	defer h.unregister(conn)

	// Subscribers only listen; reading keeps control frames flowing and notices
	// the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) register(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.setGauge(n)
	h.logger.Debug("stream subscriber connected", "remote", conn.RemoteAddr().String(), "subscribers", n)
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		_ = conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.setGauge(n)
}

func (h *Hub) writeToClients(messageType int, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(messageType, payload); err != nil {
			h.logger.Debug("stream write failed, dropping subscriber", "error", err)
			_ = conn.Close()
			delete(h.clients, conn)
		}
	}
	h.setGaugeLocked()
}

func (h *Hub) writePingToClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	deadline := time.Now().Add(writeWait)
	for conn := range h.clients {
		if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			_ = conn.Close()
			delete(h.clients, conn)
		}
	}
	h.setGaugeLocked()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "aggregator shutting down")
	for conn := range h.clients {
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = conn.Close()
		delete(h.clients, conn)
	}
	h.setGaugeLocked()
}

func (h *Hub) setGaugeLocked() { h.setGauge(len(h.clients)) }

func (h *Hub) setGauge(n int) {
	if h.gauge != nil {
		h.gauge.SetStreamSubscribers(n)
	}
}

package console

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	hubWriteWait     = 10 * time.Second
	hubPingInterval  = 30 * time.Second
	hubSendQueueSize = 64
)

// hubEvent is the wire frame pushed to dashboard clients.
type hubEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type consoleClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans status changes and aggregate snapshots out to connected
// dashboard clients over websocket, so open views update without polling
// the HTTP API.
type Hub struct {
	clients    map[string]*consoleClient
	register   chan *consoleClient
	unregister chan *consoleClient
	broadcast  chan []byte

	allowedOrigins []string
	upgrader       websocket.Upgrader
	logger         *zap.Logger
	metrics        *Metrics
	ctx            context.Context
	mu             sync.RWMutex
}

func NewHub(ctx context.Context, allowedOrigins []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Hub{
		clients:        make(map[string]*consoleClient),
		register:       make(chan *consoleClient),
		unregister:     make(chan *consoleClient),
		broadcast:      make(chan []byte, 256),
		allowedOrigins: allowedOrigins,
		logger:         logger,
		metrics:        GetMetrics(),
		ctx:            ctx,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

// Run owns the client set until the hub context is cancelled.
func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				client.conn.Close()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetConsoleClients(int64(count))
			h.logger.Debug("console client connected", zap.String("client_id", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetConsoleClients(int64(count))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- msg:
				default:
					h.logger.Warn("dropping slow console client", zap.String("client_id", id))
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// PublishStatus implements StatusPublisher.
func (h *Hub) PublishStatus(status RuntimeStatus) {
	h.publish(hubEvent{Type: "session.status", Data: status})
}

// PublishSnapshot implements SnapshotPublisher.
func (h *Hub) PublishSnapshot(snapshot AggregateSnapshot) {
	h.publish(hubEvent{Type: "dashboard.snapshot", Data: snapshot})
}

func (h *Hub) publish(event hubEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("marshal hub event failed", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn("hub broadcast queue saturated, dropping event", zap.String("type", event.Type))
	}
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request to a console push connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &consoleClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, hubSendQueueSize),
	}

	select {
	case h.register <- client:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) writePump(client *consoleClient) {
	ticker := time.NewTicker(hubPingInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so pongs and close frames are processed;
// dashboard clients never send application messages.
func (h *Hub) readPump(client *consoleClient) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.ctx.Done():
		}
		client.conn.Close()
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.allowedOrigins) == 0 {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin || allowed == parsed.Host {
			return true
		}
	}
	return false
}

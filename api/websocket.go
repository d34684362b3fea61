package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"imagegen_backend/jobs"
)

// Message types sent over the job event socket.
const (
	MessageTypeConnected = "connected"
	MessageTypeJobUpdate = jobs.EventJobUpdate
)

// Message is the envelope of every websocket frame.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// HubConfig tunes a Hub.
type HubConfig struct {
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	MaxMessageSize   int64
	BroadcastBuffer  int
	ClientSendBuffer int
}

// DefaultHubConfig pings every 30s and drops clients silent for 60s.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval:     30 * time.Second,
		PongWait:         60 * time.Second,
		WriteWait:        10 * time.Second,
		MaxMessageSize:   512,
		BroadcastBuffer:  256,
		ClientSendBuffer: 64,
	}
}

type client struct {
	conn        *websocket.Conn
	remoteAddr  string
	connectedAt time.Time
	send        chan []byte
}

// Hub fans job events out to websocket clients. Clients only receive;
// anything they send besides control frames is discarded.
//
// Thread-Safety:
//   - Publish and HandleConnection may be called from any goroutine
//   - client membership changes are serialised through Run
type Hub struct {
	logger   *zap.Logger
	config   HubConfig
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]*client

	broadcast  chan Message
	register   chan *client
	unregister chan *websocket.Conn

	done      chan struct{}
	closeOnce sync.Once
}

// NewHub creates a hub. Call Run to start delivering messages.
func NewHub(logger *zap.Logger, config HubConfig) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultHubConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = d.PingInterval
	}
	if config.PongWait <= 0 {
		config.PongWait = d.PongWait
	}
	if config.WriteWait <= 0 {
		config.WriteWait = d.WriteWait
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = d.MaxMessageSize
	}
	if config.BroadcastBuffer <= 0 {
		config.BroadcastBuffer = d.BroadcastBuffer
	}
	if config.ClientSendBuffer <= 0 {
		config.ClientSendBuffer = d.ClientSendBuffer
	}
	return &Hub{
		logger:     logger,
		config:     config,
		clients:    make(map[*websocket.Conn]*client),
		broadcast:  make(chan Message, config.BroadcastBuffer),
		register:   make(chan *client),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Run delivers messages until ctx is done or Close is called, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	ping := time.NewTicker(h.config.PingInterval)
	defer ping.Stop()
	defer h.closeAll()
	defer h.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case c := <-h.register:
			h.add(c)
		case conn := <-h.unregister:
			h.remove(conn)
		case msg := <-h.broadcast:
			h.deliver(msg)
		case <-ping.C:
			h.pingAll()
		}
	}
}

// Close stops Run. Safe to call more than once.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Publish queues msg for every client. It never blocks; when the queue is
// full the message is dropped.
func (h *Hub) Publish(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast queue full, dropping message", zap.String("type", msg.Type))
	}
}

// PublishJobEvent forwards a job manager event. It fits jobs.WithNotifier.
func (h *Hub) PublishJobEvent(ev jobs.Event) {
	h.Publish(Message{Type: ev.Type, Timestamp: ev.Time, Data: ev.Job})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleConnection upgrades the request and registers the client.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("remote", clientIP(r)), zap.Error(err))
		return
	}
	conn.SetReadLimit(h.config.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})

	c := &client{
		conn:        conn,
		remoteAddr:  clientIP(r),
		connectedAt: time.Now(),
		send:        make(chan []byte, h.config.ClientSendBuffer),
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go h.readPump(conn)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c.conn] = c
	n := len(h.clients)
	h.mu.Unlock()

	go h.writePump(c)
	if data, err := json.Marshal(Message{Type: MessageTypeConnected, Timestamp: time.Now().UTC()}); err == nil {
		c.send <- data
	}
	h.logger.Debug("websocket client connected", zap.String("remote", c.remoteAddr), zap.Int("clients", n))
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	c, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Debug("websocket client disconnected",
			zap.String("remote", c.remoteAddr),
			zap.Duration("connected_for", time.Since(c.connectedAt)),
			zap.Int("clients", n))
	}
}

func (h *Hub) deliver(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode websocket message", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	var slow []*websocket.Conn
	h.mu.RLock()
	for conn, c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, conn)
		}
	}
	h.mu.RUnlock()
	for _, conn := range slow {
		h.logger.Warn("websocket client too slow, disconnecting", zap.String("remote", conn.RemoteAddr().String()))
		h.remove(conn)
	}
}

func (h *Hub) pingAll() {
	deadline := time.Now().Add(h.config.WriteWait)
	var dead []*websocket.Conn
	h.mu.RLock()
	for conn := range h.clients {
		if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			dead = append(dead, conn)
		}
	}
	h.mu.RUnlock()
	for _, conn := range dead {
		h.remove(conn)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, c := range h.clients {
		close(c.send)
		delete(h.clients, conn)
	}
}

// readPump discards client frames and unregisters the client on error.
func (h *Hub) readPump(conn *websocket.Conn) {
	defer func() {
		select {
		case h.unregister <- conn:
		case <-h.done:
		}
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
	}
}

// writePump owns all data writes to one connection and closes it when the
// send channel is closed.
func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("websocket write failed", zap.String("remote", c.remoteAddr), zap.Error(err))
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

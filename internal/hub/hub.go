// Package hub fans state frames out to WebSocket clients. Each client owns a
// bounded send queue and two pump goroutines; a client that cannot keep up is
// evicted rather than allowed to silently desync the mirror UI.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/DMcConnell/mira/internal/state"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendQueueSize  = 64
)

// StateReader serves the snapshot sent to every newly connected client.
type StateReader interface {
	Snapshot() state.UIState
}

// initialFrame is the first message on every connection. Clients rebuild
// their tree from it; patches missed while disconnected are never replayed.
type initialFrame struct {
	Type string        `json:"type"`
	Data state.UIState `json:"data"`
}

// Client is one WebSocket connection. The send queue is never closed; done
// signals the write pump to finish, so a broadcast racing an eviction can at
// worst queue a frame nobody will drain.
type Client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// trySend queues a frame without blocking. False means the client is either
// already closed or too far behind to keep up.
func (c *Client) trySend(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Hub tracks connected clients and relays frames to all of them.
type Hub struct {
	state    StateReader
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]bool
}

// New builds a hub reading initial snapshots from st. Origin checks are
// disabled: the mirror UI is served from a different local origin.
func New(st StateReader, logger *zap.Logger) *Hub {
	return &Hub{
		state:  st,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*Client]bool),
	}
}

// ServeWS upgrades the request and runs the connection until either side
// drops it. The snapshot frame is queued before the client becomes visible
// to Broadcast, so initial_state is always the first frame delivered.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return nil
	}

	frame, err := json.Marshal(initialFrame{Type: "initial_state", Data: h.state.Snapshot()})
	if err != nil {
		h.logger.Error("failed to marshal initial state", zap.Error(err))
		conn.Close()
		return nil
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
	client.send <- frame

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("websocket client connected", zap.Int("clients", count))

	go client.writePump(h)
	go client.readPump(h)
	return nil
}

// Broadcast relays one frame to every connected client. Clients whose queues
// are full are evicted.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.trySend(msg) {
			h.logger.Warn("dropping slow websocket client")
			h.remove(c)
		}
	}
}

// ClientCount reports how many clients are currently registered.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown drops every client. Echo's graceful shutdown does not cover
// hijacked connections, so main calls this alongside server shutdown.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

// remove unregisters a client and signals its write pump to finish. Safe to
// call from both pumps and from Broadcast.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	known := h.clients[c]
	if known {
		delete(h.clients, c)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if known {
		c.close()
		h.logger.Info("websocket client disconnected", zap.Int("clients", count))
	}
}

func (c *Client) writePump(h *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		// Inbound frames are informational; commands arrive over POST /command.
		h.logger.Debug("websocket frame from client", zap.ByteString("frame", msg))
	}
}

// Package gateway is the WebSocket transport in front of the coordination
// engine: it upgrades connections, runs per-client read/write loops, and
// implements the engine's broadcast surface with room-scoped multicast.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"watchroom/internal/engine"
	"watchroom/internal/models"
)

const defaultHeartbeatInterval = 30 * time.Second

// Config configures a Gateway.
type Config struct {
	Engine *engine.Engine
	Logger *slog.Logger
	// HeartbeatInterval controls how often ping frames are sent to
	// connected clients. A zero value uses the default.
	HeartbeatInterval time.Duration
	// CheckOrigin overrides the upgrade origin policy. Nil allows every
	// origin; origin filtering belongs to the deployment in front of the
	// server.
	CheckOrigin func(*http.Request) bool
}

// Gateway owns the live WebSocket connections and their room grouping.
type Gateway struct {
	engine    *engine.Engine
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	heartbeat time.Duration

	mu    sync.RWMutex
	conns map[string]*client
	rooms map[string]map[*client]struct{}
}

var _ engine.Broadcaster = (*Gateway)(nil)

// New initialises a gateway. The returned gateway must be installed as the
// engine's Broadcaster before serving connections.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		engine:    cfg.Engine,
		logger:    logger,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		conns: make(map[string]*client),
		rooms: make(map[string]map[*client]struct{}),
	}
}

// HandleConnection upgrades the HTTP request and serves the connection until
// it drops. The identity is whatever the caller resolved; the gateway does
// not authenticate.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request, identity models.Identity) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:       uuid.NewString(),
		gateway:  g,
		conn:     conn,
		identity: identity,
		send:     make(chan []byte, 32),
		done:     make(chan struct{}),
	}
	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()

	g.engine.Connect(c.id, identity)
	go c.writeLoop()
	c.readLoop()
}

// JoinRoom adds the connection to the room's multicast group.
func (g *Gateway) JoinRoom(roomID, connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.conns[connID]
	if !ok {
		return
	}
	if g.rooms[roomID] == nil {
		g.rooms[roomID] = make(map[*client]struct{})
	}
	g.rooms[roomID][c] = struct{}{}
}

// LeaveRoom removes the connection from the room's multicast group.
func (g *Gateway) LeaveRoom(roomID, connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.conns[connID]
	if !ok {
		return
	}
	if members := g.rooms[roomID]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(g.rooms, roomID)
		}
	}
}

// ToConnection delivers an event to a single connection.
func (g *Gateway) ToConnection(connID, event string, payload any) {
	raw, err := g.encode(event, payload)
	if err != nil {
		return
	}
	g.mu.RLock()
	c, ok := g.conns[connID]
	g.mu.RUnlock()
	if ok {
		c.enqueue(raw)
	}
}

// ToRoom delivers an event to every member of a room. Slow recipients are
// dropped rather than waited on.
func (g *Gateway) ToRoom(roomID, event string, payload any) {
	raw, err := g.encode(event, payload)
	if err != nil {
		return
	}
	g.mu.RLock()
	for c := range g.rooms[roomID] {
		c.enqueue(raw)
	}
	g.mu.RUnlock()
}

// ToAll delivers an event to every live connection.
func (g *Gateway) ToAll(event string, payload any) {
	raw, err := g.encode(event, payload)
	if err != nil {
		return
	}
	g.mu.RLock()
	for _, c := range g.conns {
		c.enqueue(raw)
	}
	g.mu.RUnlock()
}

func (g *Gateway) encode(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		g.logger.Error("failed to marshal event", "event", event, "error", err)
		return nil, err
	}
	return raw, nil
}

func (g *Gateway) drop(c *client) {
	g.mu.Lock()
	delete(g.conns, c.id)
	for roomID, members := range g.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(g.rooms, roomID)
		}
	}
	g.mu.Unlock()
}

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Package engine implements the room coordination core: connection and
// presence tracking, room membership, host election and failover, playback
// synchronization, and chat fanout. All registries are owned by an Engine
// instance so multiple engines can coexist in one process.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"watchroom/internal/journal"
	"watchroom/internal/models"
	"watchroom/internal/storage"
)

// Broadcaster is the transport surface the engine drives: per-connection
// delivery, room-scoped multicast grouping, and a broadcast to every
// connection. Implementations must never block; slow recipients are dropped,
// not waited on.
type Broadcaster interface {
	JoinRoom(roomID, connID string)
	LeaveRoom(roomID, connID string)
	ToConnection(connID, event string, payload any)
	ToRoom(roomID, event string, payload any)
	ToAll(event string, payload any)
}

// globalMessageInterval is the minimum spacing between global messages from
// one user.
const globalMessageInterval = 5000 * time.Millisecond

const bestEffortTimeout = 5 * time.Second

// Config wires an Engine's collaborators.
type Config struct {
	Store       storage.Store
	Broadcaster Broadcaster
	// Journal receives best-effort audit entries for chat and playback
	// activity. Optional.
	Journal journal.Journal
	Logger  *slog.Logger
	// Now overrides the clock, used by tests exercising the message
	// rate limit.
	Now func() time.Time
}

type connection struct {
	id          string
	identity    models.Identity
	connectedAt time.Time
}

type member struct {
	connID   string
	identity models.Identity
	joinSeq  uint64
}

// roomSession is the ephemeral per-room view. It exists exactly while the
// room has members.
type roomSession struct {
	members map[string]*member
	hostID  int64
	state   *models.RoomState
}

// Engine coordinates every connected client. Store calls happen outside the
// mutex; each post-call mutation is a single locked update that re-checks its
// precondition, so interleaved handlers cannot leave the cache half-written.
type Engine struct {
	store   storage.Store
	bc      Broadcaster
	journal journal.Journal
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	conns      map[string]*connection
	userConns  map[int64]map[string]struct{}
	rooms      map[string]*roomSession
	lastGlobal map[int64]time.Time
	joinSeq    uint64
}

// New initialises an engine from the provided configuration.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:      cfg.Store,
		bc:         cfg.Broadcaster,
		journal:    cfg.Journal,
		logger:     logger,
		now:        now,
		conns:      make(map[string]*connection),
		userConns:  make(map[int64]map[string]struct{}),
		rooms:      make(map[string]*roomSession),
		lastGlobal: make(map[int64]time.Time),
	}
}

// SetBroadcaster installs the transport fanout. The engine and its transport
// reference each other, so one of them has to be wired after construction;
// call this before serving any connection. Every read of the fanout goes
// through the registry mutex, so late wiring never races an operation.
func (e *Engine) SetBroadcaster(bc Broadcaster) {
	e.mu.Lock()
	e.bc = bc
	e.mu.Unlock()
}

func (e *Engine) broadcaster() Broadcaster {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bc
}

// Connect registers a live connection under the given identity and publishes
// the updated presence list.
func (e *Engine) Connect(connID string, identity models.Identity) {
	e.mu.Lock()
	e.conns[connID] = &connection{id: connID, identity: identity, connectedAt: e.now().UTC()}
	if e.userConns[identity.ID] == nil {
		e.userConns[identity.ID] = make(map[string]struct{})
	}
	e.userConns[identity.ID][connID] = struct{}{}
	payload := e.presenceLocked()
	bc := e.bc
	e.mu.Unlock()

	bc.ToAll(EventOnlineUsers, payload)
}

// Disconnect tears down a connection: it leaves every room the connection
// occupied with full leave semantics (counts, failover) and publishes the
// updated presence list.
func (e *Engine) Disconnect(ctx context.Context, connID string) {
	e.mu.Lock()
	conn, ok := e.conns[connID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.conns, connID)
	if set := e.userConns[conn.identity.ID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(e.userConns, conn.identity.ID)
		}
	}
	var occupied []string
	for roomID, session := range e.rooms {
		if _, member := session.members[connID]; member {
			occupied = append(occupied, roomID)
		}
	}
	sort.Strings(occupied)
	payload := e.presenceLocked()
	bc := e.bc
	e.mu.Unlock()

	for _, roomID := range occupied {
		e.leaveRoom(ctx, connID, roomID, conn.identity)
	}
	bc.ToAll(EventOnlineUsers, payload)
}

// Presence returns the de-duplicated online user list.
func (e *Engine) Presence() ([]PresenceUser, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	payload := e.presenceLocked()
	return payload.Users, payload.Count
}

func (e *Engine) presenceLocked() presencePayload {
	seen := make(map[int64]struct{}, len(e.userConns))
	users := make([]PresenceUser, 0, len(e.userConns))
	for _, conn := range e.conns {
		if _, dup := seen[conn.identity.ID]; dup {
			continue
		}
		seen[conn.identity.ID] = struct{}{}
		users = append(users, presenceUserFrom(conn.identity))
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return presencePayload{Users: users, Count: len(users)}
}

func (e *Engine) identityFor(connID string) (models.Identity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conn, ok := e.conns[connID]
	if !ok {
		return models.Identity{}, fmt.Errorf("unknown connection")
	}
	return conn.identity, nil
}

// bestEffort runs a secondary persistence write that must never block or fail
// the primary operation. Failures are logged and dropped.
func (e *Engine) bestEffort(op string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), bestEffortTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		e.logger.Warn("best-effort write failed", "op", op, "error", err)
	}
}

func (e *Engine) record(entry journal.Entry) {
	if e.journal == nil {
		return
	}
	entry.OccurredAt = e.now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.journal.Publish(ctx, entry); err != nil {
		e.logger.Warn("journal publish failed", "event", entry.Event, "error", err)
	}
}

// newEventID produces the client-side de-duplication id attached to control
// events: milliseconds since epoch plus a short random suffix.
func (e *Engine) newEventID() string {
	var buf [3]byte
	suffix := "000000"
	if _, err := rand.Read(buf[:]); err == nil {
		suffix = hex.EncodeToString(buf[:])
	}
	return fmt.Sprintf("%d-%s", e.now().UnixMilli(), suffix)
}

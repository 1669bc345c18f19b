package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"watchroom/internal/journal"
	"watchroom/internal/models"
	"watchroom/internal/storage"
)

// JoinRoom adds the connection to the room, resolves the room's host, seeds
// the playback snapshot on first join, and replies to the joiner with its
// host status and the current room state. Joining a room that has no
// persisted record fails without mutating anything.
func (e *Engine) JoinRoom(ctx context.Context, connID, roomID string) error {
	e.mu.Lock()
	conn, ok := e.conns[connID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("unknown connection")
	}
	identity := conn.identity
	if session := e.rooms[roomID]; session != nil {
		if _, joined := session.members[connID]; joined {
			// Re-join: resend status and state without touching counts.
			isHost := session.hostID == identity.ID
			state := *session.state
			bc := e.bc
			e.mu.Unlock()
			bc.ToConnection(connID, EventHostStatus, hostStatusPayload{IsHost: isHost})
			bc.ToConnection(connID, EventRoomState, state)
			return nil
		}
	}
	e.mu.Unlock()

	room, found, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return persistencef(err, "load room %s", roomID)
	}
	if !found {
		return notFoundf("room %s not found", roomID)
	}
	count, err := e.store.AdjustViewerCount(ctx, roomID, 1)
	if err != nil {
		return persistencef(err, "increment viewer count for room %s", roomID)
	}

	e.mu.Lock()
	if _, still := e.conns[connID]; !still {
		// The connection dropped while the store calls were in flight.
		e.mu.Unlock()
		e.bestEffort("revert viewer count", func(ctx context.Context) error {
			_, err := e.store.AdjustViewerCount(ctx, roomID, -1)
			return err
		})
		return nil
	}
	session := e.rooms[roomID]
	if session == nil {
		session = &roomSession{members: make(map[string]*member)}
		e.rooms[roomID] = session
	}
	e.joinSeq++
	session.members[connID] = &member{connID: connID, identity: identity, joinSeq: e.joinSeq}

	// Host election: the store is authoritative once it carries a host,
	// otherwise the first joiner takes the seat.
	switch {
	case room.HostID != 0 && room.HostID != session.hostID:
		session.hostID = room.HostID
	case session.hostID == 0:
		session.hostID = identity.ID
	}
	if session.state == nil {
		session.state = &models.RoomState{Episode: room.Episode, Playback: models.PausedAtZero()}
	}
	isHost := session.hostID == identity.ID
	state := *session.state
	bc := e.bc
	e.mu.Unlock()

	bc.JoinRoom(roomID, connID)
	bc.ToConnection(connID, EventHostStatus, hostStatusPayload{IsHost: isHost})
	bc.ToConnection(connID, EventRoomState, state)
	bc.ToRoom(roomID, EventViewerCount, viewerCountPayload{Count: count})
	bc.ToRoom(roomID, EventUserJoined, userEventPayload{User: presenceUserFrom(identity)})
	e.record(journal.Entry{Type: journal.EntryRoom, Event: "join", RoomID: roomID, UserID: identity.ID})
	return nil
}

// LeaveRoom removes the connection from the room, applying viewer-count and
// host-failover semantics. Leaving a room the connection never joined is a
// no-op.
func (e *Engine) LeaveRoom(ctx context.Context, connID, roomID string) error {
	identity, err := e.identityFor(connID)
	if err != nil {
		return err
	}
	e.leaveRoom(ctx, connID, roomID, identity)
	return nil
}

func (e *Engine) leaveRoom(ctx context.Context, connID, roomID string, identity models.Identity) {
	e.mu.Lock()
	session := e.rooms[roomID]
	if session == nil {
		e.mu.Unlock()
		return
	}
	if _, joined := session.members[connID]; !joined {
		e.mu.Unlock()
		return
	}
	delete(session.members, connID)

	var newHost *member
	roomEmptied := len(session.members) == 0
	if roomEmptied {
		// Membership, playback state and host assignment share the
		// room's active lifetime.
		delete(e.rooms, roomID)
	} else if session.hostID == identity.ID && !userPresentLocked(session, identity.ID) {
		newHost = earliestMemberLocked(session)
		session.hostID = newHost.identity.ID
	}
	bc := e.bc
	e.mu.Unlock()

	bc.LeaveRoom(roomID, connID)
	count, err := e.store.AdjustViewerCount(ctx, roomID, -1)
	if err != nil {
		e.logger.Warn("viewer count decrement failed", "room", roomID, "error", err)
	} else if !roomEmptied {
		bc.ToRoom(roomID, EventViewerCount, viewerCountPayload{Count: count})
	}
	if !roomEmptied {
		bc.ToRoom(roomID, EventUserLeft, userEventPayload{User: presenceUserFrom(identity)})
	}
	if newHost != nil {
		hostID := newHost.identity.ID
		e.bestEffort("persist failover host", func(ctx context.Context) error {
			return e.store.SetRoomHost(ctx, roomID, hostID)
		})
		bc.ToRoom(roomID, EventHostChanged, hostChangedPayload{HostID: hostID})
		bc.ToConnection(newHost.connID, EventHostStatus, hostStatusPayload{IsHost: true})
	}
	e.record(journal.Entry{Type: journal.EntryRoom, Event: "leave", RoomID: roomID, UserID: identity.ID})
}

// userPresentLocked reports whether any remaining member connection belongs
// to the given user. A host with a second device still in the room keeps the
// seat.
func userPresentLocked(session *roomSession, userID int64) bool {
	for _, m := range session.members {
		if m.identity.ID == userID {
			return true
		}
	}
	return false
}

// earliestMemberLocked picks the deterministic failover target: the
// remaining member with the oldest join.
func earliestMemberLocked(session *roomSession) *member {
	var oldest *member
	for _, m := range session.members {
		if oldest == nil || m.joinSeq < oldest.joinSeq {
			oldest = m
		}
	}
	return oldest
}

// TransferHost hands the host seat to another user. Only the current host may
// transfer; the new assignment is persisted before the room is notified.
func (e *Engine) TransferHost(ctx context.Context, connID, roomID string, newHostID int64) error {
	e.mu.Lock()
	conn, ok := e.conns[connID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("unknown connection")
	}
	session := e.rooms[roomID]
	if session == nil {
		e.mu.Unlock()
		return notFoundf("room %s is not active", roomID)
	}
	if session.hostID != conn.identity.ID {
		e.mu.Unlock()
		return unauthorizedf("only the current host can transfer host")
	}
	e.mu.Unlock()

	if err := e.store.SetRoomHost(ctx, roomID, newHostID); err != nil {
		return persistencef(err, "persist host for room %s", roomID)
	}

	e.mu.Lock()
	session = e.rooms[roomID]
	if session == nil {
		e.mu.Unlock()
		return nil
	}
	session.hostID = newHostID
	members := make([]*member, 0, len(session.members))
	for _, m := range session.members {
		members = append(members, m)
	}
	bc := e.bc
	e.mu.Unlock()
	sort.Slice(members, func(i, j int) bool { return members[i].joinSeq < members[j].joinSeq })

	bc.ToRoom(roomID, EventHostChanged, hostChangedPayload{HostID: newHostID})
	for _, m := range members {
		bc.ToConnection(m.connID, EventHostStatus, hostStatusPayload{IsHost: m.identity.ID == newHostID})
	}
	e.record(journal.Entry{Type: journal.EntryRoom, Event: "transfer_host", RoomID: roomID, UserID: newHostID})
	return nil
}

// EndLive shuts a room down for good: the durable record and its messages are
// deleted, members are notified and evicted from the room grouping. Allowed
// for the room's host and for moderators.
func (e *Engine) EndLive(ctx context.Context, connID, roomID string) error {
	e.mu.Lock()
	conn, ok := e.conns[connID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("unknown connection")
	}
	session := e.rooms[roomID]
	isHost := session != nil && session.hostID == conn.identity.ID
	actorID := conn.identity.ID
	canModerate := conn.identity.Role.CanModerate()
	e.mu.Unlock()

	if !isHost && !canModerate {
		return unauthorizedf("only the host or a moderator can end the room")
	}

	if err := e.store.DeleteRoom(ctx, roomID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFoundf("room %s not found", roomID)
		}
		return persistencef(err, "delete room %s", roomID)
	}
	e.bestEffort("delete room messages", func(ctx context.Context) error {
		return e.store.DeleteRoomMessages(ctx, roomID)
	})

	bc := e.broadcaster()
	bc.ToRoom(roomID, EventRoomEnded, roomEndedPayload{RoomID: roomID})

	e.mu.Lock()
	session = e.rooms[roomID]
	var evicted []string
	if session != nil {
		for connID := range session.members {
			evicted = append(evicted, connID)
		}
		delete(e.rooms, roomID)
	}
	e.mu.Unlock()
	sort.Strings(evicted)
	for _, id := range evicted {
		bc.LeaveRoom(roomID, id)
	}
	e.record(journal.Entry{Type: journal.EntryRoom, Event: "end_live", RoomID: roomID, UserID: actorID})
	return nil
}

// RoomHost exposes the cached host assignment for a room.
func (e *Engine) RoomHost(roomID string) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	session := e.rooms[roomID]
	if session == nil {
		return 0, false
	}
	return session.hostID, true
}

// RoomMemberCount reports how many connections currently occupy the room.
func (e *Engine) RoomMemberCount(roomID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	session := e.rooms[roomID]
	if session == nil {
		return 0
	}
	return len(session.members)
}

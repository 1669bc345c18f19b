package engine

import (
	"context"
	"fmt"

	"watchroom/internal/journal"
	"watchroom/internal/models"
)

// VideoControl applies a host playback command to the room's shared timeline
// and rebroadcasts it. Non-host senders are rejected and the cached state is
// left untouched. A play command additionally requests, best-effort, that the
// persisted room be marked live.
func (e *Engine) VideoControl(ctx context.Context, connID, roomID, action string, position float64, eventID string) error {
	e.mu.Lock()
	conn, ok := e.conns[connID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("unknown connection")
	}
	session := e.rooms[roomID]
	if session == nil || session.state == nil {
		e.mu.Unlock()
		return notFoundf("room %s is not active", roomID)
	}
	if session.hostID != conn.identity.ID {
		e.mu.Unlock()
		return unauthorizedf("only the host can control playback")
	}
	session.state.Playback = models.PlaybackState{Action: action, Time: position}
	userID := conn.identity.ID
	bc := e.bc
	e.mu.Unlock()

	if eventID == "" {
		eventID = e.newEventID()
	}
	bc.ToRoom(roomID, EventVideoControl, controlPayload{
		Action:  action,
		Time:    position,
		UserID:  userID,
		EventID: eventID,
	})
	if action == "play" {
		e.bestEffort("mark room live", func(ctx context.Context) error {
			return e.store.SetRoomLive(ctx, roomID, true)
		})
	}
	e.record(journal.Entry{Type: journal.EntryPlayback, Event: action, RoomID: roomID, UserID: userID})
	return nil
}

// ChangeEpisode switches the room to a new episode: the identifiers are
// persisted, the cached playback state is reset to paused at zero, and the
// room receives both the episode notice and a synthetic pause so every client
// re-zeroes together.
func (e *Engine) ChangeEpisode(ctx context.Context, connID, roomID string, episode models.Episode) error {
	hostID, err := e.requireHost(connID, roomID)
	if err != nil {
		return err
	}
	if err := e.store.SetRoomEpisode(ctx, roomID, episode); err != nil {
		return persistencef(err, "persist episode for room %s", roomID)
	}
	e.resetRoomState(roomID, episode)
	bc := e.broadcaster()
	bc.ToRoom(roomID, EventEpisodeChanged, episodePayload{Episode: episode})
	bc.ToRoom(roomID, EventVideoControl, controlPayload{
		Action:  "pause",
		Time:    0,
		UserID:  hostID,
		EventID: e.newEventID(),
	})
	e.record(journal.Entry{Type: journal.EntryPlayback, Event: "change_episode", RoomID: roomID, UserID: hostID})
	return nil
}

// StreamStart marks the room live and seeds the episode the host is about to
// play. The room re-zeroes exactly as on an episode change.
func (e *Engine) StreamStart(ctx context.Context, connID, roomID string, episode models.Episode) error {
	hostID, err := e.requireHost(connID, roomID)
	if err != nil {
		return err
	}
	if err := e.store.SetRoomEpisode(ctx, roomID, episode); err != nil {
		return persistencef(err, "persist episode for room %s", roomID)
	}
	if err := e.store.SetRoomLive(ctx, roomID, true); err != nil {
		return persistencef(err, "mark room %s live", roomID)
	}
	e.resetRoomState(roomID, episode)
	bc := e.broadcaster()
	bc.ToRoom(roomID, EventEpisodeChanged, episodePayload{Episode: episode})
	bc.ToRoom(roomID, EventVideoControl, controlPayload{
		Action:  "pause",
		Time:    0,
		UserID:  hostID,
		EventID: e.newEventID(),
	})
	e.record(journal.Entry{Type: journal.EntryPlayback, Event: "stream_start", RoomID: roomID, UserID: hostID})
	return nil
}

// RequestRoomState replies to the connection with the cached snapshot, or a
// paused state derived from the persisted episode when no snapshot exists.
func (e *Engine) RequestRoomState(ctx context.Context, connID, roomID string) error {
	e.mu.Lock()
	bc := e.bc
	if session := e.rooms[roomID]; session != nil && session.state != nil {
		state := *session.state
		e.mu.Unlock()
		bc.ToConnection(connID, EventRoomState, state)
		return nil
	}
	e.mu.Unlock()

	room, found, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return persistencef(err, "load room %s", roomID)
	}
	if !found {
		return notFoundf("room %s not found", roomID)
	}
	bc.ToConnection(connID, EventRoomState, models.RoomState{
		Episode:  room.Episode,
		Playback: models.PausedAtZero(),
	})
	return nil
}

// HostSync replies with the current playback state and a fresh event id, used
// by clients that joined after playback began. It fails when the room has no
// cached state.
func (e *Engine) HostSync(ctx context.Context, connID, roomID string) error {
	e.mu.Lock()
	session := e.rooms[roomID]
	if session == nil || session.state == nil {
		e.mu.Unlock()
		return notFoundf("no host state for room %s", roomID)
	}
	playback := session.state.Playback
	hostID := session.hostID
	bc := e.bc
	e.mu.Unlock()

	bc.ToConnection(connID, EventHostSyncResponse, controlPayload{
		Action:  playback.Action,
		Time:    playback.Time,
		UserID:  hostID,
		EventID: e.newEventID(),
	})
	return nil
}

// RoomSnapshot exposes the cached ephemeral state for a room.
func (e *Engine) RoomSnapshot(roomID string) (models.RoomState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	session := e.rooms[roomID]
	if session == nil || session.state == nil {
		return models.RoomState{}, false
	}
	return *session.state, true
}

func (e *Engine) requireHost(connID, roomID string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conn, ok := e.conns[connID]
	if !ok {
		return 0, fmt.Errorf("unknown connection")
	}
	session := e.rooms[roomID]
	if session == nil {
		return 0, notFoundf("room %s is not active", roomID)
	}
	if session.hostID != conn.identity.ID {
		return 0, unauthorizedf("only the host can do that")
	}
	return conn.identity.ID, nil
}

// resetRoomState replaces the cached snapshot in one locked step, skipping
// rooms that emptied while the persistence call was in flight.
func (e *Engine) resetRoomState(roomID string, episode models.Episode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	session := e.rooms[roomID]
	if session == nil {
		return
	}
	session.state = &models.RoomState{Episode: episode, Playback: models.PausedAtZero()}
}

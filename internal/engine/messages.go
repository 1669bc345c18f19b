package engine

import (
	"context"
	"errors"
	"fmt"

	"watchroom/internal/journal"
	"watchroom/internal/models"
	"watchroom/internal/sanitize"
	"watchroom/internal/storage"
)

// RoomMessage persists a room-scoped chat message and, only once the insert
// yields an identifier, broadcasts it to the room. A reply reference is
// denormalised into a preview of the original message; a dangling reference
// is dropped rather than failing the message.
func (e *Engine) RoomMessage(ctx context.Context, connID, roomID, text, replyTo string) error {
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
	if _, joined := session.members[connID]; !joined {
		e.mu.Unlock()
		return unauthorizedf("join the room before chatting")
	}
	author := conn.identity.Snapshot()
	bc := e.bc
	e.mu.Unlock()

	clean, err := sanitize.Clean(text)
	if err != nil {
		return err
	}
	var preview *models.ReplyPreview
	if replyTo != "" {
		original, found, err := e.store.GetRoomMessage(ctx, roomID, replyTo)
		if err != nil {
			return persistencef(err, "load reply target %s", replyTo)
		}
		if found {
			preview = &models.ReplyPreview{
				MessageID: original.ID,
				Author:    original.Author.Username,
				Text:      original.Text,
			}
		}
	}

	message, err := e.store.CreateRoomMessage(ctx, models.RoomMessage{
		RoomID: roomID,
		Author: author,
		Text:   clean,
		Reply:  preview,
	})
	if err != nil {
		return persistencef(err, "persist message for room %s", roomID)
	}
	bc.ToRoom(roomID, EventNewRoomMessage, message)
	e.record(journal.Entry{Type: journal.EntryMessage, Event: "room_message", RoomID: roomID, UserID: author.ID})
	return nil
}

// DeleteRoomMessage removes a room message. Allowed for the author and for
// moderators.
func (e *Engine) DeleteRoomMessage(ctx context.Context, connID, roomID, messageID string) error {
	identity, err := e.identityFor(connID)
	if err != nil {
		return err
	}
	message, found, err := e.store.GetRoomMessage(ctx, roomID, messageID)
	if err != nil {
		return persistencef(err, "load message %s", messageID)
	}
	if !found {
		return notFoundf("message %s not found", messageID)
	}
	if message.Author.ID != identity.ID && !identity.Role.CanModerate() {
		return unauthorizedf("only the author or a moderator can delete this message")
	}
	if err := e.store.DeleteRoomMessage(ctx, roomID, messageID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFoundf("message %s not found", messageID)
		}
		return persistencef(err, "delete message %s", messageID)
	}
	e.broadcaster().ToRoom(roomID, EventRoomMessageDeleted, roomMessageDeletedPayload{RoomID: roomID, MessageID: messageID})
	e.record(journal.Entry{Type: journal.EntryModeration, Event: "delete_room_message", RoomID: roomID, UserID: identity.ID})
	return nil
}

// GlobalMessage persists a global chat message and broadcasts it to every
// connection. A user may send at most one global message per five seconds.
func (e *Engine) GlobalMessage(ctx context.Context, connID, text, replyTo string) error {
	identity, err := e.identityFor(connID)
	if err != nil {
		return err
	}
	clean, err := sanitize.Clean(text)
	if err != nil {
		return err
	}

	e.mu.Lock()
	previous, had := e.lastGlobal[identity.ID]
	if had && e.now().Sub(previous) < globalMessageInterval {
		e.mu.Unlock()
		return rateLimitedf("you are sending messages too quickly")
	}
	// Reserve the slot before suspending on the store so two rapid sends
	// cannot both pass the check.
	e.lastGlobal[identity.ID] = e.now()
	e.mu.Unlock()

	restore := func() {
		e.mu.Lock()
		if had {
			e.lastGlobal[identity.ID] = previous
		} else {
			delete(e.lastGlobal, identity.ID)
		}
		e.mu.Unlock()
	}

	var preview *models.ReplyPreview
	if replyTo != "" {
		original, found, err := e.store.GetGlobalMessage(ctx, replyTo)
		if err != nil {
			restore()
			return persistencef(err, "load reply target %s", replyTo)
		}
		if found {
			preview = &models.ReplyPreview{
				MessageID: original.ID,
				Author:    original.Author.Username,
				Text:      original.Text,
			}
		}
	}

	message, err := e.store.CreateGlobalMessage(ctx, models.GlobalMessage{
		Author: identity.Snapshot(),
		Text:   clean,
		Reply:  preview,
	})
	if err != nil {
		restore()
		return persistencef(err, "persist global message")
	}
	e.broadcaster().ToAll(EventNewMessage, message)
	e.record(journal.Entry{Type: journal.EntryMessage, Event: "global_message", UserID: identity.ID})
	return nil
}

// PinMessage pins a global message. Admin only; pinning a message that does
// not exist fails without a broadcast.
func (e *Engine) PinMessage(ctx context.Context, connID, messageID string) error {
	identity, err := e.identityFor(connID)
	if err != nil {
		return err
	}
	if !identity.Role.CanPin() {
		return unauthorizedf("only an admin can pin messages")
	}
	matched, err := e.store.PinGlobalMessage(ctx, messageID, identity.ID)
	if err != nil {
		return persistencef(err, "pin message %s", messageID)
	}
	if !matched {
		return notFoundf("message %s not found", messageID)
	}
	e.broadcaster().ToAll(EventNewPinnedMessage, pinPayload{ID: messageID, PinnedBy: identity.ID})
	e.record(journal.Entry{Type: journal.EntryModeration, Event: "pin_message", UserID: identity.ID})
	return nil
}

// UnpinMessage removes a pin. Admin only.
func (e *Engine) UnpinMessage(ctx context.Context, connID, messageID string) error {
	identity, err := e.identityFor(connID)
	if err != nil {
		return err
	}
	if !identity.Role.CanPin() {
		return unauthorizedf("only an admin can unpin messages")
	}
	matched, err := e.store.UnpinGlobalMessage(ctx, messageID)
	if err != nil {
		return persistencef(err, "unpin message %s", messageID)
	}
	if !matched {
		return notFoundf("message %s is not pinned", messageID)
	}
	e.broadcaster().ToAll(EventMessageUnpinned, messageIDPayload{ID: messageID})
	e.record(journal.Entry{Type: journal.EntryModeration, Event: "unpin_message", UserID: identity.ID})
	return nil
}

// DeleteGlobalMessage removes a global message. Allowed for the author and
// for moderators.
func (e *Engine) DeleteGlobalMessage(ctx context.Context, connID, messageID string) error {
	identity, err := e.identityFor(connID)
	if err != nil {
		return err
	}
	message, found, err := e.store.GetGlobalMessage(ctx, messageID)
	if err != nil {
		return persistencef(err, "load message %s", messageID)
	}
	if !found {
		return notFoundf("message %s not found", messageID)
	}
	if message.Author.ID != identity.ID && !identity.Role.CanModerate() {
		return unauthorizedf("only the author or a moderator can delete this message")
	}
	if err := e.store.DeleteGlobalMessage(ctx, messageID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFoundf("message %s not found", messageID)
		}
		return persistencef(err, "delete message %s", messageID)
	}
	e.broadcaster().ToAll(EventMessageDeleted, messageIDPayload{ID: messageID})
	e.record(journal.Entry{Type: journal.EntryModeration, Event: "delete_message", UserID: identity.ID})
	return nil
}

// PurgeGlobalMessages deletes every non-pinned global message and notifies
// all connections. Triggered by the administrative HTTP endpoint.
func (e *Engine) PurgeGlobalMessages(ctx context.Context) (int, error) {
	deleted, err := e.store.DeleteUnpinnedGlobalMessages(ctx)
	if err != nil {
		return 0, persistencef(err, "purge global messages")
	}
	e.broadcaster().ToAll(EventMessagesPurged, struct{}{})
	e.record(journal.Entry{Type: journal.EntryModeration, Event: "purge_messages"})
	return deleted, nil
}

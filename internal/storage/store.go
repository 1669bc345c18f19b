package storage

import (
	"context"
	"errors"

	"watchroom/internal/models"
)

// ErrNotFound is returned when a room or message does not exist in the
// backing datastore.
var ErrNotFound = errors.New("not found")

// CreateRoomParams carries the attributes needed to create a durable room.
type CreateRoomParams struct {
	Title   string
	HostID  int64
	Episode models.Episode
}

// Store exposes the durable operations the coordination engine requires:
// rooms with their host, live flag, viewer count and episode, plus
// room-scoped and global chat messages.
type Store interface {
	Ping(ctx context.Context) error

	CreateRoom(ctx context.Context, params CreateRoomParams) (models.Room, error)
	GetRoom(ctx context.Context, roomID string) (models.Room, bool, error)
	DeleteRoom(ctx context.Context, roomID string) error
	SetRoomHost(ctx context.Context, roomID string, hostID int64) error
	SetRoomLive(ctx context.Context, roomID string, live bool) error
	SetRoomEpisode(ctx context.Context, roomID string, episode models.Episode) error
	// AdjustViewerCount applies a delta to the persisted viewer count,
	// clamping the result at zero, and returns the new count.
	AdjustViewerCount(ctx context.Context, roomID string, delta int) (int, error)

	CreateRoomMessage(ctx context.Context, message models.RoomMessage) (models.RoomMessage, error)
	GetRoomMessage(ctx context.Context, roomID, messageID string) (models.RoomMessage, bool, error)
	DeleteRoomMessage(ctx context.Context, roomID, messageID string) error
	DeleteRoomMessages(ctx context.Context, roomID string) error

	CreateGlobalMessage(ctx context.Context, message models.GlobalMessage) (models.GlobalMessage, error)
	GetGlobalMessage(ctx context.Context, messageID string) (models.GlobalMessage, bool, error)
	DeleteGlobalMessage(ctx context.Context, messageID string) error
	// PinGlobalMessage marks the message as pinned and reports whether a
	// message matched. UnpinGlobalMessage is the inverse.
	PinGlobalMessage(ctx context.Context, messageID string, pinnedBy int64) (bool, error)
	UnpinGlobalMessage(ctx context.Context, messageID string) (bool, error)
	// DeleteUnpinnedGlobalMessages removes every global message that is not
	// pinned and returns how many were deleted.
	DeleteUnpinnedGlobalMessages(ctx context.Context) (int, error)
}

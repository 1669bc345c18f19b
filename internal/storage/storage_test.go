package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"watchroom/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := NewStorage(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	return store
}

func TestRoomLifecycle(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	room, err := store.CreateRoom(ctx, CreateRoomParams{
		Title:   "movie night",
		HostID:  7,
		Episode: models.Episode{ID: 3, Number: 12},
	})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if room.ID == "" || room.CreatedAt.IsZero() {
		t.Fatalf("room missing generated fields: %+v", room)
	}

	loaded, found, err := store.GetRoom(ctx, room.ID)
	if err != nil || !found {
		t.Fatalf("GetRoom: %v found=%v", err, found)
	}
	if loaded.Title != "movie night" || loaded.HostID != 7 || loaded.Episode.Number != 12 {
		t.Fatalf("unexpected room: %+v", loaded)
	}

	if err := store.SetRoomHost(ctx, room.ID, 9); err != nil {
		t.Fatalf("SetRoomHost: %v", err)
	}
	if err := store.SetRoomLive(ctx, room.ID, true); err != nil {
		t.Fatalf("SetRoomLive: %v", err)
	}
	if err := store.SetRoomEpisode(ctx, room.ID, models.Episode{ID: 4, Number: 13}); err != nil {
		t.Fatalf("SetRoomEpisode: %v", err)
	}
	loaded, _, _ = store.GetRoom(ctx, room.ID)
	if loaded.HostID != 9 || !loaded.Live || loaded.Episode.Number != 13 {
		t.Fatalf("updates not applied: %+v", loaded)
	}

	if err := store.DeleteRoom(ctx, room.ID); err != nil {
		t.Fatalf("DeleteRoom: %v", err)
	}
	if _, found, _ := store.GetRoom(ctx, room.ID); found {
		t.Fatalf("room still present after delete")
	}
	if err := store.DeleteRoom(ctx, room.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete should return ErrNotFound, got %v", err)
	}
}

func TestAdjustViewerCountClampsAtZero(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	room, err := store.CreateRoom(ctx, CreateRoomParams{Title: "room"})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	if count, err := store.AdjustViewerCount(ctx, room.ID, 2); err != nil || count != 2 {
		t.Fatalf("increment: count=%d err=%v", count, err)
	}
	if count, err := store.AdjustViewerCount(ctx, room.ID, -5); err != nil || count != 0 {
		t.Fatalf("decrement below zero must clamp: count=%d err=%v", count, err)
	}
	if _, err := store.AdjustViewerCount(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateRoomRollsBackOnPersistFailure(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	persistErr := errors.New("disk full")
	store.persistOverride = func(dataset) error { return persistErr }
	if _, err := store.CreateRoom(ctx, CreateRoomParams{Title: "doomed"}); !errors.Is(err, persistErr) {
		t.Fatalf("expected persist error, got %v", err)
	}

	store.persistOverride = nil
	store.mu.RLock()
	remaining := len(store.data.Rooms)
	store.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("failed create must not leave a room behind, found %d", remaining)
	}
}

func TestRoomMessages(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	room, err := store.CreateRoom(ctx, CreateRoomParams{Title: "room"})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	if _, err := store.CreateRoomMessage(ctx, models.RoomMessage{RoomID: "missing", Text: "hi"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("message for a missing room must fail, got %v", err)
	}

	message, err := store.CreateRoomMessage(ctx, models.RoomMessage{
		RoomID: room.ID,
		Author: models.AuthorSnapshot{ID: 1, Username: "ava"},
		Text:   "hello",
	})
	if err != nil {
		t.Fatalf("CreateRoomMessage: %v", err)
	}
	if message.ID == "" || message.CreatedAt.IsZero() {
		t.Fatalf("message missing generated fields: %+v", message)
	}

	loaded, found, err := store.GetRoomMessage(ctx, room.ID, message.ID)
	if err != nil || !found || loaded.Text != "hello" {
		t.Fatalf("GetRoomMessage: %+v found=%v err=%v", loaded, found, err)
	}

	if err := store.DeleteRoomMessage(ctx, room.ID, message.ID); err != nil {
		t.Fatalf("DeleteRoomMessage: %v", err)
	}
	if err := store.DeleteRoomMessage(ctx, room.ID, message.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete should return ErrNotFound, got %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := store.CreateRoomMessage(ctx, models.RoomMessage{RoomID: room.ID, Text: "x"}); err != nil {
			t.Fatalf("CreateRoomMessage: %v", err)
		}
	}
	if err := store.DeleteRoomMessages(ctx, room.ID); err != nil {
		t.Fatalf("DeleteRoomMessages: %v", err)
	}
	store.mu.RLock()
	remaining := len(store.data.RoomMessages[room.ID])
	store.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("expected no messages after bulk delete, got %d", remaining)
	}
}

func TestGlobalMessagePinning(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	message, err := store.CreateGlobalMessage(ctx, models.GlobalMessage{
		Author: models.AuthorSnapshot{ID: 1, Username: "ava"},
		Text:   "hello",
		// Client-supplied pin fields must be ignored on create.
		Pinned:   true,
		PinnedBy: 42,
	})
	if err != nil {
		t.Fatalf("CreateGlobalMessage: %v", err)
	}
	if message.Pinned || message.PinnedBy != 0 || message.PinnedAt != nil {
		t.Fatalf("create must reset pin state: %+v", message)
	}

	if matched, err := store.PinGlobalMessage(ctx, "missing", 7); err != nil || matched {
		t.Fatalf("pin of a missing message: matched=%v err=%v", matched, err)
	}
	if matched, err := store.PinGlobalMessage(ctx, message.ID, 7); err != nil || !matched {
		t.Fatalf("PinGlobalMessage: matched=%v err=%v", matched, err)
	}
	pinned, _, _ := store.GetGlobalMessage(ctx, message.ID)
	if !pinned.Pinned || pinned.PinnedBy != 7 || pinned.PinnedAt == nil {
		t.Fatalf("pin not recorded: %+v", pinned)
	}

	if matched, err := store.UnpinGlobalMessage(ctx, message.ID); err != nil || !matched {
		t.Fatalf("UnpinGlobalMessage: matched=%v err=%v", matched, err)
	}
	if matched, _ := store.UnpinGlobalMessage(ctx, message.ID); matched {
		t.Fatalf("unpinning an unpinned message must not match")
	}
}

func TestDeleteUnpinnedGlobalMessages(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	keeper, err := store.CreateGlobalMessage(ctx, models.GlobalMessage{Text: "keep"})
	if err != nil {
		t.Fatalf("CreateGlobalMessage: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.CreateGlobalMessage(ctx, models.GlobalMessage{Text: "purge"}); err != nil {
			t.Fatalf("CreateGlobalMessage: %v", err)
		}
	}
	if _, err := store.PinGlobalMessage(ctx, keeper.ID, 1); err != nil {
		t.Fatalf("PinGlobalMessage: %v", err)
	}

	deleted, err := store.DeleteUnpinnedGlobalMessages(ctx)
	if err != nil {
		t.Fatalf("DeleteUnpinnedGlobalMessages: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 deleted, got %d", deleted)
	}
	if _, found, _ := store.GetGlobalMessage(ctx, keeper.ID); !found {
		t.Fatalf("pinned message must survive")
	}

	if deleted, err := store.DeleteUnpinnedGlobalMessages(ctx); err != nil || deleted != 0 {
		t.Fatalf("second purge: deleted=%d err=%v", deleted, err)
	}
}

func TestStorageReloadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	ctx := context.Background()

	first, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	room, err := first.CreateRoom(ctx, CreateRoomParams{Title: "persisted", HostID: 4})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	second, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	loaded, found, err := second.GetRoom(ctx, room.ID)
	if err != nil || !found {
		t.Fatalf("GetRoom after reload: %v found=%v", err, found)
	}
	if loaded.Title != "persisted" || loaded.HostID != 4 {
		t.Fatalf("unexpected reloaded room: %+v", loaded)
	}
}

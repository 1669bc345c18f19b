package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"watchroom/internal/models"
	"watchroom/internal/storage"
)

// failingStore wraps a working store and fails selected writes on demand.
type failingStore struct {
	storage.Store
	failRoomMessage   bool
	failGlobalMessage bool
}

var errStoreDown = errors.New("store down")

func (s *failingStore) CreateRoomMessage(ctx context.Context, message models.RoomMessage) (models.RoomMessage, error) {
	if s.failRoomMessage {
		return models.RoomMessage{}, errStoreDown
	}
	return s.Store.CreateRoomMessage(ctx, message)
}

func (s *failingStore) CreateGlobalMessage(ctx context.Context, message models.GlobalMessage) (models.GlobalMessage, error) {
	if s.failGlobalMessage {
		return models.GlobalMessage{}, errStoreDown
	}
	return s.Store.CreateGlobalMessage(ctx, message)
}

func newFailingEngine(t *testing.T) (*Engine, *fakeBroadcaster, *failingStore, *storage.Storage) {
	t.Helper()
	backing, err := storage.NewStorage(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	store := &failingStore{Store: backing}
	bc := newFakeBroadcaster()
	eng := New(Config{Store: store, Broadcaster: bc})
	return eng, bc, store, backing
}

func TestRoomMessageRequiresMembership(t *testing.T) {
	eng, _, store := newTestEngine(t)
	room := createRoom(t, store, models.Episode{ID: 1, Number: 1})

	eng.Connect("c1", models.Identity{ID: 1, Username: "ava"})
	err := eng.RoomMessage(context.Background(), "c1", room.ID, "hello", "")
	if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected rejection for non-member, got %v", err)
	}
}

func TestRoomMessagePersistsBeforeBroadcast(t *testing.T) {
	eng, bc, store, backing := newFailingEngine(t)
	room := createRoom(t, backing, models.Episode{ID: 1, Number: 1})
	ctx := context.Background()

	eng.Connect("c1", models.Identity{ID: 1, Username: "ava"})
	if err := eng.JoinRoom(ctx, "c1", room.ID); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	bc.reset()

	store.failRoomMessage = true
	err := eng.RoomMessage(ctx, "c1", room.ID, "hello", "")
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if events := bc.all(EventNewRoomMessage); len(events) != 0 {
		t.Fatalf("failed persist must not broadcast, got %+v", events)
	}

	store.failRoomMessage = false
	if err := eng.RoomMessage(ctx, "c1", room.ID, "hello", ""); err != nil {
		t.Fatalf("RoomMessage: %v", err)
	}
	sent := bc.last(t, EventNewRoomMessage)
	message := sent.payload.(models.RoomMessage)
	if message.ID == "" || message.Text != "hello" || message.Author.ID != 1 {
		t.Fatalf("broadcast message missing persisted fields: %+v", message)
	}
}

func TestRoomMessageReplyPreview(t *testing.T) {
	eng, bc, store := newTestEngine(t)
	room := createRoom(t, store, models.Episode{ID: 1, Number: 1})
	ctx := context.Background()

	eng.Connect("c1", models.Identity{ID: 1, Username: "ava"})
	if err := eng.JoinRoom(ctx, "c1", room.ID); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if err := eng.RoomMessage(ctx, "c1", room.ID, "original", ""); err != nil {
		t.Fatalf("RoomMessage: %v", err)
	}
	original := bc.last(t, EventNewRoomMessage).payload.(models.RoomMessage)
	bc.reset()

	if err := eng.RoomMessage(ctx, "c1", room.ID, "the reply", original.ID); err != nil {
		t.Fatalf("RoomMessage reply: %v", err)
	}
	reply := bc.last(t, EventNewRoomMessage).payload.(models.RoomMessage)
	if reply.Reply == nil {
		t.Fatalf("expected reply preview")
	}
	if reply.Reply.MessageID != original.ID || reply.Reply.Author != "ava" || reply.Reply.Text != "original" {
		t.Fatalf("unexpected preview: %+v", reply.Reply)
	}
	bc.reset()

	// A dangling reference is dropped, not an error.
	if err := eng.RoomMessage(ctx, "c1", room.ID, "dangling", "missing-id"); err != nil {
		t.Fatalf("RoomMessage with dangling reply: %v", err)
	}
	if dangling := bc.last(t, EventNewRoomMessage).payload.(models.RoomMessage); dangling.Reply != nil {
		t.Fatalf("dangling reference must yield no preview, got %+v", dangling.Reply)
	}
}

func TestDeleteRoomMessageAuthorization(t *testing.T) {
	eng, bc, store := newTestEngine(t)
	room := createRoom(t, store, models.Episode{ID: 1, Number: 1})
	ctx := context.Background()

	eng.Connect("author", models.Identity{ID: 1, Username: "ava"})
	eng.Connect("other", models.Identity{ID: 2, Username: "kim"})
	eng.Connect("mod", models.Identity{ID: 3, Username: "mod", Role: models.RoleModerator})
	for _, conn := range []string{"author", "other", "mod"} {
		if err := eng.JoinRoom(ctx, conn, room.ID); err != nil {
			t.Fatalf("JoinRoom(%s): %v", conn, err)
		}
	}

	if err := eng.RoomMessage(ctx, "author", room.ID, "hello", ""); err != nil {
		t.Fatalf("RoomMessage: %v", err)
	}
	message := bc.last(t, EventNewRoomMessage).payload.(models.RoomMessage)

	if err := eng.DeleteRoomMessage(ctx, "other", room.ID, message.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unrelated user must not delete, got %v", err)
	}
	if err := eng.DeleteRoomMessage(ctx, "mod", room.ID, message.ID); err != nil {
		t.Fatalf("moderator delete: %v", err)
	}
	deleted := bc.last(t, EventRoomMessageDeleted).payload.(roomMessageDeletedPayload)
	if deleted.MessageID != message.ID || deleted.RoomID != room.ID {
		t.Fatalf("unexpected delete payload: %+v", deleted)
	}
	if err := eng.DeleteRoomMessage(ctx, "mod", room.ID, message.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete must fail with ErrNotFound, got %v", err)
	}
}

func TestGlobalMessageRestoresRateSlotOnFailure(t *testing.T) {
	eng, bc, store, _ := newFailingEngine(t)
	ctx := context.Background()

	eng.Connect("c1", models.Identity{ID: 1, Username: "ava"})
	store.failGlobalMessage = true
	if err := eng.GlobalMessage(ctx, "c1", "hello", ""); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if events := bc.all(EventNewMessage); len(events) != 0 {
		t.Fatalf("failed persist must not broadcast")
	}

	// The failed attempt must not consume the rate-limit slot.
	store.failGlobalMessage = false
	if err := eng.GlobalMessage(ctx, "c1", "hello again", ""); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestPinMessage(t *testing.T) {
	eng, bc, store := newTestEngine(t)
	ctx := context.Background()

	eng.Connect("admin", models.Identity{ID: 1, Username: "admin", Role: models.RoleAdmin})
	eng.Connect("mod", models.Identity{ID: 2, Username: "mod", Role: models.RoleModerator})

	if err := eng.GlobalMessage(ctx, "mod", "pin me", ""); err != nil {
		t.Fatalf("GlobalMessage: %v", err)
	}
	message := bc.last(t, EventNewMessage).payload.(models.GlobalMessage)

	if err := eng.PinMessage(ctx, "mod", message.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("moderator must not pin, got %v", err)
	}
	if err := eng.PinMessage(ctx, "admin", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pinning a missing message must fail, got %v", err)
	}

	if err := eng.PinMessage(ctx, "admin", message.ID); err != nil {
		t.Fatalf("PinMessage: %v", err)
	}
	pinned := bc.last(t, EventNewPinnedMessage).payload.(pinPayload)
	if pinned.ID != message.ID || pinned.PinnedBy != 1 {
		t.Fatalf("unexpected pin payload: %+v", pinned)
	}

	stored, found, err := store.GetGlobalMessage(ctx, message.ID)
	if err != nil || !found || !stored.Pinned || stored.PinnedBy != 1 {
		t.Fatalf("pin not persisted: %+v (found=%v err=%v)", stored, found, err)
	}

	if err := eng.UnpinMessage(ctx, "admin", message.ID); err != nil {
		t.Fatalf("UnpinMessage: %v", err)
	}
	if unpinned := bc.last(t, EventMessageUnpinned).payload.(messageIDPayload); unpinned.ID != message.ID {
		t.Fatalf("unexpected unpin payload: %+v", unpinned)
	}
	if err := eng.UnpinMessage(ctx, "admin", message.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unpinning an unpinned message must fail, got %v", err)
	}
}

func TestPurgeGlobalMessagesKeepsPinned(t *testing.T) {
	eng, bc, store := newTestEngine(t)
	ctx := context.Background()

	eng.Connect("admin", models.Identity{ID: 1, Username: "admin", Role: models.RoleAdmin})
	eng.Connect("a", models.Identity{ID: 2, Username: "a"})
	eng.Connect("b", models.Identity{ID: 3, Username: "b"})

	if err := eng.GlobalMessage(ctx, "admin", "keep me", ""); err != nil {
		t.Fatalf("GlobalMessage: %v", err)
	}
	keeper := bc.last(t, EventNewMessage).payload.(models.GlobalMessage)
	if err := eng.GlobalMessage(ctx, "a", "one", ""); err != nil {
		t.Fatalf("GlobalMessage: %v", err)
	}
	if err := eng.GlobalMessage(ctx, "b", "two", ""); err != nil {
		t.Fatalf("GlobalMessage: %v", err)
	}
	if err := eng.PinMessage(ctx, "admin", keeper.ID); err != nil {
		t.Fatalf("PinMessage: %v", err)
	}
	bc.reset()

	deleted, err := eng.PurgeGlobalMessages(ctx)
	if err != nil {
		t.Fatalf("PurgeGlobalMessages: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted messages, got %d", deleted)
	}
	if events := bc.all(EventMessagesPurged); len(events) != 1 {
		t.Fatalf("expected a single purge broadcast, got %d", len(events))
	}
	if _, found, _ := store.GetGlobalMessage(ctx, keeper.ID); !found {
		t.Fatalf("pinned message must survive the purge")
	}
}

func TestSanitizationRejectsEmptyMessage(t *testing.T) {
	eng, bc, store := newTestEngine(t)
	room := createRoom(t, store, models.Episode{ID: 1, Number: 1})
	ctx := context.Background()

	eng.Connect("c1", models.Identity{ID: 1, Username: "ava"})
	if err := eng.JoinRoom(ctx, "c1", room.ID); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	bc.reset()

	if err := eng.RoomMessage(ctx, "c1", room.ID, "   \t\n ", ""); err == nil {
		t.Fatalf("whitespace-only message must be rejected")
	}
	if events := bc.all(EventNewRoomMessage); len(events) != 0 {
		t.Fatalf("rejected message must not broadcast")
	}
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"watchroom/internal/models"
)

type dataset struct {
	Rooms          map[string]models.Room                    `json:"rooms"`
	RoomMessages   map[string]map[string]models.RoomMessage  `json:"roomMessages"`
	GlobalMessages map[string]models.GlobalMessage           `json:"globalMessages"`
}

// Storage is a JSON-file-backed Store used for development and tests. All
// state lives in memory; every mutation is flushed atomically to disk.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

var _ Store = (*Storage)(nil)

func newDataset() dataset {
	return dataset{
		Rooms:          make(map[string]models.Room),
		RoomMessages:   make(map[string]map[string]models.RoomMessage),
		GlobalMessages: make(map[string]models.GlobalMessage),
	}
}

// NewStorage loads (or initialises) a JSON datastore at the given path.
func NewStorage(filePath string) (*Storage, error) {
	store := &Storage{filePath: filePath, data: newDataset()}
	raw, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("read datastore: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &store.data); err != nil {
			return nil, fmt.Errorf("decode datastore: %w", err)
		}
	}
	store.ensureDatasetInitializedLocked()
	return store, nil
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Rooms == nil {
		s.data.Rooms = make(map[string]models.Room)
	}
	if s.data.RoomMessages == nil {
		s.data.RoomMessages = make(map[string]map[string]models.RoomMessage)
	}
	if s.data.GlobalMessages == nil {
		s.data.GlobalMessages = make(map[string]models.GlobalMessage)
	}
}

func (s *Storage) persistLocked() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}
	if s.filePath == "" {
		return nil
	}
	payload, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode datastore: %w", err)
	}
	tmp := s.filePath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("ensure datastore directory: %w", err)
	}
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write datastore: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("replace datastore: %w", err)
	}
	return nil
}

// Ping always succeeds for the file-backed store.
func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Storage) CreateRoom(ctx context.Context, params CreateRoomParams) (models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := models.Room{
		ID:        uuid.NewString(),
		Title:     params.Title,
		HostID:    params.HostID,
		Episode:   params.Episode,
		CreatedAt: time.Now().UTC(),
	}
	s.data.Rooms[room.ID] = room
	if err := s.persistLocked(); err != nil {
		delete(s.data.Rooms, room.ID)
		return models.Room{}, err
	}
	return room, nil
}

func (s *Storage) GetRoom(ctx context.Context, roomID string) (models.Room, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.data.Rooms[roomID]
	return room, ok, nil
}

func (s *Storage) DeleteRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Rooms[roomID]; !ok {
		return ErrNotFound
	}
	delete(s.data.Rooms, roomID)
	return s.persistLocked()
}

func (s *Storage) SetRoomHost(ctx context.Context, roomID string, hostID int64) error {
	return s.updateRoom(roomID, func(room *models.Room) {
		room.HostID = hostID
	})
}

func (s *Storage) SetRoomLive(ctx context.Context, roomID string, live bool) error {
	return s.updateRoom(roomID, func(room *models.Room) {
		room.Live = live
	})
}

func (s *Storage) SetRoomEpisode(ctx context.Context, roomID string, episode models.Episode) error {
	return s.updateRoom(roomID, func(room *models.Room) {
		room.Episode = episode
	})
}

func (s *Storage) AdjustViewerCount(ctx context.Context, roomID string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.data.Rooms[roomID]
	if !ok {
		return 0, ErrNotFound
	}
	room.ViewerCount += delta
	if room.ViewerCount < 0 {
		room.ViewerCount = 0
	}
	s.data.Rooms[roomID] = room
	if err := s.persistLocked(); err != nil {
		return 0, err
	}
	return room.ViewerCount, nil
}

func (s *Storage) updateRoom(roomID string, mutate func(*models.Room)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.data.Rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	mutate(&room)
	s.data.Rooms[roomID] = room
	return s.persistLocked()
}

func (s *Storage) CreateRoomMessage(ctx context.Context, message models.RoomMessage) (models.RoomMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Rooms[message.RoomID]; !ok {
		return models.RoomMessage{}, ErrNotFound
	}
	message.ID = uuid.NewString()
	message.CreatedAt = time.Now().UTC()
	if s.data.RoomMessages[message.RoomID] == nil {
		s.data.RoomMessages[message.RoomID] = make(map[string]models.RoomMessage)
	}
	s.data.RoomMessages[message.RoomID][message.ID] = message
	if err := s.persistLocked(); err != nil {
		delete(s.data.RoomMessages[message.RoomID], message.ID)
		return models.RoomMessage{}, err
	}
	return message, nil
}

func (s *Storage) GetRoomMessage(ctx context.Context, roomID, messageID string) (models.RoomMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	message, ok := s.data.RoomMessages[roomID][messageID]
	return message, ok, nil
}

func (s *Storage) DeleteRoomMessage(ctx context.Context, roomID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages := s.data.RoomMessages[roomID]
	if _, ok := messages[messageID]; !ok {
		return ErrNotFound
	}
	delete(messages, messageID)
	if len(messages) == 0 {
		delete(s.data.RoomMessages, roomID)
	}
	return s.persistLocked()
}

func (s *Storage) DeleteRoomMessages(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.RoomMessages, roomID)
	return s.persistLocked()
}

func (s *Storage) CreateGlobalMessage(ctx context.Context, message models.GlobalMessage) (models.GlobalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message.ID = uuid.NewString()
	message.CreatedAt = time.Now().UTC()
	message.Pinned = false
	message.PinnedBy = 0
	message.PinnedAt = nil
	s.data.GlobalMessages[message.ID] = message
	if err := s.persistLocked(); err != nil {
		delete(s.data.GlobalMessages, message.ID)
		return models.GlobalMessage{}, err
	}
	return message, nil
}

func (s *Storage) GetGlobalMessage(ctx context.Context, messageID string) (models.GlobalMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	message, ok := s.data.GlobalMessages[messageID]
	return message, ok, nil
}

func (s *Storage) DeleteGlobalMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.GlobalMessages[messageID]; !ok {
		return ErrNotFound
	}
	delete(s.data.GlobalMessages, messageID)
	return s.persistLocked()
}

func (s *Storage) PinGlobalMessage(ctx context.Context, messageID string, pinnedBy int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.data.GlobalMessages[messageID]
	if !ok {
		return false, nil
	}
	now := time.Now().UTC()
	message.Pinned = true
	message.PinnedBy = pinnedBy
	message.PinnedAt = &now
	s.data.GlobalMessages[messageID] = message
	return true, s.persistLocked()
}

func (s *Storage) UnpinGlobalMessage(ctx context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.data.GlobalMessages[messageID]
	if !ok || !message.Pinned {
		return false, nil
	}
	message.Pinned = false
	message.PinnedBy = 0
	message.PinnedAt = nil
	s.data.GlobalMessages[messageID] = message
	return true, s.persistLocked()
}

func (s *Storage) DeleteUnpinnedGlobalMessages(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, message := range s.data.GlobalMessages {
		if message.Pinned {
			continue
		}
		delete(s.data.GlobalMessages, id)
		deleted++
	}
	if deleted == 0 {
		return 0, nil
	}
	return deleted, s.persistLocked()
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"watchroom/internal/models"
)

// PostgresConfig tunes the pgx connection pool behind the Postgres store.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	ApplicationName     string
}

// PostgresStore is the production Store backed by Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens a pooled Postgres connection and bootstraps the
// schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	store := &PostgresStore{pool: pool}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the connection pool, bounded by the context deadline.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		host_id BIGINT NOT NULL DEFAULT 0,
		live BOOLEAN NOT NULL DEFAULT FALSE,
		viewer_count INTEGER NOT NULL DEFAULT 0,
		episode_id BIGINT NOT NULL DEFAULT 0,
		episode_number INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS room_messages (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		author JSONB NOT NULL,
		body TEXT NOT NULL,
		reply JSONB,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS room_messages_room_idx ON room_messages (room_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS global_messages (
		id TEXT PRIMARY KEY,
		author JSONB NOT NULL,
		body TEXT NOT NULL,
		reply JSONB,
		pinned BOOLEAN NOT NULL DEFAULT FALSE,
		pinned_by BIGINT NOT NULL DEFAULT 0,
		pinned_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateRoom(ctx context.Context, params CreateRoomParams) (models.Room, error) {
	room := models.Room{
		ID:        uuid.NewString(),
		Title:     params.Title,
		HostID:    params.HostID,
		Episode:   params.Episode,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rooms (id, title, host_id, episode_id, episode_number, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		room.ID, room.Title, room.HostID, room.Episode.ID, room.Episode.Number, room.CreatedAt)
	if err != nil {
		return models.Room{}, fmt.Errorf("insert room: %w", err)
	}
	return room, nil
}

func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (models.Room, bool, error) {
	var room models.Room
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, host_id, live, viewer_count, episode_id, episode_number, created_at
		 FROM rooms WHERE id = $1`, roomID).
		Scan(&room.ID, &room.Title, &room.HostID, &room.Live, &room.ViewerCount,
			&room.Episode.ID, &room.Episode.Number, &room.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Room{}, false, nil
	}
	if err != nil {
		return models.Room{}, false, fmt.Errorf("select room: %w", err)
	}
	return room, true, nil
}

func (s *PostgresStore) DeleteRoom(ctx context.Context, roomID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, roomID)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetRoomHost(ctx context.Context, roomID string, hostID int64) error {
	return s.updateRoom(ctx, roomID, `UPDATE rooms SET host_id = $2 WHERE id = $1`, hostID)
}

func (s *PostgresStore) SetRoomLive(ctx context.Context, roomID string, live bool) error {
	return s.updateRoom(ctx, roomID, `UPDATE rooms SET live = $2 WHERE id = $1`, live)
}

func (s *PostgresStore) SetRoomEpisode(ctx context.Context, roomID string, episode models.Episode) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rooms SET episode_id = $2, episode_number = $3 WHERE id = $1`,
		roomID, episode.ID, episode.Number)
	if err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) updateRoom(ctx context.Context, roomID, query string, arg any) error {
	tag, err := s.pool.Exec(ctx, query, roomID, arg)
	if err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AdjustViewerCount(ctx context.Context, roomID string, delta int) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`UPDATE rooms SET viewer_count = GREATEST(viewer_count + $2, 0)
		 WHERE id = $1 RETURNING viewer_count`, roomID, delta).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("adjust viewer count: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CreateRoomMessage(ctx context.Context, message models.RoomMessage) (models.RoomMessage, error) {
	message.ID = uuid.NewString()
	message.CreatedAt = time.Now().UTC()
	author, reply, err := encodeMessageParts(message.Author, message.Reply)
	if err != nil {
		return models.RoomMessage{}, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO room_messages (id, room_id, author, body, reply, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		message.ID, message.RoomID, author, message.Text, reply, message.CreatedAt)
	if err != nil {
		return models.RoomMessage{}, fmt.Errorf("insert room message: %w", err)
	}
	return message, nil
}

func (s *PostgresStore) GetRoomMessage(ctx context.Context, roomID, messageID string) (models.RoomMessage, bool, error) {
	var (
		message models.RoomMessage
		author  []byte
		reply   []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, room_id, author, body, reply, created_at
		 FROM room_messages WHERE room_id = $1 AND id = $2`, roomID, messageID).
		Scan(&message.ID, &message.RoomID, &author, &message.Text, &reply, &message.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RoomMessage{}, false, nil
	}
	if err != nil {
		return models.RoomMessage{}, false, fmt.Errorf("select room message: %w", err)
	}
	if err := decodeMessageParts(author, reply, &message.Author, &message.Reply); err != nil {
		return models.RoomMessage{}, false, err
	}
	return message, true, nil
}

func (s *PostgresStore) DeleteRoomMessage(ctx context.Context, roomID, messageID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM room_messages WHERE room_id = $1 AND id = $2`, roomID, messageID)
	if err != nil {
		return fmt.Errorf("delete room message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteRoomMessages(ctx context.Context, roomID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM room_messages WHERE room_id = $1`, roomID); err != nil {
		return fmt.Errorf("delete room messages: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateGlobalMessage(ctx context.Context, message models.GlobalMessage) (models.GlobalMessage, error) {
	message.ID = uuid.NewString()
	message.CreatedAt = time.Now().UTC()
	message.Pinned = false
	message.PinnedBy = 0
	message.PinnedAt = nil
	author, reply, err := encodeMessageParts(message.Author, message.Reply)
	if err != nil {
		return models.GlobalMessage{}, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO global_messages (id, author, body, reply, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		message.ID, author, message.Text, reply, message.CreatedAt)
	if err != nil {
		return models.GlobalMessage{}, fmt.Errorf("insert global message: %w", err)
	}
	return message, nil
}

func (s *PostgresStore) GetGlobalMessage(ctx context.Context, messageID string) (models.GlobalMessage, bool, error) {
	var (
		message models.GlobalMessage
		author  []byte
		reply   []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, author, body, reply, pinned, pinned_by, pinned_at, created_at
		 FROM global_messages WHERE id = $1`, messageID).
		Scan(&message.ID, &author, &message.Text, &reply, &message.Pinned,
			&message.PinnedBy, &message.PinnedAt, &message.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GlobalMessage{}, false, nil
	}
	if err != nil {
		return models.GlobalMessage{}, false, fmt.Errorf("select global message: %w", err)
	}
	if err := decodeMessageParts(author, reply, &message.Author, &message.Reply); err != nil {
		return models.GlobalMessage{}, false, err
	}
	return message, true, nil
}

func (s *PostgresStore) DeleteGlobalMessage(ctx context.Context, messageID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM global_messages WHERE id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("delete global message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) PinGlobalMessage(ctx context.Context, messageID string, pinnedBy int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE global_messages SET pinned = TRUE, pinned_by = $2, pinned_at = now()
		 WHERE id = $1`, messageID, pinnedBy)
	if err != nil {
		return false, fmt.Errorf("pin global message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) UnpinGlobalMessage(ctx context.Context, messageID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE global_messages SET pinned = FALSE, pinned_by = 0, pinned_at = NULL
		 WHERE id = $1 AND pinned`, messageID)
	if err != nil {
		return false, fmt.Errorf("unpin global message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) DeleteUnpinnedGlobalMessages(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM global_messages WHERE NOT pinned`)
	if err != nil {
		return 0, fmt.Errorf("purge global messages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func encodeMessageParts(author models.AuthorSnapshot, reply *models.ReplyPreview) ([]byte, []byte, error) {
	authorJSON, err := json.Marshal(author)
	if err != nil {
		return nil, nil, fmt.Errorf("encode author snapshot: %w", err)
	}
	var replyJSON []byte
	if reply != nil {
		replyJSON, err = json.Marshal(reply)
		if err != nil {
			return nil, nil, fmt.Errorf("encode reply preview: %w", err)
		}
	}
	return authorJSON, replyJSON, nil
}

func decodeMessageParts(authorJSON, replyJSON []byte, author *models.AuthorSnapshot, reply **models.ReplyPreview) error {
	if err := json.Unmarshal(authorJSON, author); err != nil {
		return fmt.Errorf("decode author snapshot: %w", err)
	}
	if len(replyJSON) > 0 {
		preview := &models.ReplyPreview{}
		if err := json.Unmarshal(replyJSON, preview); err != nil {
			return fmt.Errorf("decode reply preview: %w", err)
		}
		*reply = preview
	}
	return nil
}

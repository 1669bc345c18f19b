package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis Streams journal.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	Group        string
	MasterName   string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	Buffer       int
	Logger       *slog.Logger
}

// NewRedisJournal initialises a journal backed by a Redis stream with a
// consumer group per deployment. The caller is responsible for ensuring the
// Redis instance is reachable.
func NewRedisJournal(cfg RedisConfig) (Journal, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "watchroom:journal"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "journal-workers"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   2,
	})
	j := &redisJournal{
		client:       client,
		stream:       stream,
		group:        group,
		blockTimeout: cfg.BlockTimeout,
		buffer:       cfg.Buffer,
		logger:       logger,
	}
	if err := j.ensureGroup(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return j, nil
}

type redisJournal struct {
	client       redis.UniversalClient
	stream       string
	group        string
	blockTimeout time.Duration
	buffer       int
	logger       *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

func (j *redisJournal) Publish(ctx context.Context, entry Entry) error {
	if entry.Type == "" {
		return errors.New("entry type is required")
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := j.ensureGroup(ctx); err != nil {
		return err
	}
	return j.client.XAdd(ctx, &redis.XAddArgs{
		Stream: j.stream,
		Values: map[string]any{"payload": string(payload)},
	}).Err()
}

func (j *redisJournal) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		journal:  j,
		consumer: "consumer-" + uuid.NewString(),
		cancel:   cancel,
		ch:       make(chan Entry, j.buffer),
	}
	go sub.run(ctx)
	return sub
}

func (j *redisJournal) ensureGroup(ctx context.Context) error {
	if j.groupReady.Load() {
		return nil
	}
	j.groupMu.Lock()
	defer j.groupMu.Unlock()
	if j.groupReady.Load() {
		return nil
	}
	err := j.client.XGroupCreateMkStream(ctx, j.stream, j.group, "$").Err()
	if err != nil && !strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return err
	}
	j.groupReady.Store(true)
	return nil
}

type redisSubscription struct {
	journal  *redisJournal
	consumer string
	cancel   context.CancelFunc
	ch       chan Entry
}

func (s *redisSubscription) Entries() <-chan Entry {
	return s.ch
}

// Close stops the consumer. The entry channel is closed by the reader
// goroutine once it observes the cancellation, never concurrently with a send.
func (s *redisSubscription) Close() {
	s.cancel()
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.ch)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := s.journal.ensureGroup(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.journal.logger.Warn("journal group ensure failed", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		streams, err := s.journal.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.journal.group,
			Consumer: s.consumer,
			Streams:  []string{s.journal.stream, ">"},
			Count:    32,
			Block:    s.journal.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			s.journal.logger.Warn("journal read failed", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		for _, stream := range streams {
			for _, message := range stream.Messages {
				entry, ok := decodeEntry(message)
				if !ok {
					s.journal.logger.Error("journal decode failed", "id", message.ID)
					s.ack(ctx, message.ID)
					continue
				}
				select {
				case s.ch <- entry:
					s.ack(ctx, message.ID)
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *redisSubscription) ack(ctx context.Context, id string) {
	if err := s.journal.client.XAck(ctx, s.journal.stream, s.journal.group, id).Err(); err != nil {
		s.journal.logger.Warn("journal ack failed", "id", id, "error", err)
	}
}

func decodeEntry(message redis.XMessage) (Entry, bool) {
	raw, ok := message.Values["payload"]
	if !ok {
		return Entry{}, false
	}
	payload, ok := raw.(string)
	if !ok {
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		return Entry{}, false
	}
	return entry, true
}

// Package journal provides a best-effort audit stream of engine activity.
// Entries are published after the corresponding broadcast; a lost entry never
// affects clients.
package journal

import (
	"context"
	"errors"
	"sync"
	"time"
)

// EntryType groups journal entries by concern.
type EntryType string

const (
	EntryRoom       EntryType = "room"
	EntryPlayback   EntryType = "playback"
	EntryMessage    EntryType = "message"
	EntryModeration EntryType = "moderation"
)

// Entry is one journaled engine event.
type Entry struct {
	Type       EntryType `json:"type"`
	Event      string    `json:"event"`
	RoomID     string    `json:"roomId,omitempty"`
	UserID     int64     `json:"userId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Journal fans entries out to interested subscribers. Implementations are
// intentionally minimal to support in-memory deployments and fakes used in
// tests.
type Journal interface {
	Publish(ctx context.Context, entry Entry) error
	Subscribe() Subscription
}

// Subscription represents an active entry stream.
type Subscription interface {
	Entries() <-chan Entry
	Close()
}

// NewMemoryJournal initialises an in-memory fan-out journal suitable for
// tests and single-process deployments.
func NewMemoryJournal(buffer int) Journal {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryJournal{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryJournal struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (j *memoryJournal) Publish(ctx context.Context, entry Entry) error {
	if entry.Type == "" {
		return errors.New("entry type is required")
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	for sub := range j.subs {
		select {
		case sub.ch <- entry:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking to keep the live path
			// responsive. Consumers are expected to drain promptly.
		}
	}
	return nil
}

func (j *memoryJournal) Subscribe() Subscription {
	sub := &memorySubscription{
		journal: j,
		ch:      make(chan Entry, j.buffer),
	}
	j.mu.Lock()
	j.subs[sub] = struct{}{}
	j.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once    sync.Once
	journal *memoryJournal
	ch      chan Entry
}

func (s *memorySubscription) Entries() <-chan Entry {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.journal.mu.Lock()
		delete(s.journal.subs, s)
		s.journal.mu.Unlock()
		close(s.ch)
	})
}

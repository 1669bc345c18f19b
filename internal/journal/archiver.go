package journal

import (
	"context"
	"log/slog"
)

// Archiver drains a journal subscription into the structured log, giving
// operators a durable trail of room and chat activity without a dedicated
// analytics pipeline.
type Archiver struct {
	journal Journal
	logger  *slog.Logger
}

// NewArchiver builds an archiver over the given journal.
func NewArchiver(j Journal, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{journal: j, logger: logger}
}

// Run consumes entries until the context is cancelled or the subscription
// closes.
func (a *Archiver) Run(ctx context.Context) error {
	sub := a.journal.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-sub.Entries():
			if !ok {
				return nil
			}
			a.logger.Info("journal entry",
				"type", entry.Type,
				"event", entry.Event,
				"room", entry.RoomID,
				"user", entry.UserID,
				"occurred_at", entry.OccurredAt,
			)
		}
	}
}

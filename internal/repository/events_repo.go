package repository

import (
	"context"
	"fmt"
	"time"
)

// EventJournal is the webhook deduplication gate. The payment processor
// delivers events at least once and out of order; an event id present in
// the journal has already had its effects applied and must be skipped.
type EventJournal interface {
	// AlreadyProcessed reports whether the event id is in the journal.
	AlreadyProcessed(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed records the event id after all effects commit.
	// Safe to call twice: the uniqueness constraint makes replays no-ops.
	MarkProcessed(ctx context.Context, q DBTX, eventID, eventType string) error

	// PruneOlderThan removes journal rows past the retention window.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type eventJournal struct {
	db DB
}

// NewEventJournal creates an EventJournal backed by the given pool.
func NewEventJournal(db DB) EventJournal {
	return &eventJournal{db: db}
}

func (r *eventJournal) AlreadyProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1)`
	if err := r.db.QueryRow(ctx, query, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return exists, nil
}

func (r *eventJournal) MarkProcessed(ctx context.Context, q DBTX, eventID, eventType string) error {
	query := `
		INSERT INTO webhook_events (event_id, event_type, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`
	if _, err := q.Exec(ctx, query, eventID, eventType); err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	return nil
}

func (r *eventJournal) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM webhook_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune webhook events: %w", err)
	}
	return tag.RowsAffected(), nil
}

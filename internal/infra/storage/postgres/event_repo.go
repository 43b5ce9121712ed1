package postgres

import (
	"context"
	"fmt"

	"github.com/vietddude/relay/internal/core/domain"
)

// EventRepo persists relayed events.
type EventRepo struct {
	db *DB
}

// NewEventRepo creates a new PostgreSQL event repository.
func NewEventRepo(db *DB) *EventRepo {
	return &EventRepo{db: db}
}

// Save records one relayed event.
func (r *EventRepo) Save(ctx context.Context, event *domain.Event) error {
	query := `
		INSERT INTO relay_events (stream, run_id, payload, received_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.ExecContext(ctx, query,
		event.Stream,
		event.RunID,
		event.Payload,
		event.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// CountByStream returns the number of recorded events for a stream.
func (r *EventRepo) CountByStream(ctx context.Context, stream string) (int64, error) {
	var count int64
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM relay_events WHERE stream = $1`, stream)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// Recent returns the newest events for a stream, most recent first.
func (r *EventRepo) Recent(ctx context.Context, stream string, limit int) ([]domain.Event, error) {
	var events []domain.Event
	err := r.db.SelectContext(ctx, &events, `
		SELECT id, stream, run_id, payload, received_at
		FROM relay_events
		WHERE stream = $1
		ORDER BY received_at DESC
		LIMIT $2
	`, stream, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

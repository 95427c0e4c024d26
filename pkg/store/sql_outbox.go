package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/events"
)

// deadMarker parks a record: it is never due again but stays for inspection.
const deadMarker = int64(1<<62 - 1)

// SQLOutbox implements events.Outbox on the event_outbox table created by
// SQLStore.Init.
type SQLOutbox struct {
	store *SQLStore
}

var _ events.Outbox = (*SQLOutbox)(nil)

// Outbox returns the outbox sharing this store's database.
func (s *SQLStore) Outbox() *SQLOutbox {
	return &SQLOutbox{store: s}
}

func (o *SQLOutbox) Enqueue(ctx context.Context, r events.Record) error {
	query := `
		INSERT INTO event_outbox (id, topic, payload, created_at_us, next_attempt_at_us, attempts)
		VALUES ($1, $2, $3, $4, $5, 0)
		ON CONFLICT (id) DO NOTHING`
	_, err := o.store.db.ExecContext(ctx, query,
		r.ID, r.Topic, string(r.Payload), micros(r.CreatedAt), micros(r.NextAttemptAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}

func (o *SQLOutbox) Pending(ctx context.Context, now time.Time, limit int) ([]events.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.store.db.QueryContext(ctx, `
		SELECT id, topic, payload, created_at_us, next_attempt_at_us, attempts, last_error
		FROM event_outbox
		WHERE delivered_at_us = 0 AND next_attempt_at_us <= $1
		ORDER BY created_at_us ASC
		LIMIT $2`, micros(now), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var out []events.Record
	for rows.Next() {
		var (
			r             events.Record
			payload       string
			created, next int64
		)
		if err := rows.Scan(&r.ID, &r.Topic, &payload, &created, &next, &r.Attempts, &r.LastError); err != nil {
			return nil, err
		}
		r.Payload = []byte(payload)
		r.CreatedAt = fromMicros(created)
		r.NextAttemptAt = fromMicros(next)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (o *SQLOutbox) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := o.store.db.ExecContext(ctx,
		`UPDATE event_outbox SET delivered_at_us = $1 WHERE id = $2`, micros(at), id)
	return err
}

func (o *SQLOutbox) MarkFailed(ctx context.Context, id, lastErr string, next time.Time) error {
	_, err := o.store.db.ExecContext(ctx, `
		UPDATE event_outbox
		SET attempts = attempts + 1, last_error = $1, next_attempt_at_us = $2
		WHERE id = $3`, lastErr, micros(next), id)
	return err
}

func (o *SQLOutbox) MarkDead(ctx context.Context, id, lastErr string, at time.Time) error {
	_, err := o.store.db.ExecContext(ctx, `
		UPDATE event_outbox
		SET attempts = attempts + 1, last_error = $1, next_attempt_at_us = $2
		WHERE id = $3`, lastErr, deadMarker, id)
	return err
}

package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	otelx "github.com/md-rashed-zaman/carereminder/libs/otel"
)

// Repository runs inside a caller's transaction so an event commits or rolls back together
// with the state change that produced it.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Insert stores evt with the trace context of ctx and returns the generated event id.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, evt Event) (string, error) {
	if err := evt.Validate(); err != nil {
		return "", err
	}
	parent, state := otelx.TraceContextStrings(ctx)
	var id string
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING event_id::text
	`, evt.AggregateType, evt.AggregateID, evt.EventType, evt.Payload, parent, state).Scan(&id)
	return id, err
}

// Record is an unpublished row as seen by the publisher.
type Record struct {
	ID          int64
	EventID     string
	AggregateID string
	EventType   string
	Payload     []byte
	Traceparent string
	Tracestate  string
	CreatedAt   time.Time
}

// ClaimBatch locks up to limit unpublished rows in id order. Rows locked by another replica
// are skipped, so publishers can run side by side.
func (r *Repository) ClaimBatch(ctx context.Context, tx pgx.Tx, limit int) ([]Record, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_id::text, aggregate_id, event_type, payload, traceparent, tracestate, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var rec Record
		err := row.Scan(&rec.ID, &rec.EventID, &rec.AggregateID, &rec.EventType, &rec.Payload,
			&rec.Traceparent, &rec.Tracestate, &rec.CreatedAt)
		return rec, err
	})
}

func (r *Repository) MarkPublished(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `UPDATE outbox_events SET published_at = now() WHERE id = ANY($1)`, ids)
	return err
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PurgePublished deletes rows published before cutoff.
func (r *Repository) PurgePublished(ctx context.Context, db execer, cutoff time.Time) (int64, error) {
	tag, err := db.Exec(ctx, `DELETE FROM outbox_events WHERE published_at IS NOT NULL AND published_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Backlog is the unpublished row count and the age of the oldest one.
func (r *Repository) Backlog(ctx context.Context, q queryRower) (int64, time.Duration, error) {
	var (
		n      int64
		oldest *time.Time
	)
	err := q.QueryRow(ctx, `SELECT count(*), min(created_at) FROM outbox_events WHERE published_at IS NULL`).Scan(&n, &oldest)
	if err != nil || oldest == nil {
		return n, 0, err
	}
	return n, time.Since(*oldest), nil
}

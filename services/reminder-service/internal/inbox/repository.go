package inbox

import (
	"context"
	"fmt"

	"github.com/md-rashed-zaman/carereminder/libs/db"
)

// Repository remembers which lifecycle events were already applied, keyed by event id.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Record claims eventID. It reports false when another delivery already claimed it.
func (r *Repository) Record(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("inbox record %s: %w", eventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Forget releases a claim after the handler gave up, so a replay can apply the event.
func (r *Repository) Forget(ctx context.Context, eventID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM inbox_events WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("inbox forget %s: %w", eventID, err)
	}
	return nil
}

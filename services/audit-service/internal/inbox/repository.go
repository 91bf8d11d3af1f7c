package inbox

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/alshifa-dental/scheduling/libs/db"
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Record marks eventID as received inside tx. It returns false when the event was seen before,
// so the caller can skip it and still commit.
func (r *Repository) Record(ctx context.Context, tx pgx.Tx, eventID string, eventType string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if db.IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

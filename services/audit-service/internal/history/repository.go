package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alshifa-dental/scheduling/libs/db"
)

// Entry is one recorded lifecycle event of a reservation.
type Entry struct {
	EventID       string          `json:"event_id"`
	ReservationID string          `json:"reservation_id"`
	ProviderID    string          `json:"provider_id"`
	SubjectID     string          `json:"subject_id"`
	EventType     string          `json:"event_type"`
	Status        string          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       time.Time       `json:"end_time"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"-"`
}

// reservationEvent mirrors the payload scheduling-service publishes for reservations.
type reservationEvent struct {
	ReservationID string    `json:"reservation_id"`
	ProviderID    string    `json:"provider_id"`
	SubjectID     string    `json:"subject_id"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason"`
	OccurredAt    time.Time `json:"occurred_at"`
}

var ErrInvalidEvent = errors.New("invalid reservation event")

// EntryFromEvent decodes a reservation event payload.
func EntryFromEvent(eventID, eventType string, payload []byte) (Entry, error) {
	var evt reservationEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if evt.ReservationID == "" || evt.ProviderID == "" || evt.Status == "" {
		return Entry{}, fmt.Errorf("%w: reservation_id, provider_id and status are required", ErrInvalidEvent)
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	return Entry{
		EventID:       eventID,
		ReservationID: evt.ReservationID,
		ProviderID:    evt.ProviderID,
		SubjectID:     evt.SubjectID,
		EventType:     eventType,
		Status:        evt.Status,
		Reason:        evt.Reason,
		StartTime:     evt.StartTime,
		EndTime:       evt.EndTime,
		OccurredAt:    evt.OccurredAt,
		Payload:       payload,
	}, nil
}

type Repository struct {
	conn db.Conn
}

func NewRepository(conn db.Conn) *Repository {
	return &Repository{conn: conn}
}

func (r *Repository) Append(ctx context.Context, tx pgx.Tx, e Entry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO reservation_history
			(event_id, reservation_id, provider_id, subject_id, event_type, status, reason, start_time, end_time, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11)
		ON CONFLICT (event_id) DO NOTHING
	`, e.EventID, e.ReservationID, e.ProviderID, e.SubjectID, e.EventType, e.Status, e.Reason,
		e.StartTime, e.EndTime, e.OccurredAt, []byte(e.Payload))
	return err
}

// ListByReservation returns the history oldest first.
func (r *Repository) ListByReservation(ctx context.Context, reservationID string) ([]Entry, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT event_id, reservation_id, provider_id, subject_id, event_type, status, COALESCE(reason, ''),
			start_time, end_time, occurred_at
		FROM reservation_history
		WHERE reservation_id = $1
		ORDER BY occurred_at ASC, id ASC
	`, reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EventID, &e.ReservationID, &e.ProviderID, &e.SubjectID, &e.EventType, &e.Status, &e.Reason,
			&e.StartTime, &e.EndTime, &e.OccurredAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

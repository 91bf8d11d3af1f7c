package booking

import (
	"context"
	"time"

	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/model"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/outbox"
)

// ScheduleReader loads a provider's current schedule. It returns ErrNotFound for unknown
// providers. Implementations may serve slightly stale values.
type ScheduleReader interface {
	ProviderSchedule(ctx context.Context, providerID string) (model.ProviderSchedule, error)
}

// ScheduleInvalidator is implemented by caching readers that must forget a provider after an
// update commits.
type ScheduleInvalidator interface {
	Invalidate(ctx context.Context, providerID string) error
}

type ReservationQuery struct {
	ProviderID       string
	SubjectID        string
	From             time.Time // reservations ending after From
	To               time.Time // reservations starting before To
	IncludeCancelled bool
	// Limit caps the rows returned. Zero means no cap.
	Limit int
}

// Store is the persistence boundary. Every write goes through InTx.
type Store interface {
	ScheduleReader
	ListReservations(ctx context.Context, q ReservationQuery) ([]model.Reservation, error)
	// InTx runs fn in one transaction. When lockKey is not empty, transactions with the same
	// key are serialized for their whole duration. A non-nil error from fn rolls back everything
	// fn wrote.
	InTx(ctx context.Context, lockKey string, fn func(ctx context.Context, tx Tx) error) error
}

type IdempotencyRecord struct {
	Key           string
	Fingerprint   string
	ReservationID string
}

// Tx is a unit of work. Reads inside it see its own writes.
type Tx interface {
	ProviderSchedule(ctx context.Context, providerID string) (model.ProviderSchedule, error)
	UpsertSchedule(ctx context.Context, s model.ProviderSchedule) error

	// ListOverlapping returns occupying reservations of the provider that overlap [start, end).
	ListOverlapping(ctx context.Context, providerID string, start, end time.Time) ([]model.Reservation, error)
	// InsertReservation fails with ErrSlotTaken if an occupying reservation overlaps r.
	InsertReservation(ctx context.Context, r model.Reservation) error
	ReservationForUpdate(ctx context.Context, id string) (model.Reservation, error)
	UpdateReservation(ctx context.Context, r model.Reservation) error

	// ClaimIdempotencyKey reserves key for this transaction. existed is true when a committed
	// claim is already present, in which case rec holds it.
	ClaimIdempotencyKey(ctx context.Context, key, fingerprint string) (rec IdempotencyRecord, existed bool, err error)
	CompleteIdempotencyKey(ctx context.Context, key, reservationID string) error

	AppendEvent(ctx context.Context, evt outbox.Event) error
}

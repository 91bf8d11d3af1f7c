package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/alshifa-dental/scheduling/libs/db"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/booking"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/model"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/outbox"
)

// Postgres is the production Store. Overlaps are prevented twice: InTx takes a transaction-scoped
// advisory lock on the provider, and the reservations_no_overlap exclusion constraint rejects
// whatever slips past it.
type Postgres struct {
	conn   db.Conn
	outbox *outbox.Repository
}

var _ booking.Store = (*Postgres)(nil)

func NewPostgres(conn db.Conn, outboxRepo *outbox.Repository) *Postgres {
	if outboxRepo == nil {
		outboxRepo = outbox.NewRepository()
	}
	return &Postgres{conn: conn, outbox: outboxRepo}
}

const scheduleColumns = `provider_id, work_start, work_end, slot_minutes, break_minutes, slot_mode, timezone, updated_at`

const reservationColumns = `id::text, provider_id, subject_id, start_time, end_time, status, COALESCE(reason, ''),
			cancelled_at, COALESCE(cancellation_reason, ''), created_at, updated_at`

func (p *Postgres) ProviderSchedule(ctx context.Context, providerID string) (model.ProviderSchedule, error) {
	return scanSchedule(p.conn.QueryRow(ctx, `
		SELECT `+scheduleColumns+`
		FROM provider_schedules
		WHERE provider_id = $1
	`, providerID), providerID)
}

// ListReservations applies q.Limit only when positive. A NULL limit returns every row.
func (p *Postgres) ListReservations(ctx context.Context, q booking.ReservationQuery) ([]model.Reservation, error) {
	var limit *int
	if q.Limit > 0 {
		limit = &q.Limit
	}
	rows, err := p.conn.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE ($1 = '' OR provider_id = $1)
			AND ($2 = '' OR subject_id = $2)
			AND ($3::timestamptz IS NULL OR end_time > $3)
			AND ($4::timestamptz IS NULL OR start_time < $4)
			AND ($5 OR status <> 'cancelled')
		ORDER BY start_time ASC
		LIMIT $6
	`, q.ProviderID, q.SubjectID, nullTime(q.From), nullTime(q.To), q.IncludeCancelled, limit)
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

// InTx runs fn in a transaction. A non-empty lockKey takes pg_advisory_xact_lock on its hash,
// released by commit or rollback.
func (p *Postgres) InTx(ctx context.Context, lockKey string, fn func(ctx context.Context, tx booking.Tx) error) error {
	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if lockKey != "" {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
	}
	if err := fn(ctx, &pgTx{tx: tx, outbox: p.outbox}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

func (t *pgTx) ProviderSchedule(ctx context.Context, providerID string) (model.ProviderSchedule, error) {
	return scanSchedule(t.tx.QueryRow(ctx, `
		SELECT `+scheduleColumns+`
		FROM provider_schedules
		WHERE provider_id = $1
		FOR SHARE
	`, providerID), providerID)
}

func (t *pgTx) UpsertSchedule(ctx context.Context, s model.ProviderSchedule) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO provider_schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider_id) DO UPDATE
		SET work_start = EXCLUDED.work_start,
			work_end = EXCLUDED.work_end,
			slot_minutes = EXCLUDED.slot_minutes,
			break_minutes = EXCLUDED.break_minutes,
			slot_mode = EXCLUDED.slot_mode,
			timezone = EXCLUDED.timezone,
			updated_at = EXCLUDED.updated_at
	`, s.ProviderID, s.WorkStart.String(), s.WorkEnd.String(), s.SlotMinutes, s.BreakMinutes, string(s.Mode), s.Timezone, s.UpdatedAt)
	return err
}

func (t *pgTx) ListOverlapping(ctx context.Context, providerID string, start, end time.Time) ([]model.Reservation, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE provider_id = $1
			AND status <> 'cancelled'
			AND start_time < $3
			AND end_time > $2
		ORDER BY start_time ASC
	`, providerID, start, end)
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

func (t *pgTx) InsertReservation(ctx context.Context, r model.Reservation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO reservations
			(id, provider_id, subject_id, start_time, end_time, status, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
	`, r.ID, r.ProviderID, r.SubjectID, r.Start, r.End, string(r.Status), r.Reason, r.CreatedAt, r.UpdatedAt)
	if db.IsExclusionViolation(err) {
		return booking.ErrSlotTaken
	}
	return err
}

func (t *pgTx) ReservationForUpdate(ctx context.Context, id string) (model.Reservation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Reservation{}, fmt.Errorf("reservation %q: %w", id, booking.ErrNotFound)
	}
	r, err := scanReservation(t.tx.QueryRow(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE id = $1
		FOR UPDATE
	`, id))
	if db.IsNoRows(err) {
		return model.Reservation{}, fmt.Errorf("reservation %q: %w", id, booking.ErrNotFound)
	}
	return r, err
}

func (t *pgTx) UpdateReservation(ctx context.Context, r model.Reservation) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE reservations
		SET status = $2,
			cancelled_at = $3,
			cancellation_reason = NULLIF($4, ''),
			updated_at = $5
		WHERE id = $1
	`, r.ID, string(r.Status), r.CancelledAt, r.CancelReason, r.UpdatedAt)
	if db.IsExclusionViolation(err) {
		return booking.ErrSlotTaken
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reservation %q: %w", r.ID, booking.ErrNotFound)
	}
	return nil
}

// ClaimIdempotencyKey inserts the key; when another transaction already committed it, the
// existing row is locked and returned instead.
func (t *pgTx) ClaimIdempotencyKey(ctx context.Context, key, fingerprint string) (booking.IdempotencyRecord, bool, error) {
	var claimed string
	err := t.tx.QueryRow(ctx, `
		INSERT INTO booking_idempotency_keys (idempotency_key, fingerprint)
		VALUES ($1, $2)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING idempotency_key
	`, key, fingerprint).Scan(&claimed)
	if err == nil {
		return booking.IdempotencyRecord{Key: key, Fingerprint: fingerprint}, false, nil
	}
	if !db.IsNoRows(err) {
		return booking.IdempotencyRecord{}, false, err
	}

	var rec booking.IdempotencyRecord
	err = t.tx.QueryRow(ctx, `
		SELECT idempotency_key, fingerprint, COALESCE(reservation_id::text, '')
		FROM booking_idempotency_keys
		WHERE idempotency_key = $1
		FOR UPDATE
	`, key).Scan(&rec.Key, &rec.Fingerprint, &rec.ReservationID)
	if err != nil {
		return booking.IdempotencyRecord{}, false, err
	}
	return rec, true, nil
}

func (t *pgTx) CompleteIdempotencyKey(ctx context.Context, key, reservationID string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET reservation_id = $2
		WHERE idempotency_key = $1
	`, key, reservationID)
	return err
}

func (t *pgTx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	return t.outbox.Insert(ctx, t.tx, evt)
}

// scanSchedule keeps unparsable clock columns as invalid clock times so the schedule fails
// validation instead of the read failing.
func scanSchedule(row pgx.Row, providerID string) (model.ProviderSchedule, error) {
	var (
		s          model.ProviderSchedule
		start, end string
		mode       string
	)
	err := row.Scan(&s.ProviderID, &start, &end, &s.SlotMinutes, &s.BreakMinutes, &mode, &s.Timezone, &s.UpdatedAt)
	if db.IsNoRows(err) {
		return model.ProviderSchedule{}, fmt.Errorf("provider %q: %w", providerID, booking.ErrNotFound)
	}
	if err != nil {
		return model.ProviderSchedule{}, err
	}
	s.WorkStart = parseClockColumn(start)
	s.WorkEnd = parseClockColumn(end)
	s.Mode = model.SlotMode(mode)
	return s, nil
}

func parseClockColumn(v string) model.ClockTime {
	c, err := model.ParseClock(v)
	if err != nil {
		return model.ClockTime{Hour: -1, Minute: -1}
	}
	return c
}

func scanReservation(row pgx.Row) (model.Reservation, error) {
	var (
		r      model.Reservation
		status string
	)
	err := row.Scan(&r.ID, &r.ProviderID, &r.SubjectID, &r.Start, &r.End, &status, &r.Reason,
		&r.CancelledAt, &r.CancelReason, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return model.Reservation{}, err
	}
	r.Status = model.Status(status)
	return r, nil
}

func collectReservations(rows pgx.Rows) ([]model.Reservation, error) {
	defer rows.Close()
	var out []model.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

package booking

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/blake2b"

	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/availability"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/metrics"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/model"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/outbox"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/slottoken"
)

const displayLayout = "03:04 PM"

// DefaultListLimit caps reservation listings that ask for no limit. Slot queries read every
// busy interval of the day regardless.
const DefaultListLimit = 500

// Service lists open slots and commits bookings against a Store.
//
// Booking holds two layers of per-provider exclusion: an in-process Locker, which keeps
// goroutines of this instance from queueing on the database, and the store's InTx lock key,
// which serializes instances sharing a database.
type Service struct {
	store     Store
	schedules ScheduleReader
	locks     *Locker
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

type Option func(*Service)

// WithScheduleReader sets the reader GetSlots uses, typically a cache in front of the store.
// Booking always reads the schedule inside its transaction.
func WithScheduleReader(r ScheduleReader) Option {
	return func(s *Service) { s.schedules = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		schedules: store,
		locks:     NewLocker(),
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    slog.Default(),
		tracer:    otel.Tracer("scheduling-service/booking"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type GetSlotsRequest struct {
	ProviderID string
	// Date selects a calendar day; only its year, month and day are used.
	Date time.Time
}

type Slot struct {
	Token       string
	DisplayTime string
	Start       time.Time
	End         time.Time
}

// GetSlots lists the provider's open, not yet started windows on the requested day. A provider
// whose stored schedule is invalid has no openings.
func (s *Service) GetSlots(ctx context.Context, req GetSlotsRequest) ([]Slot, error) {
	const op = "get_slots"
	providerID := strings.TrimSpace(req.ProviderID)
	if providerID == "" {
		return nil, errorf(KindInvalidRequest, op, "provider_id is required")
	}
	if req.Date.IsZero() {
		return nil, errorf(KindInvalidRequest, op, "date is required")
	}

	ctx, span := s.tracer.Start(ctx, "booking.get_slots", trace.WithAttributes(attribute.String("provider.id", providerID)))
	defer span.End()

	slots, err := s.getSlots(ctx, providerID, req.Date)
	if err != nil {
		endSpan(span, err)
		s.metrics.ObserveSlotQuery(string(KindOf(err)), 0)
		return nil, err
	}
	s.metrics.ObserveSlotQuery("ok", len(slots))
	return slots, nil
}

func (s *Service) getSlots(ctx context.Context, providerID string, date time.Time) ([]Slot, error) {
	const op = "get_slots"
	sched, err := s.schedules.ProviderSchedule(ctx, providerID)
	if err != nil {
		return nil, classify(op, err)
	}
	if err := sched.Validate(); err != nil {
		s.metrics.InvalidSchedule()
		s.logger.Warn("provider schedule invalid; no slots offered", "provider_id", providerID, "err", err)
		return []Slot{}, nil
	}

	loc := sched.Location()
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)
	lo, hi := sched.WorkingWindow(day)
	reservations, err := s.store.ListReservations(ctx, ReservationQuery{ProviderID: providerID, From: lo, To: hi})
	if err != nil {
		return nil, classify(op, err)
	}

	now := s.now()
	slots := []Slot{}
	for w := range availability.Filter(availability.Generate(sched, day), availability.BusyFrom(reservations)) {
		if w.Start.Before(now) {
			continue
		}
		// In a repeated DST hour two windows share a wall-clock time. Only the one the token
		// resolves back to can be booked through it.
		local := w.Start.In(loc)
		if !(model.ClockTime{Hour: local.Hour(), Minute: local.Minute()}).On(day, loc).Equal(w.Start) {
			continue
		}
		slots = append(slots, Slot{
			Token:       slottoken.Encode(providerID, w.Start),
			DisplayTime: w.Start.Format(displayLayout),
			Start:       w.Start,
			End:         w.End,
		})
	}
	return slots, nil
}

// BookRequest names a slot either by Token plus Date, or by ProviderID plus an absolute Start.
// The end is always derived from the provider's current slot duration.
type BookRequest struct {
	Token      string
	ProviderID string
	Date       time.Time
	Start      time.Time
	SubjectID  string
	Reason     string
	// IdempotencyKey makes retries of the same request return the first booking.
	IdempotencyKey string
}

type Booking struct {
	model.Reservation
	Replayed bool
}

// resolvedSlot is a validated BookRequest: the provider plus either a clock time on a day or
// an absolute start.
type resolvedSlot struct {
	providerID string
	clock      *model.ClockTime
	day        time.Time
	start      time.Time
}

func (r resolvedSlot) startIn(loc *time.Location) time.Time {
	if r.clock != nil {
		return r.clock.On(r.day, loc)
	}
	return r.start.In(loc)
}

func (s *Service) resolve(req BookRequest) (resolvedSlot, error) {
	const op = "book"
	if strings.TrimSpace(req.SubjectID) == "" {
		return resolvedSlot{}, errorf(KindInvalidRequest, op, "subject_id is required")
	}
	if token := strings.TrimSpace(req.Token); token != "" {
		providerID, clock, err := slottoken.Decode(token)
		if err != nil {
			return resolvedSlot{}, newError(KindMalformedToken, op, err)
		}
		if p := strings.TrimSpace(req.ProviderID); p != "" && p != providerID {
			return resolvedSlot{}, errorf(KindInvalidRequest, op, "token belongs to provider %q, not %q", providerID, p)
		}
		if req.Date.IsZero() {
			return resolvedSlot{}, errorf(KindInvalidRequest, op, "date is required with a slot token")
		}
		return resolvedSlot{providerID: providerID, clock: &clock, day: req.Date}, nil
	}

	providerID := strings.TrimSpace(req.ProviderID)
	if providerID == "" {
		return resolvedSlot{}, errorf(KindInvalidRequest, op, "provider_id or token is required")
	}
	if req.Start.IsZero() {
		return resolvedSlot{}, errorf(KindInvalidRequest, op, "start is required without a slot token")
	}
	return resolvedSlot{providerID: providerID, start: req.Start}, nil
}

// fingerprint identifies the request an idempotency key was first used with.
func fingerprint(slot resolvedSlot, req BookRequest) string {
	when := req.Start.UTC().Format(time.RFC3339)
	if slot.clock != nil {
		when = req.Date.Format(time.DateOnly) + "T" + slot.clock.String()
	}
	sum := blake2b.Sum256([]byte(strings.Join([]string{
		slot.providerID,
		when,
		strings.TrimSpace(req.SubjectID),
		strings.TrimSpace(req.Reason),
	}, "\x00")))
	return hex.EncodeToString(sum[:])
}

// Book reserves a slot. The overlap check and the insert run under the provider's lock in one
// transaction, so of two overlapping attempts exactly one succeeds and the other gets
// ErrSlotTaken. Failures leave no reservation, outbox event or idempotency claim behind.
func (s *Service) Book(ctx context.Context, req BookRequest) (Booking, error) {
	started := time.Now()
	slot, err := s.resolve(req)
	if err != nil {
		s.metrics.ObserveBooking(string(KindOf(err)), time.Since(started))
		return Booking{}, err
	}

	ctx, span := s.tracer.Start(ctx, "booking.book", trace.WithAttributes(attribute.String("provider.id", slot.providerID)))
	defer span.End()

	result, err := s.book(ctx, slot, req)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = string(KindOf(err))
		endSpan(span, err)
	case result.Replayed:
		outcome = "replayed"
	}
	s.metrics.ObserveBooking(outcome, time.Since(started))

	switch KindOf(err) {
	case "":
		s.logger.Info("reservation booked", "reservation_id", result.ID, "provider_id", result.ProviderID, "start", result.Start, "replayed", result.Replayed)
	case KindPersistence:
		s.logger.Error("booking failed", "provider_id", slot.providerID, "err", err)
	default:
		s.logger.Debug("booking rejected", "provider_id", slot.providerID, "kind", KindOf(err), "err", err)
	}
	return result, err
}

func (s *Service) book(ctx context.Context, slot resolvedSlot, req BookRequest) (Booking, error) {
	const op = "book"
	unlock, err := s.locks.Lock(ctx, slot.providerID)
	if err != nil {
		return Booking{}, newError(KindPersistence, op, err)
	}
	defer unlock()

	key := strings.TrimSpace(req.IdempotencyKey)
	var fp string
	if key != "" {
		fp = fingerprint(slot, req)
	}

	var result Booking
	err = s.store.InTx(ctx, slot.providerID, func(ctx context.Context, tx Tx) error {
		if key != "" {
			rec, existed, err := tx.ClaimIdempotencyKey(ctx, key, fp)
			if err != nil {
				return err
			}
			if existed {
				if rec.Fingerprint != fp {
					return errorf(KindInvalidRequest, op, "idempotency key %q was used for a different request", key)
				}
				r, err := tx.ReservationForUpdate(ctx, rec.ReservationID)
				if err != nil {
					return err
				}
				result = Booking{Reservation: r, Replayed: true}
				return nil
			}
		}

		sched, err := tx.ProviderSchedule(ctx, slot.providerID)
		if err != nil {
			return err
		}
		if err := sched.Validate(); err != nil {
			return newError(KindConfigInvalid, op, err)
		}

		start := slot.startIn(sched.Location())
		end := start.Add(sched.SlotDuration())
		lo, hi := sched.WorkingWindow(start)
		if start.Before(lo) || end.After(hi) {
			return errorf(KindOutsideHours, op, "%s-%s is outside %s-%s", start.Format("15:04"), end.Format("15:04"), sched.WorkStart, sched.WorkEnd)
		}

		busy, err := tx.ListOverlapping(ctx, slot.providerID, start, end)
		if err != nil {
			return err
		}
		if len(busy) > 0 {
			return newError(KindSlotTaken, op, nil)
		}

		now := s.now().UTC()
		r := model.Reservation{
			ID:         s.newID(),
			ProviderID: slot.providerID,
			SubjectID:  strings.TrimSpace(req.SubjectID),
			Start:      start,
			End:        end,
			Status:     model.StatusConfirmed,
			Reason:     strings.TrimSpace(req.Reason),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.InsertReservation(ctx, r); err != nil {
			return err
		}
		evt, err := outbox.NewReservationEvent(r, r.Reason, now)
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, evt); err != nil {
			return err
		}
		if key != "" {
			if err := tx.CompleteIdempotencyKey(ctx, key, r.ID); err != nil {
				return err
			}
		}
		result = Booking{Reservation: r}
		return nil
	})
	if err != nil {
		return Booking{}, classify(op, err)
	}
	return result, nil
}

type TransitionRequest struct {
	ReservationID string
	To            model.Status
	Reason        string
}

// Transition moves a reservation along its lifecycle. Asking for the current status is a no-op
// that returns the reservation unchanged.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (model.Reservation, error) {
	const op = "transition"
	id := strings.TrimSpace(req.ReservationID)
	if id == "" {
		return model.Reservation{}, errorf(KindInvalidRequest, op, "reservation_id is required")
	}
	if !req.To.Valid() {
		return model.Reservation{}, errorf(KindInvalidRequest, op, "unknown status %q", req.To)
	}

	ctx, span := s.tracer.Start(ctx, "booking.transition", trace.WithAttributes(
		attribute.String("reservation.id", id),
		attribute.String("reservation.to", string(req.To)),
	))
	defer span.End()

	var out model.Reservation
	err := s.store.InTx(ctx, "", func(ctx context.Context, tx Tx) error {
		r, err := tx.ReservationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if r.Status == req.To {
			out = r
			return nil
		}
		if !model.CanTransition(r.Status, req.To) {
			return errorf(KindInvalidTransition, op, "%s -> %s", r.Status, req.To)
		}

		now := s.now().UTC()
		r.Status = req.To
		r.UpdatedAt = now
		if req.To == model.StatusCancelled {
			r.CancelledAt = &now
			r.CancelReason = strings.TrimSpace(req.Reason)
		}
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return err
		}
		evt, err := outbox.NewReservationEvent(r, strings.TrimSpace(req.Reason), now)
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, evt); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		err = classify(op, err)
		endSpan(span, err)
		s.metrics.ObserveTransition(string(req.To), string(KindOf(err)))
		return model.Reservation{}, err
	}
	s.metrics.ObserveTransition(string(req.To), "ok")
	return out, nil
}

func (s *Service) Cancel(ctx context.Context, reservationID, reason string) (model.Reservation, error) {
	return s.Transition(ctx, TransitionRequest{ReservationID: reservationID, To: model.StatusCancelled, Reason: reason})
}

// Schedule reads the stored schedule, bypassing any cache.
func (s *Service) Schedule(ctx context.Context, providerID string) (model.ProviderSchedule, error) {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return model.ProviderSchedule{}, errorf(KindInvalidRequest, "schedule", "provider_id is required")
	}
	sched, err := s.store.ProviderSchedule(ctx, providerID)
	return sched, classify("schedule", err)
}

// ScheduleUpdate patches a provider's schedule. Nil fields keep the stored value, or the default
// for a provider seen for the first time. A consultation style applies before explicit fields.
type ScheduleUpdate struct {
	ProviderID        string
	WorkStart         *model.ClockTime
	WorkEnd           *model.ClockTime
	SlotMinutes       *int
	BreakMinutes      *int
	Mode              *model.SlotMode
	Timezone          *string
	ConsultationStyle string
	WantsBreaks       *bool
}

func (u ScheduleUpdate) apply(s *model.ProviderSchedule) error {
	if style := strings.TrimSpace(u.ConsultationStyle); style != "" {
		if err := s.ApplyPreset(style, u.WantsBreaks != nil && *u.WantsBreaks); err != nil {
			return err
		}
	} else if u.WantsBreaks != nil {
		s.ApplyBreakPolicy(*u.WantsBreaks)
	}
	if u.WorkStart != nil {
		s.WorkStart = *u.WorkStart
	}
	if u.WorkEnd != nil {
		s.WorkEnd = *u.WorkEnd
	}
	if u.SlotMinutes != nil {
		s.SlotMinutes = *u.SlotMinutes
	}
	if u.BreakMinutes != nil {
		s.BreakMinutes = *u.BreakMinutes
	}
	if u.Mode != nil {
		s.Mode = *u.Mode
	}
	if u.Timezone != nil {
		s.Timezone = strings.TrimSpace(*u.Timezone)
	}
	return nil
}

// UpdateSchedule validates and stores the patched schedule. Invalid results are rejected with
// ErrConfigInvalid and nothing is written.
func (s *Service) UpdateSchedule(ctx context.Context, u ScheduleUpdate) (model.ProviderSchedule, error) {
	const op = "update_schedule"
	providerID := strings.TrimSpace(u.ProviderID)
	if providerID == "" {
		return model.ProviderSchedule{}, errorf(KindInvalidRequest, op, "provider_id is required")
	}

	var out model.ProviderSchedule
	err := s.store.InTx(ctx, providerID, func(ctx context.Context, tx Tx) error {
		sched, err := tx.ProviderSchedule(ctx, providerID)
		if errors.Is(err, ErrNotFound) {
			sched, err = model.DefaultSchedule(providerID), nil
		}
		if err != nil {
			return err
		}
		if err := u.apply(&sched); err != nil {
			return newError(KindConfigInvalid, op, err)
		}
		if err := sched.Validate(); err != nil {
			return newError(KindConfigInvalid, op, err)
		}
		sched.UpdatedAt = s.now().UTC()
		if err := tx.UpsertSchedule(ctx, sched); err != nil {
			return err
		}
		evt, err := outbox.NewScheduleEvent(sched)
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, evt); err != nil {
			return err
		}
		out = sched
		return nil
	})
	if err != nil {
		return model.ProviderSchedule{}, classify(op, err)
	}

	if inv, ok := s.schedules.(ScheduleInvalidator); ok {
		if err := inv.Invalidate(ctx, providerID); err != nil {
			s.logger.Warn("schedule cache invalidation failed", "provider_id", providerID, "err", err)
		}
	}
	s.logger.Info("provider schedule updated", "provider_id", providerID, "slot_minutes", out.SlotMinutes, "mode", out.Mode)
	return out, nil
}

// ListProviderReservations returns the provider's calendar ordered by start.
func (s *Service) ListProviderReservations(ctx context.Context, q ReservationQuery) ([]model.Reservation, error) {
	q.ProviderID = strings.TrimSpace(q.ProviderID)
	if q.ProviderID == "" {
		return nil, errorf(KindInvalidRequest, "list_reservations", "provider_id is required")
	}
	q.SubjectID = ""
	return s.list(ctx, q)
}

// ListSubjectReservations returns a patient's active reservations ordered by start.
func (s *Service) ListSubjectReservations(ctx context.Context, subjectID string) ([]model.Reservation, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, errorf(KindInvalidRequest, "list_reservations", "subject_id is required")
	}
	return s.list(ctx, ReservationQuery{SubjectID: subjectID})
}

func (s *Service) list(ctx context.Context, q ReservationQuery) ([]model.Reservation, error) {
	if !q.From.IsZero() && !q.To.IsZero() && !q.From.Before(q.To) {
		return nil, errorf(KindInvalidRequest, "list_reservations", "from must be before to")
	}
	if q.Limit <= 0 {
		q.Limit = DefaultListLimit
	}
	out, err := s.store.ListReservations(ctx, q)
	if err != nil {
		return nil, classify("list_reservations", err)
	}
	slices.SortStableFunc(out, func(a, b model.Reservation) int { return a.Start.Compare(b.Start) })
	return out, nil
}

func endSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(KindOf(err)))
}

package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/booking"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/model"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/outbox"
)

// Memory is a process-local Store for development and tests. Transactions are serialized and
// work on a copy of the state that replaces the original only when fn succeeds.
type Memory struct {
	mu    sync.RWMutex
	state memState
}

type memState struct {
	schedules    map[string]model.ProviderSchedule
	reservations map[string]model.Reservation
	idempotency  map[string]booking.IdempotencyRecord
	events       []outbox.Event
}

func (s memState) clone() memState {
	return memState{
		schedules:    maps.Clone(s.schedules),
		reservations: maps.Clone(s.reservations),
		idempotency:  maps.Clone(s.idempotency),
		events:       slices.Clone(s.events),
	}
}

var _ booking.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{state: memState{
		schedules:    make(map[string]model.ProviderSchedule),
		reservations: make(map[string]model.Reservation),
		idempotency:  make(map[string]booking.IdempotencyRecord),
	}}
}

func (m *Memory) ProviderSchedule(ctx context.Context, providerID string) (model.ProviderSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.schedule(providerID)
}

func (m *Memory) ListReservations(ctx context.Context, q booking.ReservationQuery) ([]model.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Reservation
	for _, r := range m.state.reservations {
		if matches(r, q) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b model.Reservation) int { return a.Start.Compare(b.Start) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matches(r model.Reservation, q booking.ReservationQuery) bool {
	switch {
	case q.ProviderID != "" && r.ProviderID != q.ProviderID:
		return false
	case q.SubjectID != "" && r.SubjectID != q.SubjectID:
		return false
	case !q.IncludeCancelled && !r.Status.Occupies():
		return false
	case !q.From.IsZero() && !r.End.After(q.From):
		return false
	case !q.To.IsZero() && !r.Start.Before(q.To):
		return false
	}
	return true
}

// InTx ignores lockKey: every Memory transaction already runs alone.
func (m *Memory) InTx(ctx context.Context, lockKey string, fn func(ctx context.Context, tx booking.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{state: m.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

// PutSchedule stores s without validation, the way a hand-edited row would look.
func (m *Memory) PutSchedule(s model.ProviderSchedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.schedules[s.ProviderID] = s
}

// Events returns the outbox events committed so far.
func (m *Memory) Events() []outbox.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.state.events)
}

func (s memState) schedule(providerID string) (model.ProviderSchedule, error) {
	sched, ok := s.schedules[providerID]
	if !ok {
		return model.ProviderSchedule{}, fmt.Errorf("provider %q: %w", providerID, booking.ErrNotFound)
	}
	return sched, nil
}

type memTx struct {
	state memState
}

func (t *memTx) ProviderSchedule(ctx context.Context, providerID string) (model.ProviderSchedule, error) {
	return t.state.schedule(providerID)
}

func (t *memTx) UpsertSchedule(ctx context.Context, s model.ProviderSchedule) error {
	t.state.schedules[s.ProviderID] = s
	return nil
}

func (t *memTx) ListOverlapping(ctx context.Context, providerID string, start, end time.Time) ([]model.Reservation, error) {
	var out []model.Reservation
	for _, r := range t.state.reservations {
		if r.ProviderID == providerID && r.Status.Occupies() && r.Overlaps(start, end) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b model.Reservation) int { return a.Start.Compare(b.Start) })
	return out, nil
}

func (t *memTx) InsertReservation(ctx context.Context, r model.Reservation) error {
	if _, ok := t.state.schedules[r.ProviderID]; !ok {
		return fmt.Errorf("provider %q: %w", r.ProviderID, booking.ErrNotFound)
	}
	if _, ok := t.state.reservations[r.ID]; ok {
		return fmt.Errorf("reservation %s already exists", r.ID)
	}
	if r.Status.Occupies() {
		busy, _ := t.ListOverlapping(ctx, r.ProviderID, r.Start, r.End)
		if len(busy) > 0 {
			return booking.ErrSlotTaken
		}
	}
	t.state.reservations[r.ID] = r
	return nil
}

func (t *memTx) ReservationForUpdate(ctx context.Context, id string) (model.Reservation, error) {
	r, ok := t.state.reservations[id]
	if !ok {
		return model.Reservation{}, fmt.Errorf("reservation %q: %w", id, booking.ErrNotFound)
	}
	return r, nil
}

func (t *memTx) UpdateReservation(ctx context.Context, r model.Reservation) error {
	prev, ok := t.state.reservations[r.ID]
	if !ok {
		return fmt.Errorf("reservation %q: %w", r.ID, booking.ErrNotFound)
	}
	if r.Status.Occupies() && !prev.Status.Occupies() {
		for _, other := range t.state.reservations {
			if other.ID != r.ID && other.ProviderID == r.ProviderID && other.Status.Occupies() && other.Overlaps(r.Start, r.End) {
				return booking.ErrSlotTaken
			}
		}
	}
	t.state.reservations[r.ID] = r
	return nil
}

func (t *memTx) ClaimIdempotencyKey(ctx context.Context, key, fingerprint string) (booking.IdempotencyRecord, bool, error) {
	if rec, ok := t.state.idempotency[key]; ok {
		return rec, true, nil
	}
	rec := booking.IdempotencyRecord{Key: key, Fingerprint: fingerprint}
	t.state.idempotency[key] = rec
	return rec, false, nil
}

func (t *memTx) CompleteIdempotencyKey(ctx context.Context, key, reservationID string) error {
	rec, ok := t.state.idempotency[key]
	if !ok {
		return fmt.Errorf("idempotency key %q was not claimed", key)
	}
	rec.ReservationID = reservationID
	t.state.idempotency[key] = rec
	return nil
}

func (t *memTx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	t.state.events = append(t.state.events, evt)
	return nil
}

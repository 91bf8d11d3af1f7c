package booking_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/booking"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/model"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/outbox"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/storage"
)

var day = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

func clockAt(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newService(t *testing.T, opts ...booking.Option) (*booking.Service, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory()
	opts = append([]booking.Option{booking.WithClock(clockAt(day))}, opts...)
	svc := booking.NewService(mem, opts...)
	_, err := svc.UpdateSchedule(context.Background(), booking.ScheduleUpdate{ProviderID: "P1"})
	require.NoError(t, err)
	return svc, mem
}

func intPtr(v int) *int { return &v }

func TestBook_SecondBookingOfSameWindowIsTaken(t *testing.T) {
	ctx := context.Background()
	svc, mem := newService(t)

	first, err := svc.Book(ctx, booking.BookRequest{Token: "P1_1000", Date: day, SubjectID: "patient-1"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, first.Status)
	assert.True(t, first.Start.Equal(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)))
	assert.True(t, first.End.Equal(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)))
	assert.False(t, first.Replayed)

	_, err = svc.Book(ctx, booking.BookRequest{Token: "P1_1000", Date: day, SubjectID: "patient-2"})
	require.ErrorIs(t, err, booking.ErrSlotTaken)
	assert.Equal(t, booking.KindSlotTaken, booking.KindOf(err))

	var confirmed int
	for _, evt := range mem.Events() {
		if evt.EventType == outbox.ReservationEventType(model.StatusConfirmed) {
			confirmed++
			assert.Equal(t, first.ID, evt.AggregateID)
		}
	}
	assert.Equal(t, 1, confirmed)
}

func TestBook_PartialOverlapIsTaken(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, err := svc.Book(ctx, booking.BookRequest{ProviderID: "P1", Start: time.Date(2024, 1, 15, 10, 15, 0, 0, time.UTC), SubjectID: "a"})
	require.NoError(t, err)

	_, err = svc.Book(ctx, booking.BookRequest{Token: "P1_1000", Date: day, SubjectID: "b"})
	require.ErrorIs(t, err, booking.ErrSlotTaken)

	// 10:45 starts exactly when the 10:15 booking ends.
	_, err = svc.Book(ctx, booking.BookRequest{Token: "P1_1045", Date: day, SubjectID: "b"})
	require.NoError(t, err)
}

func TestBook_ConcurrentAttemptsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	const attempts = 32
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		taken  int
		others []error
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Book(ctx, booking.BookRequest{Token: "P1_1400", Date: day, SubjectID: "racer"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, booking.ErrSlotTaken):
				taken++
			default:
				others = append(others, err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, others)
	assert.Equal(t, 1, wins)
	assert.Equal(t, attempts-1, taken)

	rs, err := svc.ListProviderReservations(ctx, booking.ReservationQuery{ProviderID: "P1"})
	require.NoError(t, err)
	assert.Len(t, rs, 1)
}

func TestBook_CallerErrors(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	tests := []struct {
		name string
		req  booking.BookRequest
		want error
	}{
		{"unknown provider", booking.BookRequest{Token: "nobody_1000", Date: day, SubjectID: "s"}, booking.ErrNotFound},
		{"bad suffix", booking.BookRequest{Token: "P1_10:00", Date: day, SubjectID: "s"}, booking.ErrMalformedToken},
		{"hour out of range", booking.BookRequest{Token: "P1_2460", Date: day, SubjectID: "s"}, booking.ErrMalformedToken},
		{"no separator", booking.BookRequest{Token: "P11000", Date: day, SubjectID: "s"}, booking.ErrMalformedToken},
		{"missing subject", booking.BookRequest{Token: "P1_1000", Date: day}, booking.ErrInvalidRequest},
		{"missing provider", booking.BookRequest{Start: day.Add(10 * time.Hour), SubjectID: "s"}, booking.ErrInvalidRequest},
		{"token without date", booking.BookRequest{Token: "P1_1000", SubjectID: "s"}, booking.ErrInvalidRequest},
		{"token for another provider", booking.BookRequest{Token: "P1_1000", ProviderID: "P2", Date: day, SubjectID: "s"}, booking.ErrInvalidRequest},
		{"overruns working hours", booking.BookRequest{Token: "P1_1645", Date: day, SubjectID: "s"}, booking.ErrOutsideHours},
		{"before working hours", booking.BookRequest{Token: "P1_0830", Date: day, SubjectID: "s"}, booking.ErrOutsideHours},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Book(ctx, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestBook_EndFollowsCurrentSlotDuration(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	slots, err := svc.GetSlots(ctx, booking.GetSlotsRequest{ProviderID: "P1", Date: day})
	require.NoError(t, err)
	require.NotEmpty(t, slots)
	assert.Equal(t, 30*time.Minute, slots[0].End.Sub(slots[0].Start))

	_, err = svc.UpdateSchedule(ctx, booking.ScheduleUpdate{ProviderID: "P1", SlotMinutes: intPtr(45)})
	require.NoError(t, err)

	res, err := svc.Book(ctx, booking.BookRequest{Token: slots[2].Token, Date: day, SubjectID: "s"})
	require.NoError(t, err)
	assert.True(t, res.Start.Equal(slots[2].Start))
	assert.Equal(t, 45*time.Minute, res.End.Sub(res.Start))
}

func TestBook_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	svc, mem := newService(t)

	req := booking.BookRequest{Token: "P1_0900", Date: day, SubjectID: "s", Reason: "checkup", IdempotencyKey: "key-1"}
	first, err := svc.Book(ctx, req)
	require.NoError(t, err)

	again, err := svc.Book(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.ID, again.ID)

	other := req
	other.Token = "P1_0930"
	_, err = svc.Book(ctx, other)
	require.ErrorIs(t, err, booking.ErrInvalidRequest)

	assert.Len(t, mem.Events(), 2) // schedule update and one confirmation
}

type failingStore struct {
	*storage.Memory
}

func (f failingStore) InTx(ctx context.Context, key string, fn func(context.Context, booking.Tx) error) error {
	return f.Memory.InTx(ctx, key, func(ctx context.Context, tx booking.Tx) error {
		return fn(ctx, failingTx{Tx: tx})
	})
}

type failingTx struct {
	booking.Tx
}

func (failingTx) AppendEvent(context.Context, outbox.Event) error {
	return errors.New("disk full")
}

func TestBook_PersistenceFailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	_, mem := newService(t)
	broken := booking.NewService(failingStore{mem}, booking.WithClock(clockAt(day)))

	_, err := broken.Book(ctx, booking.BookRequest{Token: "P1_1100", Date: day, SubjectID: "s", IdempotencyKey: "k"})
	require.ErrorIs(t, err, booking.ErrPersistence)
	assert.NotErrorIs(t, err, booking.ErrSlotTaken)

	rs, err := mem.ListReservations(ctx, booking.ReservationQuery{ProviderID: "P1", IncludeCancelled: true})
	require.NoError(t, err)
	assert.Empty(t, rs)

	healthy := booking.NewService(mem, booking.WithClock(clockAt(day)))
	res, err := healthy.Book(ctx, booking.BookRequest{Token: "P1_1100", Date: day, SubjectID: "s", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}

func TestBook_CancelledTimeoutLeavesNothing(t *testing.T) {
	svc, mem := newService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Book(ctx, booking.BookRequest{Token: "P1_1000", Date: day, SubjectID: "s"})
	require.ErrorIs(t, err, booking.ErrPersistence)

	rs, err := mem.ListReservations(context.Background(), booking.ReservationQuery{ProviderID: "P1"})
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestGetSlots(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	slots, err := svc.GetSlots(ctx, booking.GetSlotsRequest{ProviderID: "P1", Date: day})
	require.NoError(t, err)
	require.Len(t, slots, 16)
	assert.Equal(t, "P1_0900", slots[0].Token)
	assert.Equal(t, "09:00 AM", slots[0].DisplayTime)
	assert.Equal(t, "P1_1630", slots[15].Token)
	assert.Equal(t, "04:30 PM", slots[15].DisplayTime)

	_, err = svc.Book(ctx, booking.BookRequest{Token: "P1_1000", Date: day, SubjectID: "s"})
	require.NoError(t, err)

	slots, err = svc.GetSlots(ctx, booking.GetSlotsRequest{ProviderID: "P1", Date: day})
	require.NoError(t, err)
	require.Len(t, slots, 15)
	for _, s := range slots {
		assert.NotEqual(t, "P1_1000", s.Token)
	}
}

func TestGetSlots_HidesStartedSlots(t *testing.T) {
	svc, _ := newService(t, booking.WithClock(clockAt(time.Date(2024, 1, 15, 10, 5, 0, 0, time.UTC))))

	slots, err := svc.GetSlots(context.Background(), booking.GetSlotsRequest{ProviderID: "P1", Date: day})
	require.NoError(t, err)
	require.NotEmpty(t, slots)
	assert.Equal(t, "P1_1030", slots[0].Token)
}

func TestGetSlots_RepeatedHourOffersOneBookableToken(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	zone, mode := "America/New_York", model.SlotModeContinuous
	_, err := svc.UpdateSchedule(ctx, booking.ScheduleUpdate{
		ProviderID:  "P1",
		WorkStart:   &model.ClockTime{Hour: 0},
		WorkEnd:     &model.ClockTime{Hour: 3},
		SlotMinutes: intPtr(60),
		Mode:        &mode,
		Timezone:    &zone,
	})
	require.NoError(t, err)

	fallBack := time.Date(2024, 11, 3, 0, 0, 0, 0, time.UTC)
	slots, err := svc.GetSlots(ctx, booking.GetSlotsRequest{ProviderID: "P1", Date: fallBack})
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, s := range slots {
		assert.False(t, seen[s.Token], "token %s offered twice", s.Token)
		seen[s.Token] = true
	}
	assert.True(t, seen["P1_0000"])
	assert.True(t, seen["P1_0100"])
	assert.True(t, seen["P1_0200"])

	for _, s := range slots {
		b, err := svc.Book(ctx, booking.BookRequest{Token: s.Token, Date: fallBack, SubjectID: "s"})
		require.NoError(t, err, "token %s", s.Token)
		assert.True(t, b.Start.Equal(s.Start), "token %s booked %s, listed %s", s.Token, b.Start, s.Start)
	}
}

func TestGetSlots_InvalidStoredScheduleIsEmpty(t *testing.T) {
	svc, mem := newService(t)
	mem.PutSchedule(model.ProviderSchedule{
		ProviderID:  "broken",
		WorkStart:   model.ClockTime{Hour: 17},
		WorkEnd:     model.ClockTime{Hour: 9},
		SlotMinutes: 30,
		Mode:        model.SlotModeContinuous,
	})

	slots, err := svc.GetSlots(context.Background(), booking.GetSlotsRequest{ProviderID: "broken", Date: day})
	require.NoError(t, err)
	assert.Empty(t, slots)

	_, err = svc.Book(context.Background(), booking.BookRequest{Token: "broken_1000", Date: day, SubjectID: "s"})
	require.ErrorIs(t, err, booking.ErrConfigInvalid)
}

func TestGetSlots_Errors(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.GetSlots(context.Background(), booking.GetSlotsRequest{ProviderID: "missing", Date: day})
	require.ErrorIs(t, err, booking.ErrNotFound)

	_, err = svc.GetSlots(context.Background(), booking.GetSlotsRequest{Date: day})
	require.ErrorIs(t, err, booking.ErrInvalidRequest)
}

func TestTransition(t *testing.T) {
	ctx := context.Background()
	svc, mem := newService(t)

	res, err := svc.Book(ctx, booking.BookRequest{Token: "P1_1000", Date: day, SubjectID: "s"})
	require.NoError(t, err)

	same, err := svc.Transition(ctx, booking.TransitionRequest{ReservationID: res.ID, To: model.StatusConfirmed})
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, same.Status)

	done, err := svc.Transition(ctx, booking.TransitionRequest{ReservationID: res.ID, To: model.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)

	_, err = svc.Cancel(ctx, res.ID, "too late")
	require.ErrorIs(t, err, booking.ErrInvalidTransition)

	_, err = svc.Transition(ctx, booking.TransitionRequest{ReservationID: "nope", To: model.StatusCancelled})
	require.ErrorIs(t, err, booking.ErrNotFound)

	_, err = svc.Transition(ctx, booking.TransitionRequest{ReservationID: res.ID, To: "archived"})
	require.ErrorIs(t, err, booking.ErrInvalidRequest)

	events := mem.Events()
	assert.Equal(t, outbox.ReservationEventType(model.StatusCompleted), events[len(events)-1].EventType)
}

func TestCancel_FreesSlot(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	res, err := svc.Book(ctx, booking.BookRequest{Token: "P1_1000", Date: day, SubjectID: "s"})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, res.ID, "patient called")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, "patient called", cancelled.CancelReason)

	_, err = svc.Book(ctx, booking.BookRequest{Token: "P1_1000", Date: day, SubjectID: "other"})
	require.NoError(t, err)

	mine, err := svc.ListSubjectReservations(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, mine)

	all, err := svc.ListProviderReservations(ctx, booking.ReservationQuery{ProviderID: "P1", IncludeCancelled: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpdateSchedule(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	wants := true
	sched, err := svc.UpdateSchedule(ctx, booking.ScheduleUpdate{ProviderID: "P2", ConsultationStyle: "detailed", WantsBreaks: &wants})
	require.NoError(t, err)
	assert.Equal(t, 45, sched.SlotMinutes)
	assert.Equal(t, 10, sched.BreakMinutes)
	assert.Equal(t, model.SlotModeInterleaved, sched.Mode)
	assert.Equal(t, model.ClockTime{Hour: 9}, sched.WorkStart)

	end := model.ClockTime{Hour: 8}
	_, err = svc.UpdateSchedule(ctx, booking.ScheduleUpdate{ProviderID: "P2", WorkEnd: &end})
	require.ErrorIs(t, err, booking.ErrConfigInvalid)

	_, err = svc.UpdateSchedule(ctx, booking.ScheduleUpdate{ProviderID: "P2", ConsultationStyle: "marathon"})
	require.ErrorIs(t, err, booking.ErrConfigInvalid)

	stored, err := svc.Schedule(ctx, "P2")
	require.NoError(t, err)
	assert.Equal(t, 45, stored.SlotMinutes)
	assert.Equal(t, model.ClockTime{Hour: 17}, stored.WorkEnd)
}

type countingReader struct {
	booking.ScheduleReader
	invalidated []string
}

func (c *countingReader) Invalidate(_ context.Context, providerID string) error {
	c.invalidated = append(c.invalidated, providerID)
	return nil
}

func TestUpdateSchedule_InvalidatesCache(t *testing.T) {
	mem := storage.NewMemory()
	cache := &countingReader{ScheduleReader: mem}
	svc := booking.NewService(mem, booking.WithScheduleReader(cache))

	_, err := svc.UpdateSchedule(context.Background(), booking.ScheduleUpdate{ProviderID: "P9"})
	require.NoError(t, err)
	assert.Equal(t, []string{"P9"}, cache.invalidated)
}

type queryRecorder struct {
	*storage.Memory
	queries []booking.ReservationQuery
}

func (r *queryRecorder) ListReservations(ctx context.Context, q booking.ReservationQuery) ([]model.Reservation, error) {
	r.queries = append(r.queries, q)
	return r.Memory.ListReservations(ctx, q)
}

func TestSlotQueriesReadEveryBusyInterval(t *testing.T) {
	ctx := context.Background()
	rec := &queryRecorder{Memory: storage.NewMemory()}
	svc := booking.NewService(rec, booking.WithClock(clockAt(day)))
	_, err := svc.UpdateSchedule(ctx, booking.ScheduleUpdate{ProviderID: "P1"})
	require.NoError(t, err)

	_, err = svc.GetSlots(ctx, booking.GetSlotsRequest{ProviderID: "P1", Date: day})
	require.NoError(t, err)
	_, err = svc.ListProviderReservations(ctx, booking.ReservationQuery{ProviderID: "P1"})
	require.NoError(t, err)
	_, err = svc.ListProviderReservations(ctx, booking.ReservationQuery{ProviderID: "P1", Limit: 5})
	require.NoError(t, err)

	require.Len(t, rec.queries, 3)
	assert.Zero(t, rec.queries[0].Limit, "slot listing must not truncate busy intervals")
	assert.Equal(t, booking.DefaultListLimit, rec.queries[1].Limit)
	assert.Equal(t, 5, rec.queries[2].Limit)
}

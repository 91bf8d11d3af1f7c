package availability

import (
	"iter"
	"time"

	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/model"
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two half-open intervals share any instant. Touching endpoints
// do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && i.End.After(o.Start)
}

// Generate yields the candidate slots of s on the calendar day of date, in order.
//
// Slots start at work_start, last SlotMinutes each and are spaced by s.Step(). A slot that
// would run past work_end is never produced. Schedules that cannot produce slots (non-positive
// duration, inverted or malformed hours) yield nothing. The sequence holds no state, so it can
// be ranged over any number of times with identical results.
func Generate(s model.ProviderSchedule, date time.Time) iter.Seq[Interval] {
	return func(yield func(Interval) bool) {
		if s.SlotMinutes <= 0 || !s.WorkStart.Valid() || !s.WorkEnd.Valid() {
			return
		}
		if s.WorkStart.Minutes() >= s.WorkEnd.Minutes() {
			return
		}
		start, end := s.WorkingWindow(date)
		slot, step := s.SlotDuration(), s.Step()
		for t := start; !t.Add(slot).After(end); t = t.Add(step) {
			if !yield(Interval{Start: t, End: t.Add(slot)}) {
				return
			}
		}
	}
}

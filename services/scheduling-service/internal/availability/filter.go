package availability

import (
	"iter"
	"slices"
	"sort"
	"time"

	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/model"
)

// Filter yields the candidates that overlap none of busy. busy may be in any order.
//
// busy is sorted by start once and paired with a running maximum of end times, so each
// candidate costs one binary search: among busy intervals starting before the candidate ends,
// the candidate is blocked iff the latest end among them is after the candidate's start.
func Filter(candidates iter.Seq[Interval], busy []Interval) iter.Seq[Interval] {
	sorted := slices.Clone(busy)
	slices.SortFunc(sorted, func(a, b Interval) int { return a.Start.Compare(b.Start) })
	maxEnd := make([]time.Time, len(sorted))
	for i, b := range sorted {
		maxEnd[i] = b.End
		if i > 0 && maxEnd[i-1].After(b.End) {
			maxEnd[i] = maxEnd[i-1]
		}
	}

	return func(yield func(Interval) bool) {
		for c := range candidates {
			n := sort.Search(len(sorted), func(i int) bool { return !sorted[i].Start.Before(c.End) })
			if n > 0 && maxEnd[n-1].After(c.Start) {
				continue
			}
			if !yield(c) {
				return
			}
		}
	}
}

// BusyFrom converts reservations to busy intervals, dropping those that free their slot.
func BusyFrom(reservations []model.Reservation) []Interval {
	busy := make([]Interval, 0, len(reservations))
	for _, r := range reservations {
		if !r.Status.Occupies() {
			continue
		}
		busy = append(busy, Interval{Start: r.Start, End: r.End})
	}
	return busy
}

// Available is Generate followed by Filter, collected.
func Available(s model.ProviderSchedule, date time.Time, busy []Interval) []Interval {
	return slices.Collect(Filter(Generate(s, date), busy))
}

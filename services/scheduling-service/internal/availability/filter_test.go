package availability

import (
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/model"
)

func TestFilter_HalfOpenScenario(t *testing.T) {
	busy := []Interval{{Start: at(10, 0), End: at(10, 30)}}
	candidates := slices.Values([]Interval{
		{Start: at(9, 30), End: at(10, 0)},
		{Start: at(10, 0), End: at(10, 30)},
		{Start: at(10, 15), End: at(10, 45)},
		{Start: at(10, 30), End: at(11, 0)},
	})

	got := slices.Collect(Filter(candidates, busy))
	if len(got) != 2 {
		t.Fatalf("expected 2 retained candidates, got %d", len(got))
	}
	if !got[0].Start.Equal(at(9, 30)) {
		t.Fatalf("expected 09:30 retained (touches, no overlap), got %s", got[0].Start.Format("15:04"))
	}
	if !got[1].Start.Equal(at(10, 30)) {
		t.Fatalf("expected 10:30 retained, got %s", got[1].Start.Format("15:04"))
	}
}

func TestFilter_UnsortedBusyAndContainment(t *testing.T) {
	busy := []Interval{
		{Start: at(15, 0), End: at(15, 10)},
		{Start: at(9, 0), End: at(12, 0)},
		{Start: at(9, 10), End: at(9, 20)},
	}
	got := Available(schedule("09:00", "16:00", 60, 0, model.SlotModeContinuous), day, busy)
	var starts []string
	for _, w := range got {
		starts = append(starts, w.Start.Format("15:04"))
	}
	want := []string{"12:00", "13:00", "14:00"}
	if !slices.Equal(starts, want) {
		t.Fatalf("expected %v, got %v", want, starts)
	}
}

func TestFilter_MatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		var busy []Interval
		for i := rng.Intn(8); i > 0; i-- {
			start := at(8, 0).Add(time.Duration(rng.Intn(600)) * time.Minute)
			busy = append(busy, Interval{Start: start, End: start.Add(time.Duration(1+rng.Intn(120)) * time.Minute)})
		}
		s := schedule("08:00", "18:00", 5+rng.Intn(60), rng.Intn(20), model.SlotModeInterleaved)

		var want []Interval
		for c := range Generate(s, day) {
			blocked := false
			for _, b := range busy {
				if c.Start.Before(b.End) && c.End.After(b.Start) {
					blocked = true
					break
				}
			}
			if !blocked {
				want = append(want, c)
			}
		}
		if got := Available(s, day, busy); !slices.Equal(got, want) {
			t.Fatalf("round %d: filter disagrees with brute force: got %d, want %d", round, len(got), len(want))
		}
	}
}

func TestBusyFromSkipsCancelled(t *testing.T) {
	busy := BusyFrom([]model.Reservation{
		{Start: at(10, 0), End: at(10, 30), Status: model.StatusConfirmed},
		{Start: at(11, 0), End: at(11, 30), Status: model.StatusCancelled},
		{Start: at(12, 0), End: at(12, 30), Status: model.StatusNoShow},
	})
	if len(busy) != 2 {
		t.Fatalf("expected 2 busy intervals, got %d", len(busy))
	}
}

func TestIntervalOverlaps(t *testing.T) {
	a := Interval{Start: at(10, 0), End: at(10, 30)}
	if a.Overlaps(Interval{Start: at(10, 30), End: at(11, 0)}) {
		t.Fatal("back-to-back intervals must not overlap")
	}
	if !a.Overlaps(Interval{Start: at(10, 29), End: at(11, 0)}) {
		t.Fatal("expected overlap")
	}
}

package overlap

import (
	"math"
	"sort"
	"time"

	"github.com/example/fleetslot/internal/booking/domain"
)

// FreeSlot is a maximal gap with no active booking for a driver and vehicle pair.
type FreeSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s FreeSlot) Duration() time.Duration { return s.End.Sub(s.Start) }

func (s FreeSlot) DurationMinutes() int64 { return int64(s.Duration() / time.Minute) }

// Suggestion is an alternative window of the requested length inside a free slot.
type Suggestion struct {
	Start                  time.Time `json:"start"`
	End                    time.Time `json:"end"`
	RequestedDurationHours float64   `json:"requested_duration_hours"`
	AvailableDurationHours float64   `json:"available_duration_hours"`
}

// sweep returns the complement of the busy windows inside rng. Busy windows may
// overlap each other and may extend past either edge of rng.
func sweep(rng domain.Window, busy []domain.Booking) []FreeSlot {
	ordered := make([]domain.Booking, len(busy))
	copy(ordered, busy)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Window.Start.Before(ordered[j].Window.Start)
	})

	slots := make([]FreeSlot, 0, len(ordered)+1)
	cursor := rng.Start
	for _, b := range ordered {
		if cursor.Before(b.Window.Start) {
			slots = appendSlot(slots, cursor, minTime(b.Window.Start, rng.End))
		}
		if b.Window.End.After(cursor) {
			cursor = b.Window.End
		}
	}
	if cursor.Before(rng.End) {
		slots = appendSlot(slots, cursor, rng.End)
	}
	return slots
}

func appendSlot(slots []FreeSlot, start, end time.Time) []FreeSlot {
	if !start.Before(end) {
		return slots
	}
	return append(slots, FreeSlot{Start: start, End: end})
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func suggestionFrom(slot FreeSlot, requested time.Duration) Suggestion {
	return Suggestion{
		Start:                  slot.Start,
		End:                    slot.Start.Add(requested),
		RequestedDurationHours: roundHours(requested),
		AvailableDurationHours: roundHours(slot.Duration()),
	}
}

func roundHours(d time.Duration) float64 {
	return math.Round(d.Hours()*10) / 10
}

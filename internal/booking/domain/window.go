package domain

import (
	"fmt"
	"time"
)

const displayLayout = "2006-01-02 15:04:05"

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func NewWindow(start, end time.Time) (Window, error) {
	w := Window{Start: start, End: end}
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

// Validate rejects missing bounds and windows whose start is not strictly before end.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidWindow)
	}
	if !w.Start.Before(w.End) {
		return fmt.Errorf("%w: start %s is not before end %s", ErrInvalidWindow, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	return nil
}

// Incomplete reports whether either bound is missing.
func (w Window) Incomplete() bool {
	return w.Start.IsZero() || w.End.IsZero()
}

// Overlaps reports whether the two windows share at least one instant.
// Adjacent windows (one ends when the other starts) do not overlap.
func (w Window) Overlaps(other Window) bool {
	return w.Start.Before(other.End) && other.Start.Before(w.End)
}

func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Widen extends the window by d on both sides.
func (w Window) Widen(d time.Duration) Window {
	return Window{Start: w.Start.Add(-d), End: w.End.Add(d)}
}

func (w Window) String() string {
	return fmt.Sprintf("%s to %s", w.Start.Format(displayLayout), w.End.Format(displayLayout))
}

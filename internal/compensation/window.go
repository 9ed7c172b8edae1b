package compensation

import (
	"fmt"
	"time"
)

// Window is the lookback range [Floor, Now] in which a missed fire time is
// eligible for compensation. It is computed once and never re-read.
type Window struct {
	Location *time.Location
	Floor    time.Time
	Now      time.Time
}

// NewWindow resolves timezone and anchors a window of the given lookback at now.
func NewWindow(timezone string, lookback time.Duration, now time.Time) (Window, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Window{}, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	if lookback <= 0 {
		return Window{}, fmt.Errorf("lookback must be positive, got %s", lookback)
	}

	now = now.In(loc)
	return Window{
		Location: loc,
		Floor:    now.Add(-lookback),
		Now:      now,
	}, nil
}

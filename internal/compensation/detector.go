package compensation

import (
	"time"

	"github.com/djlord-it/cron-catchup/internal/cron"
)

// Detector decides whether a cron trigger missed a fire time inside the
// lookback window.
type Detector struct {
	parser *cron.Parser
	loc    *time.Location
}

// NewDetector evaluates expressions in loc.
func NewDetector(loc *time.Location) *Detector {
	return &Detector{parser: cron.NewParser(), loc: loc}
}

// Missed reports whether expression had a fire time after windowFloor and
// before now that followed lastExecution. A parse failure is returned as an
// error and concerns this expression only.
func (d *Detector) Missed(expression string, lastExecution, windowFloor, now time.Time) (bool, error) {
	sched, err := d.parser.ParseIn(expression, d.loc)
	if err != nil {
		return false, err
	}
	return missed(sched, lastExecution, windowFloor, now), nil
}

func missed(sched cron.Schedule, lastExecution, windowFloor, now time.Time) bool {
	// A run that fired on schedule can still match the expression during the
	// following seconds; step past them before looking for the next fire time.
	last := sched.NextInvalidAfter(lastExecution)
	if last.Before(windowFloor) {
		return false
	}

	next := sched.Next(last)
	for !next.IsZero() && !next.After(windowFloor) {
		next = sched.Next(next)
	}
	if next.IsZero() {
		return false
	}
	return next.Before(now)
}

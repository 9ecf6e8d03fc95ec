package clock

import "time"

// Deadline identifies one of the periodic consumer activities.
type Deadline int

const (
	Switch Deadline = iota
	Status
	Aggregate

	numDeadlines
)

func (d Deadline) String() string {
	switch d {
	case Switch:
		return "switch"
	case Status:
		return "status"
	case Aggregate:
		return "aggregate"
	default:
		return "unknown"
	}
}

// Intervals holds the configured period of each Deadline.
type Intervals [numDeadlines]time.Duration

// Deadlines tracks when each activity last ran. A zero time means the
// activity is due immediately.
//
// Due advances the last-run time by exactly one interval rather than to
// now, so a caller that falls behind catches up with back-to-back ticks
// instead of silently dropping them.
type Deadlines struct {
	clk  Clock
	last [numDeadlines]time.Time
}

// NewDeadlines returns Deadlines that read time from clk.
func NewDeadlines(clk Clock) *Deadlines {
	return &Deadlines{clk: clk}
}

// Due reports whether which should run now given interval, and records the
// run if so.
func (d *Deadlines) Due(which Deadline, interval time.Duration) bool {
	now := d.clk.Now()
	last := d.last[which]

	if last.IsZero() {
		d.last[which] = now

		return true
	}

	if now.Sub(last) < interval {
		return false
	}

	d.last[which] = last.Add(interval)

	return true
}

// Force makes which due on the next check.
func (d *Deadlines) Force(which Deadline) {
	d.last[which] = time.Time{}
}

// Last returns the recorded last-run time of which.
func (d *Deadlines) Last(which Deadline) time.Time {
	return d.last[which]
}

// Earliest returns the soonest next-run time across all activities not
// listed in skip. An activity that has never run contributes the zero
// time, which is always in the past.
func (d *Deadlines) Earliest(intervals Intervals, skip ...Deadline) time.Time {
	var (
		earliest time.Time
		found    bool
	)

	for i := Deadline(0); i < numDeadlines; i++ {
		if skipped(i, skip) {
			continue
		}

		next := time.Time{}
		if !d.last[i].IsZero() {
			next = d.last[i].Add(intervals[i])
		}

		if !found || next.Before(earliest) {
			earliest = next
			found = true
		}
	}

	return earliest
}

func skipped(which Deadline, skip []Deadline) bool {
	for _, s := range skip {
		if s == which {
			return true
		}
	}

	return false
}

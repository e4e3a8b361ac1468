package chatquota

import "time"

// Clock supplies the current time and the calendar-day boundary used for
// daily budget accounting.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// StartOfDay returns the first instant of the accounting day containing t.
	StartOfDay(t time.Time) time.Time
}

// SystemClock is a Clock backed by time.Now, with days bounded by local
// midnight in Location.
type SystemClock struct {
	Location *time.Location
}

var _ Clock = SystemClock{}

// NewSystemClock returns a SystemClock for loc. A nil loc means time.Local.
func NewSystemClock(loc *time.Location) SystemClock {
	if loc == nil {
		loc = time.Local
	}
	return SystemClock{Location: loc}
}

func (c SystemClock) Now() time.Time {
	return time.Now().In(c.location())
}

func (c SystemClock) StartOfDay(t time.Time) time.Time {
	t = t.In(c.location())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.location())
}

func (c SystemClock) location() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

// nextDay returns the start of the accounting day after the one containing t.
// Stepping 36h past the day start lands inside the next day even across DST
// shifts of 23h or 25h days.
func nextDay(c Clock, t time.Time) time.Time {
	return c.StartOfDay(c.StartOfDay(t).Add(36 * time.Hour))
}

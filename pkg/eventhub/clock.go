package eventhub

import "time"

// Clock supplies the current time to everything that stamps rows, so tests
// can substitute a fixed or stepped instant.
type Clock interface {
	Now() time.Time
}

// zoneClock is the production Clock: it renders Now() in loc. Timestamps are
// still persisted as UTC (pgx maps time.Time through time.Time.UTC on the
// wire); loc only affects what business-local time Now() reports before
// storage, matching TIME_ZONE from config.
type zoneClock struct {
	loc *time.Location
}

// NewClock returns a Clock that renders Now() in loc.
func NewClock(loc *time.Location) Clock {
	return zoneClock{loc: loc}
}

func (c zoneClock) Now() time.Time {
	if c.loc == nil {
		return time.Now().UTC()
	}
	return time.Now().In(c.loc)
}

// fixedClock is a Clock that always returns the same instant, for tests.
type fixedClock struct {
	at time.Time
}

func (f fixedClock) Now() time.Time { return f.at }

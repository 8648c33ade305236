package market

import "time"

// Calendar is a Clock for the regular US options session: weekdays
// 09:30 to 16:00 in the exchange timezone. Exchange holidays are not known.
type Calendar struct {
	loc *time.Location
	now func() time.Time
}

// NewCalendar returns a Calendar in loc (UTC when nil).
func NewCalendar(loc *time.Location) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{loc: loc, now: time.Now}
}

// WithNow overrides the wall clock.
func (c *Calendar) WithNow(now func() time.Time) *Calendar {
	c.now = now
	return c
}

func (c *Calendar) Now() time.Time {
	return c.now()
}

// Location is the exchange timezone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

func (c *Calendar) IsMarketOpen(t time.Time) bool {
	local := t.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}

package quota

import "time"

// MarketHours describes the primary trading session. Cadence outside the
// session is widened, not stopped: off-hours data still matters, it just
// is not worth the same share of the daily budget.
type MarketHours struct {
	Location  *time.Location
	OpenHour  int
	OpenMin   int
	CloseHour int
	CloseMin  int
	// OffHoursMultiplier widens the polling interval outside the session.
	OffHoursMultiplier int
}

// DefaultMarketHours returns the US equities session (9:30-16:00 ET) with
// a 3x off-hours widening.
func DefaultMarketHours() MarketHours {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return MarketHours{
		Location:           loc,
		OpenHour:           9,
		OpenMin:            30,
		CloseHour:          16,
		CloseMin:           0,
		OffHoursMultiplier: 3,
	}
}

// InSession reports whether t falls inside the primary session on a
// weekday. Exchange holidays are not modeled; a holiday just polls at the
// in-session cadence, which is a scheduling inefficiency, not an error.
func (h MarketHours) InSession(t time.Time) bool {
	local := t.In(h.Location)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), h.OpenHour, h.OpenMin, 0, 0, h.Location)
	close := time.Date(local.Year(), local.Month(), local.Day(), h.CloseHour, h.CloseMin, 0, 0, h.Location)
	return !local.Before(open) && local.Before(close)
}

// Cadence returns the effective polling interval at t given the in-session
// base interval.
func (h MarketHours) Cadence(base time.Duration, t time.Time) time.Duration {
	if h.InSession(t) {
		return base
	}
	mult := h.OffHoursMultiplier
	if mult < 1 {
		mult = 1
	}
	return base * time.Duration(mult)
}

package quota

import "time"

// Window is a quota measurement bucket.
type Window int

const (
	Hour Window = iota
	Day
)

func (w Window) String() string {
	switch w {
	case Hour:
		return "hourly"
	case Day:
		return "daily"
	default:
		return "unknown"
	}
}

// ParseWindow accepts "hour", "hourly", "day" and "daily".
func ParseWindow(s string) (Window, bool) {
	switch s {
	case "hour", "hourly":
		return Hour, true
	case "day", "daily":
		return Day, true
	}
	return 0, false
}

// windowStart is the start of the window containing t in loc. The hour start
// is taken from the instant, not rebuilt from the wall clock, so in a repeated
// fall-back hour it stays the one t belongs to and start+1h is after t.
// Half-hour zones still reset on the local hour.
func windowStart(t time.Time, w Window, loc *time.Location) time.Time {
	t = t.In(loc)
	if w == Day {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
	return t.Add(-(time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())))
}

// nextBoundary is the first instant after the window containing t.
func nextBoundary(t time.Time, w Window, loc *time.Location) time.Time {
	start := windowStart(t, w, loc)
	if w == Day {
		y, m, d := start.AddDate(0, 0, 1).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
	return start.Add(time.Hour)
}

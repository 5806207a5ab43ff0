package dispatch

import "time"

// Estimate fills the advisory completion fields of p. The estimate is never
// used for control decisions.
//
// Hours is ceil(pending/hourly); days divides by the smaller of a full day at
// the hourly rate and the daily cap. A zero hourly limit leaves the estimate empty.
func Estimate(p Progress, hourly, daily int, now time.Time) Progress {
	p.EstimatedCompletion = time.Time{}
	p.EstimatedHours = 0
	p.EstimatedDays = 0
	if p.Pending == 0 {
		p.EstimatedCompletion = now
		return p
	}
	if hourly <= 0 {
		return p
	}
	p.EstimatedHours = ceilDiv(p.Pending, hourly)
	p.EstimatedCompletion = now.Add(time.Duration(p.EstimatedHours) * time.Hour)
	perDay := hourly * 24
	if daily > 0 && daily < perDay {
		perDay = daily
	}
	if daily > 0 {
		p.EstimatedDays = ceilDiv(p.Pending, perDay)
	}
	return p
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

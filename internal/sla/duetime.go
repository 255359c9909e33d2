package sla

import "time"

// AddServiceDuration walks forward from start until d of working time has
// accumulated and returns the resulting instant. A ticket opened outside the
// daily window starts consuming at the next window open.
func (c *Calendar) AddServiceDuration(start time.Time, d time.Duration) time.Time {
	cur := start.In(c.Location)
	remaining := d
	for remaining > 0 {
		day := c.dayOf(cur)
		if !c.working(day) {
			cur = day.AddDate(0, 0, 1)
			continue
		}
		ws := day.Add(c.DayStart)
		we := day.Add(c.DayEnd)
		if cur.Before(ws) {
			cur = ws
		}
		if !cur.Before(we) {
			cur = day.AddDate(0, 0, 1)
			continue
		}
		avail := we.Sub(cur)
		if avail >= remaining {
			return cur.Add(remaining)
		}
		remaining -= avail
		cur = day.AddDate(0, 0, 1)
	}
	return cur
}

// DueAt converts a service-time allowance into a concrete deadline. Invoked
// once at ticket creation; the result is pinned onto the ticket.
func DueAt(rt ResolutionType, cal *Calendar, start time.Time, allowance time.Duration) time.Time {
	if rt == ResolutionCalendar || cal == nil {
		return start.Add(allowance)
	}
	return cal.AddServiceDuration(start, allowance)
}

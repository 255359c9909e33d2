package sla

import (
	"fmt"
	"math"
	"time"
)

// ResolutionType selects how elapsed service time is counted.
type ResolutionType string

const (
	// ResolutionCalendar counts raw wall-clock time.
	ResolutionCalendar ResolutionType = "calendar"
	// ResolutionBusinessHours counts only time inside the calendar's working windows.
	ResolutionBusinessHours ResolutionType = "business_hours"
)

// Calendar describes a scope's working hours: a single daily window applied
// on the enabled weekdays, in the calendar's timezone. Holidays are local
// midnights that contribute zero regardless of weekday.
type Calendar struct {
	Location *time.Location
	DayStart time.Duration // offset from local midnight
	DayEnd   time.Duration
	Weekdays map[time.Weekday]bool
	Holidays map[time.Time]struct{}
}

// Validate rejects calendars that would make every window empty.
func (c *Calendar) Validate() error {
	if c.Location == nil {
		return fmt.Errorf("%w: calendar has no timezone", ErrInvalidConfig)
	}
	if c.DayEnd <= c.DayStart {
		return fmt.Errorf("%w: daily window end %v not after start %v", ErrInvalidConfig, c.DayEnd, c.DayStart)
	}
	any := false
	for _, ok := range c.Weekdays {
		if ok {
			any = true
			break
		}
	}
	if !any {
		return fmt.Errorf("%w: no working weekdays", ErrInvalidConfig)
	}
	return nil
}

func (c *Calendar) dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.Location)
}

func (c *Calendar) working(day time.Time) bool {
	if !c.Weekdays[day.Weekday()] {
		return false
	}
	_, holiday := c.Holidays[day]
	return !holiday
}

// dayOverlap returns the portion of [from, to] inside day's working window.
func (c *Calendar) dayOverlap(day, from, to time.Time) time.Duration {
	if !c.working(day) {
		return 0
	}
	ws := day.Add(c.DayStart)
	we := day.Add(c.DayEnd)
	if from.Before(ws) {
		from = ws
	}
	if to.After(we) {
		to = we
	}
	if !to.After(from) {
		return 0
	}
	return to.Sub(from)
}

// ServiceDuration returns the working time between start and end. Partial
// first and last days are clipped against the daily window; whole days in
// between are counted analytically so long intervals do not iterate per day.
func (c *Calendar) ServiceDuration(start, end time.Time) time.Duration {
	if end.Before(start) {
		start, end = end, start
	}
	start = start.In(c.Location)
	end = end.In(c.Location)
	startDay := c.dayOf(start)
	endDay := c.dayOf(end)
	if startDay.Equal(endDay) {
		return c.dayOverlap(startDay, start, end)
	}
	total := c.dayOverlap(startDay, start, startDay.Add(c.DayEnd))
	total += c.dayOverlap(endDay, endDay.Add(c.DayStart), end)
	first := startDay.AddDate(0, 0, 1)
	last := endDay.AddDate(0, 0, -1)
	if !first.After(last) {
		window := c.DayEnd - c.DayStart
		total += time.Duration(c.workingDays(first, last)) * window
	}
	return total
}

// workingDays counts enabled, non-holiday weekdays in [first, last], both
// local midnights inclusive. The per-weekday count is arithmetic; only the
// holiday set is scanned.
func (c *Calendar) workingDays(first, last time.Time) int {
	// Rounding absorbs DST offsets when dividing by 24h.
	n := int(math.Round(last.Sub(first).Hours()/24)) + 1
	if n <= 0 {
		return 0
	}
	enabled := 0
	for _, ok := range c.Weekdays {
		if ok {
			enabled++
		}
	}
	count := (n / 7) * enabled
	w0 := int(first.Weekday())
	for i := 0; i < n%7; i++ {
		if c.Weekdays[time.Weekday((w0+i)%7)] {
			count++
		}
	}
	for h := range c.Holidays {
		if !h.Before(first) && !h.After(last) && c.Weekdays[h.Weekday()] {
			count--
		}
	}
	return count
}

// Elapsed returns the service time between a and b under the given resolution
// type. Calendar mode ignores the business calendar entirely.
func Elapsed(rt ResolutionType, cal *Calendar, a, b time.Time) time.Duration {
	if rt == ResolutionCalendar || cal == nil {
		return b.Sub(a)
	}
	return cal.ServiceDuration(a, b)
}

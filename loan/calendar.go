/*
calendar.go - Working-day and holiday shifting policy

PURPOSE:
  The engine never computes holidays itself; it consumes a WorkingCalendar
  as a policy function. Schedule regeneration and overdue-charge dates are
  shifted to the next working day when they land on a non-working day or a
  holiday.

DEFAULTS:
  DefaultCalendar() treats every day as working with no holidays, so tests
  and products without calendar rules see dates pass through unchanged.
*/
package loan

import "time"

// =============================================================================
// WORKING CALENDAR
// =============================================================================

type WorkingCalendar struct {
	// WorkingDays indexes by time.Weekday; false marks a non-working day.
	WorkingDays [7]bool

	// Holidays maps a holiday date to its configured rescheduled-to date.
	// A zero value means "shift to next working day".
	Holidays map[DateOf]DateOf
}

// DefaultCalendar treats all days as working days.
func DefaultCalendar() WorkingCalendar {
	var c WorkingCalendar
	for d := time.Sunday; d <= time.Saturday; d++ {
		c.WorkingDays[d] = true
	}
	return c
}

// BusinessWeekCalendar marks Saturday and Sunday non-working.
func BusinessWeekCalendar() WorkingCalendar {
	c := DefaultCalendar()
	c.WorkingDays[time.Saturday] = false
	c.WorkingDays[time.Sunday] = false
	return c
}

func (c WorkingCalendar) IsWorkingDay(d DateOf) bool {
	if !c.WorkingDays[d.Weekday()] {
		return false
	}
	_, holiday := c.Holidays[d]
	return !holiday
}

// ShiftToWorkingDay applies the next-working-day policy. A holiday with a
// configured rescheduled-to date moves there first, then shifts again if
// that date is itself non-working. Bounded to a year of probing so a fully
// non-working calendar cannot loop forever.
func (c WorkingCalendar) ShiftToWorkingDay(d DateOf) DateOf {
	if target, ok := c.Holidays[d]; ok && !target.IsZero() {
		d = target
	}
	for i := 0; i < 366; i++ {
		if c.IsWorkingDay(d) {
			return d
		}
		d = d.AddDays(1)
	}
	return d
}

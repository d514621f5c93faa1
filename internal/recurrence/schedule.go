package recurrence

import "time"

// anchorDay is the day of month installments aim for.
func (d Definition) anchorDay() int {
	if d.DueDay != nil {
		return *d.DueDay
	}
	return d.StartDate.Day()
}

func (d Definition) stepDays() int {
	switch d.Frequency {
	case FrequencyWeekly:
		return 7
	case FrequencyBiweekly:
		return 14
	default:
		return 0
	}
}

// FirstDueOnOrAfter returns the earliest due date that is not before cursor
// nor before the definition's start date.
func (d Definition) FirstDueOnOrAfter(cursor time.Time) time.Time {
	start := DateOf(d.StartDate)
	cursor = DateOf(cursor)
	if cursor.Before(start) {
		cursor = start
	}

	switch d.Frequency {
	case FrequencyWeekly, FrequencyBiweekly:
		step := d.stepDays()
		offset := daysBetween(start, cursor)
		if rem := offset % step; rem != 0 {
			offset += step - rem
		}
		return start.AddDate(0, 0, offset)
	case FrequencyYearly:
		candidate := clampedDate(cursor.Year(), start.Month(), d.anchorDay())
		if candidate.Before(cursor) {
			candidate = clampedDate(cursor.Year()+1, start.Month(), d.anchorDay())
		}
		return candidate
	default:
		candidate := clampedDate(cursor.Year(), cursor.Month(), d.anchorDay())
		if candidate.Before(cursor) {
			y, m := addMonths(cursor.Year(), cursor.Month(), 1)
			candidate = clampedDate(y, m, d.anchorDay())
		}
		return candidate
	}
}

// NextDueAfter returns the due date following due. Monthly and yearly dates
// are always recomputed from the anchor day, so a clamp in a short month does
// not drift later dates.
func (d Definition) NextDueAfter(due time.Time) time.Time {
	due = DateOf(due)
	switch d.Frequency {
	case FrequencyWeekly, FrequencyBiweekly:
		return due.AddDate(0, 0, d.stepDays())
	case FrequencyYearly:
		return clampedDate(due.Year()+1, DateOf(d.StartDate).Month(), d.anchorDay())
	default:
		y, m := addMonths(due.Year(), due.Month(), 1)
		return clampedDate(y, m, d.anchorDay())
	}
}

// DueDatesThrough lists due dates from the first on/after cursor up to and
// including limit.
func (d Definition) DueDatesThrough(cursor, limit time.Time) []time.Time {
	limit = DateOf(limit)
	var out []time.Time
	for due := d.FirstDueOnOrAfter(cursor); !due.After(limit); due = d.NextDueAfter(due) {
		out = append(out, due)
	}
	return out
}

// clampedDate builds year-month-day, pulling day back to the month's last day
// when the month is shorter (31 -> 30, 29 Feb -> 28 Feb).
func clampedDate(year int, month time.Month, day int) time.Time {
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func addMonths(year int, month time.Month, n int) (int, time.Month) {
	t := time.Date(year, month+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	return t.Year(), t.Month()
}

func daysBetween(a, b time.Time) int {
	return int(DateOf(b).Sub(DateOf(a)).Hours() / 24)
}

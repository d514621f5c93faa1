package availability

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/odonto-platform/internal/validation"
)

var (
	// ErrInvalidTemplate is returned when a weekly template breaks its invariants.
	ErrInvalidTemplate = errors.New("availability: invalid template")
	// ErrInvalidRange is returned when a requested date range is reversed or too long.
	ErrInvalidRange = errors.New("availability: invalid range")
)

// TimeOfDay is a wall clock time expressed as minutes after midnight.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM" (24h) into a TimeOfDay.
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	raw = strings.TrimSpace(raw)
	// Postgres renders TIME as HH:MM:SS.
	if len(raw) == 8 && strings.HasSuffix(raw, ":00") {
		raw = raw[:5]
	}
	hh, mm, ok := strings.Cut(raw, ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return 0, fmt.Errorf("availability: time %q must be HH:MM", raw)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("availability: invalid hour in %q", raw)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("availability: invalid minute in %q", raw)
	}
	return TimeOfDay(h*60 + m), nil
}

// MustTimeOfDay is ParseTimeOfDay for literals.
func MustTimeOfDay(raw string) TimeOfDay {
	t, err := ParseTimeOfDay(raw)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// On places the wall clock time on the given calendar date in loc.
func (t TimeOfDay) On(date time.Time, loc *time.Location) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, loc)
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("availability: time must be a string: %w", err)
	}
	parsed, err := ParseTimeOfDay(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// DayTemplate is one row of a professional's weekly availability.
type DayTemplate struct {
	Weekday             time.Weekday `json:"weekday" validate:"min=0,max=6"`
	Active              bool         `json:"active"`
	Start               TimeOfDay    `json:"start_time"`
	End                 TimeOfDay    `json:"end_time"`
	LunchStart          *TimeOfDay   `json:"lunch_start,omitempty"`
	LunchEnd            *TimeOfDay   `json:"lunch_end,omitempty"`
	SlotDurationMinutes int          `json:"slot_duration_minutes" validate:"gt=0,max=1440,multiple5"`
}

// HasLunch reports whether the day carries a lunch window.
func (d DayTemplate) HasLunch() bool {
	return d.LunchStart != nil && d.LunchEnd != nil
}

// Validate checks the per-day invariants.
func (d DayTemplate) Validate() error {
	if err := validation.Struct(d); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrInvalidTemplate, d.Weekday, validation.Format(err))
	}
	if d.Active && d.Start >= d.End {
		return fmt.Errorf("%w: %s: start_time must be before end_time", ErrInvalidTemplate, d.Weekday)
	}
	if (d.LunchStart == nil) != (d.LunchEnd == nil) {
		return fmt.Errorf("%w: %s: lunch_start and lunch_end must be set together", ErrInvalidTemplate, d.Weekday)
	}
	if d.HasLunch() {
		ls, le := *d.LunchStart, *d.LunchEnd
		if ls < d.Start || ls >= le || le > d.End {
			return fmt.Errorf("%w: %s: lunch window must sit inside working hours", ErrInvalidTemplate, d.Weekday)
		}
	}
	return nil
}

// WeeklyTemplate is the full set of day rows for one professional.
type WeeklyTemplate struct {
	ProfessionalID string        `json:"professional_id"`
	Days           []DayTemplate `json:"days"`
}

// Day returns the row for weekday, if any.
func (w WeeklyTemplate) Day(weekday time.Weekday) (DayTemplate, bool) {
	for _, d := range w.Days {
		if d.Weekday == weekday {
			return d, true
		}
	}
	return DayTemplate{}, false
}

// Validate checks every day and rejects duplicate weekdays.
func (w WeeklyTemplate) Validate() error {
	seen := make(map[time.Weekday]bool, len(w.Days))
	for _, d := range w.Days {
		if seen[d.Weekday] {
			return fmt.Errorf("%w: weekday %d listed twice", ErrInvalidTemplate, d.Weekday)
		}
		seen[d.Weekday] = true
		if err := d.Validate(); err != nil {
			return err
		}
	}
	return nil
}

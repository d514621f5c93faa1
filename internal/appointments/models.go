// Package appointments exposes the read side of the clinic's appointment book.
// Booking itself lives elsewhere; the scheduling core only needs to know which
// time ranges are occupied.
package appointments

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

// ParseStatus normalises a stored or user supplied status.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusScheduled, StatusConfirmed, StatusCompleted, StatusCancelled, StatusNoShow:
		return s, nil
	default:
		return "", fmt.Errorf("appointments: unknown status %q", raw)
	}
}

// OccupiesTime reports whether an appointment in this status blocks its slot.
// A no-show still held the chair, so only cancellations free time.
func (s Status) OccupiesTime() bool {
	return s != StatusCancelled
}

// Appointment is a booked visit with a professional.
type Appointment struct {
	ID              string    `json:"id"`
	ClinicID        string    `json:"clinic_id"`
	ProfessionalID  string    `json:"professional_id"`
	StartsAt        time.Time `json:"starts_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Status          Status    `json:"status"`
}

// End returns the exclusive end of the appointment.
func (a Appointment) End() time.Time {
	return a.StartsAt.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// Overlaps applies half-open interval semantics: [a1, a2) and [b1, b2) overlap
// iff a1 < b2 && b1 < a2. Touching endpoints do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// Package availability turns a professional's weekly template and booked
// appointments into bookable slots.
package availability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/odonto-platform/internal/appointments"
	"github.com/wolfman30/odonto-platform/internal/observability/metrics"
	"github.com/wolfman30/odonto-platform/pkg/logging"
)

var availabilityTracer = otel.Tracer("odonto.internal.availability")

const (
	// DefaultMaxRangeDays caps how many days a single resolve may span.
	DefaultMaxRangeDays = 90
	dateLayout          = "2006-01-02"
)

// AppointmentLister returns appointments overlapping [from, to).
type AppointmentLister interface {
	ListAppointments(ctx context.Context, clinicID, professionalID string, from, to time.Time, exclude []appointments.Status) ([]appointments.Appointment, error)
}

// LocationSource resolves the timezone a clinic's wall clock times are in.
type LocationSource interface {
	Location(ctx context.Context, clinicID string) (*time.Location, error)
}

// Slot is a bookable interval.
type Slot struct {
	Date      string    `json:"date"`
	StartTime string    `json:"start_time"`
	EndTime   string    `json:"end_time"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
}

// ResolveRequest selects the professional and the inclusive date range.
// Only the calendar date of From and To is used. NotBefore, when set, drops
// slots that start before it.
type ResolveRequest struct {
	ClinicID       string
	ProfessionalID string
	From           time.Time
	To             time.Time
	NotBefore      time.Time
}

// Resolver computes free slots. It has no side effects.
type Resolver struct {
	templates    TemplateStore
	appointments AppointmentLister
	locations    LocationSource
	fallbackLoc  *time.Location
	maxRangeDays int
	metrics      *metrics.SchedulingMetrics
	logger       *logging.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithMaxRangeDays overrides the resolve span cap.
func WithMaxRangeDays(days int) ResolverOption {
	return func(r *Resolver) {
		if days > 0 {
			r.maxRangeDays = days
		}
	}
}

// WithLocationSource looks up each clinic's timezone.
func WithLocationSource(src LocationSource) ResolverOption {
	return func(r *Resolver) {
		r.locations = src
	}
}

// WithDefaultLocation sets the timezone used when no clinic timezone is known.
func WithDefaultLocation(loc *time.Location) ResolverOption {
	return func(r *Resolver) {
		if loc != nil {
			r.fallbackLoc = loc
		}
	}
}

// WithResolverMetrics records resolve counts and latency.
func WithResolverMetrics(m *metrics.SchedulingMetrics) ResolverOption {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// WithResolverLogger sets the logger.
func WithResolverLogger(logger *logging.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver wires a resolver over its two read sources.
func NewResolver(templates TemplateStore, appts AppointmentLister, opts ...ResolverOption) *Resolver {
	if templates == nil {
		panic("availability: template store required")
	}
	if appts == nil {
		panic("availability: appointment lister required")
	}
	r := &Resolver{
		templates:    templates,
		appointments: appts,
		fallbackLoc:  time.UTC,
		maxRangeDays: DefaultMaxRangeDays,
		logger:       logging.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxRangeDays reports the configured span cap.
func (r *Resolver) MaxRangeDays() int {
	return r.maxRangeDays
}

// ResolveSlots returns the free slots for every date in [From, To], in
// chronological order. A professional without an active template for a date
// contributes nothing for that date.
func (r *Resolver) ResolveSlots(ctx context.Context, req ResolveRequest) (slots []Slot, err error) {
	ctx, span := availabilityTracer.Start(ctx, "availability.resolve_slots")
	defer span.End()
	span.SetAttributes(
		attribute.String("odonto.clinic_id", req.ClinicID),
		attribute.String("odonto.professional_id", req.ProfessionalID),
	)

	started := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
		}
		r.metrics.ObserveResolve(outcome, len(slots), time.Since(started).Seconds())
	}()

	loc := r.location(ctx, req.ClinicID)
	first := civilDate(req.From, loc)
	last := civilDate(req.To, loc)
	if first.After(last) {
		return nil, fmt.Errorf("%w: start %s is after end %s", ErrInvalidRange, first.Format(dateLayout), last.Format(dateLayout))
	}
	if days := daysBetween(first, last); days > r.maxRangeDays {
		return nil, fmt.Errorf("%w: %d days requested, at most %d allowed", ErrInvalidRange, days, r.maxRangeDays)
	}

	tpl, err := r.templates.GetWeeklyTemplate(ctx, req.ClinicID, req.ProfessionalID)
	if err != nil {
		return nil, fmt.Errorf("availability: load template: %w", err)
	}
	if !hasActiveDay(tpl) {
		return []Slot{}, nil
	}

	windowEnd := last.AddDate(0, 0, 1)
	booked, err := r.appointments.ListAppointments(ctx, req.ClinicID, req.ProfessionalID, first, windowEnd, []appointments.Status{appointments.StatusCancelled})
	if err != nil {
		return nil, fmt.Errorf("availability: load appointments: %w", err)
	}

	slots = []Slot{}
	for date := first; !date.After(last); date = date.AddDate(0, 0, 1) {
		day, ok := tpl.Day(date.Weekday())
		if !ok || !day.Active {
			continue
		}
		for _, slot := range daySlots(date, day, loc) {
			if !req.NotBefore.IsZero() && slot.StartsAt.Before(req.NotBefore) {
				continue
			}
			if occupied(slot, booked) {
				continue
			}
			slots = append(slots, slot)
		}
	}

	r.logger.Debug("slots resolved",
		"clinic_id", req.ClinicID,
		"professional_id", req.ProfessionalID,
		"from", first.Format(dateLayout),
		"to", last.Format(dateLayout),
		"slots", len(slots),
	)
	return slots, nil
}

// IsBookable reports whether a slot starting exactly at start is free.
func (r *Resolver) IsBookable(ctx context.Context, clinicID, professionalID string, start time.Time) (bool, error) {
	local := start.In(r.location(ctx, clinicID))
	slots, err := r.ResolveSlots(ctx, ResolveRequest{
		ClinicID:       clinicID,
		ProfessionalID: professionalID,
		From:           local,
		To:             local,
	})
	if err != nil {
		return false, err
	}
	for _, s := range slots {
		if s.StartsAt.Equal(start) {
			return true, nil
		}
	}
	return false, nil
}

func (r *Resolver) location(ctx context.Context, clinicID string) *time.Location {
	if r.locations == nil {
		return r.fallbackLoc
	}
	loc, err := r.locations.Location(ctx, clinicID)
	if err != nil || loc == nil {
		r.logger.Warn("clinic timezone unavailable, using default", "clinic_id", clinicID, "error", err)
		return r.fallbackLoc
	}
	return loc
}

// daySlots walks the working window in slot-sized steps and drops any slot
// touching the lunch window. Partial trailing slots are not offered.
func daySlots(date time.Time, day DayTemplate, loc *time.Location) []Slot {
	step := TimeOfDay(day.SlotDurationMinutes)
	if step <= 0 {
		return nil
	}
	var out []Slot
	for t := day.Start; t+step <= day.End; t += step {
		end := t + step
		if day.HasLunch() && t < *day.LunchEnd && *day.LunchStart < end {
			continue
		}
		out = append(out, Slot{
			Date:      date.Format(dateLayout),
			StartTime: t.String(),
			EndTime:   end.String(),
			StartsAt:  t.On(date, loc),
			EndsAt:    end.On(date, loc),
		})
	}
	return out
}

func occupied(slot Slot, booked []appointments.Appointment) bool {
	for _, a := range booked {
		if !a.Status.OccupiesTime() {
			continue
		}
		if appointments.Overlaps(slot.StartsAt, slot.EndsAt, a.StartsAt, a.End()) {
			return true
		}
	}
	return false
}

func hasActiveDay(tpl WeeklyTemplate) bool {
	for _, d := range tpl.Days {
		if d.Active {
			return true
		}
	}
	return false
}

func civilDate(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	ua := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	ub := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}

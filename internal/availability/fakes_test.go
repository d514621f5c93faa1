package availability

import (
	"context"
	"sync"
	"time"

	"github.com/wolfman30/odonto-platform/internal/appointments"
)

type fakeTemplates struct {
	mu        sync.Mutex
	templates map[string]WeeklyTemplate
	getCalls  int
	err       error
}

func newFakeTemplates() *fakeTemplates {
	return &fakeTemplates{templates: make(map[string]WeeklyTemplate)}
}

func (f *fakeTemplates) GetWeeklyTemplate(ctx context.Context, clinicID, professionalID string) (WeeklyTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.err != nil {
		return WeeklyTemplate{}, f.err
	}
	tpl, ok := f.templates[clinicID+"/"+professionalID]
	if !ok {
		return WeeklyTemplate{ProfessionalID: professionalID}, nil
	}
	return tpl, nil
}

func (f *fakeTemplates) ReplaceWeeklyTemplate(ctx context.Context, clinicID string, tpl WeeklyTemplate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.templates[clinicID+"/"+tpl.ProfessionalID] = tpl
	return nil
}

type fakeAppointments struct {
	items   []appointments.Appointment
	err     error
	lastReq struct {
		from, to time.Time
		exclude  []appointments.Status
	}
}

func (f *fakeAppointments) ListAppointments(ctx context.Context, clinicID, professionalID string, from, to time.Time, exclude []appointments.Status) ([]appointments.Appointment, error) {
	f.lastReq.from, f.lastReq.to, f.lastReq.exclude = from, to, exclude
	if f.err != nil {
		return nil, f.err
	}
	var out []appointments.Appointment
	for _, a := range f.items {
		skip := false
		for _, s := range exclude {
			if a.Status == s {
				skip = true
			}
		}
		if a.ProfessionalID != professionalID || skip {
			continue
		}
		if appointments.Overlaps(a.StartsAt, a.End(), from, to) {
			out = append(out, a)
		}
	}
	return out, nil
}

func tod(raw string) *TimeOfDay {
	t := MustTimeOfDay(raw)
	return &t
}

// mondayTemplate is Monday 09:00-18:00 with lunch 12:00-13:00 and 30 minute slots.
func mondayTemplate(professionalID string) WeeklyTemplate {
	return WeeklyTemplate{
		ProfessionalID: professionalID,
		Days: []DayTemplate{{
			Weekday:             time.Monday,
			Active:              true,
			Start:               MustTimeOfDay("09:00"),
			End:                 MustTimeOfDay("18:00"),
			LunchStart:          tod("12:00"),
			LunchEnd:            tod("13:00"),
			SlotDurationMinutes: 30,
		}},
	}
}

package recurrence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wolfman30/odonto-platform/pkg/logging"
)

// DefaultHorizonDays is how far past today installments are generated when
// the caller gives no horizon.
const DefaultHorizonDays = 31

// Store is the full persistence surface used by Service.
type Store interface {
	ExpansionStore
	CreateDefinition(ctx context.Context, def Definition) (Definition, error)
	ListDefinitions(ctx context.Context, clinicID string, filter ListFilter) ([]Definition, error)
	UpdateDefinition(ctx context.Context, def Definition) (Definition, error)
	SetActive(ctx context.Context, clinicID, id string, active bool, next *time.Time) (Definition, error)
	SoftDelete(ctx context.Context, clinicID, id string) error
	ListInstallments(ctx context.Context, clinicID string, filter InstallmentFilter) ([]Installment, error)
	SetInstallmentStatus(ctx context.Context, clinicID, installmentID string, status InstallmentStatus) (Installment, error)
}

// CreateInput is a new definition as submitted by a clinic.
type CreateInput struct {
	Description string          `json:"description" validate:"required,max=200"`
	Type        Type            `json:"type" validate:"required,oneof=payable receivable"`
	Frequency   Frequency       `json:"frequency" validate:"required,oneof=weekly biweekly monthly yearly"`
	Amount      decimal.Decimal `json:"amount"`
	DueDay      *int            `json:"due_day,omitempty" validate:"omitempty,min=1,max=31"`
	StartDate   string          `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate     *string         `json:"end_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	// Expand defaults to true: installments up to the default horizon are
	// generated right after creation.
	Expand *bool `json:"expand,omitempty"`
}

// UpdateInput carries the fields a definition may change after creation.
// Nil fields are left as they are.
type UpdateInput struct {
	Description  *string          `json:"description,omitempty" validate:"omitempty,min=1,max=200"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	DueDay       *int             `json:"due_day,omitempty" validate:"omitempty,min=1,max=31"`
	ClearDueDay  bool             `json:"clear_due_day,omitempty"`
	EndDate      *string          `json:"end_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ClearEndDate bool             `json:"clear_end_date,omitempty"`
}

// Service is the application layer over definitions and installments.
type Service struct {
	store       Store
	expander    *Expander
	logger      *logging.Logger
	loc         *time.Location
	horizonDays int
	now         func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithHorizonDays sets the default expansion horizon.
func WithHorizonDays(days int) ServiceOption {
	return func(s *Service) {
		if days > 0 {
			s.horizonDays = days
		}
	}
}

// WithLocation sets the timezone "today" is taken in.
func WithLocation(loc *time.Location) ServiceOption {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *logging.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService builds a Service. The expander must share the same store.
func NewService(store Store, expander *Expander, opts ...ServiceOption) *Service {
	if store == nil || expander == nil {
		panic("recurrence: store and expander required")
	}
	s := &Service{
		store:       store,
		expander:    expander,
		logger:      logging.Default(),
		loc:         time.UTC,
		horizonDays: DefaultHorizonDays,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Today is the current calendar date in the service timezone.
func (s *Service) Today() time.Time {
	return DateOf(s.now().In(s.loc))
}

// DefaultHorizon is today plus the configured horizon.
func (s *Service) DefaultHorizon() time.Time {
	return s.Today().AddDate(0, 0, s.horizonDays)
}

// Create validates and stores a definition, then generates its installments
// up to the default horizon unless in.Expand is false.
func (s *Service) Create(ctx context.Context, clinicID string, in CreateInput) (Definition, ExpandResult, error) {
	def, err := in.definition(clinicID)
	if err != nil {
		return Definition{}, ExpandResult{}, err
	}
	if err := def.Validate(); err != nil {
		return Definition{}, ExpandResult{}, err
	}
	def.Active = true
	first := def.FirstDueOnOrAfter(def.StartDate)
	def.NextGenerationAt = &first

	created, err := s.store.CreateDefinition(ctx, def)
	if err != nil {
		return Definition{}, ExpandResult{}, err
	}
	s.logger.Info("recurrence created", "clinic_id", clinicID, "recurrence_id", created.ID, "frequency", string(created.Frequency))

	if in.Expand != nil && !*in.Expand {
		return created, ExpandResult{RecurrenceID: created.ID, Created: []Installment{}, StopReason: StopUpToDate}, nil
	}
	result, err := s.expander.Expand(ctx, clinicID, created.ID, s.DefaultHorizon(), ExpandOptions{Trigger: TriggerCreate})
	if err != nil {
		return created, result, err
	}
	created.LastGeneratedAt = result.LastGeneratedAt
	created.NextGenerationAt = result.NextGenerationAt
	return created, result, nil
}

// Get returns a definition owned by clinicID.
func (s *Service) Get(ctx context.Context, clinicID, id string) (Definition, error) {
	def, err := s.store.GetDefinition(ctx, id)
	if err != nil {
		return Definition{}, err
	}
	if def.ClinicID != clinicID {
		return Definition{}, ErrRecurrenceNotFound
	}
	return def, nil
}

// List returns the clinic's definitions.
func (s *Service) List(ctx context.Context, clinicID string, filter ListFilter) ([]Definition, error) {
	return s.store.ListDefinitions(ctx, clinicID, filter)
}

// Update changes description, amount, due day or end date. Frequency, type
// and start date are fixed once created. Installments already generated keep
// their amount and date.
func (s *Service) Update(ctx context.Context, clinicID, id string, in UpdateInput) (Definition, error) {
	def, err := s.Get(ctx, clinicID, id)
	if err != nil {
		return Definition{}, err
	}
	if in.Description != nil {
		def.Description = strings.TrimSpace(*in.Description)
	}
	if in.Amount != nil {
		def.Amount = *in.Amount
	}
	switch {
	case in.ClearDueDay:
		def.DueDay = nil
	case in.DueDay != nil:
		day := *in.DueDay
		def.DueDay = &day
	}
	switch {
	case in.ClearEndDate:
		def.EndDate = nil
	case in.EndDate != nil:
		end, err := parseDate("end_date", *in.EndDate)
		if err != nil {
			return Definition{}, err
		}
		def.EndDate = &end
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return s.store.UpdateDefinition(ctx, def)
}

// Pause stops generation without touching existing installments.
func (s *Service) Pause(ctx context.Context, clinicID, id string) (Definition, error) {
	if _, err := s.Get(ctx, clinicID, id); err != nil {
		return Definition{}, err
	}
	return s.store.SetActive(ctx, clinicID, id, false, nil)
}

// Resume reactivates a paused definition. Dates that fell due while paused
// are not generated: the cursor moves to the first due date on or after
// today. Resuming an active definition changes nothing, so installments
// still owed behind its cursor are kept for the next expansion.
func (s *Service) Resume(ctx context.Context, clinicID, id string) (Definition, error) {
	def, err := s.Get(ctx, clinicID, id)
	if err != nil {
		return Definition{}, err
	}
	if def.Active {
		return def, nil
	}
	next := def.FirstDueOnOrAfter(s.Today())
	if def.NextGenerationAt != nil && def.NextGenerationAt.After(next) {
		next = *def.NextGenerationAt
	}
	return s.store.SetActive(ctx, clinicID, id, true, &next)
}

// Delete soft-deletes a definition. Generated installments are kept.
func (s *Service) Delete(ctx context.Context, clinicID, id string) error {
	return s.store.SoftDelete(ctx, clinicID, id)
}

// Expand runs the expander for one definition. A zero horizon means the
// default horizon.
func (s *Service) Expand(ctx context.Context, clinicID, id string, horizon time.Time, opts ExpandOptions) (ExpandResult, error) {
	if horizon.IsZero() {
		horizon = s.DefaultHorizon()
	}
	return s.expander.Expand(ctx, clinicID, id, horizon, opts)
}

// ListInstallments returns installments, optionally for one definition.
func (s *Service) ListInstallments(ctx context.Context, clinicID string, filter InstallmentFilter) ([]Installment, error) {
	if filter.RecurrenceID != "" {
		if _, err := s.Get(ctx, clinicID, filter.RecurrenceID); err != nil {
			return nil, err
		}
	}
	return s.store.ListInstallments(ctx, clinicID, filter)
}

// SetInstallmentStatus marks an installment paid, cancelled or open again.
func (s *Service) SetInstallmentStatus(ctx context.Context, clinicID, installmentID string, status InstallmentStatus) (Installment, error) {
	if _, err := ParseInstallmentStatus(string(status)); err != nil {
		return Installment{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return s.store.SetInstallmentStatus(ctx, clinicID, installmentID, status)
}

func (in CreateInput) definition(clinicID string) (Definition, error) {
	start, err := parseDate("start_date", in.StartDate)
	if err != nil {
		return Definition{}, err
	}
	def := Definition{
		ClinicID:    clinicID,
		Description: strings.TrimSpace(in.Description),
		Type:        in.Type,
		Frequency:   in.Frequency,
		Amount:      in.Amount,
		StartDate:   start,
	}
	if in.DueDay != nil {
		day := *in.DueDay
		def.DueDay = &day
	}
	if in.EndDate != nil && *in.EndDate != "" {
		end, err := parseDate("end_date", *in.EndDate)
		if err != nil {
			return Definition{}, err
		}
		def.EndDate = &end
	}
	return def, nil
}

func parseDate(field, raw string) (time.Time, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be YYYY-MM-DD", ErrInvalidDefinition, field)
	}
	return t, nil
}

const dateLayout = "2006-01-02"

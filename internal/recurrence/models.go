// Package recurrence materialises recurring payables and receivables into
// dated installments.
package recurrence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrRecurrenceNotFound is returned when the definition does not exist,
	// was deleted, or belongs to another clinic.
	ErrRecurrenceNotFound = errors.New("recurrence: definition not found")
	// ErrRecurrenceInactive is returned when expanding a paused definition outside catch-up mode.
	ErrRecurrenceInactive = errors.New("recurrence: definition is inactive")
	// ErrDuplicateInstallment is returned by the store when (recurrence_id, due_date) already exists.
	ErrDuplicateInstallment = errors.New("recurrence: installment already exists")
	// ErrInstallmentNotFound is returned when an installment id is unknown.
	ErrInstallmentNotFound = errors.New("recurrence: installment not found")
	// ErrInvalidDefinition wraps validation failures.
	ErrInvalidDefinition = errors.New("recurrence: invalid definition")
)

// Type is the direction of money flow.
type Type string

const (
	TypePayable    Type = "payable"
	TypeReceivable Type = "receivable"
)

// ParseType validates a recurrence type.
func ParseType(raw string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(raw))); t {
	case TypePayable, TypeReceivable:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidDefinition, raw)
	}
}

// Frequency is how often an installment falls due.
type Frequency string

const (
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
	FrequencyYearly   Frequency = "yearly"
)

// ParseFrequency validates a frequency.
func ParseFrequency(raw string) (Frequency, error) {
	switch f := Frequency(strings.ToLower(strings.TrimSpace(raw))); f {
	case FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly, FrequencyYearly:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown frequency %q", ErrInvalidDefinition, raw)
	}
}

// InstallmentStatus tracks settlement of a generated installment.
type InstallmentStatus string

const (
	InstallmentOpen      InstallmentStatus = "open"
	InstallmentPaid      InstallmentStatus = "paid"
	InstallmentCancelled InstallmentStatus = "cancelled"
)

// ParseInstallmentStatus validates an installment status.
func ParseInstallmentStatus(raw string) (InstallmentStatus, error) {
	switch s := InstallmentStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case InstallmentOpen, InstallmentPaid, InstallmentCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("recurrence: unknown installment status %q", raw)
	}
}

// Definition describes a recurring financial obligation. Dates are calendar
// dates stored as UTC midnight.
type Definition struct {
	ID               string
	ClinicID         string
	Description      string
	Type             Type
	Frequency        Frequency
	Amount           decimal.Decimal
	DueDay           *int
	StartDate        time.Time
	EndDate          *time.Time
	Active           bool
	LastGeneratedAt  *time.Time
	NextGenerationAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DueAt is the date generation resumes from, as the due listing orders it.
func (d Definition) DueAt() time.Time {
	if d.NextGenerationAt != nil {
		return DateOf(*d.NextGenerationAt)
	}
	return DateOf(d.StartDate)
}

// DueCursor is a keyset position in the due listing.
type DueCursor struct {
	At time.Time
	ID string
}

// Validate checks the definition invariants.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Description) == "" {
		return fmt.Errorf("%w: description is required", ErrInvalidDefinition)
	}
	if _, err := ParseType(string(d.Type)); err != nil {
		return err
	}
	if _, err := ParseFrequency(string(d.Frequency)); err != nil {
		return err
	}
	if !d.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidDefinition)
	}
	if d.DueDay != nil && (*d.DueDay < 1 || *d.DueDay > 31) {
		return fmt.Errorf("%w: due_day must be between 1 and 31", ErrInvalidDefinition)
	}
	if d.StartDate.IsZero() {
		return fmt.Errorf("%w: start_date is required", ErrInvalidDefinition)
	}
	if d.EndDate != nil && DateOf(*d.EndDate).Before(DateOf(d.StartDate)) {
		return fmt.Errorf("%w: end_date is before start_date", ErrInvalidDefinition)
	}
	return nil
}

// Installment is one dated obligation produced by expansion.
type Installment struct {
	ID           string            `json:"id"`
	ClinicID     string            `json:"clinic_id"`
	RecurrenceID string            `json:"recurrence_id"`
	DueDate      time.Time         `json:"due_date"`
	Amount       decimal.Decimal   `json:"amount"`
	Status       InstallmentStatus `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
}

// MarshalJSON renders the due date as YYYY-MM-DD and the amount with two decimals.
func (i Installment) MarshalJSON() ([]byte, error) {
	type alias Installment
	return json.Marshal(struct {
		alias
		DueDate string `json:"due_date"`
		Amount  string `json:"amount"`
	}{
		alias:   alias(i),
		DueDate: i.DueDate.Format("2006-01-02"),
		Amount:  i.Amount.StringFixed(2),
	})
}

// DateOf drops the clock and zone, keeping the calendar date as UTC midnight.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

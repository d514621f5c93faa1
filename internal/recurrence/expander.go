package recurrence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/odonto-platform/internal/observability/metrics"
	"github.com/wolfman30/odonto-platform/internal/storage"
	"github.com/wolfman30/odonto-platform/pkg/logging"
)

var recurrenceTracer = otel.Tracer("odonto.internal.recurrence")

// Triggers label metrics and logs with what started an expansion.
const (
	TriggerAPI    = "api"
	TriggerCreate = "create"
	TriggerSweep  = "sweep"
	TriggerQueue  = "queue"
)

// StopReason explains why an expansion stopped.
type StopReason string

const (
	StopHorizon  StopReason = "horizon"
	StopEndDate  StopReason = "end_date"
	StopInactive StopReason = "inactive"
	StopUpToDate StopReason = "up_to_date"
)

// ExpansionStore is the persistence the expander needs.
type ExpansionStore interface {
	GetDefinition(ctx context.Context, id string) (Definition, error)
	IsActive(ctx context.Context, id string) (bool, error)
	InsertInstallment(ctx context.Context, inst Installment) (Installment, error)
	AdvanceCheckpoint(ctx context.Context, id string, lastGenerated *time.Time, next time.Time) error
}

// ExpandOptions tunes a single expansion.
type ExpandOptions struct {
	// CatchUp turns an inactive definition into an empty result instead of
	// ErrRecurrenceInactive. Sweeps run in this mode.
	CatchUp bool
	Trigger string
}

// ExpandResult reports what an expansion did.
type ExpandResult struct {
	RecurrenceID     string        `json:"recurrence_id"`
	Created          []Installment `json:"created"`
	Skipped          int           `json:"skipped"`
	LastGeneratedAt  *time.Time    `json:"last_generated_at,omitempty"`
	NextGenerationAt *time.Time    `json:"next_generation_at,omitempty"`
	StopReason       StopReason    `json:"stop_reason"`
}

// Expander materialises installments up to a horizon.
type Expander struct {
	store   ExpansionStore
	metrics *metrics.SchedulingMetrics
	logger  *logging.Logger
}

// ExpanderOption configures an Expander.
type ExpanderOption func(*Expander)

// WithExpanderMetrics records generated and skipped installments.
func WithExpanderMetrics(m *metrics.SchedulingMetrics) ExpanderOption {
	return func(e *Expander) {
		e.metrics = m
	}
}

// WithExpanderLogger sets the logger.
func WithExpanderLogger(logger *logging.Logger) ExpanderOption {
	return func(e *Expander) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExpander wires an expander over its store.
func NewExpander(store ExpansionStore, opts ...ExpanderOption) *Expander {
	if store == nil {
		panic("recurrence: expansion store required")
	}
	e := &Expander{store: store, logger: logging.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Expand inserts every missing installment due on or before min(horizon,
// end_date), starting at the definition's checkpoint. Existing installments
// are skipped, so repeated and concurrent runs converge on the same rows.
// The checkpoint is written after each processed date and only ever covers
// persisted installments. An empty clinicID skips the tenant check.
func (e *Expander) Expand(ctx context.Context, clinicID, id string, horizon time.Time, opts ExpandOptions) (result ExpandResult, err error) {
	ctx, span := recurrenceTracer.Start(ctx, "recurrence.expand")
	defer span.End()
	span.SetAttributes(
		attribute.String("odonto.clinic_id", clinicID),
		attribute.String("odonto.recurrence_id", id),
		attribute.Bool("odonto.catch_up", opts.CatchUp),
	)

	trigger := opts.Trigger
	if trigger == "" {
		trigger = TriggerAPI
	}
	result = ExpandResult{RecurrenceID: id, Created: []Installment{}}

	started := time.Now()
	defer func() {
		status := "ok"
		switch {
		case err != nil:
			status = "error"
			span.RecordError(err)
		case result.StopReason == StopInactive:
			status = "inactive"
		}
		e.metrics.ObserveExpansion(trigger, status, time.Since(started).Seconds())
		e.metrics.ObserveInstallmentsGenerated(trigger, len(result.Created))
	}()

	def, err := e.store.GetDefinition(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecurrenceNotFound) {
			return result, err
		}
		return result, asStorageError("load definition", err)
	}
	if clinicID != "" && def.ClinicID != clinicID {
		return result, ErrRecurrenceNotFound
	}
	result.LastGeneratedAt = def.LastGeneratedAt
	result.NextGenerationAt = def.NextGenerationAt

	if !def.Active {
		if opts.CatchUp {
			result.StopReason = StopInactive
			return result, nil
		}
		return result, ErrRecurrenceInactive
	}

	limit := DateOf(horizon)
	stop := StopHorizon
	if def.EndDate != nil && def.EndDate.Before(limit) {
		limit = DateOf(*def.EndDate)
		stop = StopEndDate
	}

	cursor := DateOf(def.StartDate)
	if def.NextGenerationAt != nil && def.NextGenerationAt.After(cursor) {
		cursor = DateOf(*def.NextGenerationAt)
	}
	due := def.FirstDueOnOrAfter(cursor)
	if due.After(limit) {
		result.StopReason = StopUpToDate
		return result, nil
	}

	for first := true; !due.After(limit); first = false {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !first {
			active, err := e.store.IsActive(ctx, def.ID)
			if err != nil {
				return result, asStorageError("check definition active", err)
			}
			if !active {
				stop = StopInactive
				break
			}
		}

		inst, err := e.store.InsertInstallment(ctx, Installment{
			ClinicID:     def.ClinicID,
			RecurrenceID: def.ID,
			DueDate:      due,
			Amount:       def.Amount,
			Status:       InstallmentOpen,
		})
		switch {
		case errors.Is(err, ErrDuplicateInstallment):
			result.Skipped++
			e.metrics.ObserveInstallmentSkipped("duplicate")
		case err != nil:
			return result, asStorageError("insert installment", err)
		default:
			result.Created = append(result.Created, inst)
		}

		covered := due
		next := def.NextDueAfter(due)
		if err := e.store.AdvanceCheckpoint(ctx, def.ID, &covered, next); err != nil {
			return result, asStorageError("advance checkpoint", err)
		}
		result.LastGeneratedAt = &covered
		result.NextGenerationAt = &next
		due = next
	}
	result.StopReason = stop

	span.SetAttributes(attribute.Int("odonto.installments_created", len(result.Created)))
	e.logger.Info("recurrence expanded",
		"clinic_id", def.ClinicID,
		"recurrence_id", def.ID,
		"trigger", trigger,
		"created", len(result.Created),
		"skipped", result.Skipped,
		"stop_reason", string(result.StopReason),
	)
	return result, nil
}

func asStorageError(op string, err error) error {
	if storage.IsStorageError(err) {
		return err
	}
	return storage.Wrap(op, fmt.Errorf("recurrence: %w", err))
}

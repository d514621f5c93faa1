package recurrence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/wolfman30/odonto-platform/internal/storage"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const definitionColumns = `id::text, clinic_id, description, type, frequency, amount::text, due_day,
	start_date, end_date, active, last_generated_at, next_generation_at, created_at, updated_at`

const installmentColumns = `id::text, clinic_id, recurrence_id::text, due_date, amount::text, status, created_at`

// Repository persists definitions and installments in Postgres.
type Repository struct {
	db DB
}

// NewRepository creates a repository backed by a pgx pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("recurrence: pgx pool required")
	}
	return &Repository{db: pool}
}

// NewRepositoryWithDB allows injecting mocks for tests.
func NewRepositoryWithDB(db DB) *Repository {
	if db == nil {
		panic("recurrence: db required")
	}
	return &Repository{db: db}
}

// CreateDefinition inserts a new definition and returns it with its generated id.
func (r *Repository) CreateDefinition(ctx context.Context, def Definition) (Definition, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO recurrence_definitions (
			clinic_id, description, type, frequency, amount, due_day,
			start_date, end_date, active, next_generation_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10)
		RETURNING `+definitionColumns,
		def.ClinicID, def.Description, string(def.Type), string(def.Frequency), def.Amount.String(),
		dueDayArg(def.DueDay), def.StartDate, def.EndDate, def.Active, def.NextGenerationAt,
	)
	created, err := scanDefinition(row)
	if err != nil {
		return Definition{}, storage.Wrap("create definition", err)
	}
	return created, nil
}

// GetDefinition loads a live (not deleted) definition by id.
func (r *Repository) GetDefinition(ctx context.Context, id string) (Definition, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+definitionColumns+`
		FROM recurrence_definitions
		WHERE id = $1::uuid AND deleted_at IS NULL`, id)
	def, err := scanDefinition(row)
	if err != nil {
		if storage.IsMissing(err) {
			return Definition{}, ErrRecurrenceNotFound
		}
		return Definition{}, storage.Wrap("get definition", err)
	}
	return def, nil
}

// IsActive reports whether the definition is live and active. A deleted or
// missing definition is reported as inactive.
func (r *Repository) IsActive(ctx context.Context, id string) (bool, error) {
	var active bool
	err := r.db.QueryRow(ctx, `
		SELECT active FROM recurrence_definitions
		WHERE id = $1::uuid AND deleted_at IS NULL`, id).Scan(&active)
	if err != nil {
		if storage.IsMissing(err) {
			return false, nil
		}
		return false, storage.Wrap("check definition active", err)
	}
	return active, nil
}

// ListFilter narrows ListDefinitions.
type ListFilter struct {
	Active *bool
	Type   Type
	Limit  int
}

// ListDefinitions returns a clinic's live definitions, newest first.
func (r *Repository) ListDefinitions(ctx context.Context, clinicID string, filter ListFilter) ([]Definition, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + definitionColumns + ` FROM recurrence_definitions WHERE clinic_id = $1 AND deleted_at IS NULL`)
	args := []any{clinicID}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		fmt.Fprintf(&b, " AND active = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		fmt.Fprintf(&b, " AND type = $%d", len(args))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, storage.Wrap("list definitions", err)
	}
	defer rows.Close()
	return collectDefinitions(rows)
}

// ListDueDefinitions returns active definitions across clinics whose cursor is
// on or before horizon, ordered by (cursor, id). When after is set only rows
// past that position are returned.
func (r *Repository) ListDueDefinitions(ctx context.Context, horizon time.Time, after *DueCursor, limit int) ([]Definition, error) {
	if limit <= 0 {
		limit = 200
	}
	var afterAt, afterID any
	if after != nil {
		afterAt, afterID = DateOf(after.At), after.ID
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+definitionColumns+`
		FROM recurrence_definitions
		WHERE active AND deleted_at IS NULL
		  AND COALESCE(next_generation_at, start_date) <= $1
		  AND (end_date IS NULL OR COALESCE(next_generation_at, start_date) <= end_date)
		  AND ($3::date IS NULL OR (COALESCE(next_generation_at, start_date), id) > ($3::date, $4::uuid))
		ORDER BY COALESCE(next_generation_at, start_date) ASC, id ASC
		LIMIT $2`, DateOf(horizon), limit, afterAt, afterID)
	if err != nil {
		return nil, storage.Wrap("list due definitions", err)
	}
	defer rows.Close()
	return collectDefinitions(rows)
}

// UpdateDefinition saves the mutable fields of a definition.
func (r *Repository) UpdateDefinition(ctx context.Context, def Definition) (Definition, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE recurrence_definitions
		SET description = $3, amount = $4::numeric, due_day = $5, end_date = $6, updated_at = now()
		WHERE id = $1::uuid AND clinic_id = $2 AND deleted_at IS NULL
		RETURNING `+definitionColumns,
		def.ID, def.ClinicID, def.Description, def.Amount.String(), dueDayArg(def.DueDay), def.EndDate,
	)
	updated, err := scanDefinition(row)
	if err != nil {
		if storage.IsMissing(err) {
			return Definition{}, ErrRecurrenceNotFound
		}
		return Definition{}, storage.Wrap("update definition", err)
	}
	return updated, nil
}

// SetActive toggles the soft pause flag. When next is set and the row was
// paused, the generation cursor moves forward to it (never backward).
func (r *Repository) SetActive(ctx context.Context, clinicID, id string, active bool, next *time.Time) (Definition, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE recurrence_definitions
		SET active = $3,
		    next_generation_at = CASE WHEN active THEN next_generation_at
		                              ELSE GREATEST(next_generation_at, $4::date) END,
		    updated_at = now()
		WHERE id = $1::uuid AND clinic_id = $2 AND deleted_at IS NULL
		RETURNING `+definitionColumns,
		id, clinicID, active, next,
	)
	def, err := scanDefinition(row)
	if err != nil {
		if storage.IsMissing(err) {
			return Definition{}, ErrRecurrenceNotFound
		}
		return Definition{}, storage.Wrap("set definition active", err)
	}
	return def, nil
}

// SoftDelete hides the definition and stops generation. Installments stay.
func (r *Repository) SoftDelete(ctx context.Context, clinicID, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE recurrence_definitions
		SET deleted_at = now(), active = FALSE, updated_at = now()
		WHERE id = $1::uuid AND clinic_id = $2 AND deleted_at IS NULL`, id, clinicID)
	if err != nil {
		if storage.IsInvalidText(err) {
			return ErrRecurrenceNotFound
		}
		return storage.Wrap("delete definition", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecurrenceNotFound
	}
	return nil
}

// InsertInstallment adds one open installment. An existing row for the same
// (recurrence_id, due_date) yields ErrDuplicateInstallment.
func (r *Repository) InsertInstallment(ctx context.Context, inst Installment) (Installment, error) {
	status := inst.Status
	if status == "" {
		status = InstallmentOpen
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO generated_installments (clinic_id, recurrence_id, due_date, amount, status)
		VALUES ($1, $2::uuid, $3, $4::numeric, $5)
		ON CONFLICT (recurrence_id, due_date) DO NOTHING
		RETURNING `+installmentColumns,
		inst.ClinicID, inst.RecurrenceID, DateOf(inst.DueDate), inst.Amount.String(), string(status),
	)
	created, err := scanInstallment(row)
	if err != nil {
		if storage.IsNoRows(err) || storage.IsUniqueViolation(err) {
			return Installment{}, ErrDuplicateInstallment
		}
		return Installment{}, storage.Wrap("insert installment", err)
	}
	return created, nil
}

// AdvanceCheckpoint records expansion progress. Both columns only move forward,
// so a slower concurrent run cannot rewind a faster one.
func (r *Repository) AdvanceCheckpoint(ctx context.Context, id string, lastGenerated *time.Time, next time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE recurrence_definitions
		SET last_generated_at = GREATEST(last_generated_at, $2::date),
		    next_generation_at = GREATEST(next_generation_at, $3::date),
		    updated_at = now()
		WHERE id = $1::uuid`, id, lastGenerated, DateOf(next))
	if err != nil {
		return storage.Wrap("advance checkpoint", err)
	}
	return nil
}

// InstallmentFilter narrows ListInstallments.
type InstallmentFilter struct {
	RecurrenceID string
	Status       InstallmentStatus
	From         *time.Time
	To           *time.Time
	Limit        int
}

// ListInstallments returns a clinic's installments ordered by due date.
func (r *Repository) ListInstallments(ctx context.Context, clinicID string, filter InstallmentFilter) ([]Installment, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + installmentColumns + ` FROM generated_installments WHERE clinic_id = $1`)
	args := []any{clinicID}
	if filter.RecurrenceID != "" {
		args = append(args, filter.RecurrenceID)
		fmt.Fprintf(&b, " AND recurrence_id = $%d::uuid", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		fmt.Fprintf(&b, " AND status = $%d", len(args))
	}
	if filter.From != nil {
		args = append(args, DateOf(*filter.From))
		fmt.Fprintf(&b, " AND due_date >= $%d", len(args))
	}
	if filter.To != nil {
		args = append(args, DateOf(*filter.To))
		fmt.Fprintf(&b, " AND due_date <= $%d", len(args))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY due_date ASC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, b.String(), args...)
	if err != nil {
		if storage.IsInvalidText(err) {
			return nil, ErrRecurrenceNotFound
		}
		return nil, storage.Wrap("list installments", err)
	}
	defer rows.Close()

	var out []Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, storage.Wrap("scan installment", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("list installments", err)
	}
	return out, nil
}

// SetInstallmentStatus settles or cancels an installment.
func (r *Repository) SetInstallmentStatus(ctx context.Context, clinicID, installmentID string, status InstallmentStatus) (Installment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE generated_installments SET status = $3
		WHERE id = $1::uuid AND clinic_id = $2
		RETURNING `+installmentColumns,
		installmentID, clinicID, string(status),
	)
	inst, err := scanInstallment(row)
	if err != nil {
		if storage.IsMissing(err) {
			return Installment{}, ErrInstallmentNotFound
		}
		return Installment{}, storage.Wrap("set installment status", err)
	}
	return inst, nil
}

func collectDefinitions(rows pgx.Rows) ([]Definition, error) {
	var out []Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, storage.Wrap("scan definition", err)
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("list definitions", err)
	}
	return out, nil
}

func scanDefinition(row pgx.Row) (Definition, error) {
	var (
		def       Definition
		typ, freq string
		amount    string
		dueDay    *int16
	)
	err := row.Scan(
		&def.ID, &def.ClinicID, &def.Description, &typ, &freq, &amount, &dueDay,
		&def.StartDate, &def.EndDate, &def.Active, &def.LastGeneratedAt, &def.NextGenerationAt,
		&def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return Definition{}, err
	}
	def.Type = Type(typ)
	def.Frequency = Frequency(freq)
	if def.Amount, err = decimal.NewFromString(amount); err != nil {
		return Definition{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if dueDay != nil {
		d := int(*dueDay)
		def.DueDay = &d
	}
	def.StartDate = DateOf(def.StartDate)
	def.EndDate = datePtr(def.EndDate)
	def.LastGeneratedAt = datePtr(def.LastGeneratedAt)
	def.NextGenerationAt = datePtr(def.NextGenerationAt)
	return def, nil
}

func scanInstallment(row pgx.Row) (Installment, error) {
	var (
		inst   Installment
		amount string
		status string
	)
	if err := row.Scan(&inst.ID, &inst.ClinicID, &inst.RecurrenceID, &inst.DueDate, &amount, &status, &inst.CreatedAt); err != nil {
		return Installment{}, err
	}
	var err error
	if inst.Amount, err = decimal.NewFromString(amount); err != nil {
		return Installment{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if inst.Status, err = ParseInstallmentStatus(status); err != nil {
		return Installment{}, err
	}
	inst.DueDate = DateOf(inst.DueDate)
	return inst, nil
}

func datePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := DateOf(*t)
	return &d
}

func dueDayArg(day *int) *int16 {
	if day == nil {
		return nil
	}
	v := int16(*day)
	return &v
}

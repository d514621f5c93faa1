package appointments

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/odonto-platform/internal/storage"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository reads appointments from Postgres.
type Repository struct {
	db DB
}

// NewRepository creates a repository backed by a pgx pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("appointments: pgx pool required")
	}
	return &Repository{db: pool}
}

// NewRepositoryWithDB allows injecting mocks for tests.
func NewRepositoryWithDB(db DB) *Repository {
	if db == nil {
		panic("appointments: db required")
	}
	return &Repository{db: db}
}

// ListAppointments returns the professional's appointments whose interval
// intersects [from, to), skipping the excluded statuses, ordered by start.
func (r *Repository) ListAppointments(ctx context.Context, clinicID, professionalID string, from, to time.Time, exclude []Status) ([]Appointment, error) {
	excluded := make([]string, 0, len(exclude))
	for _, s := range exclude {
		excluded = append(excluded, string(s))
	}

	rows, err := r.db.Query(ctx, `
		SELECT id::text, clinic_id, professional_id, starts_at, duration_minutes, status
		FROM appointments
		WHERE clinic_id = $1
		  AND professional_id = $2
		  AND starts_at < $4
		  AND starts_at + make_interval(mins => duration_minutes) > $3
		  AND NOT (status = ANY($5))
		ORDER BY starts_at ASC`,
		clinicID, professionalID, from, to, excluded,
	)
	if err != nil {
		return nil, storage.Wrap("list appointments", err)
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		var (
			a      Appointment
			status string
		)
		if err := rows.Scan(&a.ID, &a.ClinicID, &a.ProfessionalID, &a.StartsAt, &a.DurationMinutes, &status); err != nil {
			return nil, storage.Wrap("scan appointment", err)
		}
		parsed, err := ParseStatus(status)
		if err != nil {
			return nil, storage.Wrap("scan appointment", err)
		}
		a.Status = parsed
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("list appointments", err)
	}
	return out, nil
}

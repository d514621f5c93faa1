package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/odonto-platform/internal/storage"
)

// DB abstracts the pgx pool for testing.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TemplateStore reads and replaces weekly templates.
type TemplateStore interface {
	GetWeeklyTemplate(ctx context.Context, clinicID, professionalID string) (WeeklyTemplate, error)
	ReplaceWeeklyTemplate(ctx context.Context, clinicID string, tpl WeeklyTemplate) error
}

// Repository persists weekly templates in Postgres.
type Repository struct {
	db DB
}

// NewRepository creates a repository backed by a pgx pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("availability: pgx pool required")
	}
	return &Repository{db: pool}
}

// NewRepositoryWithDB allows injecting mocks for tests.
func NewRepositoryWithDB(db DB) *Repository {
	if db == nil {
		panic("availability: db required")
	}
	return &Repository{db: db}
}

// GetWeeklyTemplate loads every configured weekday for the professional.
// A professional without rows yields an empty template.
func (r *Repository) GetWeeklyTemplate(ctx context.Context, clinicID, professionalID string) (WeeklyTemplate, error) {
	rows, err := r.db.Query(ctx, `
		SELECT weekday, active,
		       to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'),
		       to_char(lunch_start, 'HH24:MI'), to_char(lunch_end, 'HH24:MI'),
		       slot_duration_minutes
		FROM professional_availability
		WHERE clinic_id = $1 AND professional_id = $2
		ORDER BY weekday`, clinicID, professionalID)
	if err != nil {
		return WeeklyTemplate{}, storage.Wrap("get weekly template", err)
	}
	defer rows.Close()

	tpl := WeeklyTemplate{ProfessionalID: professionalID}
	for rows.Next() {
		var (
			weekday              int16
			day                  DayTemplate
			start, end           string
			lunchStart, lunchEnd *string
		)
		if err := rows.Scan(&weekday, &day.Active, &start, &end, &lunchStart, &lunchEnd, &day.SlotDurationMinutes); err != nil {
			return WeeklyTemplate{}, storage.Wrap("scan weekly template", err)
		}
		day.Weekday = time.Weekday(weekday)
		if day.Start, err = ParseTimeOfDay(start); err != nil {
			return WeeklyTemplate{}, storage.Wrap("scan weekly template", err)
		}
		if day.End, err = ParseTimeOfDay(end); err != nil {
			return WeeklyTemplate{}, storage.Wrap("scan weekly template", err)
		}
		if day.LunchStart, err = parseOptionalTime(lunchStart); err != nil {
			return WeeklyTemplate{}, storage.Wrap("scan weekly template", err)
		}
		if day.LunchEnd, err = parseOptionalTime(lunchEnd); err != nil {
			return WeeklyTemplate{}, storage.Wrap("scan weekly template", err)
		}
		tpl.Days = append(tpl.Days, day)
	}
	if err := rows.Err(); err != nil {
		return WeeklyTemplate{}, storage.Wrap("get weekly template", err)
	}
	return tpl, nil
}

// ReplaceWeeklyTemplate swaps the professional's whole template inside one
// transaction so readers never observe a half-written week.
func (r *Repository) ReplaceWeeklyTemplate(ctx context.Context, clinicID string, tpl WeeklyTemplate) error {
	if err := tpl.Validate(); err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return storage.Wrap("begin template replace", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM professional_availability
		WHERE clinic_id = $1 AND professional_id = $2`, clinicID, tpl.ProfessionalID); err != nil {
		return storage.Wrap("delete weekly template", err)
	}

	for _, day := range tpl.Days {
		if _, err := tx.Exec(ctx, `
			INSERT INTO professional_availability (
				clinic_id, professional_id, weekday, active,
				start_time, end_time, lunch_start, lunch_end,
				slot_duration_minutes, updated_at
			) VALUES ($1, $2, $3, $4, $5::time, $6::time, $7::time, $8::time, $9, now())`,
			clinicID, tpl.ProfessionalID, int16(day.Weekday), day.Active,
			day.Start.String(), day.End.String(),
			formatOptionalTime(day.LunchStart), formatOptionalTime(day.LunchEnd),
			day.SlotDurationMinutes,
		); err != nil {
			return storage.Wrap(fmt.Sprintf("insert template weekday %d", day.Weekday), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storage.Wrap("commit template replace", err)
	}
	return nil
}

func parseOptionalTime(raw *string) (*TimeOfDay, error) {
	if raw == nil {
		return nil, nil
	}
	t, err := ParseTimeOfDay(*raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatOptionalTime(t *TimeOfDay) *string {
	if t == nil {
		return nil
	}
	s := t.String()
	return &s
}

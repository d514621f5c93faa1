package clinic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/wolfman30/odonto-platform/internal/tenancy"
)

// Stats summarises a clinic's recurring financial commitments.
type Stats struct {
	ClinicID          string          `json:"clinic_id"`
	ActiveRecurrences int64           `json:"active_recurrences"`
	OpenInstallments  int64           `json:"open_installments"`
	OpenPayable       decimal.Decimal `json:"open_payable"`
	OpenReceivable    decimal.Decimal `json:"open_receivable"`
	PeriodStart       string          `json:"period_start"`
	PeriodEnd         string          `json:"period_end"`
}

// statsDB defines the database interface needed by StatsRepository
type statsDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StatsRepository queries clinic metrics from the database.
type StatsRepository struct {
	db statsDB
}

// NewStatsRepository creates a new stats repository.
func NewStatsRepository(pool *pgxpool.Pool) *StatsRepository {
	if pool == nil {
		panic("clinic: pgx pool required for stats")
	}
	return &StatsRepository{db: pool}
}

// NewStatsRepositoryWithDB allows injecting a mock database for testing.
func NewStatsRepositoryWithDB(db statsDB) *StatsRepository {
	return &StatsRepository{db: db}
}

// GetStats aggregates installments due in [start, end). With nil bounds it covers all time.
func (r *StatsRepository) GetStats(ctx context.Context, clinicID string, start, end *time.Time) (*Stats, error) {
	stats := &Stats{ClinicID: clinicID}

	var dueFilter string
	args := []any{clinicID}
	if start != nil && end != nil {
		dueFilter = " AND i.due_date >= $2 AND i.due_date < $3"
		args = append(args, *start, *end)
		stats.PeriodStart = start.Format("2006-01-02")
		stats.PeriodEnd = end.Format("2006-01-02")
	} else {
		stats.PeriodStart = "all-time"
		stats.PeriodEnd = "now"
	}

	activeQuery := `SELECT COUNT(*) FROM recurrence_definitions WHERE clinic_id = $1 AND active AND deleted_at IS NULL`
	if err := r.db.QueryRow(ctx, activeQuery, clinicID).Scan(&stats.ActiveRecurrences); err != nil {
		return nil, fmt.Errorf("clinic stats: count recurrences: %w", err)
	}

	openQuery := `SELECT COUNT(*) FROM generated_installments i WHERE i.clinic_id = $1 AND i.status = 'open'` + dueFilter
	if err := r.db.QueryRow(ctx, openQuery, args...).Scan(&stats.OpenInstallments); err != nil {
		return nil, fmt.Errorf("clinic stats: count open installments: %w", err)
	}

	sumQuery := `SELECT COALESCE(SUM(i.amount) FILTER (WHERE d.type = 'payable'), 0)::text,
		COALESCE(SUM(i.amount) FILTER (WHERE d.type = 'receivable'), 0)::text
		FROM generated_installments i
		JOIN recurrence_definitions d ON d.id = i.recurrence_id
		WHERE i.clinic_id = $1 AND i.status = 'open'` + dueFilter
	var payable, receivable string
	if err := r.db.QueryRow(ctx, sumQuery, args...).Scan(&payable, &receivable); err != nil {
		return nil, fmt.Errorf("clinic stats: sum open amounts: %w", err)
	}
	var err error
	if stats.OpenPayable, err = decimal.NewFromString(payable); err != nil {
		return nil, fmt.Errorf("clinic stats: parse payable: %w", err)
	}
	if stats.OpenReceivable, err = decimal.NewFromString(receivable); err != nil {
		return nil, fmt.Errorf("clinic stats: parse receivable: %w", err)
	}

	return stats, nil
}

// GetStats returns the installment summary for the clinic in context.
// GET /clinic/stats
// Query params:
//   - start: YYYY-MM-DD, inclusive (optional)
//   - end: YYYY-MM-DD, exclusive (optional)
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := tenancy.ClinicIDFromContext(r.Context())
	if !ok {
		http.Error(w, `{"error": "clinic_id required"}`, http.StatusBadRequest)
		return
	}

	var start, end *time.Time
	if s := r.URL.Query().Get("start"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			http.Error(w, `{"error": "invalid start date, use YYYY-MM-DD"}`, http.StatusBadRequest)
			return
		}
		start = &t
	}
	if e := r.URL.Query().Get("end"); e != "" {
		t, err := time.Parse("2006-01-02", e)
		if err != nil {
			http.Error(w, `{"error": "invalid end date, use YYYY-MM-DD"}`, http.StatusBadRequest)
			return
		}
		end = &t
	}

	// If only one is provided, require both
	if (start == nil) != (end == nil) {
		http.Error(w, `{"error": "both start and end must be provided, or neither"}`, http.StatusBadRequest)
		return
	}

	stats, err := h.stats.GetStats(r.Context(), clinicID, start, end)
	if err != nil {
		h.logger.Error("failed to get clinic stats", "clinic_id", clinicID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		h.logger.Error("failed to encode clinic stats", "clinic_id", clinicID, "error", err)
	}
}

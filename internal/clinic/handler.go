package clinic

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/odonto-platform/internal/tenancy"
	"github.com/wolfman30/odonto-platform/pkg/logging"
)

type settingsStore interface {
	Get(ctx context.Context, clinicID string) (*Settings, error)
	Set(ctx context.Context, settings *Settings) error
}

// Handler provides HTTP endpoints for clinic settings and stats.
type Handler struct {
	store  settingsStore
	stats  *StatsRepository
	logger *logging.Logger
}

// NewHandler creates a new clinic settings HTTP handler. stats may be nil.
func NewHandler(store settingsStore, stats *StatsRepository, logger *logging.Logger) *Handler {
	if store == nil {
		panic("clinic: settings store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		store:  store,
		stats:  stats,
		logger: logger,
	}
}

// RegisterRoutes mounts the clinic routes on a tenant-scoped router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/clinic/settings", h.GetSettings)
	r.Put("/clinic/settings", h.UpdateSettings)
	if h.stats != nil {
		r.Get("/clinic/stats", h.GetStats)
	}
}

// GetSettings returns the settings of the clinic in context.
// GET /clinic/settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := tenancy.ClinicIDFromContext(r.Context())
	if !ok {
		http.Error(w, `{"error": "clinic_id required"}`, http.StatusBadRequest)
		return
	}

	settings, err := h.store.Get(r.Context(), clinicID)
	if err != nil {
		h.logger.Error("failed to get clinic settings", "clinic_id", clinicID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(settings); err != nil {
		h.logger.Error("failed to encode clinic settings", "clinic_id", clinicID, "error", err)
	}
}

// UpdateSettingsRequest is the request body for updating clinic settings.
type UpdateSettingsRequest struct {
	Name                 string `json:"name,omitempty"`
	Timezone             string `json:"timezone,omitempty"`
	Currency             string `json:"currency,omitempty"`
	ExpansionHorizonDays *int   `json:"expansion_horizon_days,omitempty"`
}

// UpdateSettings applies a partial update.
// PUT /clinic/settings
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := tenancy.ClinicIDFromContext(r.Context())
	if !ok {
		http.Error(w, `{"error": "clinic_id required"}`, http.StatusBadRequest)
		return
	}

	var req UpdateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	if req.Timezone != "" {
		if err := ValidateTimezone(req.Timezone); err != nil {
			http.Error(w, `{"error": "unknown timezone"}`, http.StatusBadRequest)
			return
		}
	}
	if req.ExpansionHorizonDays != nil && (*req.ExpansionHorizonDays < 1 || *req.ExpansionHorizonDays > 366) {
		http.Error(w, `{"error": "expansion_horizon_days must be between 1 and 366"}`, http.StatusBadRequest)
		return
	}

	settings, err := h.store.Get(r.Context(), clinicID)
	if err != nil {
		h.logger.Error("failed to get clinic settings", "clinic_id", clinicID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}

	if req.Name != "" {
		settings.Name = strings.TrimSpace(req.Name)
	}
	if req.Timezone != "" {
		settings.Timezone = req.Timezone
	}
	if req.Currency != "" {
		settings.Currency = strings.ToUpper(req.Currency)
	}
	if req.ExpansionHorizonDays != nil {
		settings.ExpansionHorizonDays = *req.ExpansionHorizonDays
	}

	if err := h.store.Set(r.Context(), settings); err != nil {
		h.logger.Error("failed to save clinic settings", "clinic_id", clinicID, "error", err)
		http.Error(w, `{"error": "failed to save settings"}`, http.StatusInternalServerError)
		return
	}

	h.logger.Info("clinic settings updated", "clinic_id", clinicID, "timezone", settings.Timezone)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(settings); err != nil {
		h.logger.Error("failed to encode clinic settings", "clinic_id", clinicID, "error", err)
	}
}

package audit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/odonto-platform/pkg/logging"
)

// Handler exposes the audit trail to back-office admins.
type Handler struct {
	service *Service
	logger  *logging.Logger
}

// NewHandler creates an audit HTTP handler.
func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if service == nil {
		panic("audit: service required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes mounts the audit routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/audit/{clinicID}", h.ListEvents)
}

// ListEvents returns the newest audit events of a clinic.
// GET /admin/audit/{clinicID}?types=recurrence.paused,recurrence.resumed&entity_id=&since=RFC3339&limit=50
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")
	if clinicID == "" {
		http.Error(w, `{"error": "clinic_id required"}`, http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	filter := Filter{ClinicID: clinicID, EntityID: q.Get("entity_id")}
	for _, raw := range strings.Split(q.Get("types"), ",") {
		if raw = strings.TrimSpace(raw); raw != "" {
			filter.Types = append(filter.Types, EventType(raw))
		}
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			http.Error(w, `{"error": "invalid since, use RFC3339 format"}`, http.StatusBadRequest)
			return
		}
		filter.StartTime = t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			http.Error(w, `{"error": "limit must be a positive integer"}`, http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	events, err := h.service.QueryEvents(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list audit events", "clinic_id", clinicID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []Event{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"events": events}); err != nil {
		h.logger.Error("failed to encode audit events", "clinic_id", clinicID, "error", err)
	}
}

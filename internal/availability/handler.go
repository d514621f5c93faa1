package availability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/odonto-platform/internal/audit"
	"github.com/wolfman30/odonto-platform/internal/tenancy"
	"github.com/wolfman30/odonto-platform/pkg/logging"
)

type slotResolver interface {
	ResolveSlots(ctx context.Context, req ResolveRequest) ([]Slot, error)
	IsBookable(ctx context.Context, clinicID, professionalID string, start time.Time) (bool, error)
}

// Handler serves weekly templates and free slots.
type Handler struct {
	templates TemplateStore
	resolver  slotResolver
	audit     audit.Recorder
	logger    *logging.Logger
	now       func() time.Time
}

// NewHandler creates the availability HTTP handler. recorder may be nil.
func NewHandler(templates TemplateStore, resolver slotResolver, recorder audit.Recorder, logger *logging.Logger) *Handler {
	if templates == nil || resolver == nil {
		panic("availability: templates and resolver required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		templates: templates,
		resolver:  resolver,
		audit:     recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// RegisterRoutes mounts the availability routes on a tenant-scoped router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/professionals/{professionalID}", func(r chi.Router) {
		r.Get("/availability", h.GetTemplate)
		r.Put("/availability", h.ReplaceTemplate)
		r.Get("/slots", h.ListSlots)
		r.Get("/slots/check", h.CheckSlot)
	})
}

// GetTemplate returns the professional's weekly template.
// GET /professionals/{professionalID}/availability
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	clinicID, professionalID, ok := h.scope(w, r)
	if !ok {
		return
	}

	tpl, err := h.templates.GetWeeklyTemplate(r.Context(), clinicID, professionalID)
	if err != nil {
		h.logger.Error("failed to load availability template", "clinic_id", clinicID, "professional_id", professionalID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load availability")
		return
	}
	if tpl.Days == nil {
		tpl.Days = []DayTemplate{}
	}
	writeJSON(w, http.StatusOK, tpl)
}

// ReplaceTemplateRequest is the body of a template save.
type ReplaceTemplateRequest struct {
	Days []DayTemplate `json:"days"`
}

// ReplaceTemplate swaps the whole weekly template atomically.
// PUT /professionals/{professionalID}/availability
func (h *Handler) ReplaceTemplate(w http.ResponseWriter, r *http.Request) {
	clinicID, professionalID, ok := h.scope(w, r)
	if !ok {
		return
	}

	var req ReplaceTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tpl := WeeklyTemplate{ProfessionalID: professionalID, Days: req.Days}
	if err := tpl.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.templates.ReplaceWeeklyTemplate(r.Context(), clinicID, tpl); err != nil {
		if errors.Is(err, ErrInvalidTemplate) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to save availability template", "clinic_id", clinicID, "professional_id", professionalID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not save availability")
		return
	}

	if h.audit != nil {
		if err := h.audit.Record(r.Context(), audit.EventTemplateReplaced, professionalID, map[string]any{"days": len(tpl.Days)}); err != nil {
			h.logger.Warn("audit record failed", "event", audit.EventTemplateReplaced, "error", err)
		}
	}
	h.logger.Info("availability template replaced", "clinic_id", clinicID, "professional_id", professionalID, "days", len(tpl.Days))
	if tpl.Days == nil {
		tpl.Days = []DayTemplate{}
	}
	writeJSON(w, http.StatusOK, tpl)
}

// ListSlots returns free slots between two dates (inclusive).
// GET /professionals/{professionalID}/slots?from=YYYY-MM-DD&to=YYYY-MM-DD&upcoming=true
func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	clinicID, professionalID, ok := h.scope(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	from, err := time.Parse(dateLayout, q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be YYYY-MM-DD")
		return
	}
	to := from
	if raw := q.Get("to"); raw != "" {
		if to, err = time.Parse(dateLayout, raw); err != nil {
			writeError(w, http.StatusBadRequest, "to must be YYYY-MM-DD")
			return
		}
	}

	req := ResolveRequest{ClinicID: clinicID, ProfessionalID: professionalID, From: from, To: to}
	if q.Get("upcoming") == "true" {
		req.NotBefore = h.now()
	}

	slots, err := h.resolver.ResolveSlots(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidRange) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to resolve slots", "clinic_id", clinicID, "professional_id", professionalID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not compute schedule")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": slots})
}

func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	clinicID, ok := tenancy.ClinicIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusBadRequest, "clinic_id required")
		return "", "", false
	}
	professionalID := strings.TrimSpace(chi.URLParam(r, "professionalID"))
	if professionalID == "" {
		writeError(w, http.StatusBadRequest, "professional_id required")
		return "", "", false
	}
	return clinicID, professionalID, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// CheckSlot tells a booking client whether a slot starting at start is free.
// GET /professionals/{professionalID}/slots/check?start=RFC3339
func (h *Handler) CheckSlot(w http.ResponseWriter, r *http.Request) {
	clinicID, professionalID, ok := h.scope(w, r)
	if !ok {
		return
	}
	start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be RFC3339")
		return
	}
	bookable, err := h.resolver.IsBookable(r.Context(), clinicID, professionalID, start)
	if err != nil {
		h.logger.Error("failed to check slot", "clinic_id", clinicID, "professional_id", professionalID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not compute schedule")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"start": start, "bookable": bookable})
}

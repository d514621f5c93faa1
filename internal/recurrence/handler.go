package recurrence

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/odonto-platform/internal/audit"
	"github.com/wolfman30/odonto-platform/internal/tenancy"
	"github.com/wolfman30/odonto-platform/internal/validation"
	"github.com/wolfman30/odonto-platform/pkg/logging"
)

// ExpandEnqueuer hands an expansion to a background worker and returns the job id.
type ExpandEnqueuer interface {
	EnqueueExpand(ctx context.Context, clinicID, recurrenceID string, horizon time.Time, catchUp bool) (string, error)
}

// Handler serves recurring definitions and their installments.
type Handler struct {
	service *Service
	queue   ExpandEnqueuer
	audit   audit.Recorder
	logger  *logging.Logger
}

// NewHandler creates the recurrence HTTP handler. queue and recorder may be nil;
// without a queue async expansion requests run synchronously.
func NewHandler(service *Service, queue ExpandEnqueuer, recorder audit.Recorder, logger *logging.Logger) *Handler {
	if service == nil {
		panic("recurrence: service required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, queue: queue, audit: recorder, logger: logger}
}

// RegisterRoutes mounts the recurrence routes on a tenant-scoped router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/recurrences", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Route("/{recurrenceID}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Put("/", h.Update)
			r.Delete("/", h.Delete)
			r.Post("/pause", h.Pause)
			r.Post("/resume", h.Resume)
			r.Post("/expand", h.Expand)
			r.Get("/installments", h.ListInstallments)
		})
	})
	r.Get("/installments", h.ListInstallments)
	r.Patch("/installments/{installmentID}", h.UpdateInstallment)
}

// DefinitionView is the JSON shape of a definition.
type DefinitionView struct {
	ID               string    `json:"id"`
	ClinicID         string    `json:"clinic_id"`
	Description      string    `json:"description"`
	Type             Type      `json:"type"`
	Frequency        Frequency `json:"frequency"`
	Amount           string    `json:"amount"`
	DueDay           *int      `json:"due_day,omitempty"`
	StartDate        string    `json:"start_date"`
	EndDate          *string   `json:"end_date,omitempty"`
	Active           bool      `json:"active"`
	LastGeneratedAt  *string   `json:"last_generated_at,omitempty"`
	NextGenerationAt *string   `json:"next_generation_at,omitempty"`
}

// NewDefinitionView formats a definition for responses.
func NewDefinitionView(d Definition) DefinitionView {
	return DefinitionView{
		ID:               d.ID,
		ClinicID:         d.ClinicID,
		Description:      d.Description,
		Type:             d.Type,
		Frequency:        d.Frequency,
		Amount:           d.Amount.StringFixed(2),
		DueDay:           d.DueDay,
		StartDate:        d.StartDate.Format(dateLayout),
		EndDate:          formatDate(d.EndDate),
		Active:           d.Active,
		LastGeneratedAt:  formatDate(d.LastGeneratedAt),
		NextGenerationAt: formatDate(d.NextGenerationAt),
	}
}

// List returns the clinic's definitions.
// GET /recurrences?active=true&type=payable&limit=50
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := clinicFrom(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var filter ListFilter
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "active must be true or false")
			return
		}
		filter.Active = &active
	}
	if raw := q.Get("type"); raw != "" {
		t, err := ParseType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "type must be payable or receivable")
			return
		}
		filter.Type = t
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}

	defs, err := h.service.List(r.Context(), clinicID, filter)
	if err != nil {
		h.logger.Error("failed to list recurrences", "clinic_id", clinicID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load recurrences")
		return
	}
	views := make([]DefinitionView, 0, len(defs))
	for _, d := range defs {
		views = append(views, NewDefinitionView(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"recurrences": views})
}

// Create stores a definition and generates its first installments.
// POST /recurrences
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := clinicFrom(w, r)
	if !ok {
		return
	}
	var in CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validation.Struct(in); err != nil {
		writeError(w, http.StatusBadRequest, validation.Format(err))
		return
	}

	def, result, err := h.service.Create(r.Context(), clinicID, in)
	if err != nil && def.ID == "" {
		h.writeServiceError(w, err, clinicID, "", "could not create recurrence")
		return
	}
	if err != nil {
		// The definition exists; the sweeper will pick up what expansion missed.
		h.logger.Warn("initial expansion failed", "clinic_id", clinicID, "recurrence_id", def.ID, "error", err)
	}
	h.record(r.Context(), audit.EventRecurrenceCreated, def.ID, map[string]any{
		"frequency": def.Frequency,
		"amount":    def.Amount.StringFixed(2),
		"created":   len(result.Created),
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"recurrence":   NewDefinitionView(def),
		"installments": result.Created,
	})
}

// Get returns one definition.
// GET /recurrences/{recurrenceID}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	clinicID, id, ok := scope(w, r)
	if !ok {
		return
	}
	def, err := h.service.Get(r.Context(), clinicID, id)
	if err != nil {
		h.writeServiceError(w, err, clinicID, id, "could not load recurrence")
		return
	}
	writeJSON(w, http.StatusOK, NewDefinitionView(def))
}

// Update changes the mutable fields of a definition.
// PUT /recurrences/{recurrenceID}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	clinicID, id, ok := scope(w, r)
	if !ok {
		return
	}
	var in UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validation.Struct(in); err != nil {
		writeError(w, http.StatusBadRequest, validation.Format(err))
		return
	}
	def, err := h.service.Update(r.Context(), clinicID, id, in)
	if err != nil {
		h.writeServiceError(w, err, clinicID, id, "could not update recurrence")
		return
	}
	h.record(r.Context(), audit.EventRecurrenceUpdated, id, in)
	writeJSON(w, http.StatusOK, NewDefinitionView(def))
}

// Delete soft-deletes a definition.
// DELETE /recurrences/{recurrenceID}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	clinicID, id, ok := scope(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), clinicID, id); err != nil {
		h.writeServiceError(w, err, clinicID, id, "could not delete recurrence")
		return
	}
	h.record(r.Context(), audit.EventRecurrenceDeleted, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// Pause deactivates a definition.
// POST /recurrences/{recurrenceID}/pause
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	clinicID, id, ok := scope(w, r)
	if !ok {
		return
	}
	def, err := h.service.Pause(r.Context(), clinicID, id)
	if err != nil {
		h.writeServiceError(w, err, clinicID, id, "could not pause recurrence")
		return
	}
	h.record(r.Context(), audit.EventRecurrencePaused, id, nil)
	writeJSON(w, http.StatusOK, NewDefinitionView(def))
}

// Resume reactivates a definition from today onward.
// POST /recurrences/{recurrenceID}/resume
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	clinicID, id, ok := scope(w, r)
	if !ok {
		return
	}
	def, err := h.service.Resume(r.Context(), clinicID, id)
	if err != nil {
		h.writeServiceError(w, err, clinicID, id, "could not resume recurrence")
		return
	}
	h.record(r.Context(), audit.EventRecurrenceResumed, id, map[string]any{"next_generation_at": formatDate(def.NextGenerationAt)})
	writeJSON(w, http.StatusOK, NewDefinitionView(def))
}

// ExpandRequest is the optional body of an expand call.
type ExpandRequest struct {
	Horizon string `json:"horizon,omitempty" validate:"omitempty,datetime=2006-01-02"`
	CatchUp bool   `json:"catch_up,omitempty"`
	Async   bool   `json:"async,omitempty"`
}

// Expand generates installments up to a horizon.
// POST /recurrences/{recurrenceID}/expand
func (h *Handler) Expand(w http.ResponseWriter, r *http.Request) {
	clinicID, id, ok := scope(w, r)
	if !ok {
		return
	}
	var req ExpandRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if err := validation.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validation.Format(err))
		return
	}
	var horizon time.Time
	if req.Horizon != "" {
		horizon, _ = time.Parse(dateLayout, req.Horizon)
	} else {
		horizon = h.service.DefaultHorizon()
	}

	if req.Async && h.queue != nil {
		if _, err := h.service.Get(r.Context(), clinicID, id); err != nil {
			h.writeServiceError(w, err, clinicID, id, "could not generate installments")
			return
		}
		jobID, err := h.queue.EnqueueExpand(r.Context(), clinicID, id, horizon, req.CatchUp)
		if err != nil {
			h.logger.Error("failed to enqueue expansion", "clinic_id", clinicID, "recurrence_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "could not schedule expansion")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "status": "pending"})
		return
	}

	result, err := h.service.Expand(r.Context(), clinicID, id, horizon, ExpandOptions{CatchUp: req.CatchUp, Trigger: TriggerAPI})
	if err != nil {
		h.writeServiceError(w, err, clinicID, id, "could not generate installments")
		return
	}
	if len(result.Created) > 0 {
		h.record(r.Context(), audit.EventRecurrenceExpanded, id, map[string]any{
			"created": len(result.Created),
			"horizon": horizon.Format(dateLayout),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

// ListInstallments lists installments, for one definition when mounted under it.
// GET /recurrences/{recurrenceID}/installments, GET /installments?status=open&from=&to=
func (h *Handler) ListInstallments(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := clinicFrom(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := InstallmentFilter{RecurrenceID: strings.TrimSpace(chi.URLParam(r, "recurrenceID"))}
	if raw := q.Get("status"); raw != "" {
		status, err := ParseInstallmentStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "status must be open, paid or cancelled")
			return
		}
		filter.Status = status
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(dateLayout, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, name+" must be YYYY-MM-DD")
			return
		}
		*dst = &t
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}

	items, err := h.service.ListInstallments(r.Context(), clinicID, filter)
	if err != nil {
		h.writeServiceError(w, err, clinicID, filter.RecurrenceID, "could not load installments")
		return
	}
	if items == nil {
		items = []Installment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"installments": items})
}

// UpdateInstallmentRequest changes an installment's settlement status.
type UpdateInstallmentRequest struct {
	Status InstallmentStatus `json:"status" validate:"required,oneof=open paid cancelled"`
}

// UpdateInstallment marks an installment paid or cancelled.
// PATCH /installments/{installmentID}
func (h *Handler) UpdateInstallment(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := clinicFrom(w, r)
	if !ok {
		return
	}
	installmentID := strings.TrimSpace(chi.URLParam(r, "installmentID"))
	var req UpdateInstallmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validation.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validation.Format(err))
		return
	}
	inst, err := h.service.SetInstallmentStatus(r.Context(), clinicID, installmentID, req.Status)
	if err != nil {
		h.writeServiceError(w, err, clinicID, "", "could not update installment")
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, clinicID, recurrenceID, fallback string) {
	switch {
	case errors.Is(err, ErrRecurrenceNotFound):
		writeError(w, http.StatusNotFound, "recurrence not found")
	case errors.Is(err, ErrInstallmentNotFound):
		writeError(w, http.StatusNotFound, "installment not found")
	case errors.Is(err, ErrRecurrenceInactive):
		writeError(w, http.StatusConflict, "recurrence is inactive")
	case errors.Is(err, ErrInvalidDefinition):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error(fallback, "clinic_id", clinicID, "recurrence_id", recurrenceID, "error", err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func (h *Handler) record(ctx context.Context, event audit.EventType, entityID string, details any) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Record(ctx, event, entityID, details); err != nil {
		h.logger.Warn("audit record failed", "event", event, "error", err)
	}
}

func clinicFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	clinicID, ok := tenancy.ClinicIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusBadRequest, "clinic_id required")
		return "", false
	}
	return clinicID, true
}

func scope(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	clinicID, ok := clinicFrom(w, r)
	if !ok {
		return "", "", false
	}
	id := strings.TrimSpace(chi.URLParam(r, "recurrenceID"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "recurrence_id required")
		return "", "", false
	}
	return clinicID, id, true
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(dateLayout)
	return &s
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

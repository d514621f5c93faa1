package expansion

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/odonto-platform/internal/tenancy"
	"github.com/wolfman30/odonto-platform/pkg/logging"
)

// Handler exposes expansion job status.
type Handler struct {
	jobs   JobRecorder
	logger *logging.Logger
}

func NewHandler(jobs JobRecorder, logger *logging.Logger) *Handler {
	if jobs == nil {
		panic("expansion: job store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{jobs: jobs, logger: logger}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/expansion-jobs/{jobID}", h.GetJob)
}

// GetJob returns a job owned by the caller's clinic.
// GET /expansion-jobs/{jobID}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := tenancy.ClinicIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusBadRequest, "clinic_id required")
		return
	}
	jobID := strings.TrimSpace(chi.URLParam(r, "jobID"))
	job, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("failed to load expansion job", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load job")
		return
	}
	if job.ClinicID != clinicID {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(job)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

package jobs

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reelsmith/backend/internal/credits"
	"github.com/reelsmith/backend/internal/middleware"
	"github.com/reelsmith/backend/internal/models"
)

type CreateJobRequest struct {
	ProjectID       string `json:"project_id"`
	DurationSeconds int    `json:"duration_seconds"`
}

type JobResponse struct {
	ID                  string          `json:"id"`
	ProjectID           string          `json:"project_id"`
	Status              string          `json:"status"`
	Progress            int             `json:"progress"`
	CostCreditsReserved int64           `json:"cost_credits_reserved"`
	CostCreditsFinal    *int64          `json:"cost_credits_final,omitempty"`
	ErrorCode           *string         `json:"error_code,omitempty"`
	ErrorMessage        *string         `json:"error_message,omitempty"`
	CheckpointState     json.RawMessage `json:"checkpoint_state,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	FinishedAt          *time.Time      `json:"finished_at,omitempty"`
}

type RetryStepRequest struct {
	StepName string `json:"step_name"`
}

type RetryStepResponse struct {
	Success             bool   `json:"success"`
	Message             string `json:"message"`
	StepName            string `json:"stepName"`
	NewStatus           string `json:"newStatus"`
	CheckpointPreserved bool   `json:"checkpointPreserved"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// CreateJob handles POST /api/v1/jobs: reserve credits + enqueue the render.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		http.Error(w, `{"error":"invalid project_id"}`, http.StatusBadRequest)
		return
	}
	if req.DurationSeconds <= 0 {
		http.Error(w, `{"error":"duration_seconds must be > 0"}`, http.StatusBadRequest)
		return
	}

	job, err := h.svc.Create(r.Context(), userID, projectID, req.DurationSeconds)
	if err != nil {
		var insufficient *credits.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":     "insufficient credits",
				"required":  insufficient.Required,
				"available": insufficient.Available,
			})
			return
		}
		h.log.Error("create job failed", "error", err)
		http.Error(w, `{"error":"create job failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, jobToResponse(job))
}

// GetJob handles GET /api/v1/jobs/{id}. Unknown and not-owned jobs both
// answer 404 so job IDs do not leak across users.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	jobID, ok := extractJobID(r)
	if !ok {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}
	job, err := h.svc.Get(r.Context(), jobID, userID)
	if err != nil {
		h.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

// ListJobs handles GET /api/v1/jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	list, err := h.svc.List(r.Context(), userID)
	if err != nil {
		h.log.Error("list jobs failed", "error", err)
		http.Error(w, `{"error":"list jobs failed"}`, http.StatusInternalServerError)
		return
	}
	resp := make([]JobResponse, 0, len(list))
	for _, j := range list {
		resp = append(resp, jobToResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListSteps handles GET /api/v1/jobs/{id}/steps.
func (h *Handler) ListSteps(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	jobID, ok := extractJobID(r)
	if !ok {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}
	steps, err := h.svc.Steps(r.Context(), jobID, userID)
	if err != nil {
		h.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

// RetryStep handles POST /api/v1/jobs/{id}/retry.
func (h *Handler) RetryStep(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	jobID, ok := extractJobID(r)
	if !ok {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}
	var req RetryStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.StepName == "" {
		http.Error(w, `{"error":"step_name is required"}`, http.StatusBadRequest)
		return
	}

	result, err := h.svc.RetryStep(r.Context(), jobID, req.StepName, userID)
	if err != nil {
		h.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RetryStepResponse{
		Success:             true,
		Message:             "step " + result.StepName + " queued for retry from checkpoint",
		StepName:            result.StepName,
		NewStatus:           string(result.NewStatus),
		CheckpointPreserved: true,
	})
}

// Cancel handles POST /api/v1/jobs/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	jobID, ok := extractJobID(r)
	if !ok {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}
	if err := h.svc.Cancel(r.Context(), jobID, userID); err != nil {
		h.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.StatusFailed)})
}

// writeJobError maps service errors onto the HTTP contract: missing and
// not-owned are both 404, state violations are 400 with the condition named.
func (h *Handler) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
	case errors.Is(err, ErrInvalidState):
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
	default:
		h.log.Error("job operation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func jobToResponse(j *models.Job) JobResponse {
	return JobResponse{
		ID:                  j.ID.String(),
		ProjectID:           j.ProjectID.String(),
		Status:              string(j.Status),
		Progress:            j.Progress,
		CostCreditsReserved: j.CostCreditsReserved,
		CostCreditsFinal:    j.CostCreditsFinal,
		ErrorCode:           j.ErrorCode,
		ErrorMessage:        j.ErrorMessage,
		CheckpointState:     j.CheckpointState,
		CreatedAt:           j.CreatedAt,
		FinishedAt:          j.FinishedAt,
	}
}

// extractJobID parses the job UUID from paths like /api/v1/jobs/{id},
// /api/v1/jobs/{id}/retry, /api/v1/jobs/{id}/cancel.
func extractJobID(r *http.Request) (uuid.UUID, bool) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

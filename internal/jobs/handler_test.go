package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/reelsmith/backend/internal/middleware"
	"github.com/reelsmith/backend/internal/models"
)

func newTestHandler() (*Handler, *service, *memRepo, uuid.UUID) {
	svc, repo, _, _ := newTestService()
	return NewHandler(svc, nil), svc, repo, uuid.New()
}

// asUser stamps the request with the account ID the auth middleware would
// have resolved from the bearer token.
func asUser(r *http.Request, userID uuid.UUID) *http.Request {
	return r.WithContext(middleware.WithUserID(r.Context(), userID))
}

func postRetry(t *testing.T, h *Handler, userID, jobID uuid.UUID, stepName string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(RetryStepRequest{StepName: stepName})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+jobID.String()+"/retry", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.RetryStep(rec, asUser(req, userID))
	return rec
}

func TestRetryStepHandler(t *testing.T) {
	h, svc, repo, user := newTestHandler()
	job, err := svc.Create(context.Background(), user, uuid.New(), 30)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	failJobAt(t, repo, job.ID, models.StatusImageGen)

	rec := postRetry(t, h, user, job.ID, "IMAGE_GEN")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	var resp RetryStepResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Error("success: got false, want true")
	}
	if resp.StepName != "IMAGE_GEN" || resp.NewStatus != "IMAGE_GEN" {
		t.Errorf("step fields: got %q/%q, want IMAGE_GEN", resp.StepName, resp.NewStatus)
	}
	if !resp.CheckpointPreserved {
		t.Error("checkpointPreserved: got false, want true")
	}

	// The raw body must use the documented camelCase keys.
	for _, key := range []string{`"stepName"`, `"newStatus"`, `"checkpointPreserved"`} {
		if !strings.Contains(rec.Body.String(), key) {
			t.Errorf("response body missing key %s: %s", key, rec.Body.String())
		}
	}
}

func TestRetryStepHandlerBadState(t *testing.T) {
	h, svc, repo, user := newTestHandler()
	job, err := svc.Create(context.Background(), user, uuid.New(), 30)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	failJobAt(t, repo, job.ID, models.StatusVoiceGen)

	cases := []struct {
		name        string
		stepName    string
		wantMessage string
	}{
		{"unknown step", "NOT_A_STEP", "unknown step"},
		{"not retriable", "SCRIPTING", "cannot be retried individually"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := postRetry(t, h, user, job.ID, c.stepName)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status: got %d, want 400", rec.Code)
			}
			var resp struct {
				Success bool   `json:"success"`
				Error   string `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Success {
				t.Error("success should be false")
			}
			if !strings.Contains(resp.Error, c.wantMessage) {
				t.Errorf("error %q should mention %q", resp.Error, c.wantMessage)
			}
		})
	}

	t.Run("not FAILED", func(t *testing.T) {
		repo.setStatus(job.ID, models.StatusRendering, 80)
		rec := postRetry(t, h, user, job.ID, "RENDERING")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status: got %d, want 400", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "only FAILED jobs can be retried") {
			t.Errorf("body: %s", rec.Body.String())
		}
	})
}

// Unknown jobs and other users' jobs look identical from outside: 404.
func TestRetryStepHandlerNotFound(t *testing.T) {
	h, svc, repo, user := newTestHandler()

	rec := postRetry(t, h, user, uuid.New(), "IMAGE_GEN")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job: got %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "job not found") {
		t.Errorf("body: %s", rec.Body.String())
	}

	other, err := svc.Create(context.Background(), uuid.New(), uuid.New(), 30)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	failJobAt(t, repo, other.ID, models.StatusImageGen)
	rec = postRetry(t, h, user, other.ID, "IMAGE_GEN")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign job: got %d, want 404 (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestRetryStepHandlerMissingStepName(t *testing.T) {
	h, _, _, user := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+uuid.NewString()+"/retry", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.RetryStep(rec, asUser(req, user))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", rec.Code)
	}
}

func TestCreateJobHandler(t *testing.T) {
	h, _, _, user := newTestHandler()
	body, _ := json.Marshal(CreateJobRequest{ProjectID: uuid.NewString(), DurationSeconds: 30})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.CreateJob(rec, asUser(req, user))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status: got %d, want 201 (body: %s)", rec.Code, rec.Body.String())
	}
	var resp JobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(models.StatusQueued) || resp.Progress != 0 {
		t.Errorf("new job: got %s/%d, want QUEUED/0", resp.Status, resp.Progress)
	}
	if resp.CostCreditsReserved != 80 {
		t.Errorf("reserved: got %d, want 80", resp.CostCreditsReserved)
	}
}

// Requests that bypassed the auth middleware carry no account ID and are
// rejected.
func TestHandlerUnauthorized(t *testing.T) {
	h, _, _, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	rec := httptest.NewRecorder()
	h.ListJobs(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("request without identity: got %d, want 401", rec.Code)
	}
}

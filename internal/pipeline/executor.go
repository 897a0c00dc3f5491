package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reelsmith/backend/internal/models"
)

const stepTimeout = 10 * time.Minute

// stepRequest is the JSON body sent to a render service.
type stepRequest struct {
	JobID      uuid.UUID       `json:"job_id"`
	ProjectID  uuid.UUID       `json:"project_id"`
	Step       string          `json:"step"`
	Checkpoint json.RawMessage `json:"checkpoint,omitempty"`
}

// stepResponse is what a render service returns on 2xx.
type stepResponse struct {
	Artifact    json.RawMessage `json:"artifact"`
	CostCredits int64           `json:"cost_credits,omitempty"`
}

// stepError is the 4xx body shape.
type stepError struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// HTTPStepExecutor invokes the external render services over HTTP, one
// endpoint per step (POST {base}/{step}). 4xx is a definitive step failure;
// network errors and 5xx are transient and retried by the queue.
type HTTPStepExecutor struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPStepExecutor(baseURL string) *HTTPStepExecutor {
	return &HTTPStepExecutor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: stepTimeout},
	}
}

var _ StepExecutor = (*HTTPStepExecutor)(nil)

func (e *HTTPStepExecutor) ExecuteStep(ctx context.Context, job *models.Job, step models.JobStatus) (json.RawMessage, int64, error) {
	body, err := json.Marshal(stepRequest{
		JobID:      job.ID,
		ProjectID:  job.ProjectID,
		Step:       string(step),
		Checkpoint: job.CheckpointState,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal step request: %w", err)
	}

	url := e.baseURL + "/" + strings.ToLower(string(step))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("create step request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("call render service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out stepResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, 0, &StepFailedError{Code: "bad_artifact", Message: "render service returned invalid JSON"}
		}
		return out.Artifact, out.CostCredits, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var se stepError
		if err := json.NewDecoder(resp.Body).Decode(&se); err != nil || se.ErrorCode == "" {
			se.ErrorCode = "step_rejected"
			se.ErrorMessage = fmt.Sprintf("render service returned status %d", resp.StatusCode)
		}
		return nil, 0, &StepFailedError{Code: se.ErrorCode, Message: se.ErrorMessage}

	default:
		return nil, 0, fmt.Errorf("render service returned status %d", resp.StatusCode)
	}
}

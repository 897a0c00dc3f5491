package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/reelsmith/backend/internal/models"
)

// RenderArgs enqueues pipeline execution for one job. The queue row is the
// durable claim: River guarantees a single executing run per enqueued job,
// and the step-level claim below guards against duplicate enqueues.
type RenderArgs struct {
	JobID uuid.UUID `json:"job_id"`
}

func (RenderArgs) Kind() string { return "render_video" }

// StepResult is what one step execution reports into the job state machine.
type StepResult struct {
	Step         models.JobStatus
	OK           bool
	Artifact     json.RawMessage
	CostCredits  int64 // optional true cost reported by the final step
	ErrorCode    string
	ErrorMessage string
}

// JobService is the contract the worker needs to claim steps and report
// their outcomes. Implemented by the jobs service.
type JobService interface {
	// ClaimNextStep returns the job and the step the worker now owns.
	// ok=false means there is nothing to run: the job is terminal or
	// another worker holds the current step.
	ClaimNextStep(ctx context.Context, jobID uuid.UUID) (*models.Job, models.JobStatus, bool, error)
	// ReleaseStep gives a claimed step back (transient failure, will retry).
	ReleaseStep(ctx context.Context, jobID uuid.UUID, step models.JobStatus) error
	Advance(ctx context.Context, jobID uuid.UUID, res StepResult) error
}

// StepFailedError marks a definitive step failure: the render service
// rejected the step, so the job fails rather than the queue retrying.
type StepFailedError struct {
	Code    string
	Message string
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step failed (%s): %s", e.Code, e.Message)
}

// StepExecutor runs one pipeline step against the external render services
// and returns the artifact reference it produced. Transient failures come
// back as plain errors (retried with backoff by the queue); definitive ones
// as *StepFailedError.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, job *models.Job, step models.JobStatus) (artifact json.RawMessage, costCredits int64, err error)
}

// RenderWorker drives a job through its pipeline steps one at a time.
// Credits were reserved before this worker ever runs; no lock is held
// across the external calls.
type RenderWorker struct {
	river.WorkerDefaults[RenderArgs]
	jobs     JobService
	executor StepExecutor
	log      *slog.Logger
}

func NewRenderWorker(jobs JobService, executor StepExecutor, log *slog.Logger) *RenderWorker {
	if log == nil {
		log = slog.Default()
	}
	return &RenderWorker{jobs: jobs, executor: executor, log: log}
}

func (w *RenderWorker) Work(ctx context.Context, rjob *river.Job[RenderArgs]) error {
	jobID := rjob.Args.JobID
	for {
		job, step, ok, err := w.jobs.ClaimNextStep(ctx, jobID)
		if err != nil {
			return fmt.Errorf("claim step for job %s: %w", jobID, err)
		}
		if !ok {
			return nil
		}

		artifact, cost, err := w.executor.ExecuteStep(ctx, job, step)
		if err != nil {
			var failed *StepFailedError
			if errors.As(err, &failed) {
				res := StepResult{
					Step:         step,
					ErrorCode:    failed.Code,
					ErrorMessage: failed.Message,
				}
				if aerr := w.jobs.Advance(ctx, jobID, res); aerr != nil {
					return fmt.Errorf("record step failure: %w", aerr)
				}
				w.log.Warn("pipeline step failed", "job_id", jobID, "step", step, "code", failed.Code)
				return nil
			}
			// Transient: hand the claim back so the retried run can take it.
			if rerr := w.jobs.ReleaseStep(ctx, jobID, step); rerr != nil {
				w.log.Error("release step claim failed", "job_id", jobID, "step", step, "error", rerr)
			}
			return fmt.Errorf("execute step %s: %w", step, err)
		}

		res := StepResult{Step: step, OK: true, Artifact: artifact, CostCredits: cost}
		if err := w.jobs.Advance(ctx, jobID, res); err != nil {
			return fmt.Errorf("advance job %s past %s: %w", jobID, step, err)
		}
	}
}

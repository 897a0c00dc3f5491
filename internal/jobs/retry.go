package jobs

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/reelsmith/backend/internal/models"
	"github.com/reelsmith/backend/internal/pipeline"
)

// RetryStep resumes a FAILED job from the named step using the checkpoint
// artifacts of the steps that already completed. The original reservation is
// reused: retry never touches the ledger, so a job can fail and retry any
// number of times without a second charge.
//
// The FAILED -> step transition is a compare-and-swap: if the job's status
// changed between the read and the commit the retry fails with
// ErrInvalidState and the caller re-fetches.
func (s *service) RetryStep(ctx context.Context, jobID uuid.UUID, stepName string, userID uuid.UUID) (*RetryResult, error) {
	step, ok := models.ParseJobStatus(stepName)
	if !ok || !step.IsStep() {
		return nil, fmt.Errorf("unknown step %q: %w", stepName, ErrInvalidState)
	}

	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrForbidden
	}
	if !step.CanRetry() {
		return nil, fmt.Errorf("step %s cannot be retried individually: %w", step, ErrInvalidState)
	}
	if job.Status != models.StatusFailed {
		return nil, fmt.Errorf("job is %s, only FAILED jobs can be retried: %w", job.Status, ErrInvalidState)
	}
	if !job.HasCheckpoint() {
		return nil, fmt.Errorf("job has no checkpoint to resume from: %w", ErrInvalidState)
	}

	progress, _ := step.Progress()

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin retry tx: %w", err)
	}
	defer tx.Rollback(ctx)

	swapped, err := s.repo.ResetForRetryTx(ctx, tx, jobID, step, progress)
	if err != nil {
		return nil, fmt.Errorf("reset job for retry: %w", err)
	}
	if !swapped {
		return nil, fmt.Errorf("job is no longer FAILED: %w", ErrInvalidState)
	}
	if err := s.repo.ResetStepTx(ctx, tx, jobID, step); err != nil {
		return nil, fmt.Errorf("reset step row: %w", err)
	}
	if err := s.enqueueRender(ctx, tx, pipeline.RenderArgs{JobID: jobID}); err != nil {
		return nil, fmt.Errorf("enqueue render: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit retry tx: %w", err)
	}

	return &RetryResult{
		StepName:  string(step),
		NewStatus: step,
		Progress:  progress,
	}, nil
}

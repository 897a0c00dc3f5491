package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/reelsmith/backend/internal/credits"
	"github.com/reelsmith/backend/internal/models"
	"github.com/reelsmith/backend/internal/pipeline"
)

var (
	// ErrNotFound means the job does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrForbidden means the job is not owned by the caller.
	ErrForbidden = errors.New("job not owned by caller")
	// ErrInvalidState means the requested operation is not legal for the
	// job's current state; the wrapping message names the condition.
	ErrInvalidState = errors.New("invalid job state")
)

// Pricing: a flat base plus per-second rate, reserved up front before any
// external pipeline call.
const (
	baseCostCredits    = 20
	costPerSecond      = 2
	maxDurationSeconds = 180
)

// EstimateCost returns the credits reserved for a render of the given length.
func EstimateCost(durationSeconds int) int64 {
	return baseCostCredits + int64(durationSeconds)*costPerSecond
}

// Repo is the persistence surface the service needs. *Repository satisfies
// it; tests use an in-memory implementation.
type Repo interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error
	SeedStepsTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) error
	GetByID(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Job, error)
	Transition(ctx context.Context, jobID uuid.UUID, from, to models.JobStatus, progress int) (bool, error)
	MarkFailed(ctx context.Context, jobID uuid.UUID, from models.JobStatus, code, message string) (bool, error)
	MarkReady(ctx context.Context, jobID uuid.UUID, from models.JobStatus, finalCost int64) (bool, error)
	MergeCheckpoint(ctx context.Context, jobID uuid.UUID, step models.JobStatus, artifact json.RawMessage) error
	ResetForRetryTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, step models.JobStatus, progress int) (bool, error)
	ClaimStep(ctx context.Context, jobID uuid.UUID, step models.JobStatus) (bool, error)
	ReleaseStep(ctx context.Context, jobID uuid.UUID, step models.JobStatus) error
	MarkStepSucceeded(ctx context.Context, jobID uuid.UUID, step models.JobStatus) error
	MarkStepFailed(ctx context.Context, jobID uuid.UUID, step models.JobStatus, message string) error
	ResetStepTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, step models.JobStatus) error
	ListSteps(ctx context.Context, jobID uuid.UUID) ([]*models.JobStep, error)
}

// CreditsService is the reservation-manager surface the state machine uses.
type CreditsService interface {
	Reserve(ctx context.Context, tx pgx.Tx, userID, jobID uuid.UUID, amount int64) error
	Release(ctx context.Context, jobID uuid.UUID, note string) (int64, error)
	Finalize(ctx context.Context, userID, jobID uuid.UUID, finalCost int64) error
	RefundPolicy() credits.Policy
}

// EnqueueRenderTxFunc enqueues pipeline execution within the given
// transaction. Provided by main using river.Client.InsertTx so the enqueue
// commits or rolls back together with the reservation and job row.
type EnqueueRenderTxFunc func(ctx context.Context, tx pgx.Tx, args pipeline.RenderArgs) error

// RetryResult reports a successful user-initiated step retry.
type RetryResult struct {
	StepName  string
	NewStatus models.JobStatus
	Progress  int
}

type Service interface {
	Create(ctx context.Context, userID, projectID uuid.UUID, durationSeconds int) (*models.Job, error)
	Get(ctx context.Context, jobID, userID uuid.UUID) (*models.Job, error)
	List(ctx context.Context, userID uuid.UUID) ([]*models.Job, error)
	Steps(ctx context.Context, jobID, userID uuid.UUID) ([]*models.JobStep, error)
	RetryStep(ctx context.Context, jobID uuid.UUID, stepName string, userID uuid.UUID) (*RetryResult, error)
	Cancel(ctx context.Context, jobID, userID uuid.UUID) error
}

type service struct {
	repo          Repo
	credits       CreditsService
	enqueueRender EnqueueRenderTxFunc
}

// NewService creates the job state machine service. enqueueRender is
// typically a closure over river.Client.InsertTx. Returns *service so it can
// be used as pipeline.JobService for the render worker.
func NewService(repo Repo, credits CreditsService, enqueueRender EnqueueRenderTxFunc) *service {
	return &service{repo: repo, credits: credits, enqueueRender: enqueueRender}
}

var _ Service = (*service)(nil)
var _ pipeline.JobService = (*service)(nil)

// Create reserves credits, inserts the job and its step rows, and enqueues
// pipeline execution, all in one transaction. A failure anywhere rolls the
// reservation back with the rest, so no stranded hold can survive.
func (s *service) Create(ctx context.Context, userID, projectID uuid.UUID, durationSeconds int) (*models.Job, error) {
	if durationSeconds <= 0 || durationSeconds > maxDurationSeconds {
		return nil, fmt.Errorf("duration must be 1-%d seconds, got %d", maxDurationSeconds, durationSeconds)
	}
	cost := EstimateCost(durationSeconds)

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job := &models.Job{
		ID:                  uuid.New(),
		ProjectID:           projectID,
		UserID:              userID,
		CostCreditsReserved: cost,
	}
	if err := s.credits.Reserve(ctx, tx, userID, job.ID, cost); err != nil {
		return nil, err
	}
	if err := s.repo.CreateTx(ctx, tx, job); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	if err := s.repo.SeedStepsTx(ctx, tx, job.ID); err != nil {
		return nil, fmt.Errorf("seed job steps: %w", err)
	}
	if err := s.enqueueRender(ctx, tx, pipeline.RenderArgs{JobID: job.ID}); err != nil {
		return nil, fmt.Errorf("enqueue render: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create tx: %w", err)
	}
	return job, nil
}

func (s *service) Get(ctx context.Context, jobID, userID uuid.UUID) (*models.Job, error) {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrForbidden
	}
	return job, nil
}

func (s *service) List(ctx context.Context, userID uuid.UUID) ([]*models.Job, error) {
	return s.repo.ListByUser(ctx, userID)
}

func (s *service) Steps(ctx context.Context, jobID, userID uuid.UUID) ([]*models.JobStep, error) {
	if _, err := s.Get(ctx, jobID, userID); err != nil {
		return nil, err
	}
	return s.repo.ListSteps(ctx, jobID)
}

// Cancel aborts a running job: transition to FAILED, then the normal
// refund-policy release path. Terminal jobs cannot be canceled.
func (s *service) Cancel(ctx context.Context, jobID, userID uuid.UUID) error {
	job, err := s.Get(ctx, jobID, userID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("job is already %s: %w", job.Status, ErrInvalidState)
	}
	swapped, err := s.repo.MarkFailed(ctx, jobID, job.Status, "canceled", "canceled by user")
	if err != nil {
		return fmt.Errorf("mark canceled: %w", err)
	}
	if !swapped {
		return fmt.Errorf("job state changed concurrently: %w", ErrInvalidState)
	}
	return s.releasePerPolicy(ctx, job, "job canceled - credits refunded")
}

// ClaimNextStep implements pipeline.JobService. It moves QUEUED jobs into
// SCRIPTING and takes the step-level claim; ok=false when the job is
// terminal or another worker owns the current step.
//
// Terminal jobs get their settlement re-run before reporting nothing to do.
// When Release or Finalize failed transiently after the terminal status
// committed, the queue retry lands here, and this is the pass that makes the
// settlement stick. Both settlement halves are idempotent, so the common
// case (settlement already landed) is a no-op.
func (s *service) ClaimNextStep(ctx context.Context, jobID uuid.UUID) (*models.Job, models.JobStatus, bool, error) {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, "", false, err
	}
	if job.Status.IsTerminal() {
		if err := s.settleTerminal(ctx, job); err != nil {
			return nil, "", false, err
		}
		return nil, "", false, nil
	}

	step := job.Status
	if job.Status == models.StatusQueued {
		first, _ := models.StatusQueued.Next()
		progress, _ := first.Progress()
		swapped, err := s.repo.Transition(ctx, jobID, models.StatusQueued, first, progress)
		if err != nil {
			return nil, "", false, err
		}
		if !swapped {
			return nil, "", false, nil
		}
		job.Status = first
		job.Progress = progress
		step = first
	}
	if !step.IsStep() {
		return nil, "", false, nil
	}

	claimed, err := s.repo.ClaimStep(ctx, jobID, step)
	if err != nil {
		return nil, "", false, err
	}
	if !claimed {
		return nil, "", false, nil
	}
	return job, step, true, nil
}

// ReleaseStep implements pipeline.JobService.
func (s *service) ReleaseStep(ctx context.Context, jobID uuid.UUID, step models.JobStatus) error {
	return s.repo.ReleaseStep(ctx, jobID, step)
}

// Advance implements pipeline.JobService: it persists a step's terminal
// outcome and moves the state machine. On terminal success it finalizes the
// reservation; on terminal failure it applies the refund policy.
func (s *service) Advance(ctx context.Context, jobID uuid.UUID, res pipeline.StepResult) error {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != res.Step {
		// Someone moved the job while the step ran (cancel, concurrent
		// failure path). Terminal states win; anything else is a bug.
		return s.staleTransition(ctx, jobID, res.Step)
	}
	if res.OK {
		return s.advanceSucceeded(ctx, job, res)
	}
	return s.advanceFailed(ctx, job, res)
}

func (s *service) advanceSucceeded(ctx context.Context, job *models.Job, res pipeline.StepResult) error {
	if err := s.repo.MarkStepSucceeded(ctx, job.ID, res.Step); err != nil {
		return fmt.Errorf("mark step succeeded: %w", err)
	}
	if len(res.Artifact) > 0 {
		if err := s.repo.MergeCheckpoint(ctx, job.ID, res.Step, res.Artifact); err != nil {
			return fmt.Errorf("merge checkpoint: %w", err)
		}
	}

	next, ok := res.Step.Next()
	if !ok {
		return fmt.Errorf("step %s has no successor", res.Step)
	}
	if next == models.StatusReady {
		finalCost := res.CostCredits
		if finalCost <= 0 {
			finalCost = job.CostCreditsReserved
		}
		swapped, err := s.repo.MarkReady(ctx, job.ID, res.Step, finalCost)
		if err != nil {
			return fmt.Errorf("mark ready: %w", err)
		}
		if !swapped {
			return s.staleTransition(ctx, job.ID, res.Step)
		}
		if err := s.credits.Finalize(ctx, job.UserID, job.ID, finalCost); err != nil {
			return fmt.Errorf("finalize credits: %w", err)
		}
		return nil
	}

	progress, _ := next.Progress()
	swapped, err := s.repo.Transition(ctx, job.ID, res.Step, next, progress)
	if err != nil {
		return fmt.Errorf("transition %s -> %s: %w", res.Step, next, err)
	}
	if !swapped {
		return s.staleTransition(ctx, job.ID, res.Step)
	}
	return nil
}

func (s *service) advanceFailed(ctx context.Context, job *models.Job, res pipeline.StepResult) error {
	if err := s.repo.MarkStepFailed(ctx, job.ID, res.Step, res.ErrorMessage); err != nil {
		return fmt.Errorf("mark step failed: %w", err)
	}
	code := res.ErrorCode
	if code == "" {
		code = "step_failed"
	}
	swapped, err := s.repo.MarkFailed(ctx, job.ID, res.Step, code, res.ErrorMessage)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	if !swapped {
		return s.staleTransition(ctx, job.ID, res.Step)
	}
	return s.releasePerPolicy(ctx, job, failureReleaseNote(job.Progress))
}

// settleTerminal re-runs the credit settlement a finished job owes: the
// refund-policy release for FAILED, the final-cost settlement for READY. An
// error means the settlement still has not landed and the queue job must be
// retried.
func (s *service) settleTerminal(ctx context.Context, job *models.Job) error {
	switch job.Status {
	case models.StatusFailed:
		return s.releasePerPolicy(ctx, job, failureReleaseNote(job.Progress))
	case models.StatusReady:
		finalCost := job.CostCreditsReserved
		if job.CostCreditsFinal != nil {
			finalCost = *job.CostCreditsFinal
		}
		if err := s.credits.Finalize(ctx, job.UserID, job.ID, finalCost); err != nil {
			return fmt.Errorf("finalize credits: %w", err)
		}
	}
	return nil
}

func failureReleaseNote(progress int) string {
	return fmt.Sprintf("job failed at %d%% progress - credits refunded", progress)
}

// releasePerPolicy asks the refund policy whether the failure is cheap
// enough to refund; past the threshold the reserve rows stand as the charge.
func (s *service) releasePerPolicy(ctx context.Context, job *models.Job, note string) error {
	refund := s.credits.RefundPolicy().RefundAmount(job.CostCreditsReserved, job.Progress)
	if refund == 0 {
		return nil
	}
	if _, err := s.credits.Release(ctx, job.ID, note); err != nil {
		return fmt.Errorf("release reserved credits: %w", err)
	}
	return nil
}

// staleTransition resolves a lost compare-and-swap: if the job is terminal
// someone else legitimately finished it; anything else is surfaced.
func (s *service) staleTransition(ctx context.Context, jobID uuid.UUID, from models.JobStatus) error {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	return fmt.Errorf("job moved from %s to %s concurrently: %w", from, job.Status, ErrInvalidState)
}

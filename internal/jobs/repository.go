package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reelsmith/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// CreateTx inserts the job row (QUEUED, progress 0) inside the caller's
// transaction and fills timestamps from the database.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	j.Status = models.StatusQueued
	j.Progress = 0
	return tx.QueryRow(ctx, `
		INSERT INTO jobs (id, project_id, user_id, status, progress, cost_credits_reserved)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, j.ID, j.ProjectID, j.UserID, j.Status, j.Progress, j.CostCreditsReserved).Scan(&j.CreatedAt, &j.UpdatedAt)
}

// SeedStepsTx inserts one pending job_steps row per executable pipeline step.
func (r *Repository) SeedStepsTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) error {
	for _, st := range models.PipelineOrder {
		if !st.IsStep() {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO job_steps (job_id, step_name, state, progress_pct)
			VALUES ($1, $2, 'pending', 0)
		`, jobID, st); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	var j models.Job
	row := r.pool.QueryRow(ctx, `
		SELECT id, project_id, user_id, status, progress, cost_credits_reserved, cost_credits_final,
			checkpoint_state, error_code, error_message, created_at, updated_at, finished_at
		FROM jobs WHERE id = $1
	`, jobID)
	err := row.Scan(&j.ID, &j.ProjectID, &j.UserID, &j.Status, &j.Progress, &j.CostCreditsReserved,
		&j.CostCreditsFinal, &j.CheckpointState, &j.ErrorCode, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt, &j.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, user_id, status, progress, cost_credits_reserved, cost_credits_final,
			checkpoint_state, error_code, error_message, created_at, updated_at, finished_at
		FROM jobs WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Job
	for rows.Next() {
		var j models.Job
		err := rows.Scan(&j.ID, &j.ProjectID, &j.UserID, &j.Status, &j.Progress, &j.CostCreditsReserved,
			&j.CostCreditsFinal, &j.CheckpointState, &j.ErrorCode, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt, &j.FinishedAt)
		if err != nil {
			return nil, err
		}
		list = append(list, &j)
	}
	return list, rows.Err()
}

// Transition is the compare-and-swap state change every status write goes
// through: it only applies when the job is still in the expected prior
// state, so a racing worker or retry loses cleanly instead of clobbering.
func (r *Repository) Transition(ctx context.Context, jobID uuid.UUID, from, to models.JobStatus, progress int) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, progress = $4, updated_at = now()
		WHERE id = $1 AND status = $2
	`, jobID, from, to, progress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed transitions the job to FAILED, keeping the progress it had
// reached and the checkpoint artifacts already produced.
func (r *Repository) MarkFailed(ctx context.Context, jobID uuid.UUID, from models.JobStatus, code, message string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, error_code = $4, error_message = $5, updated_at = now(), finished_at = now()
		WHERE id = $1 AND status = $2
	`, jobID, from, models.StatusFailed, code, message)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkReady completes the job: READY, progress 100, final cost recorded.
func (r *Repository) MarkReady(ctx context.Context, jobID uuid.UUID, from models.JobStatus, finalCost int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, progress = 100, cost_credits_final = $4, updated_at = now(), finished_at = now()
		WHERE id = $1 AND status = $2
	`, jobID, from, models.StatusReady, finalCost)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MergeCheckpoint stores the artifact reference a completed step produced
// under its step name, preserving refs from earlier steps.
func (r *Repository) MergeCheckpoint(ctx context.Context, jobID uuid.UUID, step models.JobStatus, artifact json.RawMessage) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET checkpoint_state = COALESCE(checkpoint_state, '{}'::jsonb) || jsonb_build_object($2::text, $3::jsonb),
			updated_at = now()
		WHERE id = $1
	`, jobID, string(step), artifact)
	return err
}

// ResetForRetryTx applies the user-initiated retry: FAILED -> step, progress
// recomputed from the step map, error fields cleared. Compare-and-swap on
// FAILED, so a retry that races a concurrent transition applies at most once.
func (r *Repository) ResetForRetryTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, step models.JobStatus, progress int) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, progress = $3, error_code = NULL, error_message = NULL,
			finished_at = NULL, updated_at = now()
		WHERE id = $1 AND status = $4
	`, jobID, step, progress, models.StatusFailed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimStep takes ownership of a pending step. Zero rows means another
// worker already holds it (or it is not pending), so the caller must not run
// the step's external call.
func (r *Repository) ClaimStep(ctx context.Context, jobID uuid.UUID, step models.JobStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE job_steps SET state = 'started', started_at = now(), message = ''
		WHERE job_id = $1 AND step_name = $2 AND state = 'pending'
	`, jobID, step)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseStep hands a claimed step back to pending after a transient
// failure so a later queue retry can claim it again.
func (r *Repository) ReleaseStep(ctx context.Context, jobID uuid.UUID, step models.JobStatus) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE job_steps SET state = 'pending', started_at = NULL
		WHERE job_id = $1 AND step_name = $2 AND state = 'started'
	`, jobID, step)
	return err
}

func (r *Repository) MarkStepSucceeded(ctx context.Context, jobID uuid.UUID, step models.JobStatus) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE job_steps SET state = 'succeeded', progress_pct = 100, finished_at = now()
		WHERE job_id = $1 AND step_name = $2
	`, jobID, step)
	return err
}

func (r *Repository) MarkStepFailed(ctx context.Context, jobID uuid.UUID, step models.JobStatus, message string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE job_steps SET state = 'failed', message = $3, finished_at = now()
		WHERE job_id = $1 AND step_name = $2
	`, jobID, step, message)
	return err
}

// ResetStepTx returns the step row to pending so the worker can claim it
// again after a retry.
func (r *Repository) ResetStepTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, step models.JobStatus) error {
	_, err := tx.Exec(ctx, `
		UPDATE job_steps SET state = 'pending', progress_pct = 0, message = '',
			started_at = NULL, finished_at = NULL
		WHERE job_id = $1 AND step_name = $2
	`, jobID, step)
	return err
}

func (r *Repository) ListSteps(ctx context.Context, jobID uuid.UUID) ([]*models.JobStep, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT job_id, step_name, state, progress_pct, message, started_at, finished_at
		FROM job_steps WHERE job_id = $1
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byName := make(map[models.JobStatus]*models.JobStep)
	for rows.Next() {
		var s models.JobStep
		var message *string
		if err := rows.Scan(&s.JobID, &s.StepName, &s.State, &s.ProgressPct, &message, &s.StartedAt, &s.FinishedAt); err != nil {
			return nil, err
		}
		if message != nil {
			s.Message = *message
		}
		byName[s.StepName] = &s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Pipeline order, not insertion order.
	var list []*models.JobStep
	for _, st := range models.PipelineOrder {
		if s, ok := byName[st]; ok {
			list = append(list, s)
		}
	}
	return list, nil
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/reelsmith/backend/internal/models"
	"github.com/reelsmith/backend/internal/pipeline"
)

// failJobAt puts a created job into FAILED at the given step with a
// checkpoint carrying the artifacts of the steps before it.
func failJobAt(t *testing.T, repo *memRepo, jobID uuid.UUID, step models.JobStatus) {
	t.Helper()
	ctx := context.Background()
	for _, st := range models.PipelineOrder {
		if st == step {
			break
		}
		if !st.IsStep() {
			continue
		}
		if err := repo.MergeCheckpoint(ctx, jobID, st, json.RawMessage(`{"ref":"s3://artifact"}`)); err != nil {
			t.Fatalf("merge checkpoint: %v", err)
		}
	}
	progress, _ := step.Progress()
	repo.setStatus(jobID, step, progress)
	if ok, err := repo.MarkFailed(ctx, jobID, step, "step_failed", "boom"); err != nil || !ok {
		t.Fatalf("mark failed: ok=%v err=%v", ok, err)
	}
}

func TestRetryStep(t *testing.T) {
	svc, repo, creditsSvc, enq := newTestService()
	ctx := context.Background()
	user := uuid.New()
	job, err := svc.Create(ctx, user, uuid.New(), 30)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	failJobAt(t, repo, job.ID, models.StatusImageGen)
	touchesBefore := creditsSvc.ledgerTouches()
	enqueuesBefore := len(enq.calls)

	res, err := svc.RetryStep(ctx, job.ID, "IMAGE_GEN", user)
	if err != nil {
		t.Fatalf("RetryStep: %v", err)
	}
	if res.StepName != "IMAGE_GEN" || res.NewStatus != models.StatusImageGen || res.Progress != 50 {
		t.Errorf("result: got %+v, want IMAGE_GEN/50", res)
	}

	after, _ := repo.GetByID(ctx, job.ID)
	if after.Status != models.StatusImageGen || after.Progress != 50 {
		t.Errorf("job after retry: got %s/%d, want IMAGE_GEN/50", after.Status, after.Progress)
	}
	if after.ErrorCode != nil || after.ErrorMessage != nil {
		t.Error("retry should clear the error fields")
	}
	if !after.HasCheckpoint() {
		t.Error("retry must preserve the checkpoint")
	}
	if len(enq.calls) != enqueuesBefore+1 {
		t.Errorf("enqueue calls: got %d, want %d", len(enq.calls), enqueuesBefore+1)
	}

	// The invariant of this path: a retry never touches the ledger.
	if creditsSvc.ledgerTouches() != touchesBefore {
		t.Error("retry must not reserve, release, or finalize credits")
	}
}

func TestRetryStepPreconditions(t *testing.T) {
	svc, repo, _, _ := newTestService()
	ctx := context.Background()
	user := uuid.New()
	job, err := svc.Create(ctx, user, uuid.New(), 30)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	wantInvalid := func(t *testing.T, err error, fragment string) {
		t.Helper()
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("got %v, want ErrInvalidState", err)
		}
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("error %q should mention %q", err, fragment)
		}
	}

	t.Run("unknown step", func(t *testing.T) {
		_, err := svc.RetryStep(ctx, job.ID, "COMPOSITING", user)
		wantInvalid(t, err, "unknown step")
	})

	t.Run("non-step status", func(t *testing.T) {
		_, err := svc.RetryStep(ctx, job.ID, "READY", user)
		wantInvalid(t, err, "unknown step")
	})

	t.Run("unknown job", func(t *testing.T) {
		if _, err := svc.RetryStep(ctx, uuid.New(), "IMAGE_GEN", user); !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
	})

	t.Run("not owner", func(t *testing.T) {
		if _, err := svc.RetryStep(ctx, job.ID, "IMAGE_GEN", uuid.New()); !errors.Is(err, ErrForbidden) {
			t.Errorf("got %v, want ErrForbidden", err)
		}
	})

	t.Run("step before retry boundary", func(t *testing.T) {
		failJobAt(t, repo, job.ID, models.StatusVoiceGen)
		_, err := svc.RetryStep(ctx, job.ID, "SCRIPTING", user)
		wantInvalid(t, err, "cannot be retried individually")
	})

	t.Run("job not FAILED", func(t *testing.T) {
		repo.setStatus(job.ID, models.StatusRendering, 80)
		_, err := svc.RetryStep(ctx, job.ID, "RENDERING", user)
		wantInvalid(t, err, "only FAILED jobs can be retried")
	})

	t.Run("no checkpoint", func(t *testing.T) {
		fresh, err := svc.Create(ctx, user, uuid.New(), 30)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		repo.setStatus(fresh.ID, models.StatusImageGen, 50)
		if ok, _ := repo.MarkFailed(ctx, fresh.ID, models.StatusImageGen, "step_failed", "boom"); !ok {
			t.Fatal("mark failed")
		}
		_, err = svc.RetryStep(ctx, fresh.ID, "IMAGE_GEN", user)
		wantInvalid(t, err, "no checkpoint")
	})
}

// After a successful retry the job is back in the pipeline and can run to
// READY without any new reservation.
func TestRetryThenComplete(t *testing.T) {
	svc, repo, creditsSvc, _ := newTestService()
	ctx := context.Background()
	user := uuid.New()
	job, err := svc.Create(ctx, user, uuid.New(), 30)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	failJobAt(t, repo, job.ID, models.StatusPackaging)
	// The failed PACKAGING row must be reset before it can be claimed again.
	if err := repo.MarkStepFailed(ctx, job.ID, models.StatusPackaging, "boom"); err != nil {
		t.Fatalf("mark step failed: %v", err)
	}

	if _, err := svc.RetryStep(ctx, job.ID, "PACKAGING", user); err != nil {
		t.Fatalf("RetryStep: %v", err)
	}

	_, step, ok, err := svc.ClaimNextStep(ctx, job.ID)
	if err != nil || !ok || step != models.StatusPackaging {
		t.Fatalf("claim after retry: ok=%v step=%s err=%v", ok, step, err)
	}
	if err := svc.Advance(ctx, job.ID, pipeline.StepResult{Step: step, OK: true, Artifact: json.RawMessage(`{"video":"s3://final.mp4"}`)}); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	final, _ := repo.GetByID(ctx, job.ID)
	if final.Status != models.StatusReady {
		t.Fatalf("status: got %s, want READY", final.Status)
	}
	if len(creditsSvc.reserved) != 1 {
		t.Errorf("reserve calls across the whole lifecycle: got %d, want 1", len(creditsSvc.reserved))
	}
}

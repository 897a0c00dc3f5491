package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the pipeline state of a render job. The pipeline states are
// strictly ordered; FAILED is reachable from any non-terminal state and is
// the only state a retry can leave.
type JobStatus string

const (
	StatusQueued        JobStatus = "QUEUED"
	StatusScripting     JobStatus = "SCRIPTING"
	StatusVoiceGen      JobStatus = "VOICE_GEN"
	StatusAlignment     JobStatus = "ALIGNMENT"
	StatusVisualPlan    JobStatus = "VISUAL_PLAN"
	StatusImageGen      JobStatus = "IMAGE_GEN"
	StatusTimelineBuild JobStatus = "TIMELINE_BUILD"
	StatusRendering     JobStatus = "RENDERING"
	StatusPackaging     JobStatus = "PACKAGING"
	StatusReady         JobStatus = "READY"
	StatusFailed        JobStatus = "FAILED"
)

// PipelineOrder is the forward progression of the pipeline, QUEUED first.
var PipelineOrder = []JobStatus{
	StatusQueued,
	StatusScripting,
	StatusVoiceGen,
	StatusAlignment,
	StatusVisualPlan,
	StatusImageGen,
	StatusTimelineBuild,
	StatusRendering,
	StatusPackaging,
	StatusReady,
}

// statusProgress maps each state to its fixed progress checkpoint.
var statusProgress = map[JobStatus]int{
	StatusQueued:        0,
	StatusScripting:     10,
	StatusVoiceGen:      20,
	StatusAlignment:     30,
	StatusVisualPlan:    40,
	StatusImageGen:      50,
	StatusTimelineBuild: 70,
	StatusRendering:     80,
	StatusPackaging:     90,
	StatusReady:         100,
}

// ParseJobStatus returns the typed status for s, or ok=false for any string
// that is not a defined state.
func ParseJobStatus(s string) (JobStatus, bool) {
	switch st := JobStatus(s); st {
	case StatusQueued, StatusScripting, StatusVoiceGen, StatusAlignment, StatusVisualPlan,
		StatusImageGen, StatusTimelineBuild, StatusRendering, StatusPackaging, StatusReady, StatusFailed:
		return st, true
	}
	return "", false
}

// Progress returns the fixed progress checkpoint for the status. FAILED has
// no checkpoint of its own: a failed job keeps the progress it had reached.
func (s JobStatus) Progress() (int, bool) {
	p, ok := statusProgress[s]
	return p, ok
}

// IsTerminal reports whether no pipeline work remains for the status.
func (s JobStatus) IsTerminal() bool {
	return s == StatusReady || s == StatusFailed
}

// IsStep reports whether the status names an executable pipeline step
// (everything between QUEUED and READY, exclusive).
func (s JobStatus) IsStep() bool {
	switch s {
	case StatusScripting, StatusVoiceGen, StatusAlignment, StatusVisualPlan,
		StatusImageGen, StatusTimelineBuild, StatusRendering, StatusPackaging:
		return true
	}
	return false
}

// Next returns the state that follows s in the pipeline ordering.
// ok is false for terminal states and FAILED.
func (s JobStatus) Next() (JobStatus, bool) {
	for i, st := range PipelineOrder {
		if st == s && i+1 < len(PipelineOrder) {
			return PipelineOrder[i+1], true
		}
	}
	return "", false
}

// CanRetry reports whether the step can be retried individually. Only steps
// at or after IMAGE_GEN qualify: earlier steps have no checkpoint artifacts
// worth resuming from, so a retry there restarts the whole job.
func (s JobStatus) CanRetry() bool {
	retryFrom, _ := StatusImageGen.Progress()
	p, ok := s.Progress()
	return ok && s.IsStep() && p >= retryFrom
}

// Job step states (job_steps.state).
const (
	StepStatePending   = "pending"
	StepStateStarted   = "started"
	StepStateSucceeded = "succeeded"
	StepStateFailed    = "failed"
	StepStateSkipped   = "skipped"
)

// Job is a render job driven through the pipeline by the worker.
// checkpoint_state holds artifact references from completed steps so a
// retry can resume without regenerating them.
type Job struct {
	ID                  uuid.UUID       `json:"id"`
	ProjectID           uuid.UUID       `json:"project_id"`
	UserID              uuid.UUID       `json:"user_id"`
	Status              JobStatus       `json:"status"`
	Progress            int             `json:"progress"`
	CostCreditsReserved int64           `json:"cost_credits_reserved"`
	CostCreditsFinal    *int64          `json:"cost_credits_final,omitempty"`
	CheckpointState     json.RawMessage `json:"checkpoint_state,omitempty"`
	ErrorCode           *string         `json:"error_code,omitempty"`
	ErrorMessage        *string         `json:"error_message,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	FinishedAt          *time.Time      `json:"finished_at,omitempty"`
}

// HasCheckpoint reports whether checkpoint_state holds any artifact refs.
func (j *Job) HasCheckpoint() bool {
	return len(j.CheckpointState) > 0 && string(j.CheckpointState) != "null" && string(j.CheckpointState) != "{}"
}

// JobStep is one row per (job, step).
type JobStep struct {
	JobID       uuid.UUID  `json:"job_id"`
	StepName    JobStatus  `json:"step_name"`
	State       string     `json:"state"`
	ProgressPct int        `json:"progress_pct"`
	Message     string     `json:"message,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

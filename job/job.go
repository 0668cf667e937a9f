// Package job defines the job record, its lifecycle states, per-job
// options, the handler registry, and the persistence contract each
// transport backend implements.
package job

import (
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/backoff"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusWaiting means the job is eligible for dispatch once
	// AvailableAt has passed.
	StatusWaiting Status = "waiting"
	// StatusDelayed means the job is scheduled for the future and will
	// be promoted to waiting when AvailableAt passes.
	StatusDelayed Status = "delayed"
	// StatusActive means a worker is currently executing the job.
	StatusActive Status = "active"
	// StatusCompleted means the handler finished successfully. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed means the job exhausted its attempts. Terminal; only
	// a manual Retry moves it back to waiting.
	StatusFailed Status = "failed"
	// StatusPaused is a queue-level view, not a persisted state: jobs of
	// a paused type are held in waiting/delayed and reported as paused.
	StatusPaused Status = "paused"
)

// Terminal reports whether no automatic transition leaves this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status tag.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusDelayed, StatusActive, StatusCompleted, StatusFailed, StatusPaused:
		return true
	}
	return false
}

// Job is one unit of background work and its lifecycle state.
type Job struct {
	ID       uuid.UUID `json:"id"`
	Type     string    `json:"type"`
	Payload  []byte    `json:"payload,omitempty"`
	Status   Status    `json:"status"`
	Priority int       `json:"priority"`

	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	Backoff     backoff.Policy `json:"backoff"`

	// AvailableAt gates visibility: a waiting or delayed job is not
	// dispatched before this instant. It carries both the initial delay
	// and retry backoff.
	AvailableAt time.Time `json:"available_at"`

	// Timeout bounds a single handler invocation. Zero disables it.
	Timeout time.Duration `json:"timeout,omitempty"`

	RemoveOnComplete conveyor.Retention `json:"remove_on_complete"`
	RemoveOnFail     conveyor.Retention `json:"remove_on_fail"`

	// LastError holds the most recent failure detail. Never cleared.
	LastError string `json:"last_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// TerminalAt returns the instant the job reached its terminal status,
// falling back to CreatedAt for records missing a terminal timestamp.
func (j *Job) TerminalAt() time.Time {
	switch {
	case j.CompletedAt != nil:
		return *j.CompletedAt
	case j.FailedAt != nil:
		return *j.FailedAt
	default:
		return j.CreatedAt
	}
}

// Counts is a point-in-time census of persisted job statuses.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

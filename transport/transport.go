// Package transport exposes the queue contract every backend satisfies
// and implements it once, as Core, over the job.Store persistence
// interface. Backends (memory, redis, postgres) only supply a Store;
// dispatch, pause state, stats, retry, clean, and shutdown behave
// identically across all of them.
package transport

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/job"
)

// Transport is the storage/dispatch contract the engine consumes. Any
// implementation honoring the job state machine is a valid substitute.
type Transport interface {
	// Add enqueues a job for immediate dispatch (status waiting).
	Add(ctx context.Context, j *job.Job) error

	// Schedule enqueues a job for future dispatch (status delayed);
	// the record's AvailableAt carries the delay.
	Schedule(ctx context.Context, j *job.Job) error

	// Process registers the handler for a job type. Exactly one handler
	// per type; duplicates are a configuration error.
	Process(typ string, h job.HandlerFunc) error

	// Pause suppresses dispatch for one type, or the whole queue when
	// typ is empty. Idempotent. Job records are not mutated.
	Pause(typ string) error

	// Resume re-enables dispatch. Idempotent.
	Resume(typ string) error

	// Stats returns point-in-time status counts, optionally filtered by
	// type.
	Stats(ctx context.Context, typ string) (Stats, error)

	// Jobs returns a snapshot of jobs in the given status. Intended for
	// operational inspection; may be expensive for large backlogs.
	Jobs(ctx context.Context, status job.Status, typ string) ([]*job.Job, error)

	// Retry moves a failed job back to waiting with attempts reset.
	Retry(ctx context.Context, id uuid.UUID) error

	// Remove deletes a non-active job.
	Remove(ctx context.Context, id uuid.UUID) error

	// Clean bulk-deletes terminal-status records older than grace.
	Clean(ctx context.Context, status job.Status, grace time.Duration) (int64, error)

	// Health probes the backend.
	Health(ctx context.Context) Health

	// Close drains in-flight work and shuts the transport down.
	// Idempotent.
	Close(ctx context.Context) error
}

// Stats is a point-in-time census of the queue. Waiting/delayed jobs of
// paused types are reported under Paused instead.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Paused    int64 `json:"paused"`
}

// HealthStatus grades transport health.
type HealthStatus string

const (
	// Healthy means the backend responds and dispatch is clean.
	Healthy HealthStatus = "healthy"
	// Degraded means the backend responds but the dispatch loop has
	// seen recent errors.
	Degraded HealthStatus = "degraded"
	// Unhealthy means the backend is unreachable or the transport is
	// closed.
	Unhealthy HealthStatus = "unhealthy"
)

// Health is the result of a transport health probe.
type Health struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

package job

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract each transport backend implements.
// Any backend satisfying it with the documented claim atomicity is a
// valid substitute: the transport layer builds the full queue contract
// (dispatch, pause, stats, retry, clean, health) on top of exactly these
// operations.
type Store interface {
	// Enqueue persists a new job record. The record's Status must be
	// waiting or delayed. Returns ErrJobExists on a duplicate ID.
	Enqueue(ctx context.Context, j *Job) error

	// Get retrieves a job by ID. Returns ErrJobNotFound if absent.
	Get(ctx context.Context, id uuid.UUID) (*Job, error)

	// Update persists changes to an existing job and reindexes it for
	// dispatch according to its Status and AvailableAt.
	Update(ctx context.Context, j *Job) error

	// Delete removes a job record outright.
	Delete(ctx context.Context, id uuid.UUID) error

	// Claim atomically takes up to limit eligible waiting jobs of the
	// given type, sets them active, increments Attempts, stamps
	// ProcessedAt on first claim, and returns them. Eligible means
	// Status waiting and AvailableAt <= now. Ordering is priority
	// descending, then AvailableAt ascending. No job is ever returned
	// by two concurrent Claim calls.
	Claim(ctx context.Context, typ string, limit int) ([]*Job, error)

	// PromoteDue transitions delayed jobs whose AvailableAt has passed
	// into waiting. Returns the number promoted.
	PromoteDue(ctx context.Context, now time.Time) (int64, error)

	// List returns a snapshot of jobs in the given status, optionally
	// filtered by type (empty means all types), ordered by CreatedAt.
	List(ctx context.Context, status Status, typ string) ([]*Job, error)

	// Count returns a census of persisted statuses, optionally filtered
	// by type.
	Count(ctx context.Context, typ string) (Counts, error)

	// Clean bulk-deletes records in the given terminal status whose
	// terminal timestamp is older than the cutoff. Returns the number
	// deleted.
	Clean(ctx context.Context, status Status, olderThan time.Time) (int64, error)

	// Prune keeps only the newest keep records of the given type and
	// terminal status, deleting the rest. Returns the number deleted.
	Prune(ctx context.Context, typ string, status Status, keep int) (int64, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

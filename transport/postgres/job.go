package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/backoff"
	"github.com/conveyorhq/conveyor/job"
)

const jobColumns = `
	id, type, payload, status, priority, attempts, max_attempts,
	backoff_kind, backoff_delay, available_at, timeout,
	remove_on_complete, keep_last_complete, remove_on_fail, keep_last_fail,
	last_error, created_at, processed_at, completed_at, failed_at`

// Enqueue persists a new job record.
func (s *Store) Enqueue(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_jobs (
			id, type, payload, status, priority, attempts, max_attempts,
			backoff_kind, backoff_delay, available_at, timeout,
			remove_on_complete, keep_last_complete, remove_on_fail, keep_last_fail,
			last_error, created_at, processed_at, completed_at, failed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19, $20
		)`,
		j.ID.String(), j.Type, j.Payload, string(j.Status),
		j.Priority, j.Attempts, j.MaxAttempts,
		string(j.Backoff.Kind), j.Backoff.Delay.Nanoseconds(),
		j.AvailableAt, j.Timeout.Nanoseconds(),
		j.RemoveOnComplete.Remove, j.RemoveOnComplete.KeepLast,
		j.RemoveOnFail.Remove, j.RemoveOnFail.KeepLast,
		j.LastError, j.CreatedAt, j.ProcessedAt, j.CompletedAt, j.FailedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", conveyor.ErrJobExists, j.ID)
		}
		return fmt.Errorf("conveyor/postgres: enqueue job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM conveyor_jobs WHERE id = $1`,
		id.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", conveyor.ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("conveyor/postgres: get job: %w", err)
	}
	return j, nil
}

// Update persists changes to an existing job.
func (s *Store) Update(ctx context.Context, j *job.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_jobs SET
			type = $2, payload = $3, status = $4, priority = $5,
			attempts = $6, max_attempts = $7,
			backoff_kind = $8, backoff_delay = $9,
			available_at = $10, timeout = $11,
			remove_on_complete = $12, keep_last_complete = $13,
			remove_on_fail = $14, keep_last_fail = $15,
			last_error = $16, processed_at = $17, completed_at = $18, failed_at = $19
		WHERE id = $1`,
		j.ID.String(), j.Type, j.Payload, string(j.Status), j.Priority,
		j.Attempts, j.MaxAttempts,
		string(j.Backoff.Kind), j.Backoff.Delay.Nanoseconds(),
		j.AvailableAt, j.Timeout.Nanoseconds(),
		j.RemoveOnComplete.Remove, j.RemoveOnComplete.KeepLast,
		j.RemoveOnFail.Remove, j.RemoveOnFail.KeepLast,
		j.LastError, j.ProcessedAt, j.CompletedAt, j.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", conveyor.ErrJobNotFound, j.ID)
	}
	return nil
}

// Delete removes a job by ID.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conveyor_jobs WHERE id = $1`, id.String())
	if err != nil {
		return fmt.Errorf("conveyor/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", conveyor.ErrJobNotFound, id)
	}
	return nil
}

// Claim atomically takes up to limit due waiting jobs of the type using
// FOR UPDATE SKIP LOCKED, so concurrent claimers never overlap.
func (s *Store) Claim(ctx context.Context, typ string, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE conveyor_jobs
			SET status = 'active',
			    attempts = attempts + 1,
			    processed_at = COALESCE(processed_at, NOW())
			WHERE id IN (
				SELECT id FROM conveyor_jobs
				WHERE status = 'waiting'
				  AND type = $1
				  AND available_at <= NOW()
				ORDER BY priority DESC, available_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM claimed ORDER BY priority DESC, available_at ASC`,
		typ, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: claim jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// PromoteDue transitions due delayed jobs to waiting.
func (s *Store) PromoteDue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_jobs
		SET status = 'waiting'
		WHERE status = 'delayed' AND available_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: promote due jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// List returns jobs in the given status, ordered by creation time.
func (s *Store) List(ctx context.Context, status job.Status, typ string) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM conveyor_jobs
		WHERE status = $1 AND ($2 = '' OR type = $2)
		ORDER BY created_at ASC`,
		string(status), typ,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// Count tallies persisted statuses, optionally for a single type.
func (s *Store) Count(ctx context.Context, typ string) (job.Counts, error) {
	var counts job.Counts
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM conveyor_jobs
		WHERE ($1 = '' OR type = $1)
		GROUP BY status`,
		typ,
	)
	if err != nil {
		return counts, fmt.Errorf("conveyor/postgres: count jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("conveyor/postgres: count scan: %w", err)
		}
		switch job.Status(status) {
		case job.StatusWaiting:
			counts.Waiting = n
		case job.StatusDelayed:
			counts.Delayed = n
		case job.StatusActive:
			counts.Active = n
		case job.StatusCompleted:
			counts.Completed = n
		case job.StatusFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// Clean deletes records in the terminal status older than the cutoff.
func (s *Store) Clean(ctx context.Context, status job.Status, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conveyor_jobs
		WHERE status = $1
		  AND COALESCE(completed_at, failed_at, created_at) < $2`,
		string(status), olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: clean jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Prune keeps only the newest keep records of the type and status.
func (s *Store) Prune(ctx context.Context, typ string, status job.Status, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conveyor_jobs
		WHERE id IN (
			SELECT id FROM conveyor_jobs
			WHERE type = $1 AND status = $2
			ORDER BY COALESCE(completed_at, failed_at, created_at) DESC
			OFFSET $3
		)`,
		typ, string(status), keep,
	)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: prune jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ── helpers ──

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j                     job.Job
		id                    string
		status, backoffKind   string
		backoffDelay, timeout int64
	)
	err := row.Scan(
		&id, &j.Type, &j.Payload, &status, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&backoffKind, &backoffDelay, &j.AvailableAt, &timeout,
		&j.RemoveOnComplete.Remove, &j.RemoveOnComplete.KeepLast,
		&j.RemoveOnFail.Remove, &j.RemoveOnFail.KeepLast,
		&j.LastError, &j.CreatedAt, &j.ProcessedAt, &j.CompletedAt, &j.FailedAt,
	)
	if err != nil {
		return nil, err
	}

	j.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", conveyor.ErrInvalidJobID, err)
	}
	j.Status = job.Status(status)
	j.Backoff = backoff.Policy{Kind: backoff.Kind(backoffKind), Delay: time.Duration(backoffDelay)}
	j.Timeout = time.Duration(timeout)
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate jobs: %w", err)
	}
	return jobs, nil
}

// isDuplicateKey reports whether err is a unique constraint violation.
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

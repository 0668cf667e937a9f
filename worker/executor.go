// Package worker provides the dispatch runtime: an Executor that runs a
// claimed job through middleware and the registered handler and applies
// the resulting state transition, and a Pool that promotes due jobs and
// claims eligible ones through the admission gate.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/backoff"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/middleware"
)

// Disposition is the decided outcome of one dispatch attempt.
type Disposition int

const (
	// DispositionCompleted transitions the job to completed. Terminal.
	DispositionCompleted Disposition = iota
	// DispositionRetry re-enters waiting with a backoff delay.
	DispositionRetry
	// DispositionFailed transitions the job to failed. Terminal.
	DispositionFailed
)

// Decide is the job state machine reduced to a pure function of the
// attempt outcome. Attempts is the count including the attempt that just
// settled (it is incremented at claim time).
func Decide(attempts, maxAttempts int, handlerErr error) Disposition {
	if handlerErr == nil {
		return DispositionCompleted
	}
	if attempts < maxAttempts {
		return DispositionRetry
	}
	return DispositionFailed
}

// Executor runs a single claimed job through the middleware chain and
// registered handler, then applies the decided transition: completion,
// retry with backoff, or terminal failure, followed by retention pruning.
type Executor struct {
	registry *job.Registry
	store    job.Store
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(registry *job.Registry, store job.Store, logger *slog.Logger, mws ...middleware.Middleware) *Executor {
	return &Executor{
		registry: registry,
		store:    store,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs a job that has already been claimed (status active,
// attempts incremented). The returned error reports persistence
// problems only; handler failures are absorbed into the retry machinery.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	handler, ok := e.registry.Get(j.Type)
	if !ok {
		// The pool only claims registered types; reaching here means the
		// registry changed under us.
		return fmt.Errorf("no handler registered for job type %q", j.Type)
	}

	terminal := func(ctx context.Context) error {
		return handler(ctx, j.Payload)
	}

	handlerErr := e.mw(ctx, j, terminal)
	now := time.Now().UTC()

	switch Decide(j.Attempts, j.MaxAttempts, handlerErr) {
	case DispositionCompleted:
		return e.complete(ctx, j, now)
	case DispositionRetry:
		return e.scheduleRetry(ctx, j, handlerErr, now)
	default:
		return e.fail(ctx, j, handlerErr, now)
	}
}

func (e *Executor) complete(ctx context.Context, j *job.Job, now time.Time) error {
	j.Status = job.StatusCompleted
	j.CompletedAt = &now

	if err := e.store.Update(ctx, j); err != nil {
		e.logger.Error("failed to update job after success",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("error", err.Error()),
		)
		return err
	}

	return e.applyRetention(ctx, j, j.RemoveOnComplete, job.StatusCompleted)
}

func (e *Executor) scheduleRetry(ctx context.Context, j *job.Job, handlerErr error, now time.Time) error {
	delay := backoff.For(j.Backoff).Delay(j.Attempts)
	j.Status = job.StatusWaiting
	j.AvailableAt = now.Add(delay)
	j.LastError = handlerErr.Error()

	if err := e.store.Update(ctx, j); err != nil {
		e.logger.Error("failed to update job for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Int("attempt", j.Attempts),
		slog.Int("max_attempts", j.MaxAttempts),
		slog.Duration("delay", delay),
	)
	return nil
}

func (e *Executor) fail(ctx context.Context, j *job.Job, handlerErr error, now time.Time) error {
	j.Status = job.StatusFailed
	j.FailedAt = &now
	j.LastError = handlerErr.Error()

	if err := e.store.Update(ctx, j); err != nil {
		e.logger.Error("failed to update job as failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.logger.Warn("job failed after exhausting attempts",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Int("attempts", j.Attempts),
		slog.String("error", handlerErr.Error()),
	)

	return e.applyRetention(ctx, j, j.RemoveOnFail, job.StatusFailed)
}

// applyRetention enforces the job's retention policy after it reached a
// terminal status.
func (e *Executor) applyRetention(ctx context.Context, j *job.Job, policy conveyor.Retention, status job.Status) error {
	switch {
	case policy.Remove:
		if err := e.store.Delete(ctx, j.ID); err != nil {
			e.logger.Warn("failed to remove terminal job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			return err
		}
	case policy.KeepLast > 0:
		if _, err := e.store.Prune(ctx, j.Type, status, policy.KeepLast); err != nil {
			e.logger.Warn("failed to prune terminal jobs",
				slog.String("job_type", j.Type),
				slog.String("error", err.Error()),
			)
			return err
		}
	}
	return nil
}

package job

import (
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/backoff"
)

// Options configures per-job behavior. The engine seeds an Options from
// its configured defaults and applies the caller's functional options on
// top, so omitted fields inherit the queue-wide configuration.
type Options struct {
	// Priority determines dispatch ordering among simultaneously
	// eligible jobs. Higher values run first.
	Priority int

	// MaxAttempts is the ceiling on dispatch attempts before the job
	// becomes terminally failed.
	MaxAttempts int

	// Backoff computes the wait before each retry.
	Backoff backoff.Policy

	// Delay postpones the first dispatch. Zero enqueues immediately.
	Delay time.Duration

	// Timeout bounds a single handler invocation. Zero disables it.
	Timeout time.Duration

	// RemoveOnComplete and RemoveOnFail set the retention policy applied
	// once the job reaches the corresponding terminal status.
	RemoveOnComplete conveyor.Retention
	RemoveOnFail     conveyor.Retention
}

// Option is a functional option for configuring a job.
type Option func(*Options)

// WithPriority sets the job priority. Higher values are dispatched first.
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

// WithMaxAttempts sets the attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithBackoff sets the retry backoff policy.
func WithBackoff(kind backoff.Kind, base time.Duration) Option {
	return func(o *Options) { o.Backoff = backoff.Policy{Kind: kind, Delay: base} }
}

// WithDelay postpones the first dispatch by d.
func WithDelay(d time.Duration) Option {
	return func(o *Options) { o.Delay = d }
}

// WithTimeout bounds a single handler invocation.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithRemoveOnComplete sets the retention policy for completed jobs.
func WithRemoveOnComplete(r conveyor.Retention) Option {
	return func(o *Options) { o.RemoveOnComplete = r }
}

// WithRemoveOnFail sets the retention policy for failed jobs.
func WithRemoveOnFail(r conveyor.Retention) Option {
	return func(o *Options) { o.RemoveOnFail = r }
}

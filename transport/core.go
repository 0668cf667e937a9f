package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/middleware"
	"github.com/conveyorhq/conveyor/queue"
	"github.com/conveyorhq/conveyor/worker"
)

// degradedWindow is how long after a dispatch-loop error the transport
// keeps reporting degraded even though the backend pings fine.
const degradedWindow = 30 * time.Second

// Config tunes the dispatch runtime shared by every backend.
type Config struct {
	// Concurrency caps simultaneously active jobs per type. Zero or
	// negative means the default of 10.
	Concurrency int

	// PollInterval is the dispatch loop sleep when no job was eligible.
	PollInterval time.Duration

	// ShutdownTimeout bounds Close when the caller's context carries no
	// deadline of its own.
	ShutdownTimeout time.Duration

	// Logger receives dispatch and lifecycle logs. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Middleware wraps every handler invocation, outermost first.
	Middleware []middleware.Middleware

	// Limits installs per-type admission overrides.
	Limits map[string]queue.Limit
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Core implements Transport over a job.Store. All queue semantics live
// here; backends differ only in persistence.
type Core struct {
	store    job.Store
	registry *job.Registry
	gate     *queue.Gate
	pool     *worker.Pool
	logger   *slog.Logger

	shutdownTimeout time.Duration

	closeOnce sync.Once
	closeErr  error

	mu     sync.Mutex
	closed bool
}

// NewCore builds the dispatch runtime around a store and starts its
// scheduler loop. The loop idles until Process registers a handler.
func NewCore(store job.Store, cfg Config) *Core {
	cfg = cfg.withDefaults()

	registry := job.NewRegistry()
	gate := queue.NewGate(cfg.Concurrency)
	for typ, limit := range cfg.Limits {
		gate.SetLimit(typ, limit)
	}

	executor := worker.NewExecutor(registry, store, cfg.Logger, cfg.Middleware...)
	pool := worker.NewPool(store, registry, executor, gate, cfg.Logger,
		worker.WithPollInterval(cfg.PollInterval),
	)

	c := &Core{
		store:           store,
		registry:        registry,
		gate:            gate,
		pool:            pool,
		logger:          cfg.Logger,
		shutdownTimeout: cfg.ShutdownTimeout,
	}

	pool.Start()
	return c
}

// Store exposes the underlying persistence layer, mainly for tests.
func (c *Core) Store() job.Store { return c.store }

func (c *Core) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Add enqueues a job for immediate dispatch.
func (c *Core) Add(ctx context.Context, j *job.Job) error {
	if c.isClosed() {
		return conveyor.ErrTransportClosed
	}
	j.Status = job.StatusWaiting
	return c.store.Enqueue(ctx, j)
}

// Schedule enqueues a job for dispatch once its AvailableAt passes.
func (c *Core) Schedule(ctx context.Context, j *job.Job) error {
	if c.isClosed() {
		return conveyor.ErrTransportClosed
	}
	j.Status = job.StatusDelayed
	return c.store.Enqueue(ctx, j)
}

// Process registers the handler for a job type.
func (c *Core) Process(typ string, h job.HandlerFunc) error {
	if err := conveyor.ValidateType(typ); err != nil {
		return err
	}
	return c.registry.Register(typ, h)
}

// Pause suppresses dispatch for one type, or queue-wide when typ is
// empty.
func (c *Core) Pause(typ string) error {
	if typ != "" {
		if err := conveyor.ValidateType(typ); err != nil {
			return err
		}
	}
	c.gate.Pause(typ)
	c.logger.Info("dispatch paused", slog.String("job_type", typ))
	return nil
}

// Resume re-enables dispatch for one type, or queue-wide when typ is
// empty.
func (c *Core) Resume(typ string) error {
	if typ != "" {
		if err := conveyor.ValidateType(typ); err != nil {
			return err
		}
	}
	c.gate.Resume(typ)
	c.logger.Info("dispatch resumed", slog.String("job_type", typ))
	return nil
}

// Stats returns status counts. Waiting and delayed jobs whose dispatch
// is currently paused are reported under Paused.
func (c *Core) Stats(ctx context.Context, typ string) (Stats, error) {
	counts, err := c.store.Count(ctx, typ)
	if err != nil {
		return Stats{}, err
	}

	s := Stats{
		Waiting:   counts.Waiting,
		Delayed:   counts.Delayed,
		Active:    counts.Active,
		Completed: counts.Completed,
		Failed:    counts.Failed,
	}

	if c.gate.Paused("") {
		s.Paused = s.Waiting + s.Delayed
		s.Waiting, s.Delayed = 0, 0
		return s, nil
	}

	if typ != "" {
		if c.gate.Paused(typ) {
			s.Paused = s.Waiting + s.Delayed
			s.Waiting, s.Delayed = 0, 0
		}
		return s, nil
	}

	for _, paused := range c.gate.PausedTypes() {
		pc, err := c.store.Count(ctx, paused)
		if err != nil {
			return Stats{}, err
		}
		s.Paused += pc.Waiting + pc.Delayed
		s.Waiting -= pc.Waiting
		s.Delayed -= pc.Delayed
	}
	// The per-type counts are separate reads from the overall census; a
	// job settling in between could otherwise push a residual negative.
	s.Waiting = max(s.Waiting, 0)
	s.Delayed = max(s.Delayed, 0)
	return s, nil
}

// Jobs returns a snapshot of jobs in the given status. StatusPaused is
// a view, not a persisted state: it resolves to the waiting and delayed
// jobs whose dispatch is currently suppressed. Conversely, waiting and
// delayed listings exclude paused types so the two views never overlap.
func (c *Core) Jobs(ctx context.Context, status job.Status, typ string) ([]*job.Job, error) {
	if status == job.StatusPaused {
		return c.pausedJobs(ctx, typ)
	}
	if !status.Valid() {
		return nil, fmt.Errorf("conveyor: unknown status %q", status)
	}

	jobs, err := c.store.List(ctx, status, typ)
	if err != nil {
		return nil, err
	}
	if status != job.StatusWaiting && status != job.StatusDelayed {
		return jobs, nil
	}
	if c.gate.Paused("") {
		return nil, nil
	}

	out := jobs[:0]
	for _, j := range jobs {
		if !c.gate.Paused(j.Type) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (c *Core) pausedJobs(ctx context.Context, typ string) ([]*job.Job, error) {
	globalPause := c.gate.Paused("")
	if typ != "" && !globalPause && !c.gate.Paused(typ) {
		return nil, nil
	}

	var out []*job.Job
	for _, status := range []job.Status{job.StatusWaiting, job.StatusDelayed} {
		jobs, err := c.store.List(ctx, status, typ)
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			if globalPause || c.gate.Paused(j.Type) {
				out = append(out, j)
			}
		}
	}
	return out, nil
}

// Retry moves a failed job back to waiting with a fresh attempt budget.
func (c *Core) Retry(ctx context.Context, id uuid.UUID) error {
	j, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status != job.StatusFailed {
		return fmt.Errorf("%w: job %s is %s", conveyor.ErrJobNotFailed, id, j.Status)
	}

	j.Status = job.StatusWaiting
	j.Attempts = 0
	j.AvailableAt = time.Now().UTC()
	j.FailedAt = nil
	if err := c.store.Update(ctx, j); err != nil {
		return err
	}

	c.logger.Info("job queued for retry",
		slog.String("job_id", id.String()),
		slog.String("job_type", j.Type),
	)
	return nil
}

// Remove deletes a job that is not currently executing.
func (c *Core) Remove(ctx context.Context, id uuid.UUID) error {
	j, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status == job.StatusActive {
		return fmt.Errorf("%w: job %s", conveyor.ErrJobActive, id)
	}
	return c.store.Delete(ctx, id)
}

// Clean bulk-deletes terminal records older than grace.
func (c *Core) Clean(ctx context.Context, status job.Status, grace time.Duration) (int64, error) {
	if !status.Terminal() {
		return 0, fmt.Errorf("%w: %q", conveyor.ErrNotTerminal, status)
	}
	if grace < 0 {
		grace = 0
	}

	removed, err := c.store.Clean(ctx, status, time.Now().UTC().Add(-grace))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		c.logger.Info("cleaned terminal jobs",
			slog.String("status", string(status)),
			slog.Int64("removed", removed),
		)
	}
	return removed, nil
}

// Health probes the backend and folds in recent dispatch-loop errors.
func (c *Core) Health(ctx context.Context) Health {
	if c.isClosed() {
		return Health{Status: Unhealthy, Message: "transport closed"}
	}
	if err := c.store.Ping(ctx); err != nil {
		return Health{Status: Unhealthy, Message: err.Error()}
	}
	if err, at := c.pool.LastError(); err != nil && time.Since(at) < degradedWindow {
		return Health{Status: Degraded, Message: err.Error()}
	}
	return Health{Status: Healthy}
}

// Close pauses dispatch, drains in-flight handlers until the context
// deadline (or ShutdownTimeout when the context has none), then closes
// the store. Subsequent calls return the first result.
func (c *Core) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.gate.Pause("")

		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.shutdownTimeout)
			defer cancel()
		}

		stopErr := c.pool.Stop(ctx)
		closeErr := c.store.Close()

		switch {
		case stopErr != nil:
			c.closeErr = fmt.Errorf("conveyor: shutdown incomplete: %w", stopErr)
		case closeErr != nil:
			c.closeErr = closeErr
		}
	})
	return c.closeErr
}

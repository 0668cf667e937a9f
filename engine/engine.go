// Package engine is the public entry point: it assembles a transport
// from configuration and exposes the queue API (Add, Process, Pause,
// Stats, Retry, Clean, Health, Close). A misconfigured or unreachable
// backend degrades to the in-memory transport with a logged warning
// instead of failing construction, so callers always get a working
// queue.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/backoff"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/middleware"
	"github.com/conveyorhq/conveyor/queue"
	"github.com/conveyorhq/conveyor/transport"
	"github.com/conveyorhq/conveyor/transport/memory"
	pgstore "github.com/conveyorhq/conveyor/transport/postgres"
	redisstore "github.com/conveyorhq/conveyor/transport/redis"
)

// connectTimeout bounds backend construction and the initial ping.
const connectTimeout = 5 * time.Second

// Engine is the queue facade applications interact with.
type Engine struct {
	cfg       conveyor.Config
	logger    *slog.Logger
	transport transport.Transport
}

// Option configures the Engine beyond what Config carries.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	middleware []middleware.Middleware
	store      job.Store
	limits     map[string]queue.Limit
}

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMiddleware appends handler middleware, applied outermost first
// after the built-in recover, timeout, and logging layers.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middleware = append(o.middleware, mws...) }
}

// WithStore bypasses Config.Transport and runs the engine on the given
// store. Mainly for tests and custom backends.
func WithStore(s job.Store) Option {
	return func(o *options) { o.store = s }
}

// WithTypeLimit installs per-type concurrency and rate overrides.
func WithTypeLimit(typ string, l queue.Limit) Option {
	return func(o *options) {
		if o.limits == nil {
			o.limits = make(map[string]queue.Limit)
		}
		o.limits[typ] = l
	}
}

// New assembles an engine from configuration. The dispatch loop starts
// immediately; it idles until handlers are registered.
func New(cfg conveyor.Config, opts ...Option) (*Engine, error) {
	cfg = cfg.WithDefaults()

	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	store := o.store
	if store == nil {
		store = buildStore(cfg, o.logger)
	}

	mws := append([]middleware.Middleware{
		middleware.Recover(o.logger),
		middleware.Timeout(),
		middleware.Logging(o.logger),
	}, o.middleware...)

	core := transport.NewCore(store, transport.Config{
		Concurrency:     cfg.Worker.Concurrency,
		PollInterval:    cfg.Worker.PollInterval,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
		Logger:          o.logger,
		Middleware:      mws,
		Limits:          o.limits,
	})

	return &Engine{cfg: cfg, logger: o.logger, transport: core}, nil
}

// buildStore constructs the configured backend, degrading to memory
// when the backend is unconfigured or unreachable.
func buildStore(cfg conveyor.Config, logger *slog.Logger) job.Store {
	switch cfg.Transport {
	case conveyor.TransportMemory:
		return memory.NewStore()

	case conveyor.TransportRedis:
		s, err := buildRedisStore(cfg.Redis, logger)
		if err != nil {
			logger.Warn("redis transport unavailable, falling back to memory",
				slog.String("error", err.Error()),
			)
			return memory.NewStore()
		}
		return s

	case conveyor.TransportPostgres:
		s, err := buildPostgresStore(cfg.Postgres, logger)
		if err != nil {
			logger.Warn("postgres transport unavailable, falling back to memory",
				slog.String("error", err.Error()),
			)
			return memory.NewStore()
		}
		return s

	default:
		logger.Warn("unknown transport, falling back to memory",
			slog.String("transport", cfg.Transport),
		)
		return memory.NewStore()
	}
}

func buildRedisStore(cfg conveyor.RedisConfig, logger *slog.Logger) (job.Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("conveyor: redis transport selected but no URL configured")
	}

	opt, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return redisstore.New(client, redisstore.WithLogger(logger)), nil
}

func buildPostgresStore(cfg conveyor.PostgresConfig, logger *slog.Logger) (job.Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("conveyor: postgres transport selected but no URL configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	s, err := pgstore.New(ctx, cfg.URL, pgstore.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Transport exposes the underlying transport, mainly for tests.
func (e *Engine) Transport() transport.Transport { return e.transport }

func (e *Engine) defaultOptions() job.Options {
	return job.Options{
		Priority:    e.cfg.DefaultPriority,
		MaxAttempts: e.cfg.MaxAttempts,
		Backoff: backoff.Policy{
			Kind:  e.cfg.RetryBackoff,
			Delay: e.cfg.RetryDelay,
		},
		RemoveOnComplete: e.cfg.RemoveOnComplete,
		RemoveOnFail:     e.cfg.RemoveOnFail,
	}
}

// Add validates and enqueues a job. The payload is JSON-encoded; nil
// enqueues an empty payload. A delay option schedules the job for
// future dispatch instead.
func (e *Engine) Add(ctx context.Context, typ string, payload any, opts ...job.Option) (*job.Job, error) {
	if err := conveyor.ValidateType(typ); err != nil {
		return nil, err
	}
	data, err := conveyor.MarshalPayload(payload)
	if err != nil {
		return nil, err
	}

	o := e.defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := conveyor.ValidateDelay(o.Delay); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:               uuid.New(),
		Type:             typ,
		Payload:          data,
		Priority:         o.Priority,
		MaxAttempts:      o.MaxAttempts,
		Backoff:          o.Backoff,
		AvailableAt:      now.Add(o.Delay),
		Timeout:          o.Timeout,
		RemoveOnComplete: o.RemoveOnComplete,
		RemoveOnFail:     o.RemoveOnFail,
		CreatedAt:        now,
	}

	if o.Delay > 0 {
		err = e.transport.Schedule(ctx, j)
	} else {
		err = e.transport.Add(ctx, j)
	}
	if err != nil {
		return nil, err
	}

	e.logger.Debug("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", typ),
		slog.Duration("delay", o.Delay),
	)
	return j, nil
}

// Schedule enqueues a job for future dispatch. Equivalent to Add with a
// delay option; delay must lie within [0, conveyor.MaxDelay].
func (e *Engine) Schedule(ctx context.Context, typ string, payload any, delay time.Duration, opts ...job.Option) (*job.Job, error) {
	return e.Add(ctx, typ, payload, append(opts, job.WithDelay(delay))...)
}

// Process registers the handler for a job type. Exactly one handler per
// type.
func (e *Engine) Process(typ string, h job.HandlerFunc) error {
	return e.transport.Process(typ, h)
}

// Handle registers a typed handler: the raw payload is JSON-decoded
// into T before fn runs.
func Handle[T any](e *Engine, typ string, fn func(ctx context.Context, payload T) error) error {
	return e.Process(typ, func(ctx context.Context, raw []byte) error {
		var payload T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &payload); err != nil {
				return fmt.Errorf("%w: decode %s payload: %v", conveyor.ErrInvalidPayload, typ, err)
			}
		}
		return fn(ctx, payload)
	})
}

// Pause suppresses dispatch for one type, or the whole queue when typ
// is empty.
func (e *Engine) Pause(typ string) error { return e.transport.Pause(typ) }

// Resume re-enables dispatch for one type, or the whole queue when typ
// is empty.
func (e *Engine) Resume(typ string) error { return e.transport.Resume(typ) }

// Stats returns status counts, optionally filtered by type.
func (e *Engine) Stats(ctx context.Context, typ string) (transport.Stats, error) {
	return e.transport.Stats(ctx, typ)
}

// Jobs returns a snapshot of jobs in the given status.
func (e *Engine) Jobs(ctx context.Context, status job.Status, typ string) ([]*job.Job, error) {
	return e.transport.Jobs(ctx, status, typ)
}

// Retry moves a failed job back to waiting with attempts reset. The id
// must be the job's UUID string.
func (e *Engine) Retry(ctx context.Context, id string) error {
	jID, err := parseJobID(id)
	if err != nil {
		return err
	}
	return e.transport.Retry(ctx, jID)
}

// Remove deletes a non-active job.
func (e *Engine) Remove(ctx context.Context, id string) error {
	jID, err := parseJobID(id)
	if err != nil {
		return err
	}
	return e.transport.Remove(ctx, jID)
}

func parseJobID(id string) (uuid.UUID, error) {
	jID, err := uuid.Parse(id)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("%w: %q", conveyor.ErrInvalidJobID, id)
	}
	return jID, nil
}

// Clean bulk-deletes terminal records older than grace.
func (e *Engine) Clean(ctx context.Context, status job.Status, grace time.Duration) (int64, error) {
	return e.transport.Clean(ctx, status, grace)
}

// Health probes the transport.
func (e *Engine) Health(ctx context.Context) transport.Health {
	return e.transport.Health(ctx)
}

// Close drains in-flight work and shuts the engine down. Idempotent.
func (e *Engine) Close(ctx context.Context) error {
	return e.transport.Close(ctx)
}

// Package redis implements the job store on Redis for high-throughput
// ephemeral workloads. Job records are Hashes; per-type Sorted Sets act
// as the dispatch index, split into a ready set (dispatchable now,
// scored by priority) and a scheduled set (scored by due time) so
// delayed jobs and retry backoff never jump the queue.
package redis

import (
	"context"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/conveyorhq/conveyor/job"
)

var _ job.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements job.Store backed by Redis.
type Store struct {
	client goredis.UniversalClient
	logger *slog.Logger
}

// New creates a Redis-backed store. The store owns the client and closes
// it on Close.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Package memory implements the job store as an in-process map. It is
// the default backend, the fallback when a configured backend cannot be
// reached, and the store unit tests run against.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/job"
)

// Store keeps all job records in memory behind a single mutex. Jobs are
// copied on the way in and out so callers never share record memory
// with the store.
type Store struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*job.Job
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{jobs: make(map[uuid.UUID]*job.Job)}
}

func clone(j *job.Job) *job.Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append([]byte(nil), j.Payload...)
	}
	if j.ProcessedAt != nil {
		t := *j.ProcessedAt
		c.ProcessedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.FailedAt != nil {
		t := *j.FailedAt
		c.FailedAt = &t
	}
	return &c
}

// Enqueue stores a new job record.
func (s *Store) Enqueue(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("%w: %s", conveyor.ErrJobExists, j.ID)
	}
	s.jobs[j.ID] = clone(j)
	return nil
}

// Get retrieves a job by ID.
func (s *Store) Get(_ context.Context, id uuid.UUID) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", conveyor.ErrJobNotFound, id)
	}
	return clone(j), nil
}

// Update replaces an existing job record.
func (s *Store) Update(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; !ok {
		return fmt.Errorf("%w: %s", conveyor.ErrJobNotFound, j.ID)
	}
	s.jobs[j.ID] = clone(j)
	return nil
}

// Delete removes a job record.
func (s *Store) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", conveyor.ErrJobNotFound, id)
	}
	delete(s.jobs, id)
	return nil
}

// Claim atomically takes up to limit due waiting jobs of the type,
// highest priority first, marks them active and increments Attempts.
func (s *Store) Claim(_ context.Context, typ string, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var eligible []*job.Job
	for _, j := range s.jobs {
		if j.Type == typ && j.Status == job.StatusWaiting && !j.AvailableAt.After(now) {
			eligible = append(eligible, j)
		}
	}

	sort.Slice(eligible, func(a, b int) bool {
		if eligible[a].Priority != eligible[b].Priority {
			return eligible[a].Priority > eligible[b].Priority
		}
		return eligible[a].AvailableAt.Before(eligible[b].AvailableAt)
	})

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]*job.Job, 0, len(eligible))
	for _, j := range eligible {
		j.Status = job.StatusActive
		j.Attempts++
		if j.ProcessedAt == nil {
			t := now
			j.ProcessedAt = &t
		}
		claimed = append(claimed, clone(j))
	}
	return claimed, nil
}

// PromoteDue moves delayed jobs whose AvailableAt has passed to waiting.
func (s *Store) PromoteDue(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var promoted int64
	for _, j := range s.jobs {
		if j.Status == job.StatusDelayed && !j.AvailableAt.After(now) {
			j.Status = job.StatusWaiting
			promoted++
		}
	}
	return promoted, nil
}

// List returns jobs in the given status, ordered by creation time.
func (s *Store) List(_ context.Context, status job.Status, typ string) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*job.Job
	for _, j := range s.jobs {
		if j.Status == status && (typ == "" || j.Type == typ) {
			out = append(out, clone(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

// Count tallies persisted statuses, optionally for a single type.
func (s *Store) Count(_ context.Context, typ string) (job.Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts job.Counts
	for _, j := range s.jobs {
		if typ != "" && j.Type != typ {
			continue
		}
		switch j.Status {
		case job.StatusWaiting:
			counts.Waiting++
		case job.StatusDelayed:
			counts.Delayed++
		case job.StatusActive:
			counts.Active++
		case job.StatusCompleted:
			counts.Completed++
		case job.StatusFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

// Clean deletes records in the terminal status older than the cutoff.
func (s *Store) Clean(_ context.Context, status job.Status, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, j := range s.jobs {
		if j.Status == status && j.TerminalAt().Before(olderThan) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// Prune keeps only the newest keep records of the type and status.
func (s *Store) Prune(_ context.Context, typ string, status job.Status, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*job.Job
	for _, j := range s.jobs {
		if j.Type == typ && j.Status == status {
			matched = append(matched, j)
		}
	}
	if len(matched) <= keep {
		return 0, nil
	}

	// Newest first by terminal timestamp; everything past keep goes.
	sort.Slice(matched, func(a, b int) bool {
		return matched[a].TerminalAt().After(matched[b].TerminalAt())
	})

	var removed int64
	for _, j := range matched[keep:] {
		delete(s.jobs, j.ID)
		removed++
	}
	return removed, nil
}

// Ping always succeeds; the backend is the process itself.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the in-memory backend.
func (s *Store) Close() error { return nil }

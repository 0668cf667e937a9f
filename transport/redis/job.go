package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/backoff"
	"github.com/conveyorhq/conveyor/job"
)

// Enqueue stores the job as a Hash and indexes it in the ready or
// scheduled Sorted Set depending on its status.
func (s *Store) Enqueue(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", conveyor.ErrJobExists, jID)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, jobIDsKey, jID)
	pipe.SAdd(ctx, typesKey, j.Type)
	s.index(ctx, pipe, j)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: enqueue job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(id.String()))
}

// Update persists changes to an existing job and reindexes it.
func (s *Store) Update(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: update check exists: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", conveyor.ErrJobNotFound, jID)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.ZRem(ctx, readyKey(j.Type), jID)
	pipe.ZRem(ctx, scheduledKey(j.Type), jID)
	s.index(ctx, pipe, j)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: update job: %w", err)
	}
	return nil
}

// Delete removes a job record and its index entries.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	jID := id.String()
	key := jobKey(jID)

	typ, err := s.client.HGet(ctx, key, "type").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return fmt.Errorf("%w: %s", conveyor.ErrJobNotFound, jID)
		}
		return fmt.Errorf("conveyor/redis: delete job get type: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, jobIDsKey, jID)
	pipe.ZRem(ctx, readyKey(typ), jID)
	pipe.ZRem(ctx, scheduledKey(typ), jID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: delete job: %w", err)
	}
	return nil
}

// Claim pops up to limit jobs from the type's ready set and marks them
// active. The ready set only ever holds dispatchable jobs, so a popped
// member is claimed by exactly one caller.
func (s *Store) Claim(ctx context.Context, typ string, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	members, err := s.client.ZPopMin(ctx, readyKey(typ), int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: claim zpopmin: %w", err)
	}

	now := time.Now().UTC()
	var claimed []*job.Job
	for _, z := range members {
		jID, ok := z.Member.(string)
		if !ok {
			continue
		}
		key := jobKey(jID)

		// The record may have been deleted between the pop and now;
		// writing claim fields to a missing hash would resurrect it as
		// a partial stray.
		exists, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return claimed, fmt.Errorf("conveyor/redis: claim check exists: %w", err)
		}
		if exists == 0 {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, key, "status", string(job.StatusActive))
		pipe.HIncrBy(ctx, key, "attempts", 1)
		pipe.HSetNX(ctx, key, "processed_at", now.Format(time.RFC3339Nano))
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return claimed, fmt.Errorf("conveyor/redis: claim update: %w", pErr)
		}

		j, getErr := s.getJobByKey(ctx, key)
		if getErr != nil {
			// Deleted after the existence check; the claim writes left a
			// partial hash behind, so remove it rather than skip it.
			s.client.Del(ctx, key)
			continue
		}
		claimed = append(claimed, j)
	}
	return claimed, nil
}

// PromoteDue moves due members of every type's scheduled set into its
// ready set and flips their status to waiting.
func (s *Store) PromoteDue(ctx context.Context, now time.Time) (int64, error) {
	types, err := s.client.SMembers(ctx, typesKey).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: promote smembers: %w", err)
	}

	dueBy := strconv.FormatInt(now.UnixMilli(), 10)
	var promoted int64
	for _, typ := range types {
		ids, err := s.client.ZRangeByScore(ctx, scheduledKey(typ), &goredis.ZRangeBy{
			Min: "-inf",
			Max: dueBy,
		}).Result()
		if err != nil {
			return promoted, fmt.Errorf("conveyor/redis: promote zrange: %w", err)
		}

		for _, jID := range ids {
			key := jobKey(jID)
			vals, err := s.client.HMGet(ctx, key, "priority", "available_at").Result()
			if err != nil {
				return promoted, fmt.Errorf("conveyor/redis: promote hmget: %w", err)
			}

			priority := 0
			availableAt := now
			if v, ok := vals[0].(string); ok {
				priority, _ = strconv.Atoi(v) //nolint:errcheck // best-effort parse from trusted Redis data
			}
			if v, ok := vals[1].(string); ok {
				availableAt, _ = time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
			}

			pipe := s.client.TxPipeline()
			pipe.ZRem(ctx, scheduledKey(typ), jID)
			pipe.ZAdd(ctx, readyKey(typ), goredis.Z{Score: readyScore(priority, availableAt), Member: jID})
			pipe.HSet(ctx, key, "status", string(job.StatusWaiting))
			if _, pErr := pipe.Exec(ctx); pErr != nil {
				return promoted, fmt.Errorf("conveyor/redis: promote update: %w", pErr)
			}
			promoted++
		}
	}
	return promoted, nil
}

// List returns jobs in the given status, ordered by creation time.
func (s *Store) List(ctx context.Context, status job.Status, typ string) ([]*job.Job, error) {
	jobs, err := s.scan(ctx, func(j *job.Job) bool {
		return j.Status == status && (typ == "" || j.Type == typ)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
	return jobs, nil
}

// Count tallies persisted statuses, optionally for a single type.
func (s *Store) Count(ctx context.Context, typ string) (job.Counts, error) {
	var counts job.Counts
	jobs, err := s.scan(ctx, func(j *job.Job) bool {
		return typ == "" || j.Type == typ
	})
	if err != nil {
		return counts, err
	}
	for _, j := range jobs {
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
func (s *Store) Clean(ctx context.Context, status job.Status, olderThan time.Time) (int64, error) {
	jobs, err := s.scan(ctx, func(j *job.Job) bool {
		return j.Status == status && j.TerminalAt().Before(olderThan)
	})
	if err != nil {
		return 0, err
	}

	var removed int64
	for _, j := range jobs {
		if err := s.Delete(ctx, j.ID); err != nil {
			if errors.Is(err, conveyor.ErrJobNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Prune keeps only the newest keep records of the type and status.
func (s *Store) Prune(ctx context.Context, typ string, status job.Status, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	jobs, err := s.scan(ctx, func(j *job.Job) bool {
		return j.Type == typ && j.Status == status
	})
	if err != nil {
		return 0, err
	}
	if len(jobs) <= keep {
		return 0, nil
	}

	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].TerminalAt().After(jobs[b].TerminalAt())
	})

	var removed int64
	for _, j := range jobs[keep:] {
		if err := s.Delete(ctx, j.ID); err != nil {
			if errors.Is(err, conveyor.ErrJobNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ── helpers ──

// index adds the job to the Sorted Set matching its status. Active and
// terminal jobs are not indexed; only the Hash holds them.
func (s *Store) index(ctx context.Context, pipe goredis.Pipeliner, j *job.Job) {
	jID := j.ID.String()
	switch {
	case j.Status == job.StatusWaiting && !j.AvailableAt.After(time.Now().UTC()):
		pipe.ZAdd(ctx, readyKey(j.Type), goredis.Z{
			Score:  readyScore(j.Priority, j.AvailableAt),
			Member: jID,
		})
	case j.Status == job.StatusWaiting || j.Status == job.StatusDelayed:
		// Waiting with a future AvailableAt is a retry backoff; it waits
		// in the scheduled set alongside delayed jobs.
		pipe.ZAdd(ctx, scheduledKey(j.Type), goredis.Z{
			Score:  float64(j.AvailableAt.UnixMilli()),
			Member: jID,
		})
	}
}

// readyScore computes a ready-set score from priority and AvailableAt.
// Priority is negated so higher priority pops first; the time fraction
// keeps FIFO order within a priority.
func readyScore(priority int, availableAt time.Time) float64 {
	return float64(-priority) + float64(availableAt.UnixMilli())/1e15
}

// scan loads every job record and keeps those matching the filter.
func (s *Store) scan(ctx context.Context, match func(*job.Job) bool) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: scan smembers: %w", err)
	}

	var jobs []*job.Job
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip records deleted mid-scan
		}
		if match(j) {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: %s", conveyor.ErrJobNotFound, key)
	}
	return mapToJob(vals)
}

func jobToMap(j *job.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":                 j.ID.String(),
		"type":               j.Type,
		"payload":            string(j.Payload),
		"status":             string(j.Status),
		"priority":           strconv.Itoa(j.Priority),
		"attempts":           strconv.Itoa(j.Attempts),
		"max_attempts":       strconv.Itoa(j.MaxAttempts),
		"backoff_kind":       string(j.Backoff.Kind),
		"backoff_delay":      strconv.FormatInt(int64(j.Backoff.Delay), 10),
		"available_at":       j.AvailableAt.Format(time.RFC3339Nano),
		"timeout":            strconv.FormatInt(int64(j.Timeout), 10),
		"remove_on_complete": strconv.FormatBool(j.RemoveOnComplete.Remove),
		"keep_last_complete": strconv.Itoa(j.RemoveOnComplete.KeepLast),
		"remove_on_fail":     strconv.FormatBool(j.RemoveOnFail.Remove),
		"keep_last_fail":     strconv.Itoa(j.RemoveOnFail.KeepLast),
		"last_error":         j.LastError,
		"created_at":         j.CreatedAt.Format(time.RFC3339Nano),
	}
	if j.ProcessedAt != nil {
		m["processed_at"] = j.ProcessedAt.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	}
	if j.FailedAt != nil {
		m["failed_at"] = j.FailedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := uuid.Parse(m["id"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", conveyor.ErrInvalidJobID, err)
	}

	priority, _ := strconv.Atoi(m["priority"])                        //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"])                        //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])                 //nolint:errcheck // best-effort parse from trusted Redis data
	backoffDelay, _ := strconv.ParseInt(m["backoff_delay"], 10, 64)   //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64)              //nolint:errcheck // best-effort parse from trusted Redis data
	removeOnComplete, _ := strconv.ParseBool(m["remove_on_complete"]) //nolint:errcheck // best-effort parse from trusted Redis data
	keepLastComplete, _ := strconv.Atoi(m["keep_last_complete"])      //nolint:errcheck // best-effort parse from trusted Redis data
	removeOnFail, _ := strconv.ParseBool(m["remove_on_fail"])         //nolint:errcheck // best-effort parse from trusted Redis data
	keepLastFail, _ := strconv.Atoi(m["keep_last_fail"])              //nolint:errcheck // best-effort parse from trusted Redis data

	availableAt, _ := time.Parse(time.RFC3339Nano, m["available_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])     //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		ID:          jID,
		Type:        m["type"],
		Payload:     []byte(m["payload"]),
		Status:      job.Status(m["status"]),
		Priority:    priority,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		Backoff: backoff.Policy{
			Kind:  backoff.Kind(m["backoff_kind"]),
			Delay: time.Duration(backoffDelay),
		},
		AvailableAt:      availableAt,
		Timeout:          time.Duration(timeout),
		RemoveOnComplete: conveyor.Retention{Remove: removeOnComplete, KeepLast: keepLastComplete},
		RemoveOnFail:     conveyor.Retention{Remove: removeOnFail, KeepLast: keepLastFail},
		LastError:        m["last_error"],
		CreatedAt:        createdAt,
	}
	if len(j.Payload) == 0 {
		j.Payload = nil
	}

	if v := m["processed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.ProcessedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.CompletedAt = &t
	}
	if v := m["failed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.FailedAt = &t
	}
	return j, nil
}

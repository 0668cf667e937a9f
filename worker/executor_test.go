package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/backoff"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/transport/memory"
	"github.com/conveyorhq/conveyor/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDecide(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tests := []struct {
		name        string
		attempts    int
		maxAttempts int
		handlerErr  error
		want        worker.Disposition
	}{
		{"success first attempt", 1, 3, nil, worker.DispositionCompleted},
		{"success last attempt", 3, 3, nil, worker.DispositionCompleted},
		{"failure with budget left", 1, 3, boom, worker.DispositionRetry},
		{"failure one before ceiling", 2, 3, boom, worker.DispositionRetry},
		{"failure at ceiling", 3, 3, boom, worker.DispositionFailed},
		{"failure single attempt", 1, 1, boom, worker.DispositionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := worker.Decide(tt.attempts, tt.maxAttempts, tt.handlerErr)
			if got != tt.want {
				t.Errorf("Decide(%d, %d, %v) = %v, want %v",
					tt.attempts, tt.maxAttempts, tt.handlerErr, got, tt.want)
			}
		})
	}
}

// claimOne enqueues the job and claims it so it arrives at the executor
// the way the pool delivers it: active, attempts incremented.
func claimOne(t *testing.T, store *memory.Store, j *job.Job) *job.Job {
	t.Helper()
	ctx := context.Background()
	if err := store.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := store.Claim(ctx, j.Type, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d jobs)", err, len(claimed))
	}
	return claimed[0]
}

func newExecJob() *job.Job {
	now := time.Now().UTC()
	return &job.Job{
		ID:          uuid.New(),
		Type:        "send-email",
		Status:      job.StatusWaiting,
		MaxAttempts: 3,
		Backoff:     backoff.Policy{Kind: backoff.KindFixed, Delay: time.Minute},
		AvailableAt: now,
		CreatedAt:   now,
	}
}

func TestExecutor_Success(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	registry := job.NewRegistry()
	if err := registry.Register("send-email", func(_ context.Context, _ []byte) error {
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	exec := worker.NewExecutor(registry, store, testLogger())

	claimed := claimOne(t, store, newExecJob())
	if err := exec.Execute(context.Background(), claimed); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, err := store.Get(context.Background(), claimed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt set")
	}
}

func TestExecutor_RetryWithBackoff(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	registry := job.NewRegistry()
	if err := registry.Register("send-email", func(_ context.Context, _ []byte) error {
		return errors.New("smtp unavailable")
	}); err != nil {
		t.Fatal(err)
	}
	exec := worker.NewExecutor(registry, store, testLogger())

	before := time.Now().UTC()
	claimed := claimOne(t, store, newExecJob())
	if err := exec.Execute(context.Background(), claimed); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, err := store.Get(context.Background(), claimed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusWaiting {
		t.Fatalf("expected waiting for retry, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("expected attempts=1, got %d", got.Attempts)
	}
	if got.LastError != "smtp unavailable" {
		t.Errorf("expected last error recorded, got %q", got.LastError)
	}
	// Fixed backoff of one minute pushes AvailableAt into the future.
	if got.AvailableAt.Before(before.Add(50 * time.Second)) {
		t.Errorf("expected backoff applied, AvailableAt=%s", got.AvailableAt)
	}
}

func TestExecutor_TerminalFailure(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	registry := job.NewRegistry()
	if err := registry.Register("send-email", func(_ context.Context, _ []byte) error {
		return errors.New("bad address")
	}); err != nil {
		t.Fatal(err)
	}
	exec := worker.NewExecutor(registry, store, testLogger())

	j := newExecJob()
	j.MaxAttempts = 1
	claimed := claimOne(t, store, j)
	if err := exec.Execute(context.Background(), claimed); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, err := store.Get(context.Background(), claimed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.FailedAt == nil {
		t.Error("expected FailedAt set")
	}
	if got.LastError != "bad address" {
		t.Errorf("expected last error recorded, got %q", got.LastError)
	}
}

func TestExecutor_RemoveOnComplete(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	registry := job.NewRegistry()
	if err := registry.Register("send-email", func(_ context.Context, _ []byte) error {
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	exec := worker.NewExecutor(registry, store, testLogger())

	j := newExecJob()
	j.RemoveOnComplete = conveyor.Retention{Remove: true}
	claimed := claimOne(t, store, j)
	if err := exec.Execute(context.Background(), claimed); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if _, err := store.Get(context.Background(), claimed.ID); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Errorf("expected job removed on completion, got %v", err)
	}
}

func TestExecutor_KeepLastPrunes(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	registry := job.NewRegistry()
	if err := registry.Register("send-email", func(_ context.Context, _ []byte) error {
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	exec := worker.NewExecutor(registry, store, testLogger())
	ctx := context.Background()

	// Two already-completed records, then a third completion with
	// KeepLast=2 prunes the oldest.
	old := time.Now().UTC().Add(-time.Hour)
	oldest := newExecJob()
	oldest.Status = job.StatusCompleted
	earlier := old.Add(-time.Minute)
	oldest.CompletedAt = &earlier
	recent := newExecJob()
	recent.Status = job.StatusCompleted
	recent.CompletedAt = &old
	for _, c := range []*job.Job{oldest, recent} {
		if err := store.Enqueue(ctx, c); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	j := newExecJob()
	j.RemoveOnComplete = conveyor.Retention{KeepLast: 2}
	claimed := claimOne(t, store, j)
	if err := exec.Execute(ctx, claimed); err != nil {
		t.Fatalf("execute: %v", err)
	}

	counts, _ := store.Count(ctx, "send-email")
	if counts.Completed != 2 {
		t.Errorf("expected 2 completed kept, got %d", counts.Completed)
	}
	if _, err := store.Get(ctx, oldest.ID); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Error("expected oldest completed record pruned")
	}
	if _, err := store.Get(ctx, claimed.ID); err != nil {
		t.Error("expected just-completed record kept")
	}
}

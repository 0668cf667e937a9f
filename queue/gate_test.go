package queue_test

import (
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/queue"
)

func TestGate_ConcurrencyCap(t *testing.T) {
	t.Parallel()
	g := queue.NewGate(2)

	if !g.Acquire("email") || !g.Acquire("email") {
		t.Fatal("first two Acquire calls should succeed")
	}
	if g.Acquire("email") {
		t.Fatal("third Acquire should be refused at cap 2")
	}

	// Other types have their own budget.
	if !g.Acquire("report") {
		t.Fatal("Acquire for a different type should succeed")
	}

	g.Release("email")
	if !g.Acquire("email") {
		t.Fatal("Acquire should succeed again after Release")
	}
}

func TestGate_PerTypeLimitOverridesDefault(t *testing.T) {
	t.Parallel()
	g := queue.NewGate(10)
	g.SetLimit("slow", queue.Limit{Concurrency: 1})

	if !g.Acquire("slow") {
		t.Fatal("first Acquire should succeed")
	}
	if g.Acquire("slow") {
		t.Fatal("second Acquire should be refused at per-type cap 1")
	}
}

func TestGate_PauseResume(t *testing.T) {
	t.Parallel()
	g := queue.NewGate(0)

	g.Pause("email")
	g.Pause("email") // idempotent
	if g.Acquire("email") {
		t.Fatal("Acquire should be refused while type is paused")
	}
	if !g.Paused("email") {
		t.Fatal("Paused(email) should be true")
	}
	if !g.Acquire("report") {
		t.Fatal("other types are unaffected by a per-type pause")
	}
	g.Release("report")

	g.Resume("email")
	if !g.Acquire("email") {
		t.Fatal("Acquire should succeed after Resume")
	}
	g.Release("email")

	// Queue-wide pause suppresses everything.
	g.Pause("")
	if g.Acquire("email") || g.Acquire("report") {
		t.Fatal("Acquire should be refused while the whole queue is paused")
	}
	if !g.Paused("report") {
		t.Fatal("every type reports paused under a queue-wide pause")
	}
	g.Resume("")
	if !g.Acquire("email") {
		t.Fatal("Acquire should succeed after queue-wide Resume")
	}
}

func TestGate_PausedTypes(t *testing.T) {
	t.Parallel()
	g := queue.NewGate(0)

	g.Pause("a")
	g.Pause("b")
	g.Resume("b")

	types := g.PausedTypes()
	if len(types) != 1 || types[0] != "a" {
		t.Fatalf("PausedTypes() = %v, want [a]", types)
	}
}

func TestGate_RateLimit(t *testing.T) {
	t.Parallel()
	g := queue.NewGate(0)
	g.SetLimit("burst", queue.Limit{RateLimit: 20, RateBurst: 1})

	if !g.Acquire("burst") {
		t.Fatal("first Acquire should pass the limiter")
	}
	g.Release("burst")
	if g.Acquire("burst") {
		t.Fatal("immediate second Acquire should be rate limited")
	}

	// A refill interval later the type is admitted again.
	time.Sleep(60 * time.Millisecond)
	if !g.Acquire("burst") {
		t.Fatal("Acquire should succeed after the bucket refills")
	}
}

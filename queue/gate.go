// Package queue controls admission of jobs into execution: pause state,
// per-type concurrency caps, and optional token-bucket rate limits.
package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limit defines per-type overrides for admission control.
type Limit struct {
	// Concurrency caps how many jobs of this type may run
	// simultaneously. Zero falls back to the gate-wide default.
	Concurrency int

	// RateLimit is the maximum sustained claims per second for this
	// type. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket limiter.
	// Defaults to 1 when RateLimit is set and RateBurst is zero.
	RateBurst int
}

// typeState tracks runtime admission state for a single job type.
type typeState struct {
	limit   Limit
	limiter *rate.Limiter
	active  int
	paused  bool
}

// Gate admits or refuses job claims. The dispatch loop calls Acquire
// before claiming a job of a type and Release when the handler settles.
// Pause and Resume toggle dispatch eligibility for one type or the whole
// queue without touching job records. Safe for concurrent use.
type Gate struct {
	mu                 sync.Mutex
	defaultConcurrency int
	types              map[string]*typeState
	allPaused          bool
}

// NewGate creates a Gate. defaultConcurrency caps simultaneously active
// jobs per type when no per-type Limit overrides it; zero or negative
// means unlimited.
func NewGate(defaultConcurrency int) *Gate {
	return &Gate{
		defaultConcurrency: defaultConcurrency,
		types:              make(map[string]*typeState),
	}
}

func (g *Gate) state(typ string) *typeState {
	ts := g.types[typ]
	if ts == nil {
		ts = &typeState{}
		g.types[typ] = ts
	}
	return ts
}

// SetLimit installs (or replaces) per-type admission overrides.
func (g *Gate) SetLimit(typ string, l Limit) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.state(typ)
	ts.limit = l
	ts.limiter = nil
	if l.RateLimit > 0 {
		burst := l.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ts.limiter = rate.NewLimiter(rate.Limit(l.RateLimit), burst)
	}
}

// Acquire reports whether a job of the given type may be claimed now.
// On true it increments the active counter; the caller MUST call Release
// when the job settles.
func (g *Gate) Acquire(typ string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.allPaused {
		return false
	}

	ts := g.state(typ)
	if ts.paused {
		return false
	}

	ceiling := ts.limit.Concurrency
	if ceiling <= 0 {
		ceiling = g.defaultConcurrency
	}
	if ceiling > 0 && ts.active >= ceiling {
		return false
	}

	if ts.limiter != nil && !ts.limiter.Allow() {
		return false
	}

	ts.active++
	return true
}

// Release decrements the active counter for the type.
func (g *Gate) Release(typ string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ts := g.types[typ]; ts != nil && ts.active > 0 {
		ts.active--
	}
}

// Pause suppresses dispatch for one type, or for the whole queue when
// typ is empty. Idempotent.
func (g *Gate) Pause(typ string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if typ == "" {
		g.allPaused = true
		return
	}
	g.state(typ).paused = true
}

// Resume re-enables dispatch for one type, or for the whole queue when
// typ is empty. Idempotent.
func (g *Gate) Resume(typ string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if typ == "" {
		g.allPaused = false
		return
	}
	g.state(typ).paused = false
}

// Paused reports whether dispatch is suppressed for the type (or for
// the whole queue when typ is empty).
func (g *Gate) Paused(typ string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.allPaused {
		return true
	}
	if typ == "" {
		return false
	}
	ts := g.types[typ]
	return ts != nil && ts.paused
}

// PausedTypes returns the types individually paused. It does not include
// the queue-wide pause flag; check Paused("") for that.
func (g *Gate) PausedTypes() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var types []string
	for typ, ts := range g.types {
		if ts.paused {
			types = append(types, typ)
		}
	}
	return types
}

// Active returns the current number of active jobs for a type.
func (g *Gate) Active(typ string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ts := g.types[typ]; ts != nil {
		return ts.active
	}
	return 0
}

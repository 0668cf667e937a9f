// Package backoff provides retry delay strategies for job execution.
// All strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Kind is the strategy tag stored on a job record.
type Kind string

const (
	// KindFixed waits the base delay between every retry.
	KindFixed Kind = "fixed"
	// KindExponential doubles the delay each retry.
	KindExponential Kind = "exponential"
	// KindExponentialJitter doubles the delay each retry and applies
	// full jitter to avoid thundering herds.
	KindExponentialJitter Kind = "exponential_jitter"
)

// DefaultMax caps exponential growth so a long retry history can never
// push a job out by more than a day.
const DefaultMax = 24 * time.Hour

// Policy is the per-job backoff configuration: a strategy tag plus the
// base delay it grows from.
type Policy struct {
	Kind  Kind          `json:"kind"`
	Delay time.Duration `json:"delay"`
}

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// For returns the Strategy for a job's backoff policy. Unknown kinds
// fall back to exponential, the safer default under repeated failure.
func For(p Policy) Strategy {
	switch p.Kind {
	case KindFixed:
		return &Fixed{Interval: p.Delay}
	case KindExponentialJitter:
		return &ExponentialWithJitter{Initial: p.Delay, Max: DefaultMax}
	default:
		return &Exponential{Initial: p.Delay, Max: DefaultMax}
	}
}

// ──────────────────────────────────────────────────
// Fixed
// ──────────────────────────────────────────────────

// Fixed always returns the same delay regardless of attempt number.
type Fixed struct {
	Interval time.Duration
}

// NewFixed creates a fixed backoff strategy.
func NewFixed(interval time.Duration) *Fixed {
	return &Fixed{Interval: interval}
}

// Delay returns the fixed interval.
func (f *Fixed) Delay(_ int) time.Duration {
	return f.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max), never below Initial.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && (d > e.Max || d <= 0) {
		d = e.Max
	}
	if d < e.Initial {
		// Overflow guard: growth must be monotonic.
		d = e.Initial
	}
	return d
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Initial * 2^(attempt-1), Max)].
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// Default returns the engine's default policy: exponential growth from a
// one second base.
func Default() Policy {
	return Policy{Kind: KindExponential, Delay: time.Second}
}

package backoff_test

import (
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/backoff"
)

func TestFixed_ReturnsBaseDelay(t *testing.T) {
	f := backoff.NewFixed(5 * time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		if got := f.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 5*time.Second)
		}
	}
}

func TestExponential_DoublesEachAttempt(t *testing.T) {
	e := backoff.NewExponential(time.Second, time.Hour)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},  // 1 * 2^0
		{2, 2 * time.Second},  // 1 * 2^1
		{3, 4 * time.Second},  // 1 * 2^2
		{4, 8 * time.Second},  // 1 * 2^3
		{5, 16 * time.Second}, // 1 * 2^4
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CapsAtMax(t *testing.T) {
	e := backoff.NewExponential(time.Second, 10*time.Second)

	if got := e.Delay(5); got != 10*time.Second {
		t.Errorf("Delay(5) = %v, want %v (capped at Max)", got, 10*time.Second)
	}
	if got := e.Delay(200); got != 10*time.Second {
		t.Errorf("Delay(200) = %v, want %v (capped at Max)", got, 10*time.Second)
	}
}

func TestExponential_MonotonicAndAtLeastBase(t *testing.T) {
	base := 250 * time.Millisecond
	e := backoff.NewExponential(base, backoff.DefaultMax)
	f := backoff.NewFixed(base)

	prev := time.Duration(0)
	for attempt := 1; attempt <= 64; attempt++ {
		got := e.Delay(attempt)
		if got < prev {
			t.Fatalf("Delay(%d) = %v decreased from %v", attempt, got, prev)
		}
		if got < f.Delay(attempt) {
			t.Fatalf("Delay(%d) = %v below fixed delay %v with same base", attempt, got, base)
		}
		prev = got
	}
}

func TestExponentialWithJitter_StaysInRange(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, 8*time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		got := e.Delay(attempt)
		if got < 0 || got > 8*time.Second {
			t.Errorf("Delay(%d) = %v outside [0, 8s]", attempt, got)
		}
	}
}

func TestFor_MapsPolicyKinds(t *testing.T) {
	tests := []struct {
		name string
		p    backoff.Policy
		want time.Duration // expected Delay(2)
	}{
		{"fixed", backoff.Policy{Kind: backoff.KindFixed, Delay: 3 * time.Second}, 3 * time.Second},
		{"exponential", backoff.Policy{Kind: backoff.KindExponential, Delay: 3 * time.Second}, 6 * time.Second},
		{"unknown defaults to exponential", backoff.Policy{Kind: "bogus", Delay: 3 * time.Second}, 6 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := backoff.For(tt.p).Delay(2); got != tt.want {
				t.Errorf("For(%+v).Delay(2) = %v, want %v", tt.p, got, tt.want)
			}
		})
	}
}

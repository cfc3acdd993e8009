package policy

import (
	"math/rand"
	"testing"
	"time"
)

func TestBackoff_Base(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Factor: 2, Max: time.Second, Jitter: 0.2}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.Base(i + 1); got != w {
			t.Errorf("Base(%d) = %s, want %s", i+1, got, w)
		}
	}
}

// Successive theoretical delays never decrease and every jittered delay stays
// within the jitter band around its theoretical value.
func TestBackoff_MonotonicWithinJitterBand(t *testing.T) {
	b := Backoff{Initial: 50 * time.Millisecond, Factor: 1.7, Max: 5 * time.Second, Jitter: 0.15}
	rng := rand.New(rand.NewSource(42))

	var prev time.Duration
	for attempt := 1; attempt <= 20; attempt++ {
		base := b.Base(attempt)
		if base < prev {
			t.Fatalf("base decreased at attempt %d: %s < %s", attempt, base, prev)
		}
		if base > b.Max {
			t.Fatalf("base above max at attempt %d: %s", attempt, base)
		}
		prev = base

		for i := 0; i < 50; i++ {
			d := b.Delay(attempt, rng.Float64())
			lo := time.Duration(float64(base) * (1 - b.Jitter))
			hi := time.Duration(float64(base) * (1 + b.Jitter))
			if d < lo-1 || d > hi+1 {
				t.Fatalf("attempt %d delay %s outside [%s, %s]", attempt, d, lo, hi)
			}
			if d > b.Max {
				t.Fatalf("attempt %d delay %s above max", attempt, d)
			}
		}
	}
}

func TestBackoff_DelayEdges(t *testing.T) {
	b := Backoff{Initial: time.Second, Factor: 2, Max: 10 * time.Second, Jitter: 0.2}
	if got := b.Delay(1, 0); got < 800*time.Millisecond-time.Microsecond || got > 800*time.Millisecond+time.Microsecond {
		t.Errorf("r=0 got %s, want 800ms", got)
	}
	if got := b.Delay(1, 0.5); got != time.Second {
		t.Errorf("r=0.5 got %s, want 1s", got)
	}
	if got := b.Delay(10, 0.99); got != 10*time.Second {
		t.Errorf("capped delay got %s, want 10s", got)
	}
}

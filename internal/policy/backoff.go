package policy

import (
	"math"
	"time"
)

// Backoff is an exponential retry schedule with symmetric jitter.
type Backoff struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
	// Jitter is the relative spread, 0.2 means +/-20%.
	Jitter float64
}

// DefaultTransportBackoff is used between transport-level retries.
func DefaultTransportBackoff() Backoff {
	return Backoff{Initial: 500 * time.Millisecond, Factor: 2, Max: 10 * time.Second, Jitter: 0.2}
}

// DefaultSyncBackoff is used between application-level sync retries.
func DefaultSyncBackoff() Backoff {
	return Backoff{Initial: time.Second, Factor: 2, Max: 30 * time.Second, Jitter: 0.2}
}

// Base returns min(Initial*Factor^(attempt-1), Max) for attempt >= 1.
func (b Backoff) Base(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	f := b.Factor
	if f < 1 {
		f = 1
	}
	d := float64(b.Initial) * math.Pow(f, float64(attempt-1))
	if b.Max > 0 && (d > float64(b.Max) || math.IsInf(d, 0)) {
		return b.Max
	}
	return time.Duration(d)
}

// Delay returns the jittered wait before retry number attempt. r must be in
// [0,1); it maps linearly onto [-Jitter, +Jitter]. The result never exceeds Max.
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	base := b.Base(attempt)
	j := b.Jitter
	if j < 0 {
		j = 0
	}
	if j > 1 {
		j = 1
	}
	d := time.Duration(float64(base) * (1 + j*(2*r-1)))
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Package policy derives request timeouts, retry budgets and backoff delays
// from the content class and the connection tier. Everything here is pure.
package policy

import (
	"math"
	"time"

	"lifeline/internal/content"
	"lifeline/internal/netstate"
)

// Priority groups content classes by how much a failed load hurts the page.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

// PriorityOf returns the priority group of a class.
func PriorityOf(c content.Class) Priority {
	switch c {
	case content.Document, content.Script, content.API, content.JSON:
		return High
	case content.Style, content.Font:
		return Normal
	}
	return Low
}

// Table holds base timeouts indexed by priority then tier.
// Offline reuses the poor column.
type Table [3][5]time.Duration

// DefaultTable is tuned for intermittent mobile links: short waits for
// decorative content on good links, long waits for pages on poor ones.
var DefaultTable = Table{
	Low: {
		netstate.TierOffline:   10 * time.Second,
		netstate.TierPoor:      10 * time.Second,
		netstate.TierMedium:    6 * time.Second,
		netstate.TierGood:      4 * time.Second,
		netstate.TierExcellent: 3 * time.Second,
	},
	Normal: {
		netstate.TierOffline:   12 * time.Second,
		netstate.TierPoor:      12 * time.Second,
		netstate.TierMedium:    8 * time.Second,
		netstate.TierGood:      5 * time.Second,
		netstate.TierExcellent: 4 * time.Second,
	},
	High: {
		netstate.TierOffline:   18 * time.Second,
		netstate.TierPoor:      18 * time.Second,
		netstate.TierMedium:    12 * time.Second,
		netstate.TierGood:      8 * time.Second,
		netstate.TierExcellent: 5 * time.Second,
	},
}

const (
	DefaultTimeoutGrowth = 1.5
	DefaultMaxTimeout    = 30 * time.Second
	DefaultHighRetries   = 3

	// DefaultInteractiveBudget bounds how long a client waits on the origin,
	// retries included, before the cache or a fallback answers. It admits one
	// full first attempt for high-priority content on a poor link.
	DefaultInteractiveBudget = 20 * time.Second
)

// Policy computes per-request budgets.
type Policy struct {
	Table         Table
	TimeoutGrowth float64
	MaxTimeout    time.Duration
	HighRetries   int

	// InteractiveBudget caps the total time of a request a client is
	// waiting on. Zero means no cap.
	InteractiveBudget time.Duration
}

// Default returns a policy with the default table and growth factors.
func Default() Policy {
	return Policy{
		Table:             DefaultTable,
		TimeoutGrowth:     DefaultTimeoutGrowth,
		MaxTimeout:        DefaultMaxTimeout,
		HighRetries:       DefaultHighRetries,
		InteractiveBudget: DefaultInteractiveBudget,
	}
}

// TimeoutFor returns the base timeout of the first attempt.
func (p Policy) TimeoutFor(c content.Class, tier netstate.Tier) time.Duration {
	if tier < netstate.TierOffline || tier > netstate.TierExcellent {
		tier = netstate.TierMedium
	}
	return p.Table[PriorityOf(c)][tier]
}

// TimeoutForAttempt grows the base timeout geometrically with the attempt
// number (0 is the first attempt), capped at MaxTimeout.
func (p Policy) TimeoutForAttempt(c content.Class, tier netstate.Tier, attempt int) time.Duration {
	return Grow(p.TimeoutFor(c, tier), p.TimeoutGrowth, p.MaxTimeout, attempt)
}

// MaxRetries is the number of retries allowed beyond the first attempt.
func (p Policy) MaxRetries(c content.Class) int {
	if PriorityOf(c) == High {
		return p.HighRetries
	}
	return 0
}

// Grow returns base*growth^attempt capped at max. A zero max means no cap.
func Grow(base time.Duration, growth float64, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if growth < 1 {
		growth = 1
	}
	d := time.Duration(float64(base) * math.Pow(growth, float64(attempt)))
	if max > 0 && (d > max || d < 0) {
		return max
	}
	return d
}

package policy

import (
	"testing"
	"time"

	"lifeline/internal/content"
	"lifeline/internal/netstate"
)

func TestTimeoutFor(t *testing.T) {
	p := Default()
	tests := []struct {
		class content.Class
		tier  netstate.Tier
		want  time.Duration
	}{
		{content.Image, netstate.TierExcellent, 3 * time.Second},
		{content.Image, netstate.TierGood, 4 * time.Second},
		{content.Style, netstate.TierMedium, 8 * time.Second},
		{content.Document, netstate.TierPoor, 18 * time.Second},
		{content.Script, netstate.TierPoor, 18 * time.Second},
		{content.Document, netstate.TierOffline, 18 * time.Second},
	}
	for _, tt := range tests {
		if got := p.TimeoutFor(tt.class, tt.tier); got != tt.want {
			t.Errorf("TimeoutFor(%s, %s) = %s, want %s", tt.class, tt.tier, got, tt.want)
		}
	}
}

func TestTimeoutFor_HighPriorityPoorIsLong(t *testing.T) {
	p := Default()
	for _, c := range []content.Class{content.Document, content.Script} {
		d := p.TimeoutFor(c, netstate.TierPoor)
		if d < 15*time.Second || d > 20*time.Second {
			t.Errorf("%s on poor = %s, want within 15-20s", c, d)
		}
	}
	for _, c := range []content.Class{content.Image, content.Other} {
		d := p.TimeoutFor(c, netstate.TierGood)
		if d < 3*time.Second || d > 5*time.Second {
			t.Errorf("%s on good = %s, want within 3-5s", c, d)
		}
	}
}

func TestTimeoutForAttempt_GrowsAndCaps(t *testing.T) {
	p := Default()
	base := p.TimeoutFor(content.Document, netstate.TierMedium)
	if got := p.TimeoutForAttempt(content.Document, netstate.TierMedium, 0); got != base {
		t.Fatalf("attempt 0 = %s, want %s", got, base)
	}
	if got := p.TimeoutForAttempt(content.Document, netstate.TierMedium, 1); got != 18*time.Second {
		t.Fatalf("attempt 1 = %s, want 18s", got)
	}
	if got := p.TimeoutForAttempt(content.Document, netstate.TierMedium, 10); got != p.MaxTimeout {
		t.Fatalf("attempt 10 = %s, want cap %s", got, p.MaxTimeout)
	}
}

func TestMaxRetries(t *testing.T) {
	p := Default()
	if got := p.MaxRetries(content.Document); got != 3 {
		t.Errorf("document retries = %d, want 3", got)
	}
	if got := p.MaxRetries(content.API); got != 3 {
		t.Errorf("api retries = %d, want 3", got)
	}
	if got := p.MaxRetries(content.Image); got != 0 {
		t.Errorf("image retries = %d, want 0", got)
	}
}

func TestPolicyIsDeterministic(t *testing.T) {
	p := Default()
	for _, c := range content.All() {
		for tier := netstate.TierOffline; tier <= netstate.TierExcellent; tier++ {
			a := p.TimeoutForAttempt(c, tier, 2)
			b := p.TimeoutForAttempt(c, tier, 2)
			if a != b {
				t.Fatalf("non deterministic for %s/%s", c, tier)
			}
		}
	}
}

func TestInteractiveBudget(t *testing.T) {
	p := Default()
	if p.InteractiveBudget < 10*time.Second || p.InteractiveBudget > 20*time.Second {
		t.Fatalf("interactive budget %s outside 10s..20s", p.InteractiveBudget)
	}
	// A single first attempt for a page on a poor link still fits.
	if first := p.TimeoutFor(content.Document, netstate.TierPoor); first > p.InteractiveBudget {
		t.Fatalf("first attempt %s exceeds budget %s", first, p.InteractiveBudget)
	}
	// Without the cap a page on a medium link would retry far past it.
	var total time.Duration
	for attempt := 0; attempt <= p.MaxRetries(content.Document); attempt++ {
		total += p.TimeoutForAttempt(content.Document, netstate.TierMedium, attempt)
	}
	if total <= p.InteractiveBudget {
		t.Fatalf("expected uncapped retries (%s) to exceed the budget", total)
	}
}

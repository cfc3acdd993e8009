// Package netstate tracks the relay's view of network quality.
//
// A single Monitor owns the ConnectionState. Every other component reads
// snapshots of it; only Monitor methods write it.
package netstate

import (
	"fmt"
	"time"
)

// Tier is a discretized network quality classification.
type Tier int

const (
	TierOffline Tier = iota
	TierPoor
	TierMedium
	TierGood
	TierExcellent
)

func (t Tier) String() string {
	switch t {
	case TierOffline:
		return "offline"
	case TierPoor:
		return "poor"
	case TierMedium:
		return "medium"
	case TierGood:
		return "good"
	case TierExcellent:
		return "excellent"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// MarshalText lets tiers appear by name in JSON status payloads.
func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// ParseTier is the inverse of Tier.String.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "offline":
		return TierOffline, nil
	case "poor":
		return TierPoor, nil
	case "medium":
		return TierMedium, nil
	case "good":
		return TierGood, nil
	case "excellent":
		return TierExcellent, nil
	}
	return TierMedium, fmt.Errorf("unknown tier %q", s)
}

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// FailureThreshold is the number of consecutive failed requests that forces
// the tier down to poor.
const FailureThreshold = 3

// State is a value snapshot of the connection state.
type State struct {
	Tier                Tier          `json:"tier"`
	EffectiveType       string        `json:"effectiveType,omitempty"`
	DownlinkMbps        float64       `json:"downlinkMbps,omitempty"`
	RTT                 time.Duration `json:"rtt,omitempty"`
	SaveData            bool          `json:"saveData"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

// Online reports whether the tier allows any network attempt at all.
func (s State) Online() bool { return s.Tier != TierOffline }

// DefaultState is the conservative state used at startup.
func DefaultState() State {
	return State{
		Tier:          TierMedium,
		EffectiveType: "3g",
		DownlinkMbps:  1.5,
		RTT:           400 * time.Millisecond,
	}
}

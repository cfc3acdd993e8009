package netstate

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Hints are the network signals a client reports about itself. Browsers send
// them as Client Hints headers (ECT, Downlink, RTT, Save-Data).
type Hints struct {
	EffectiveType string

	Downlink    float64
	HasDownlink bool

	RTT    time.Duration
	HasRTT bool

	SaveData bool
}

// Empty reports whether no signal is present.
func (h Hints) Empty() bool {
	return h.EffectiveType == "" && !h.HasDownlink && !h.HasRTT && !h.SaveData
}

// HintsFromHeader extracts client hints from request headers. Malformed values
// are ignored.
func HintsFromHeader(h http.Header) Hints {
	var out Hints
	out.EffectiveType = strings.ToLower(strings.TrimSpace(h.Get("ECT")))

	if v := strings.TrimSpace(h.Get("Downlink")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			out.Downlink = f
			out.HasDownlink = true
		}
	}
	if v := strings.TrimSpace(h.Get("RTT")); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			out.RTT = time.Duration(ms) * time.Millisecond
			out.HasRTT = true
		}
	}
	out.SaveData = strings.EqualFold(strings.TrimSpace(h.Get("Save-Data")), "on")
	return out
}

// ForClient returns s as seen by one client. The client's save-data choice
// is added and its own link can only lower the tier; an offline relay stays
// offline. The receiver is a copy, so the monitor's state is untouched.
func (s State) ForClient(h Hints) State {
	if h.Empty() {
		return s
	}
	s.SaveData = s.SaveData || h.SaveData
	if h.EffectiveType != "" {
		s.EffectiveType = h.EffectiveType
	}
	if s.Tier == TierOffline {
		return s
	}
	if t, ok := tierFromHints(h); ok && t < s.Tier {
		s.Tier = t
	}
	return s
}

// tierFromHints classifies hints. ok is false when the hints carry no quality
// information (save-data alone does not say anything about the link).
func tierFromHints(h Hints) (Tier, bool) {
	if h.HasRTT {
		switch {
		case h.RTT < 100*time.Millisecond && (!h.HasDownlink || h.Downlink >= 5):
			return TierExcellent, true
		case h.RTT < 300*time.Millisecond:
			return TierGood, true
		case h.RTT <= time.Second:
			return TierMedium, true
		default:
			return TierPoor, true
		}
	}
	switch h.EffectiveType {
	case "slow-2g", "2g":
		return TierPoor, true
	case "3g":
		return TierMedium, true
	case "4g":
		if h.HasDownlink && h.Downlink >= 5 {
			return TierExcellent, true
		}
		return TierGood, true
	}
	if h.HasDownlink {
		switch {
		case h.Downlink < 0.5:
			return TierPoor, true
		case h.Downlink < 2:
			return TierMedium, true
		default:
			return TierGood, true
		}
	}
	return TierMedium, false
}

// tierFromLatency classifies a measured probe round trip.
func tierFromLatency(rtt time.Duration) Tier {
	switch {
	case rtt < 100*time.Millisecond:
		return TierExcellent
	case rtt < 300*time.Millisecond:
		return TierGood
	case rtt <= time.Second:
		return TierMedium
	default:
		return TierPoor
	}
}

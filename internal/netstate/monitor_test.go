package netstate

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

type fakePinger struct {
	mu   sync.Mutex
	rtts map[string]time.Duration
	errs map[string]error
	seen []string
}

func (p *fakePinger) Ping(_ context.Context, url string, timeout time.Duration) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, url)
	if timeout > MaxProbeTimeout {
		return 0, errors.New("probe timeout above limit")
	}
	if err := p.errs[url]; err != nil {
		return 0, err
	}
	return p.rtts[url], nil
}

func TestMonitor_DefaultsToMedium(t *testing.T) {
	m := NewMonitor(ProbeConfig{}, nil)
	s := m.Snapshot()
	if s.Tier != TierMedium {
		t.Fatalf("expected medium, got %s", s.Tier)
	}
	if s.ConsecutiveFailures != 0 {
		t.Fatalf("expected 0 failures, got %d", s.ConsecutiveFailures)
	}
}

func TestMonitor_RecordOutcomeDowngradesAtThreshold(t *testing.T) {
	m := NewMonitor(ProbeConfig{}, nil)
	m.Sample(Hints{EffectiveType: "4g"})
	if got := m.Snapshot().Tier; got != TierGood {
		t.Fatalf("expected good after 4g hint, got %s", got)
	}

	m.RecordOutcome(false)
	m.RecordOutcome(false)
	if got := m.Snapshot().Tier; got != TierGood {
		t.Fatalf("two failures should not downgrade, got %s", got)
	}
	m.RecordOutcome(false)
	s := m.Snapshot()
	if s.Tier != TierPoor {
		t.Fatalf("expected poor after 3 failures, got %s", s.Tier)
	}
	if s.ConsecutiveFailures != 3 {
		t.Fatalf("expected 3 failures, got %d", s.ConsecutiveFailures)
	}

	// Hints cannot lift the forced downgrade while failures persist.
	m.Sample(Hints{EffectiveType: "4g"})
	if got := m.Snapshot().Tier; got != TierPoor {
		t.Fatalf("expected poor to stick, got %s", got)
	}

	m.RecordOutcome(true)
	if got := m.Snapshot().ConsecutiveFailures; got != 0 {
		t.Fatalf("expected reset counter, got %d", got)
	}
}

func TestMonitor_SampleWithoutHintsIsNoop(t *testing.T) {
	m := NewMonitor(ProbeConfig{}, nil)
	before := m.Snapshot()
	m.Sample(HintsFromHeader(http.Header{}))
	after := m.Snapshot()
	if before != after {
		t.Fatalf("state changed without hints: %+v -> %+v", before, after)
	}
}

func TestMonitor_SampleFromHeaders(t *testing.T) {
	tests := []struct {
		name     string
		header   map[string]string
		want     Tier
		saveData bool
	}{
		{"slow 2g", map[string]string{"ECT": "slow-2g"}, TierPoor, false},
		{"3g", map[string]string{"ECT": "3g"}, TierMedium, false},
		{"rtt wins over ect", map[string]string{"ECT": "4g", "RTT": "1500"}, TierPoor, false},
		{"fast link", map[string]string{"RTT": "50", "Downlink": "10"}, TierExcellent, false},
		{"save data", map[string]string{"ECT": "4g", "Save-Data": "on"}, TierGood, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(ProbeConfig{}, nil)
			h := http.Header{}
			for k, v := range tt.header {
				h.Set(k, v)
			}
			m.Sample(HintsFromHeader(h))
			s := m.Snapshot()
			if s.Tier != tt.want {
				t.Errorf("tier = %s, want %s", s.Tier, tt.want)
			}
			if s.SaveData != tt.saveData {
				t.Errorf("saveData = %v, want %v", s.SaveData, tt.saveData)
			}
		})
	}
}

func TestMonitor_Probe(t *testing.T) {
	tests := []struct {
		name string
		rtts map[string]time.Duration
		errs map[string]error
		want Tier
	}{
		{"fast", map[string]time.Duration{"a": 50 * time.Millisecond, "b": 70 * time.Millisecond}, nil, TierExcellent},
		{"good", map[string]time.Duration{"a": 200 * time.Millisecond, "b": 250 * time.Millisecond}, nil, TierGood},
		{"medium", map[string]time.Duration{"a": 600 * time.Millisecond, "b": 800 * time.Millisecond}, nil, TierMedium},
		{"poor", map[string]time.Duration{"a": 1500 * time.Millisecond, "b": 2 * time.Second}, nil, TierPoor},
		{"partial failure uses successes", map[string]time.Duration{"a": 200 * time.Millisecond},
			map[string]error{"b": errors.New("refused")}, TierGood},
		{"all fail", nil, map[string]error{"a": errors.New("x"), "b": errors.New("y")}, TierOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(ProbeConfig{Endpoints: []string{"a", "b"}, Timeout: time.Minute}, nil)
			p := &fakePinger{rtts: tt.rtts, errs: tt.errs}
			s := m.Probe(context.Background(), p)
			if s.Tier != tt.want {
				t.Errorf("tier = %s, want %s", s.Tier, tt.want)
			}
			if len(p.seen) != 2 {
				t.Errorf("expected 2 pings, got %d", len(p.seen))
			}
		})
	}
}

func TestMonitor_SuccessLiftsOffline(t *testing.T) {
	m := NewMonitor(ProbeConfig{}, nil)
	m.SetOffline()
	m.Sample(Hints{EffectiveType: "4g"})
	if got := m.Snapshot().Tier; got != TierOffline {
		t.Fatalf("hints must not lift offline, got %s", got)
	}
	m.RecordOutcome(true)
	if got := m.Snapshot().Tier; got != TierMedium {
		t.Fatalf("expected medium after success, got %s", got)
	}
}

func TestMonitor_WatchFiresOnTransition(t *testing.T) {
	m := NewMonitor(ProbeConfig{}, nil)
	var got []Tier
	m.Watch(func(prev, cur State) { got = append(got, cur.Tier) })

	m.RecordOutcome(true) // no transition
	m.SetOffline()
	m.RecordOutcome(true)

	if len(got) != 2 || got[0] != TierOffline || got[1] != TierMedium {
		t.Fatalf("unexpected transitions: %v", got)
	}
}

func TestState_ForClient(t *testing.T) {
	base := DefaultState()
	base.Tier = TierGood

	tests := []struct {
		name     string
		state    State
		header   map[string]string
		want     Tier
		saveData bool
	}{
		{"no hints", base, nil, TierGood, false},
		{"save data only", base, map[string]string{"Save-Data": "on"}, TierGood, true},
		{"slow client lowers tier", base, map[string]string{"ECT": "2g"}, TierPoor, false},
		{"fast client does not raise tier", base, map[string]string{"RTT": "20", "Downlink": "50"}, TierGood, false},
		{"offline relay stays offline", State{Tier: TierOffline}, map[string]string{"ECT": "4g"}, TierOffline, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.header {
				h.Set(k, v)
			}
			got := tt.state.ForClient(HintsFromHeader(h))
			if got.Tier != tt.want || got.SaveData != tt.saveData {
				t.Fatalf("ForClient = %s save=%v, want %s save=%v", got.Tier, got.SaveData, tt.want, tt.saveData)
			}
		})
	}
}

func TestState_ForClientLeavesMonitorAlone(t *testing.T) {
	m := NewMonitor(ProbeConfig{}, nil)
	_ = m.Snapshot().ForClient(Hints{SaveData: true, EffectiveType: "slow-2g"})
	if s := m.Snapshot(); s.SaveData || s.Tier != TierMedium {
		t.Fatalf("per-client view leaked into the monitor: %+v", s)
	}
}

package netstate

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MaxProbeTimeout bounds a single connectivity probe.
const MaxProbeTimeout = 5 * time.Second

// Pinger issues one lightweight request and reports its round trip.
type Pinger interface {
	Ping(ctx context.Context, url string, timeout time.Duration) (time.Duration, error)
}

// ProbeConfig lists the endpoints used for active probing.
type ProbeConfig struct {
	Endpoints []string
	Timeout   time.Duration
}

// Monitor is the single writer of the connection state.
type Monitor struct {
	mu        sync.RWMutex
	state     State
	listeners []func(prev, cur State)

	probe  ProbeConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewMonitor creates a monitor initialized with DefaultState.
func NewMonitor(probe ProbeConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if probe.Timeout <= 0 || probe.Timeout > MaxProbeTimeout {
		probe.Timeout = MaxProbeTimeout
	}
	m := &Monitor{
		probe:  probe,
		logger: logger.With("component", "netstate"),
		now:    time.Now,
	}
	m.state = DefaultState()
	m.state.UpdatedAt = m.now()
	return m
}

// Snapshot returns a copy of the current state.
func (m *Monitor) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Watch registers fn to be called after every tier or save-data transition.
// Listeners run synchronously on the goroutine that caused the change and must
// not block.
func (m *Monitor) Watch(fn func(prev, cur State)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Sample merges hints about the relay's own uplink into the state, as
// reported by the host. It is a no-op without hints. Hints never lift the
// relay out of the offline tier. Per-request client hints do not belong here;
// see State.ForClient.
func (m *Monitor) Sample(h Hints) {
	if h.Empty() {
		return
	}
	m.update(func(s *State) {
		if h.EffectiveType != "" {
			s.EffectiveType = h.EffectiveType
		}
		if h.HasDownlink {
			s.DownlinkMbps = h.Downlink
		}
		if h.HasRTT {
			s.RTT = h.RTT
		}
		s.SaveData = h.SaveData

		if s.Tier == TierOffline {
			return
		}
		if t, ok := tierFromHints(h); ok {
			s.Tier = t
		}
		clampForFailures(s)
	})
}

// Probe pings every configured endpoint concurrently and reclassifies the tier
// from the mean latency of the successful pings. With no successful ping the
// tier becomes offline.
func (m *Monitor) Probe(ctx context.Context, p Pinger) State {
	if len(m.probe.Endpoints) == 0 {
		return m.Snapshot()
	}

	type result struct {
		rtt time.Duration
		err error
	}
	results := make([]result, len(m.probe.Endpoints))
	var wg sync.WaitGroup
	for i, ep := range m.probe.Endpoints {
		wg.Add(1)
		go func(i int, ep string) {
			defer wg.Done()
			rtt, err := p.Ping(ctx, ep, m.probe.Timeout)
			results[i] = result{rtt: rtt, err: err}
		}(i, ep)
	}
	wg.Wait()

	var total time.Duration
	ok := 0
	for i, r := range results {
		if r.err != nil {
			m.logger.Debug("probe failed", "endpoint", m.probe.Endpoints[i], "error", r.err)
			continue
		}
		total += r.rtt
		ok++
	}

	m.update(func(s *State) {
		if ok == 0 {
			s.Tier = TierOffline
			return
		}
		mean := total / time.Duration(ok)
		s.RTT = mean
		s.Tier = tierFromLatency(mean)
		clampForFailures(s)
	})
	return m.Snapshot()
}

// RecordOutcome feeds the result of one logical network request. Failures are
// counted and force the tier to poor at FailureThreshold; a success resets the
// counter and lifts an offline tier to medium.
func (m *Monitor) RecordOutcome(success bool) {
	m.update(func(s *State) {
		if success {
			s.ConsecutiveFailures = 0
			if s.Tier == TierOffline {
				s.Tier = TierMedium
			}
			return
		}
		s.ConsecutiveFailures++
		clampForFailures(s)
	})
}

// SetOffline marks the origin unreachable, e.g. when the host reports it.
func (m *Monitor) SetOffline() {
	m.update(func(s *State) { s.Tier = TierOffline })
}

func clampForFailures(s *State) {
	if s.ConsecutiveFailures >= FailureThreshold && s.Tier > TierPoor {
		s.Tier = TierPoor
	}
}

func (m *Monitor) update(fn func(s *State)) {
	m.mu.Lock()
	prev := m.state
	fn(&m.state)
	m.state.UpdatedAt = m.now()
	cur := m.state
	var listeners []func(prev, cur State)
	if prev.Tier != cur.Tier || prev.SaveData != cur.SaveData {
		listeners = append(listeners, m.listeners...)
	}
	m.mu.Unlock()

	if prev.Tier != cur.Tier {
		m.logger.Info("connection tier changed", "from", prev.Tier.String(), "to", cur.Tier.String(),
			"failures", cur.ConsecutiveFailures)
	}
	for _, fn := range listeners {
		fn(prev, cur)
	}
}

package rfetch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lifeline/internal/content"
	"lifeline/internal/netstate"
	"lifeline/internal/policy"
)

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestFetcher(t *testing.T, mon *netstate.Monitor) (*Fetcher, *recordedSleeps) {
	t.Helper()
	rs := &recordedSleeps{}
	f := New(nil, mon, policy.Backoff{Initial: 100 * time.Millisecond, Factor: 2, Max: time.Second, Jitter: 0.2}, nil,
		WithRand(func() float64 { return 0.5 }),
		WithSleep(rs.sleep),
	)
	return f, rs
}

func TestExecute_SuccessResetsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	mon := netstate.NewMonitor(netstate.ProbeConfig{}, nil)
	mon.RecordOutcome(false)
	mon.RecordOutcome(false)
	f, _ := newTestFetcher(t, mon)

	resp, err := f.Execute(context.Background(), Request{URL: srv.URL}, Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(resp.Body) != "hello" || resp.Status != 200 || resp.Attempts != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if got := mon.Snapshot().ConsecutiveFailures; got != 0 {
		t.Fatalf("expected failures reset, got %d", got)
	}
}

func TestExecute_RetryCeiling(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))

		mon := netstate.NewMonitor(netstate.ProbeConfig{}, nil)
		f, rs := newTestFetcher(t, mon)
		_, err := f.Execute(context.Background(), Request{URL: srv.URL}, Options{Timeout: time.Second, MaxRetries: n, UseBackoff: true})
		srv.Close()

		fe, ok := AsFetchError(err)
		if !ok {
			t.Fatalf("n=%d: expected FetchError, got %v", n, err)
		}
		if fe.Kind != KindHTTP || fe.Status != http.StatusBadGateway {
			t.Errorf("n=%d: unexpected error %+v", n, fe)
		}
		if got := int(hits.Load()); got != n+1 {
			t.Errorf("n=%d: %d attempts, want %d", n, got, n+1)
		}
		if fe.Attempts != n+1 {
			t.Errorf("n=%d: error reports %d attempts", n, fe.Attempts)
		}
		if len(rs.delays) != n {
			t.Errorf("n=%d: %d backoff waits, want %d", n, len(rs.delays), n)
		}
		if got := mon.Snapshot().ConsecutiveFailures; got != 1 {
			t.Errorf("n=%d: expected 1 recorded failure, got %d", n, got)
		}
	}
}

func TestExecute_ClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	mon := netstate.NewMonitor(netstate.ProbeConfig{}, nil)
	f, rs := newTestFetcher(t, mon)
	resp, err := f.Execute(context.Background(), Request{URL: srv.URL}, Options{Timeout: time.Second, MaxRetries: 5, UseBackoff: true})

	fe, ok := AsFetchError(err)
	if !ok || !fe.ClientError() {
		t.Fatalf("expected client error, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", hits.Load())
	}
	if resp == nil || resp.Status != http.StatusNotFound {
		t.Fatalf("expected 404 response to be returned, got %+v", resp)
	}
	if len(rs.delays) != 0 {
		t.Fatalf("expected no backoff, got %v", rs.delays)
	}
	if mon.Snapshot().ConsecutiveFailures != 0 {
		t.Fatalf("4xx must not count as a connectivity failure")
	}
}

func TestExecute_TimeoutClassified(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	mon := netstate.NewMonitor(netstate.ProbeConfig{}, nil)
	f, _ := newTestFetcher(t, mon)
	_, err := f.Execute(context.Background(), Request{URL: srv.URL}, Options{Timeout: 50 * time.Millisecond, MaxRetries: 1})
	fe, ok := AsFetchError(err)
	if !ok {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.Kind != KindTimeout {
		t.Fatalf("expected timeout kind, got %s (%v)", fe.Kind, fe.Err)
	}
	if fe.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", fe.Attempts)
	}
	if fe.Elapsed < 100*time.Millisecond {
		t.Fatalf("elapsed %s shorter than two timeouts", fe.Elapsed)
	}
}

func TestExecute_NetworkErrorThenRecovery(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	mon := netstate.NewMonitor(netstate.ProbeConfig{}, nil)
	f, rs := newTestFetcher(t, mon)
	resp, err := f.Execute(context.Background(), Request{URL: srv.URL}, Options{Timeout: time.Second, MaxRetries: 3, UseBackoff: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", resp.Attempts)
	}
	// r=0.5 means no jitter: 100ms then 200ms.
	if len(rs.delays) != 2 || rs.delays[0] != 100*time.Millisecond || rs.delays[1] != 200*time.Millisecond {
		t.Fatalf("unexpected delays %v", rs.delays)
	}
}

func TestExecute_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	mon := netstate.NewMonitor(netstate.ProbeConfig{}, nil)
	f, _ := newTestFetcher(t, mon)
	_, err := f.Execute(context.Background(), Request{URL: url}, Options{Timeout: time.Second, MaxRetries: 2})
	fe, ok := AsFetchError(err)
	if !ok || fe.Kind != KindNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
	if fe.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", fe.Attempts)
	}
}

func TestExecute_CanceledContextStops(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	mon := netstate.NewMonitor(netstate.ProbeConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	f := New(nil, mon, policy.DefaultTransportBackoff(), nil, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	_, err := f.Execute(ctx, Request{URL: srv.URL}, Options{Timeout: time.Second, MaxRetries: 5, UseBackoff: true})
	fe, ok := AsFetchError(err)
	if !ok || fe.Kind != KindCanceled {
		t.Fatalf("expected canceled, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected 1 attempt before cancellation, got %d", hits.Load())
	}
	if mon.Snapshot().ConsecutiveFailures != 0 {
		t.Fatalf("cancellation must not count as failure")
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
	}))
	defer srv.Close()

	mon := netstate.NewMonitor(netstate.ProbeConfig{Endpoints: []string{srv.URL}}, nil)
	f, _ := newTestFetcher(t, mon)
	s := mon.Probe(context.Background(), f)
	if s.Tier == netstate.TierOffline {
		t.Fatalf("expected reachable endpoint, got offline")
	}
}

func TestBudget(t *testing.T) {
	p := policy.Default()
	o := Budget(p, content.Document, netstate.State{Tier: netstate.TierPoor})
	if o.Timeout != 18*time.Second || o.MaxRetries != 3 || !o.UseBackoff {
		t.Fatalf("unexpected budget %+v", o)
	}
	o = Budget(p, content.Image, netstate.State{Tier: netstate.TierGood})
	if o.Timeout != 4*time.Second || o.MaxRetries != 0 {
		t.Fatalf("unexpected budget %+v", o)
	}
}

func TestExecute_TotalBudgetStopsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-r.Context().Done()
	}))
	defer srv.Close()

	mon := netstate.NewMonitor(netstate.ProbeConfig{}, nil)
	f, _ := newTestFetcher(t, mon)
	start := time.Now()
	_, err := f.Execute(context.Background(), Request{URL: srv.URL}, Options{
		Timeout:       100 * time.Millisecond,
		TimeoutGrowth: 1.5,
		MaxRetries:    5,
		TotalBudget:   250 * time.Millisecond,
	})
	elapsed := time.Since(start)

	fe, ok := AsFetchError(err)
	if !ok || fe.Kind != KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	// 100ms, then 150ms trimmed to what is left; no third attempt.
	if n := hits.Load(); n != 2 {
		t.Fatalf("expected 2 attempts within the budget, got %d", n)
	}
	if elapsed > 600*time.Millisecond {
		t.Fatalf("budget of 250ms overrun: %s", elapsed)
	}
	if got := mon.Snapshot().ConsecutiveFailures; got != 1 {
		t.Fatalf("expected 1 recorded failure, got %d", got)
	}
}

func TestExecute_OversizedBodyIsStreamed(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	mon := netstate.NewMonitor(netstate.ProbeConfig{}, nil)
	f, _ := newTestFetcher(t, mon)

	resp, err := f.Execute(context.Background(), Request{URL: srv.URL}, Options{Timeout: time.Second, MaxBody: 100})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Body != nil || resp.Stream == nil {
		t.Fatalf("expected a stream, got %d buffered bytes", len(resp.Body))
	}
	got, err := io.ReadAll(resp.Stream)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if err := resp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("stream lost bytes: got %d, want %d", len(got), len(payload))
	}

	resp, err = f.Execute(context.Background(), Request{URL: srv.URL}, Options{Timeout: time.Second, MaxBody: int64(len(payload))})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Stream != nil || !bytes.Equal(resp.Body, payload) {
		t.Fatalf("body within the limit must be buffered")
	}
}

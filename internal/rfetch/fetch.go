// Package rfetch is the single choke point for outbound requests. It adds
// per-attempt timeouts, retries with jittered exponential backoff and failure
// classification, and reports outcomes to the connection monitor.
package rfetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"lifeline/internal/content"
	"lifeline/internal/netstate"
	"lifeline/internal/policy"
)

// Request is a replayable outbound request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is an origin response. Its body is either read into Body or, when
// it exceeded Options.MaxBody, left open in Stream.
type Response struct {
	Status int
	Header http.Header
	Body   []byte

	// Stream yields the whole body of an oversized response. The caller must
	// close it, or call Close.
	Stream io.ReadCloser

	Attempts int
	Elapsed  time.Duration
}

// Close releases an unread Stream. It is safe on nil and buffered responses.
func (r *Response) Close() error {
	if r == nil || r.Stream == nil {
		return nil
	}
	err := r.Stream.Close()
	r.Stream = nil
	return err
}

// bodyStream replays the buffered prefix and then the rest of the body.
type bodyStream struct {
	io.Reader
	body    io.Closer
	release func()
}

func (s *bodyStream) Close() error {
	err := s.body.Close()
	s.release()
	return err
}

// Options bound one logical request.
type Options struct {
	// Timeout of the first attempt. Later attempts grow by TimeoutGrowth up
	// to MaxTimeout.
	Timeout       time.Duration
	TimeoutGrowth float64
	MaxTimeout    time.Duration

	// MaxRetries is the number of retries beyond the first attempt.
	MaxRetries int
	UseBackoff bool

	// TotalBudget bounds the whole call, backoff included. Attempts are
	// shortened to fit and no retry starts once it is spent. Zero means no
	// bound.
	TotalBudget time.Duration

	// MaxBody is the largest body read into memory. Longer bodies are
	// returned as a Stream. Zero reads every body fully.
	MaxBody int64
}

// Budget derives options for a class under the given state.
func Budget(p policy.Policy, c content.Class, s netstate.State) Options {
	return Options{
		Timeout:       p.TimeoutFor(c, s.Tier),
		TimeoutGrowth: p.TimeoutGrowth,
		MaxTimeout:    p.MaxTimeout,
		MaxRetries:    p.MaxRetries(c),
		UseBackoff:    true,
	}
}

// Outcomes receives the result of every logical request.
type Outcomes interface {
	RecordOutcome(success bool)
	Snapshot() netstate.State
}

// Fetcher executes requests.
type Fetcher struct {
	client  *http.Client
	state   Outcomes
	backoff policy.Backoff
	logger  *slog.Logger

	rand  func() float64
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithRand replaces the jitter source.
func WithRand(fn func() float64) Option { return func(f *Fetcher) { f.rand = fn } }

// WithSleep replaces the backoff sleeper.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = fn }
}

// New creates a fetcher. A nil client uses a client without a global timeout;
// every attempt carries its own deadline.
func New(client *http.Client, state Outcomes, backoff policy.Backoff, logger *slog.Logger, opts ...Option) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fetcher{
		client:  client,
		state:   state,
		backoff: backoff,
		logger:  logger.With("component", "rfetch"),
		rand:    rand.Float64,
		sleep:   Sleep,
		now:     time.Now,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs req with up to opts.MaxRetries retries. 2xx responses are
// returned with a nil error. 4xx responses are returned together with a
// *FetchError after a single attempt. 5xx responses, timeouts and transport
// errors are retried; once the budget is spent the monitor records a failure
// and a *FetchError is returned.
func (f *Fetcher) Execute(ctx context.Context, req Request, opts Options) (*Response, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = policy.DefaultMaxTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	start := f.now()
	var deadline time.Time
	if opts.TotalBudget > 0 {
		deadline = start.Add(opts.TotalBudget)
	}
	var (
		lastKind Kind
		lastErr  error
		lastResp *Response
		attempts int
	)

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 && opts.UseBackoff {
			d := f.backoff.Delay(attempt, f.rand())
			if left, ok := f.left(deadline); ok && d >= left {
				f.logger.Debug("budget spent", "url", req.URL, "attempts", attempts, "last", lastKind)
				break
			}
			f.logger.Debug("retrying", "url", req.URL, "attempt", attempt+1, "delay", d, "last", lastKind)
			if err := f.sleep(ctx, d); err != nil {
				return nil, f.canceled(err, attempts, start)
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, f.canceled(err, attempts, start)
		}

		timeout := policy.Grow(opts.Timeout, opts.TimeoutGrowth, opts.MaxTimeout, attempt)
		if left, ok := f.left(deadline); ok {
			if left <= 0 {
				break
			}
			timeout = min(timeout, left)
		}
		resp, err := f.attempt(ctx, req, timeout, opts.MaxBody)
		attempts++
		if err != nil {
			if ctx.Err() != nil {
				return nil, f.canceled(ctx.Err(), attempts, start)
			}
			lastKind, lastErr, lastResp = classify(err), err, nil
			continue
		}

		resp.Attempts = attempts
		resp.Elapsed = f.now().Sub(start)
		switch {
		case resp.Status >= 200 && resp.Status < 300:
			f.record(true)
			return resp, nil
		case resp.Status < 500:
			// The origin answered, so the link works; the request itself is
			// not worth repeating.
			f.record(true)
			return resp, &FetchError{
				Kind:     KindHTTP,
				Status:   resp.Status,
				Attempts: attempts,
				Elapsed:  resp.Elapsed,
				State:    f.snapshot(),
				Response: resp,
			}
		default:
			// Server errors are retried; an oversized error body is not kept.
			_ = resp.Close()
			lastKind, lastErr, lastResp = KindHTTP, nil, resp
		}
	}

	f.record(false)
	fe := &FetchError{
		Kind:     lastKind,
		Attempts: attempts,
		Elapsed:  f.now().Sub(start),
		State:    f.snapshot(),
		Response: lastResp,
		Err:      lastErr,
	}
	if lastResp != nil {
		fe.Status = lastResp.Status
	}
	f.logger.Debug("fetch failed", "url", req.URL, "kind", fe.Kind, "attempts", attempts, "elapsed", fe.Elapsed)
	return lastResp, fe
}

// errAttemptTimeout marks an attempt cut by its own deadline.
var errAttemptTimeout = fmt.Errorf("attempt deadline exceeded: %w", context.DeadlineExceeded)

// attempt runs one request. The deadline covers the headers and the first
// maxBody bytes; a body streamed past that is bounded by ctx only.
func (f *Fetcher) attempt(ctx context.Context, req Request, timeout time.Duration, maxBody int64) (*Response, error) {
	actx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(timeout, func() { cancel(errAttemptTimeout) })
	release := func() {
		timer.Stop()
		cancel(context.Canceled)
	}
	streaming := false
	defer func() {
		if !streaming {
			release()
		}
	}()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(actx, method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(hr)
	if err != nil {
		return nil, attemptErr(actx, err)
	}
	var r io.Reader = resp.Body
	if maxBody > 0 {
		r = io.LimitReader(resp.Body, maxBody+1)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		resp.Body.Close()
		return nil, attemptErr(actx, err)
	}
	out := &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
	}
	if maxBody > 0 && int64(len(b)) > maxBody {
		if !timer.Stop() {
			resp.Body.Close()
			return nil, errAttemptTimeout
		}
		streaming = true
		out.Stream = &bodyStream{
			Reader:  io.MultiReader(bytes.NewReader(b), resp.Body),
			body:    resp.Body,
			release: release,
		}
		return out, nil
	}
	resp.Body.Close()
	out.Body = b
	return out, nil
}

func attemptErr(actx context.Context, err error) error {
	if cause := context.Cause(actx); errors.Is(cause, errAttemptTimeout) {
		return fmt.Errorf("%w: %v", errAttemptTimeout, err)
	}
	return err
}

// Ping issues a single HEAD request and returns its round trip. It does not
// touch the failure counters; the monitor classifies probe results itself.
func (f *Fetcher) Ping(ctx context.Context, url string, timeout time.Duration) (time.Duration, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	start := f.now()
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return 0, &FetchError{Kind: KindHTTP, Status: resp.StatusCode, Attempts: 1}
	}
	return f.now().Sub(start), nil
}

func (f *Fetcher) canceled(err error, attempts int, start time.Time) error {
	return &FetchError{
		Kind:     KindCanceled,
		Attempts: attempts,
		Elapsed:  f.now().Sub(start),
		State:    f.snapshot(),
		Err:      err,
	}
}

// left returns the time remaining before deadline; ok is false when there is
// no deadline.
func (f *Fetcher) left(deadline time.Time) (time.Duration, bool) {
	if deadline.IsZero() {
		return 0, false
	}
	return deadline.Sub(f.now()), true
}

func (f *Fetcher) record(success bool) {
	if f.state != nil {
		f.state.RecordOutcome(success)
	}
}

func (f *Fetcher) snapshot() netstate.State {
	if f.state == nil {
		return netstate.State{}
	}
	return f.state.Snapshot()
}

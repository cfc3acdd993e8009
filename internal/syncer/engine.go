// Package syncer drains the pending action queue against the origin's
// confirmation endpoint. Its retry loop is separate from the transport
// retries in rfetch: it handles answers the server gave but refused.
package syncer

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"lifeline/internal/netstate"
	"lifeline/internal/policy"
	"lifeline/internal/queue"
	"lifeline/internal/rfetch"
)

// Status is the overall outcome of a sync pass.
type Status string

const (
	StatusComplete       Status = "complete"
	StatusPartial        Status = "partial"
	StatusFailed         Status = "failed"
	StatusNoPendingData  Status = "no-pending-data"
	StatusOffline        Status = "offline"
	StatusPoorConnection Status = "poor-connection"
)

// Result aggregates one sync pass.
type Result struct {
	Status    Status            `json:"status"`
	Forced    bool              `json:"forced"`
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed"`
	StartedAt time.Time         `json:"startedAt"`
	Elapsed   time.Duration     `json:"elapsed"`
}

// Pending is the queue as seen by the engine.
type Pending interface {
	ListAll() []queue.Action
	Remove(id string)
	MarkAttempt(id string, cause error) error
}

// Confirmer sends one action to the server.
type Confirmer interface {
	Confirm(ctx context.Context, a queue.Action) error
}

const (
	DefaultConcurrency = 4
	DefaultMaxAttempts = 5
)

// Config tunes the engine.
type Config struct {
	Concurrency int
	MaxAttempts int
	Backoff     policy.Backoff
}

// Engine runs sync passes. Passes never overlap.
type Engine struct {
	pending Pending
	client  Confirmer
	state   StateSource
	cfg     Config
	logger  *slog.Logger

	rand  func() float64
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu sync.Mutex

	lastMu    sync.RWMutex
	last      *Result
	listeners []func(Result)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRand replaces the jitter source.
func WithRand(fn func() float64) Option { return func(e *Engine) { e.rand = fn } }

// WithSleep replaces the backoff sleeper.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// NewEngine creates an engine. Zero config fields take defaults.
func NewEngine(pending Pending, client Confirmer, state StateSource, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = policy.DefaultSyncBackoff()
	}
	e := &Engine{
		pending: pending,
		client:  client,
		state:   state,
		cfg:     cfg,
		logger:  logger.With("component", "syncer"),
		rand:    rand.Float64,
		sleep:   rfetch.Sleep,
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// OnResult registers fn to receive every finished pass.
func (e *Engine) OnResult(fn func(Result)) {
	e.lastMu.Lock()
	e.listeners = append(e.listeners, fn)
	e.lastMu.Unlock()
}

// LastResult returns the most recent pass, if any.
func (e *Engine) LastResult() (Result, bool) {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	if e.last == nil {
		return Result{}, false
	}
	return *e.last, true
}

// ConfirmNow makes one direct confirmation attempt, used when an action is
// submitted while online.
func (e *Engine) ConfirmNow(ctx context.Context, a queue.Action) error {
	return e.client.Confirm(ctx, a)
}

// Sync drains the queue. Unless force is set it does nothing while offline
// or on a poor connection. Every action retries independently up to
// MaxAttempts; only confirmed actions leave the queue.
func (e *Engine) Sync(ctx context.Context, force bool) (res Result) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res = Result{Forced: force, StartedAt: e.now(), Failed: map[string]string{}}
	defer func() {
		res.Elapsed = e.now().Sub(res.StartedAt)
		e.publish(res)
	}()

	st := netstate.DefaultState()
	if e.state != nil {
		st = e.state.Snapshot()
	}
	if !force {
		switch {
		case !st.Online():
			res.Status = StatusOffline
			return res
		case st.Tier == netstate.TierPoor:
			res.Status = StatusPoorConnection
			return res
		}
	}

	items := e.pending.ListAll()
	if len(items) == 0 {
		res.Status = StatusNoPendingData
		return res
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, a := range items {
		g.Go(func() error {
			err := e.syncOne(gctx, a)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[a.ID] = err.Error()
			} else {
				res.Succeeded = append(res.Succeeded, a.ID)
			}
			// Item failures never cancel siblings.
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(res.Succeeded)
	switch {
	case len(res.Failed) == 0:
		res.Status = StatusComplete
	case len(res.Succeeded) > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusFailed
	}
	e.logger.Info("sync finished", "status", res.Status, "succeeded", len(res.Succeeded),
		"failed", len(res.Failed), "forced", force)
	return res
}

func (e *Engine) syncOne(ctx context.Context, a queue.Action) error {
	var err error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			d := e.cfg.Backoff.Delay(attempt-1, e.rand())
			if serr := e.sleep(ctx, d); serr != nil {
				return serr
			}
		}
		err = e.client.Confirm(ctx, a)
		if err == nil {
			e.pending.Remove(a.ID)
			return nil
		}
		if merr := e.pending.MarkAttempt(a.ID, err); merr != nil {
			e.logger.Warn("failed to record attempt", "id", a.ID, "error", merr)
		}
		e.logger.Debug("confirmation failed", "id", a.ID, "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func (e *Engine) publish(res Result) {
	e.lastMu.Lock()
	r := res
	e.last = &r
	listeners := append([]func(Result){}, e.listeners...)
	e.lastMu.Unlock()
	for _, fn := range listeners {
		fn(res)
	}
}

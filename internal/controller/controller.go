// Package controller orchestrates the offline experience: it follows the
// connection state, starts synchronization when the origin comes back, accepts
// user actions and serves the offline page with its live indicators.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"lifeline/internal/content"
	"lifeline/internal/netstate"
	"lifeline/internal/queue"
	"lifeline/internal/router"
	"lifeline/internal/syncer"
)

// Monitor is the connection monitor as used by the controller.
type Monitor interface {
	Snapshot() netstate.State
	Watch(fn func(prev, cur netstate.State))
	Probe(ctx context.Context, p netstate.Pinger) netstate.State
	RecordOutcome(success bool)
	SetOffline()
	Sample(h netstate.Hints)
}

// Syncer drains pending actions.
type Syncer interface {
	Sync(ctx context.Context, force bool) syncer.Result
	ConfirmNow(ctx context.Context, a queue.Action) error
	OnResult(fn func(syncer.Result))
	LastResult() (syncer.Result, bool)
}

// Pending is the durable action queue.
type Pending interface {
	Enqueue(a queue.Action) (queue.Action, error)
	ListAll() []queue.Action
	Count() int
	Remove(id string)
	Clear() int
}

// Cache exposes what the offline page shows about cached content.
type Cache interface {
	Keys(c content.Class) []string
	Version() string
}

// CacheCommands sends cache-control commands.
type CacheCommands interface {
	UpdateCache(ctx context.Context, urls []string) router.Ack
	ClearCache(ctx context.Context) router.Ack
}

// Precacher fills the cache from the site's sitemaps.
type Precacher interface {
	Enabled() bool
	RunOnce(ctx context.Context) (stored, ignored int, err error)
}

// Deps are the components the controller drives. Commands and Precache may
// be nil.
type Deps struct {
	Monitor  Monitor
	Pinger   netstate.Pinger
	Syncer   Syncer
	Pending  Pending
	Cache    Cache
	Commands CacheCommands
	Precache Precacher
}

// Config holds the cron schedules of the periodic jobs and the admin token.
// An empty schedule or "off" disables the job.
type Config struct {
	ProbeEvery    string
	SyncEvery     string
	PrecacheEvery string

	// AdminToken opens the admin routes to remote callers presenting it as
	// a bearer token. Empty restricts them to loopback.
	AdminToken string
}

// Status is what the offline page and the status API show.
type Status struct {
	Tier          netstate.Tier  `json:"tier"`
	EffectiveType string         `json:"effectiveType,omitempty"`
	Online        bool           `json:"online"`
	SaveData      bool           `json:"saveData"`
	Pending       int            `json:"pending"`
	CachedPages   []string       `json:"cachedPages"`
	CacheVersion  string         `json:"cacheVersion"`
	LastSync      *syncer.Result `json:"lastSync,omitempty"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// SubmitResult tells the caller what happened to a submitted action.
type SubmitResult struct {
	ID        string `json:"id"`
	Confirmed bool   `json:"confirmed"`
	Queued    bool   `json:"queued"`
	// Rejected holds the server's message when direct confirmation was refused.
	Rejected  string `json:"rejected,omitempty"`
}

// ErrUnavailable is returned when a component the request needs is not
// configured.
var ErrUnavailable = errors.New("controller: component unavailable")

type Controller struct {
	d      Deps
	cfg    Config
	logger *slog.Logger
	hub    *hub

	cron       *cron.Cron
	wg         sync.WaitGroup
	syncQueued atomic.Bool
	started    atomic.Bool
	baseCtx    context.Context
	cancel     context.CancelFunc
	now        func() time.Time
}

// New creates a controller. Start must be called to begin watching.
func New(d Deps, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.With("component", "controller")
	return &Controller{
		d:       d,
		cfg:     cfg,
		logger:  logger,
		hub:     newHub(logger),
		baseCtx: ctx,
		cancel:  cancel,
		now:     time.Now,
	}
}

// Start subscribes to connection transitions and sync results, schedules the
// periodic jobs and runs an initial probe. It returns once everything is
// scheduled. Work it starts stops on Close or when ctx is done.
func (c *Controller) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("controller already started")
	}
	go func() {
		select {
		case <-ctx.Done():
			c.cancel()
		case <-c.baseCtx.Done():
		}
	}()

	c.d.Monitor.Watch(c.onTransition)
	c.d.Syncer.OnResult(func(res syncer.Result) {
		c.logger.Info("sync finished", "status", res.Status, "succeeded", len(res.Succeeded),
			"failed", len(res.Failed), "forced", res.Forced, "elapsed", res.Elapsed)
		c.hub.broadcast(c.Status())
	})

	c.cron = cron.New()
	jobs := []struct {
		name string
		expr string
		run  func(context.Context)
	}{
		{"probe", c.cfg.ProbeEvery, c.probe},
		{"sync", c.cfg.SyncEvery, func(ctx context.Context) { c.d.Syncer.Sync(ctx, false) }},
		{"precache", c.cfg.PrecacheEvery, c.precache},
	}
	for _, j := range jobs {
		expr := strings.TrimSpace(j.expr)
		if expr == "" || expr == "off" {
			continue
		}
		if _, err := c.cron.AddFunc(expr, c.job(j.name, j.run)); err != nil {
			return fmt.Errorf("schedule %s job: %w", j.name, err)
		}
		c.logger.Info("job scheduled", "job", j.name, "every", expr)
	}
	c.cron.Start()

	c.background(c.probe)
	return nil
}

// Close stops the periodic jobs and waits for background work to finish.
func (c *Controller) Close() {
	c.cancel()
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	c.hub.close()
	c.wg.Wait()
}

func (c *Controller) job(name string, run func(context.Context)) func() {
	return func() {
		if c.baseCtx.Err() != nil {
			return
		}
		c.wg.Add(1)
		defer c.wg.Done()
		c.logger.Debug("job running", "job", name)
		run(c.baseCtx)
	}
}

func (c *Controller) background(run func(context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		run(c.baseCtx)
	}()
}

// onTransition runs on the monitor's writer goroutine and must not block.
func (c *Controller) onTransition(prev, cur netstate.State) {
	if !prev.Online() && cur.Online() {
		c.logger.Info("connection restored, synchronizing", "tier", cur.Tier.String())
		c.triggerSync()
	}
	if c.baseCtx.Err() == nil {
		go c.hub.broadcast(c.Status())
	}
}

// triggerSync starts a background pass unless one is already waiting.
func (c *Controller) triggerSync() {
	if c.baseCtx.Err() != nil || !c.syncQueued.CompareAndSwap(false, true) {
		return
	}
	c.background(func(ctx context.Context) {
		c.syncQueued.Store(false)
		c.d.Syncer.Sync(ctx, false)
	})
}

func (c *Controller) probe(ctx context.Context) {
	if c.d.Pinger == nil {
		return
	}
	st := c.d.Monitor.Probe(ctx, c.d.Pinger)
	c.logger.Debug("probe done", "tier", st.Tier.String(), "rtt", st.RTT)
}

func (c *Controller) precache(ctx context.Context) {
	if c.d.Precache == nil || !c.d.Precache.Enabled() || !c.d.Monitor.Snapshot().Online() {
		return
	}
	if _, _, err := c.d.Precache.RunOnce(ctx); err != nil {
		c.logger.Warn("sitemap precache failed", "error", err)
	}
}

// ForceSync runs a pass regardless of the connection tier.
func (c *Controller) ForceSync(ctx context.Context) syncer.Result {
	return c.d.Syncer.Sync(ctx, true)
}

// Sync runs a regular pass.
func (c *Controller) Sync(ctx context.Context) syncer.Result {
	return c.d.Syncer.Sync(ctx, false)
}

// Probe runs one connectivity probe and returns the resulting state.
func (c *Controller) Probe(ctx context.Context) netstate.State {
	if c.d.Pinger == nil {
		return c.d.Monitor.Snapshot()
	}
	return c.d.Monitor.Probe(ctx, c.d.Pinger)
}

// SetConnectivity applies an online/offline signal from the host. Coming
// back online is verified with a probe when endpoints are configured.
func (c *Controller) SetConnectivity(ctx context.Context, online bool) netstate.State {
	if !online {
		c.d.Monitor.SetOffline()
		return c.d.Monitor.Snapshot()
	}
	st := c.Probe(ctx)
	if !st.Online() && c.d.Pinger == nil {
		c.d.Monitor.RecordOutcome(true)
		st = c.d.Monitor.Snapshot()
	}
	return st
}

// Submit records a user action. While online it is confirmed directly; when
// that fails, or while offline, it is queued for the next sync. A server
// rejection is reported in the result and the action stays queued.
func (c *Controller) Submit(ctx context.Context, actionType string, payload json.RawMessage) (SubmitResult, error) {
	if strings.TrimSpace(actionType) == "" {
		return SubmitResult{}, fmt.Errorf("action type is required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	a := queue.Action{
		ID:        uuid.NewString(),
		Type:      actionType,
		Payload:   payload,
		Timestamp: c.now().UTC(),
	}

	var rejected string
	if c.d.Monitor.Snapshot().Online() {
		err := c.d.Syncer.ConfirmNow(ctx, a)
		if err == nil {
			c.logger.Info("action confirmed", "id", a.ID, "type", a.Type)
			return SubmitResult{ID: a.ID, Confirmed: true}, nil
		}
		c.logger.Info("direct confirmation failed, queueing", "id", a.ID, "error", err)
		a.Attempts = 1
		a.LastError = err.Error()
		var be *syncer.BusinessError
		if errors.As(err, &be) {
			rejected = be.Message
		}
	}

	stored, err := c.d.Pending.Enqueue(a)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("queue action: %w", err)
	}
	c.logger.Info("action queued", "id", stored.ID, "type", stored.Type)
	go c.hub.broadcast(c.Status())
	return SubmitResult{ID: stored.ID, Queued: true, Rejected: rejected}, nil
}

// Status gathers the current indicators.
func (c *Controller) Status() Status {
	st := c.d.Monitor.Snapshot()
	out := Status{
		Tier:          st.Tier,
		EffectiveType: st.EffectiveType,
		Online:        st.Online(),
		SaveData:      st.SaveData,
		Pending:       c.d.Pending.Count(),
		CachedPages:   []string{},
		UpdatedAt:     st.UpdatedAt,
	}
	if c.d.Cache != nil {
		out.CacheVersion = c.d.Cache.Version()
		for _, k := range c.d.Cache.Keys(content.Document) {
			if uri, ok := strings.CutPrefix(k, "GET "); ok {
				out.CachedPages = append(out.CachedPages, uri)
			}
		}
	}
	if res, ok := c.d.Syncer.LastResult(); ok {
		out.LastSync = &res
	}
	return out
}

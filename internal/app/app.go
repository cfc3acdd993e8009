// Package app wires the relay components together from a loaded config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"lifeline/internal/cache"
	"lifeline/internal/config"
	"lifeline/internal/controller"
	"lifeline/internal/netstate"
	"lifeline/internal/policy"
	"lifeline/internal/queue"
	"lifeline/internal/rfetch"
	"lifeline/internal/router"
	"lifeline/internal/syncer"
)

const deviceCheckEvery = 30 * time.Second

// App is a fully wired relay.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	mon     *netstate.Monitor
	fetcher *rfetch.Fetcher
	store   *cache.Store
	queue   *queue.Queue
	engine  *syncer.Engine
	rt      *router.Router
	cmds    *router.Commands
	disc    *router.Discoverer
	ctl     *controller.Controller
	handler http.Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type offlinePageFunc func(ctx context.Context) ([]byte, error)

func (f offlinePageFunc) RenderOffline(ctx context.Context) ([]byte, error) { return f(ctx) }

// Open builds every component. Nothing runs in the background until Start.
func Open(cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}

	a.mon = netstate.NewMonitor(netstate.ProbeConfig{
		Endpoints: cfg.Probe.Endpoints,
		Timeout:   cfg.Probe.TimeoutDur,
	}, logger)
	pol := policyFrom(cfg)

	// Redirects are relayed to the client, not followed.
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	a.fetcher = rfetch.New(client, a.mon, policy.DefaultTransportBackoff(), logger)

	store, err := cache.Open(cache.Config{
		Dir:               cfg.Storage.Dir,
		Version:           cfg.Cache.Version,
		RAMMax:            cfg.Storage.RAMBytes,
		DiskMax:           cfg.Storage.DiskBytes,
		Caps:              cfg.Cache.CapBytes,
		ConstrainedMemory: cfg.Cache.ConstrainedMemoryBytes,
	}, a.mon, logger)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	a.store = store

	q, err := queue.Open(cfg.Storage.Dir, int(cfg.Storage.PendingBytes), logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open pending queue: %w", err)
	}
	a.queue = q

	var tokens syncer.TokenSource
	switch {
	case cfg.Sync.TokenSecret != "":
		tokens = syncer.NewJWTTokens([]byte(cfg.Sync.TokenSecret), cfg.Sync.TokenTTLDur)
	case cfg.Sync.Token != "":
		tokens = syncer.StaticToken(cfg.Sync.Token)
	}
	confirmer := syncer.NewClient(cfg.Sync.Endpoint, a.fetcher, pol, a.mon, tokens, logger)
	a.engine = syncer.NewEngine(q, confirmer, a.mon, syncer.Config{
		Concurrency: cfg.Sync.Concurrency,
		MaxAttempts: cfg.Sync.MaxAttempts,
	}, logger)

	// The router renders the offline page through the controller, which is
	// built after the router's command loop.
	var ctl *controller.Controller
	offline := offlinePageFunc(func(ctx context.Context) ([]byte, error) { return ctl.RenderOffline(ctx) })

	a.rt = router.New(router.Config{
		Origin:          cfg.Server.Origin,
		OfflinePath:     cfg.Cache.OfflinePath,
		PlaceholderPath: cfg.Cache.PlaceholderPath,
		Bypass:          a.cfg.Bypassed,
	}, a.mon, pol, a.fetcher, store, offline, logger)
	a.cmds = router.NewCommands(a.rt, cfg.Cache.CoreAssets, logger)
	a.disc = router.NewDiscoverer(a.rt, a.cmds, cfg.Precache.Sitemaps, cfg.Precache.Batch, logger)

	ctl = controller.New(controller.Deps{
		Monitor:  a.mon,
		Pinger:   a.fetcher,
		Syncer:   a.engine,
		Pending:  q,
		Cache:    store,
		Commands: a.cmds,
		Precache: a.disc,
	}, controller.Config{
		ProbeEvery:    schedule(cfg.Probe.Every),
		SyncEvery:     schedule(cfg.Sync.Every),
		PrecacheEvery: schedule(cfg.Precache.Every),
		AdminToken:    cfg.Server.AdminToken,
	}, logger)
	a.ctl = ctl

	mux := http.NewServeMux()
	mux.Handle(controller.Prefix, ctl.Handler())
	mux.Handle("/", a.rt)
	a.handler = mux
	return a, nil
}

func schedule(expr string) string {
	if expr == config.ScheduleOff {
		return ""
	}
	return expr
}

func policyFrom(cfg config.Config) policy.Policy {
	p := policy.Default()
	if cfg.Policy.TimeoutGrowth > 0 {
		p.TimeoutGrowth = cfg.Policy.TimeoutGrowth
	}
	if cfg.Policy.MaxTimeoutDur > 0 {
		p.MaxTimeout = cfg.Policy.MaxTimeoutDur
	}
	if cfg.Policy.HighRetries != nil {
		p.HighRetries = *cfg.Policy.HighRetries
	}
	switch {
	case cfg.Policy.InteractiveBudget == config.ScheduleOff:
		p.InteractiveBudget = 0
	case cfg.Policy.InteractiveBudgetDur > 0:
		p.InteractiveBudget = cfg.Policy.InteractiveBudgetDur
	}
	return p
}

// Handler serves the controller API under /__lifeline/ and relays everything
// else.
func (a *App) Handler() http.Handler { return a.handler }

// Controller returns the offline controller.
func (a *App) Controller() *controller.Controller { return a.ctl }

// Queue returns the pending action queue.
func (a *App) Queue() *queue.Queue { return a.queue }

// Start runs the command loop, installs the cache version, and starts the
// controller and the periodic loops. They stop on Close or when ctx is done.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.goRun(func() { a.cmds.Run(ctx) })
	a.goRun(func() {
		ack := a.cmds.Install(ctx, a.cfg.Cache.Version)
		if ack.Err != "" || !ack.OK {
			a.logger.Warn("cache install incomplete", "error", ack.Err, "failed", ack.Failed)
		}
	})
	a.goRun(func() { a.rt.StatsLoop(ctx, a.cfg.Logging.StatsEveryDur, a.queue.Count) })
	a.goRun(func() { a.deviceLoop(ctx) })

	if err := a.ctl.Start(ctx); err != nil {
		a.cancel()
		return err
	}
	a.logger.Info("lifeline started", "origin", a.cfg.Server.Origin, "cache_version", a.cfg.Cache.Version,
		"pending_tiers", a.queue.Tiers(), "pending", a.queue.Count())
	return nil
}

func (a *App) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *App) deviceLoop(ctx context.Context) {
	t := time.NewTicker(deviceCheckEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.store.RefreshDevice()
		}
	}
}

// Close stops background work and closes the stores.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.ctl.Close()
	a.wg.Wait()
	a.rt.Wait()
	a.store.Flush()
	qerr := a.queue.Close()
	if err := a.store.Close(); err != nil {
		return err
	}
	return qerr
}

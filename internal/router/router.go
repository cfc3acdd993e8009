package router

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"lifeline/internal/cache"
	"lifeline/internal/content"
	"lifeline/internal/netstate"
	"lifeline/internal/policy"
	"lifeline/internal/rfetch"
)

const (
	DefaultRefreshTimeout     = 30 * time.Second
	DefaultRefreshConcurrency = 32
	DefaultMaxBodyBytes       = 10 << 20
)

// Monitor is the connection monitor as seen by the router.
type Monitor interface {
	Snapshot() netstate.State
}

// Fetcher executes outbound requests.
type Fetcher interface {
	Execute(ctx context.Context, req rfetch.Request, opts rfetch.Options) (*rfetch.Response, error)
}

// Config configures a Router.
type Config struct {
	// Origin is the upstream base URL without a trailing slash.
	Origin string

	// OfflinePath and PlaceholderPath name cached assets served as fallbacks.
	OfflinePath     string
	PlaceholderPath string

	// Bypass marks additional requests as network-only.
	Bypass func(r *http.Request) bool

	RefreshTimeout     time.Duration
	RefreshConcurrency int

	// MaxBodyBytes bounds request bodies and the part of a response body
	// held in memory. Larger responses are streamed to the client.
	MaxBodyBytes int64
}

// Router is the relay's request handler.
type Router struct {
	origin          string
	offlinePath     string
	placeholderPath string
	bypass          func(r *http.Request) bool
	refreshTimeout  time.Duration
	maxBody         int64

	mon     Monitor
	policy  policy.Policy
	fetcher Fetcher
	store   *cache.Store
	offline OfflinePage
	logger  *slog.Logger

	bgSem chan struct{}
	sf    singleflight.Group
	wg    sync.WaitGroup

	stats *statsCollector
}

// New creates a router.
func New(cfg Config, mon Monitor, p policy.Policy, f Fetcher, store *cache.Store, offline OfflinePage, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	if cfg.RefreshConcurrency <= 0 {
		cfg.RefreshConcurrency = DefaultRefreshConcurrency
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Router{
		origin:          strings.TrimRight(cfg.Origin, "/"),
		offlinePath:     cfg.OfflinePath,
		placeholderPath: cfg.PlaceholderPath,
		bypass:          cfg.Bypass,
		refreshTimeout:  cfg.RefreshTimeout,
		maxBody:         cfg.MaxBodyBytes,
		mon:             mon,
		policy:          p,
		fetcher:         f,
		store:           store,
		offline:         offline,
		logger:          logger.With("component", "router"),
		bgSem:           make(chan struct{}, cfg.RefreshConcurrency),
		stats:           newStatsCollector(),
	}
}

// Wait blocks until background refreshes have finished.
func (rt *Router) Wait() { rt.wg.Wait() }

// excluded reports whether r must bypass the cache entirely.
func (rt *Router) excluded(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return true
	}
	if Excluded(r) {
		return true
	}
	return rt.bypass != nil && rt.bypass(r)
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Client hints shape this request only; the monitor tracks the origin link.
	st := rt.mon.Snapshot().ForClient(netstate.HintsFromHeader(r.Header))

	class := content.Classify(r)
	strategy := Select(class, rt.excluded(r), st)
	key := cache.Key(http.MethodGet, r.URL.RequestURI())

	rt.logger.Debug("route", "method", r.Method, "uri", r.URL.RequestURI(), "class", class.String(),
		"strategy", strategy.String(), "tier", st.Tier.String())

	switch strategy {
	case NetworkOnly:
		rt.networkOnly(w, r, class, st)
	case CacheOnly:
		rt.cacheOnly(w, r, key, class)
	case CacheFirst:
		rt.cacheFirst(w, r, key, class, st)
	case NetworkFirst:
		rt.networkFirst(w, r, key, class, rt.budget(class, st))
	case NetworkFirstTimeout:
		opts := rt.budget(class, st)
		opts.MaxRetries = 0
		opts.UseBackoff = false
		rt.networkFirst(w, r, key, class, opts)
	case StaleWhileRevalidate:
		rt.staleWhileRevalidate(w, r, key, class, st)
	default:
		rt.networkOnly(w, r, class, st)
	}
}

func (rt *Router) cacheOnly(w http.ResponseWriter, r *http.Request, key string, class content.Class) {
	if ent, ok := rt.store.Get(key); ok {
		rt.serveEntry(w, ent, sourceHit)
		return
	}
	rt.fallback(w, r, class)
}

func (rt *Router) cacheFirst(w http.ResponseWriter, r *http.Request, key string, class content.Class, st netstate.State) {
	if ent, ok := rt.store.Get(key); ok {
		rt.serveEntry(w, ent, sourceHit)
		return
	}
	rt.fromNetwork(w, r, key, class, rt.budget(class, st), nil)
}

func (rt *Router) networkFirst(w http.ResponseWriter, r *http.Request, key string, class content.Class, opts rfetch.Options) {
	rt.fromNetwork(w, r, key, class, opts, func() bool {
		ent, ok := rt.store.Get(key)
		if ok {
			rt.serveEntry(w, ent, sourceStale)
		}
		return ok
	})
}

func (rt *Router) staleWhileRevalidate(w http.ResponseWriter, r *http.Request, key string, class content.Class, st netstate.State) {
	if ent, ok := rt.store.Get(key); ok {
		rt.serveEntry(w, ent, sourceStale)
		rt.refresh(r, key, class)
		return
	}
	rt.fromNetwork(w, r, key, class, rt.budget(class, st), nil)
}

// budget is the fetch budget of a request a client is waiting on.
func (rt *Router) budget(class content.Class, st netstate.State) rfetch.Options {
	opts := rfetch.Budget(rt.policy, class, st)
	opts.TotalBudget = rt.policy.InteractiveBudget
	opts.MaxBody = rt.bodyLimit(class)
	return opts
}

// bodyLimit is the largest response body worth buffering for class: nothing
// at or above the class cap can be stored. Other is refined from the
// response's type, so it gets the general limit.
func (rt *Router) bodyLimit(class content.Class) int64 {
	if class == content.Other {
		return rt.maxBody
	}
	if c := rt.store.Cap(class); c > 0 && c < rt.maxBody {
		return c
	}
	return rt.maxBody
}

// fromNetwork fetches r from the origin, caches a cacheable answer and relays
// it. When the origin cannot be reached, fromCache gets a chance to answer
// before the fallback is written.
func (rt *Router) fromNetwork(w http.ResponseWriter, r *http.Request, key string, class content.Class, opts rfetch.Options, fromCache func() bool) {
	resp, err := rt.fetch(r.Context(), r, nil, opts)
	if err == nil {
		if resp.Stream == nil {
			rt.store200(key, class, resp)
		}
		rt.relay(w, resp, sourceMiss)
		return
	}
	if resp, ok := passThrough(err); ok {
		rt.relay(w, resp, sourceBypass)
		return
	}
	rt.logger.Debug("origin unavailable", "key", key, "error", err)
	if fromCache != nil && fromCache() {
		return
	}
	rt.fallback(w, r, class)
}

func (rt *Router) networkOnly(w http.ResponseWriter, r *http.Request, class content.Class, st netstate.State) {
	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(io.LimitReader(r.Body, rt.maxBody+1))
		if err != nil {
			writeUnavailable(w, "Request body could not be read.")
			return
		}
		if int64(len(b)) > rt.maxBody {
			writeResponse(w, http.StatusRequestEntityTooLarge, nil, nil, sourceBypass)
			return
		}
		body = b
	}

	opts := rt.budget(class, st)
	opts.MaxBody = rt.maxBody
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		// Writes are never replayed.
		opts.MaxRetries = 0
	}
	resp, err := rt.fetch(r.Context(), r, body, opts)
	if err == nil {
		rt.relay(w, resp, sourceBypass)
		return
	}
	if resp, ok := passThrough(err); ok {
		rt.relay(w, resp, sourceBypass)
		return
	}
	rt.logger.Debug("origin unavailable", "uri", r.URL.RequestURI(), "error", err)
	if class == content.Document {
		rt.fallback(w, r, content.Document)
		return
	}
	writeUnavailable(w, "The service is temporarily unreachable.")
}

func (rt *Router) fetch(ctx context.Context, r *http.Request, body []byte, opts rfetch.Options) (*rfetch.Response, error) {
	return rt.fetcher.Execute(ctx, rfetch.Request{
		Method: r.Method,
		URL:    rt.origin + r.URL.RequestURI(),
		Header: outboundHeader(r.Header),
		Body:   body,
	}, opts)
}

// passThrough returns the origin's answer when it refused the request
// without a server error; such answers are relayed verbatim and never cached.
func passThrough(err error) (*rfetch.Response, bool) {
	fe, ok := rfetch.AsFetchError(err)
	if !ok || fe.Kind != rfetch.KindHTTP || fe.Status >= 500 || fe.Response == nil {
		return nil, false
	}
	return fe.Response, true
}

// store200 caches a successful origin response when allowed. Cache failures
// never fail the request.
func (rt *Router) store200(key string, class content.Class, resp *rfetch.Response) {
	err := rt.put(key, class, resp)
	switch {
	case err == nil, errors.Is(err, errNotCacheable):
	case errors.Is(err, cache.ErrTooLarge):
		rt.logger.Debug("not cached", "key", key, "reason", err)
	default:
		rt.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

var errNotCacheable = errors.New("response is not cacheable")

func (rt *Router) put(key string, class content.Class, resp *rfetch.Response) error {
	if class == content.Other {
		class = content.FromMIME(resp.Header.Get("Content-Type"))
	}
	if resp.Stream != nil {
		return fmt.Errorf("%w: body over %d bytes", cache.ErrTooLarge, rt.bodyLimit(class))
	}
	if !cacheable(resp.Status, resp.Header) {
		return errNotCacheable
	}
	h := resp.Header.Clone()
	h.Del("Content-Length")
	h.Del("Date")
	for _, k := range hopByHop {
		h.Del(k)
	}
	return rt.store.Put(key, cache.Entry{Class: class, Status: resp.Status, Header: h, Body: resp.Body})
}

func (rt *Router) serveEntry(w http.ResponseWriter, ent cache.Entry, source string) {
	rt.stats.Observe(len(ent.Body))
	writeResponse(w, ent.Status, ent.Header, ent.Body, source)
}

// relay writes an origin response, streaming a body too large to buffer.
func (rt *Router) relay(w http.ResponseWriter, resp *rfetch.Response, source string) {
	if resp.Stream == nil {
		rt.stats.Observe(len(resp.Body))
		writeResponse(w, resp.Status, resp.Header, resp.Body, source)
		return
	}
	defer resp.Close()
	copyHeader(w.Header(), resp.Header)
	setLifelineHeaders(w.Header(), source)
	w.WriteHeader(resp.Status)
	n, err := io.Copy(w, resp.Stream)
	rt.stats.Observe(int(n))
	if err != nil {
		rt.logger.Debug("stream interrupted", "status", resp.Status, "bytes", n, "error", err)
	}
}

// refresh re-fetches key in the background with a single attempt. It is
// dropped when too many refreshes are in flight and collapsed with any
// refresh of the same key already running.
func (rt *Router) refresh(r *http.Request, key string, class content.Class) {
	select {
	case rt.bgSem <- struct{}{}:
	default:
		return
	}
	req := rfetch.Request{
		Method: http.MethodGet,
		URL:    rt.origin + r.URL.RequestURI(),
		Header: outboundHeader(r.Header),
	}

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		defer func() { <-rt.bgSem }()

		_, _, _ = rt.sf.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), rt.refreshTimeout)
			defer cancel()

			opts := rfetch.Budget(rt.policy, class, rt.mon.Snapshot())
			opts.MaxRetries = 0
			opts.UseBackoff = false
			opts.MaxBody = rt.bodyLimit(class)
			resp, err := rt.fetcher.Execute(ctx, req, opts)
			if err != nil {
				_ = resp.Close()
				rt.logger.Debug("background refresh failed", "key", key, "error", err)
				return nil, nil
			}
			if resp.Stream != nil {
				_ = resp.Close()
				rt.logger.Debug("background refresh too large to cache", "key", key)
				return nil, nil
			}
			if cur, ok := rt.store.Peek(key); ok && cur.Hash32 == crc32.ChecksumIEEE(resp.Body) {
				return nil, nil
			}
			rt.store200(key, class, resp)
			return nil, nil
		})
	}()
}

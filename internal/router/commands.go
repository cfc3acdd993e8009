package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"lifeline/internal/cache"
	"lifeline/internal/content"
	"lifeline/internal/rfetch"
)

// CommandKind names a cache-control command.
type CommandKind int

const (
	CommandUpdate CommandKind = iota
	CommandClear
)

func (k CommandKind) String() string {
	switch k {
	case CommandUpdate:
		return "update"
	case CommandClear:
		return "clear"
	}
	return fmt.Sprintf("command(%d)", int(k))
}

// Ack acknowledges a command.
type Ack struct {
	OK     bool              `json:"ok"`
	Stored int               `json:"stored"`
	Failed map[string]string `json:"failed,omitempty"`
	Err    string            `json:"error,omitempty"`
}

type command struct {
	kind  CommandKind
	urls  []string
	ctx   context.Context
	reply chan Ack
}

const prefetchConcurrency = 4

// Commands serializes cache-control commands on one goroutine. Callers send
// a message and wait for its Ack.
type Commands struct {
	rt     *Router
	core   []string
	ch     chan command
	logger *slog.Logger
}

// NewCommands creates the command loop. coreAssets are reseeded on clear and
// install.
func NewCommands(rt *Router, coreAssets []string, logger *slog.Logger) *Commands {
	if logger == nil {
		logger = slog.Default()
	}
	return &Commands{
		rt:     rt,
		core:   append([]string(nil), coreAssets...),
		ch:     make(chan command),
		logger: logger.With("component", "commands"),
	}
}

// Run processes commands until ctx is done.
func (c *Commands) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.ch:
			var ack Ack
			switch cmd.kind {
			case CommandUpdate:
				ack = c.update(cmd.ctx, cmd.urls)
			case CommandClear:
				ack = c.clear(cmd.ctx)
			default:
				ack = Ack{Err: "unknown command " + cmd.kind.String()}
			}
			cmd.reply <- ack
		}
	}
}

// UpdateCache fetches every URL and stores the cacheable answers.
func (c *Commands) UpdateCache(ctx context.Context, urls []string) Ack {
	return c.send(ctx, command{kind: CommandUpdate, urls: urls})
}

// ClearCache drops the current cache version and reseeds the core assets.
func (c *Commands) ClearCache(ctx context.Context) Ack {
	return c.send(ctx, command{kind: CommandClear})
}

func (c *Commands) send(ctx context.Context, cmd command) Ack {
	cmd.ctx = ctx
	cmd.reply = make(chan Ack, 1)
	select {
	case c.ch <- cmd:
	case <-ctx.Done():
		return Ack{Err: ctx.Err().Error()}
	}
	select {
	case ack := <-cmd.reply:
		return ack
	case <-ctx.Done():
		return Ack{Err: ctx.Err().Error()}
	}
}

// Install activates version: entries of every other version are deleted and
// the core assets are seeded. It runs on the caller's goroutine and is meant
// for startup, before Run.
func (c *Commands) Install(ctx context.Context, version string) Ack {
	n, err := c.rt.store.InvalidateOldVersions(version)
	if err != nil {
		return Ack{Err: err.Error()}
	}
	ack := c.update(ctx, c.core)
	c.logger.Info("cache installed", "version", version, "purged", n, "seeded", ack.Stored, "failed", len(ack.Failed))
	return ack
}

func (c *Commands) clear(ctx context.Context) Ack {
	if err := c.rt.store.Clear(); err != nil {
		return Ack{Err: err.Error()}
	}
	ack := c.update(ctx, c.core)
	c.logger.Info("cache cleared", "reseeded", ack.Stored, "failed", len(ack.Failed))
	return ack
}

func (c *Commands) update(ctx context.Context, urls []string) Ack {
	var (
		mu  sync.Mutex
		ack = Ack{Failed: map[string]string{}}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchConcurrency)
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		g.Go(func() error {
			err := c.rt.Prefetch(gctx, u)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				ack.Failed[u] = err.Error()
			} else {
				ack.Stored++
			}
			return nil
		})
	}
	_ = g.Wait()
	ack.OK = len(ack.Failed) == 0
	if ack.OK {
		ack.Failed = nil
	}
	return ack
}

// Prefetch fetches one URL on the origin and stores it in the cache. u is a
// path or an absolute URL on the origin.
func (rt *Router) Prefetch(ctx context.Context, u string) error {
	uri, err := rt.requestURI(u)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rt.origin+uri, nil)
	if err != nil {
		return err
	}
	if rt.excluded(req) {
		return fmt.Errorf("%s is excluded from caching", uri)
	}
	class := content.Classify(req)
	opts := rfetch.Budget(rt.policy, class, rt.mon.Snapshot())
	opts.MaxBody = rt.bodyLimit(class)
	resp, err := rt.fetcher.Execute(ctx, rfetch.Request{
		Method: http.MethodGet,
		URL:    rt.origin + uri,
		Header: http.Header{"Accept-Encoding": {"identity"}},
	}, opts)
	if err != nil {
		_ = resp.Close()
		return err
	}
	defer resp.Close()
	return rt.put(cache.Key(http.MethodGet, uri), class, resp)
}

func (rt *Router) requestURI(u string) (string, error) {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		if !strings.HasPrefix(u, rt.origin+"/") && u != rt.origin {
			return "", fmt.Errorf("%s is not on the origin", u)
		}
		u = strings.TrimPrefix(u, rt.origin)
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", u, err)
	}
	return parsed.RequestURI(), nil
}

package router

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"lifeline/internal/content"
	"lifeline/internal/rfetch"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// DefaultDiscoverBatch is the number of pages sent per UpdateCache command.
const DefaultDiscoverBatch = 20

// Discoverer walks sitemaps and precaches the pages they list.
type Discoverer struct {
	rt       *Router
	cmds     *Commands
	sitemaps []string
	batch    int
	logger   *slog.Logger
}

// NewDiscoverer creates a discoverer for sitemaps (paths or origin URLs).
func NewDiscoverer(rt *Router, cmds *Commands, sitemaps []string, batch int, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	if batch <= 0 {
		batch = DefaultDiscoverBatch
	}
	return &Discoverer{
		rt:       rt,
		cmds:     cmds,
		sitemaps: sitemaps,
		batch:    batch,
		logger:   logger.With("component", "discover"),
	}
}

// Enabled reports whether any sitemap is configured.
func (d *Discoverer) Enabled() bool { return len(d.sitemaps) > 0 }

// RunOnce walks every sitemap and sends the cacheable pages to the command
// loop. It returns the number of pages stored and ignored.
func (d *Discoverer) RunOnce(ctx context.Context) (stored int, ignored int, _ error) {
	pages, ignored, err := d.discover(ctx)
	if err != nil {
		return 0, ignored, err
	}
	for start := 0; start < len(pages); start += d.batch {
		end := min(start+d.batch, len(pages))
		ack := d.cmds.UpdateCache(ctx, pages[start:end])
		if ack.Err != "" {
			return stored, ignored, fmt.Errorf("update cache: %s", ack.Err)
		}
		stored += ack.Stored
		ignored += len(ack.Failed)
	}
	d.logger.Info("sitemap precache finished", "stored", stored, "ignored", ignored)
	return stored, ignored, nil
}

func (d *Discoverer) discover(ctx context.Context) (pages []string, ignored int, _ error) {
	seenSitemaps := map[string]struct{}{}
	seenPages := map[string]struct{}{}
	queue := make([]string, 0, len(d.sitemaps))
	for _, sm := range d.sitemaps {
		sm = strings.TrimSpace(sm)
		if sm == "" {
			continue
		}
		queue = append(queue, d.absolute(sm))
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return pages, ignored, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := d.fetchSitemap(ctx, smURL)
		if err != nil {
			return pages, ignored, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, d.absolute(nested))
			}
		}

		fit := 0
		for _, loc := range doc.URLs {
			path := normalizePathFromLoc(loc)
			if path == "" {
				ignored++
				continue
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.rt.origin+path, nil)
			if err != nil || d.rt.excluded(req) {
				ignored++
				continue
			}
			if _, ok := seenPages[path]; ok {
				continue
			}
			seenPages[path] = struct{}{}
			pages = append(pages, path)
			fit++
		}
		d.logger.Debug("sitemap read", "sitemap", smURL, "urls", len(doc.URLs), "fit", fit)
	}
	return pages, ignored, nil
}

func (d *Discoverer) absolute(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return d.rt.origin + u
}

func (d *Discoverer) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	opts := rfetch.Budget(d.rt.policy, content.Other, d.rt.mon.Snapshot())
	opts.MaxBody = d.rt.maxBody
	resp, err := d.rt.fetcher.Execute(ctx, rfetch.Request{URL: sitemapURL}, opts)
	if err != nil {
		_ = resp.Close()
		return sitemapDoc{}, err
	}
	if resp.Stream != nil {
		_ = resp.Close()
		return sitemapDoc{}, fmt.Errorf("sitemap %s is over %d bytes", sitemapURL, d.rt.maxBody)
	}
	body := resp.Body

	// Servers may send .gz sitemaps with or without Content-Encoding.
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(io.LimitReader(gz, d.rt.maxBody)); err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

func normalizePathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		if u.Path == "" {
			return "/"
		}
		if !strings.HasPrefix(u.Path, "/") {
			return "/" + u.Path
		}
		return u.Path
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}

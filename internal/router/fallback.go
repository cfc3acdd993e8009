package router

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"lifeline/internal/cache"
	"lifeline/internal/content"
)

// RetryAfterSeconds is suggested to clients on every degraded response.
const RetryAfterSeconds = 30

// OfflinePage renders the page shown for documents that cannot be served.
type OfflinePage interface {
	RenderOffline(ctx context.Context) ([]byte, error)
}

// placeholderSVG stands in for images and media that are neither reachable
// nor cached.
const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="400" height="300" viewBox="0 0 400 300">` +
	`<rect width="400" height="300" fill="#eef2f0"/>` +
	`<path d="M120 210l60-70 45 50 30-30 45 50z" fill="#b8c7bf"/>` +
	`<circle cx="265" cy="110" r="18" fill="#b8c7bf"/>` +
	`<text x="200" y="260" font-family="sans-serif" font-size="16" fill="#5b6f64" text-anchor="middle">` +
	`Image unavailable offline</text></svg>`

type unavailableBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// fallback writes the degraded response for a request that could be served
// neither from the network nor from the cache.
func (rt *Router) fallback(w http.ResponseWriter, r *http.Request, class content.Class) {
	h := w.Header()
	switch class {
	case content.Document:
		h.Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
		if rt.offlinePath != "" {
			if ent, ok := rt.store.Get(cache.Key(http.MethodGet, rt.offlinePath)); ok {
				writeResponse(w, http.StatusServiceUnavailable, ent.Header, ent.Body, sourceOffline)
				return
			}
		}
		if rt.offline != nil {
			body, err := rt.offline.RenderOffline(r.Context())
			if err == nil {
				writeResponse(w, http.StatusServiceUnavailable,
					http.Header{"Content-Type": {"text/html; charset=utf-8"}}, body, sourceOffline)
				return
			}
			rt.logger.Warn("offline page render failed", "error", err)
		}
		writeResponse(w, http.StatusServiceUnavailable,
			http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
			[]byte("You are offline. This page will be available again once the connection returns.\n"), sourceOffline)

	case content.Image, content.Media:
		if rt.placeholderPath != "" {
			if ent, ok := rt.store.Get(cache.Key(http.MethodGet, rt.placeholderPath)); ok {
				writeResponse(w, http.StatusOK, ent.Header, ent.Body, sourceFallback)
				return
			}
		}
		writeResponse(w, http.StatusOK, http.Header{
			"Content-Type":  {"image/svg+xml"},
			"Cache-Control": {"no-store"},
		}, []byte(placeholderSVG), sourceFallback)

	default:
		writeUnavailable(w, "The resource is not available offline.")
	}
}

func writeUnavailable(w http.ResponseWriter, msg string) {
	body, _ := json.Marshal(unavailableBody{
		Error:      "service_unavailable",
		Message:    msg,
		RetryAfter: RetryAfterSeconds,
	})
	writeResponse(w, http.StatusServiceUnavailable, http.Header{
		"Content-Type":  {"application/json"},
		"Retry-After":   {strconv.Itoa(RetryAfterSeconds)},
		"Cache-Control": {"no-store"},
	}, body, sourceFallback)
}

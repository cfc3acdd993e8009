package router

import (
	"net/http"
	"strings"
)

// HeaderName is set on every response the relay produces.
const HeaderName = "X-Lifeline"

// Values of HeaderName.
const (
	sourceHit      = "hit"
	sourceMiss     = "miss"
	sourceStale    = "stale"
	sourceFallback = "fallback"
	sourceBypass   = "bypass"
	sourceOffline  = "offline"
)

var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func writeResponse(w http.ResponseWriter, status int, header http.Header, body []byte, source string) {
	dst := w.Header()
	copyHeader(dst, header)
	setLifelineHeaders(dst, source)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// copyHeader copies response headers the relay may forward. Content-Length
// is left to net/http.
func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, HeaderName) || strings.EqualFold(k, "Content-Length") || isHopByHop(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func setLifelineHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(HeaderName, source)
	}
	// Pages read the header from fetch() responses, which needs CORS exposure.
	ensureExposedHeader(h, HeaderName)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func isHopByHop(k string) bool {
	for _, h := range hopByHop {
		if strings.EqualFold(k, h) {
			return true
		}
	}
	return false
}

// outboundHeader copies the client's request headers for the origin, minus
// hop-by-hop headers and Host.
func outboundHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopByHop(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	// Cached bodies are stored decoded.
	dst.Set("Accept-Encoding", "identity")
	return dst
}

// cacheable reports whether an origin response may be stored. Only complete
// 200 bodies qualify: keys carry no Range, so a 206 fragment would later be
// served as the whole resource.
func cacheable(status int, h http.Header) bool {
	if status != http.StatusOK {
		return false
	}
	cc := strings.ToLower(h.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "private") {
		return false
	}
	if h.Get("Set-Cookie") != "" {
		return false
	}
	return true
}

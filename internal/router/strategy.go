// Package router decides, per intercepted request, whether to answer from
// the cache, the origin or a fallback, and executes that decision.
package router

import (
	"fmt"
	"net/http"
	"strings"

	"lifeline/internal/content"
	"lifeline/internal/netstate"
)

// Strategy is a caching strategy. The set is closed; every value has exactly
// one handler in Router.
type Strategy int

const (
	NetworkOnly Strategy = iota
	CacheOnly
	CacheFirst
	NetworkFirst
	NetworkFirstTimeout
	StaleWhileRevalidate
)

func (s Strategy) String() string {
	switch s {
	case NetworkOnly:
		return "network-only"
	case CacheOnly:
		return "cache-only"
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	case NetworkFirstTimeout:
		return "network-first-with-timeout"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// Select picks the strategy for a request of class c. It is pure.
func Select(c content.Class, excluded bool, st netstate.State) Strategy {
	if excluded {
		return NetworkOnly
	}
	if st.SaveData {
		if c == content.Media {
			return CacheOnly
		}
		return CacheFirst
	}
	switch st.Tier {
	case netstate.TierOffline:
		return CacheFirst
	case netstate.TierPoor:
		if aggressivelyCacheable(c) {
			return StaleWhileRevalidate
		}
		return CacheFirst
	case netstate.TierMedium:
		switch c {
		case content.Document:
			return NetworkFirst
		case content.Image, content.Style:
			return StaleWhileRevalidate
		}
		return NetworkFirstTimeout
	}
	return NetworkFirst
}

// aggressivelyCacheable reports classes whose staleness is rarely visible.
func aggressivelyCacheable(c content.Class) bool {
	switch c {
	case content.Image, content.Style, content.Script, content.Font:
		return true
	}
	return false
}

// Built-in paths that must never be served from or written to the cache:
// administration, authentication, the WooCommerce purchase flow and
// analytics beacons.
var excludedPrefixes = []string{
	"/wp-admin",
	"/wp-login.php",
	"/wp-cron.php",
	"/xmlrpc.php",
	"/checkout",
	"/cart",
	"/my-account",
	"/wc-api",
	"/wp-json/wc/store/checkout",
	"/wp-json/wc/store/cart",
	"/__lifeline",
}

var excludedSubstrings = []string{
	"google-analytics",
	"googletagmanager",
	"/gtag/",
	"/g/collect",
	"facebook.com/tr",
}

// Excluded reports whether r targets a non-cacheable path.
func Excluded(r *http.Request) bool {
	path := r.URL.Path
	for _, p := range excludedPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	full := r.URL.String()
	for _, s := range excludedSubstrings {
		if strings.Contains(full, s) {
			return true
		}
	}
	q := r.URL.Query()
	if q.Has("wc-ajax") || q.Has("add-to-cart") || q.Has("preview") {
		return true
	}
	return false
}

package config

import (
	"fmt"
	"net/http"
	"strings"
)

// Rule forces network-only handling for matching paths, always or only when
// one of the named cookies is present.
type Rule struct {
	Match             string   `yaml:"match" toml:"match"`
	Priority          int      `yaml:"priority" toml:"priority"`
	Bypass            bool     `yaml:"bypass" toml:"bypass"`
	BypassWhenCookies []string `yaml:"bypassWhenCookies" toml:"bypassWhenCookies"`

	matchers []pathPrefixMatcher
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

// Matches reports whether path falls under the rule.
func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// Bypassed reports whether the first rule matching the request path (in
// priority order) sends it straight to the origin.
func (cfg *Config) Bypassed(req *http.Request) bool {
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if !r.Matches(req.URL.Path) {
			continue
		}
		return r.Bypass || hasAnyCookie(req, r.BypassWhenCookies)
	}
	return false
}

func hasAnyCookie(r *http.Request, names []string) bool {
	if len(names) == 0 {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			need[n] = struct{}{}
		}
	}
	for _, c := range r.Cookies() {
		if _, ok := need[c.Name]; ok {
			return true
		}
		// WordPress suffixes login cookies with a site hash.
		for n := range need {
			if strings.HasSuffix(n, "*") && strings.HasPrefix(c.Name, strings.TrimSuffix(n, "*")) {
				return true
			}
		}
	}
	return false
}

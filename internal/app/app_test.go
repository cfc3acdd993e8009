package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"lifeline/internal/config"
	"lifeline/internal/controller"
	"lifeline/internal/policy"
	"lifeline/internal/router"
)

func newOrigin(t *testing.T, confirms *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case config.DefaultSyncPath:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			id, _ := body["actionId"].(string)
			token, _ := body["securityToken"].(string)
			if id == "" || token == "" {
				http.Error(w, "bad envelope", http.StatusBadRequest)
				return
			}
			confirms.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"success":true}`)
		case "/wp-admin/":
			http.Redirect(w, r, "/wp-login.php", http.StatusFound)
		default:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = fmt.Fprintf(w, "<h1>%s</h1>", r.URL.Path)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func loadConfig(t *testing.T, origin string) config.Config {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "lifeline.yaml")
	yml := fmt.Sprintf(`
server:
  origin: %s
storage:
  dir: %s
cache:
  version: test-1
  coreAssets: ["/", "/excursions/"]
sync:
  tokenSecret: test-secret
  every: "off"
probe:
  every: "off"
precache:
  every: "off"
`, origin, filepath.Join(dir, "data"))
	if err := os.WriteFile(p, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	return cfg
}

func TestAppEndToEnd(t *testing.T) {
	var confirms atomic.Int32
	origin := newOrigin(t, &confirms)

	a, err := Open(loadConfig(t, origin.URL), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Close()

	relay := httptest.NewServer(a.Handler())
	defer relay.Close()

	// Core assets are seeded in the background.
	deadline := time.Now().Add(5 * time.Second)
	for len(a.Controller().Status().CachedPages) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("core assets not installed: %+v", a.Controller().Status())
		}
		time.Sleep(20 * time.Millisecond)
	}

	req, _ := http.NewRequest(http.MethodGet, relay.URL+"/excursions/", nil)
	req.Header.Set("Accept", "text/html")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "/excursions/") {
		t.Fatalf("relay: %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get(router.HeaderName) == "" {
		t.Fatalf("missing %s header", router.HeaderName)
	}

	// Redirects reach the client untouched.
	noFollow := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err = noFollow.Get(relay.URL + "/wp-admin/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected relayed redirect, got %d", resp.StatusCode)
	}

	resp, err = http.Post(relay.URL+controller.Prefix+"actions", "application/json",
		strings.NewReader(`{"actionType":"booking","payload":{"excursion":"waza"}}`))
	if err != nil {
		t.Fatal(err)
	}
	var res controller.SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !res.Confirmed || confirms.Load() != 1 {
		t.Fatalf("submit: %d %+v confirms=%d", resp.StatusCode, res, confirms.Load())
	}
	if n := a.Queue().Count(); n != 0 {
		t.Fatalf("confirmed action left in queue: %d", n)
	}

	resp, err = http.Get(relay.URL + controller.Prefix + "offline")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `href="/excursions/"`) {
		t.Fatalf("offline page does not list cached pages:\n%s", body)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	var cfg config.Config
	if got := policyFrom(cfg).InteractiveBudget; got != policy.DefaultInteractiveBudget {
		t.Fatalf("default budget = %s", got)
	}
	cfg.Policy.InteractiveBudgetDur = 9 * time.Second
	if got := policyFrom(cfg).InteractiveBudget; got != 9*time.Second {
		t.Fatalf("configured budget = %s", got)
	}
	cfg.Policy.InteractiveBudget = config.ScheduleOff
	cfg.Policy.InteractiveBudgetDur = 0
	if got := policyFrom(cfg).InteractiveBudget; got != 0 {
		t.Fatalf("disabled budget = %s", got)
	}
}

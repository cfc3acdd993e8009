package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"lifeline/internal/netstate"
	"lifeline/internal/policy"
	"lifeline/internal/queue"
	"lifeline/internal/rfetch"
)

func newTestClient(t *testing.T, url string, tokens TokenSource) *Client {
	t.Helper()
	mon := netstate.NewMonitor(netstate.ProbeConfig{}, nil)
	f := rfetch.New(nil, mon, policy.DefaultTransportBackoff(), nil,
		rfetch.WithSleep(noSleep),
		rfetch.WithRand(func() float64 { return 0.5 }),
	)
	return NewClient(url, f, policy.Default(), mon, tokens, nil)
}

func testAction() queue.Action {
	return queue.Action{
		ID:        "b1",
		Type:      "booking",
		Payload:   json.RawMessage(`{"excursion":"waza-safari","guests":3}`),
		Timestamp: time.UnixMilli(1700000000000),
	}
}

func TestConfirm_SendsEnvelope(t *testing.T) {
	var got confirmRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"message":"booked"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, StaticToken("nonce-123"))
	if err := c.Confirm(context.Background(), testAction()); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if got.ActionType != "booking" || got.ActionID != "b1" || got.SecurityToken != "nonce-123" {
		t.Fatalf("unexpected envelope %+v", got)
	}
	if got.Timestamp != 1700000000000 {
		t.Fatalf("unexpected timestamp %d", got.Timestamp)
	}
	if string(got.Payload) != `{"excursion":"waza-safari","guests":3}` {
		t.Fatalf("payload not forwarded verbatim: %s", got.Payload)
	}
}

func TestConfirm_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{name: "success false", status: 200, body: `{"success":false,"data":{"message":"excursion full"}}`, message: "excursion full"},
		{name: "data string", status: 200, body: `{"success":false,"data":"invalid nonce"}`, message: "invalid nonce"},
		{name: "top level message", status: 200, body: `{"success":false,"message":"closed"}`, message: "closed"},
		{name: "not json", status: 200, body: `<html>`, message: ""},
		{name: "client error", status: 403, body: `{"success":false,"data":{"message":"forbidden"}}`, message: "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			err := newTestClient(t, srv.URL, nil).Confirm(context.Background(), testAction())
			var be *BusinessError
			if !errors.As(err, &be) {
				t.Fatalf("expected BusinessError, got %v", err)
			}
			if be.Status != tc.status || be.Message != tc.message {
				t.Fatalf("unexpected error %+v", be)
			}
			if calls.Load() != 1 {
				t.Fatalf("business rejections must not be retried by the transport, got %d calls", calls.Load())
			}
		})
	}
}

// A 5xx is retried by the fetcher first; what is left is a rejection for the
// engine's own retry loop.
func TestConfirm_ServerErrorRetriedThenRejected(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL, nil).Confirm(context.Background(), testAction())
	var be *BusinessError
	if !errors.As(err, &be) || be.Status != http.StatusBadGateway {
		t.Fatalf("expected BusinessError with status 502, got %v", err)
	}
	// Transport retries (3) plus the first attempt.
	if calls.Load() != 4 {
		t.Fatalf("expected 4 attempts, got %d", calls.Load())
	}
}

func TestJWTTokens(t *testing.T) {
	secret := []byte("s3cret")
	now := time.Unix(1700000000, 0)
	tokens := NewJWTTokens(secret, 0)
	tokens.now = func() time.Time { return now }

	raw, err := tokens.Token(testAction())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) { return secret, nil },
		jwt.WithTimeFunc(func() time.Time { return now.Add(time.Minute) }),
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "b1" || claims.Issuer != TokenIssuer {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if got := claims.ExpiresAt.Time.Sub(now); got != DefaultTokenTTL {
		t.Fatalf("expected ttl %s, got %s", DefaultTokenTTL, got)
	}
}

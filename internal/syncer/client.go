package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"lifeline/internal/content"
	"lifeline/internal/netstate"
	"lifeline/internal/policy"
	"lifeline/internal/queue"
	"lifeline/internal/rfetch"
)

// ErrBusiness marks a confirmation the server answered but refused.
var ErrBusiness = errors.New("sync: rejected by server")

// BusinessError is a refused confirmation: a non-2xx answer or success=false.
type BusinessError struct {
	Status  int
	Message string
}

func (e *BusinessError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sync: rejected by server (http %d)", e.Status)
	}
	return fmt.Sprintf("sync: rejected by server (http %d): %s", e.Status, e.Message)
}

func (e *BusinessError) Is(target error) bool { return target == ErrBusiness }

// maxReplyBytes bounds the confirmation reply read into memory.
const maxReplyBytes = 1 << 20

// Executor runs one outbound request.
type Executor interface {
	Execute(ctx context.Context, req rfetch.Request, opts rfetch.Options) (*rfetch.Response, error)
}

// StateSource exposes the current connection state.
type StateSource interface {
	Snapshot() netstate.State
}

type confirmRequest struct {
	ActionType    string          `json:"actionType"`
	Payload       json.RawMessage `json:"payload"`
	ActionID      string          `json:"actionId"`
	Timestamp     int64           `json:"timestamp"`
	SecurityToken string          `json:"securityToken,omitempty"`
}

type confirmResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// message extracts the human readable reason, accepting both a top-level
// message and the data.message / data string shapes of WordPress JSON replies.
func (r confirmResponse) message() string {
	if r.Message != "" {
		return r.Message
	}
	if len(r.Data) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(r.Data, &s) == nil {
		return s
	}
	var d struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(r.Data, &d) == nil {
		return d.Message
	}
	return ""
}

// Client confirms pending actions with the origin's synchronization endpoint.
type Client struct {
	endpoint string
	exec     Executor
	policy   policy.Policy
	state    StateSource
	tokens   TokenSource
	logger   *slog.Logger
}

// NewClient creates a client posting to endpoint.
func NewClient(endpoint string, exec Executor, p policy.Policy, state StateSource, tokens TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &Client{
		endpoint: endpoint,
		exec:     exec,
		policy:   p,
		state:    state,
		tokens:   tokens,
		logger:   logger.With("component", "syncer"),
	}
}

// Confirm sends one action. A nil error means the server accepted it.
func (c *Client) Confirm(ctx context.Context, a queue.Action) error {
	token, err := c.tokens.Token(a)
	if err != nil {
		return fmt.Errorf("sync: sign token: %w", err)
	}
	payload := a.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	body, err := json.Marshal(confirmRequest{
		ActionType:    a.Type,
		Payload:       payload,
		ActionID:      a.ID,
		Timestamp:     a.Timestamp.UnixMilli(),
		SecurityToken: token,
	})
	if err != nil {
		return fmt.Errorf("sync: encode action %s: %w", a.ID, err)
	}

	st := netstate.DefaultState()
	if c.state != nil {
		st = c.state.Snapshot()
	}
	req := rfetch.Request{
		Method: http.MethodPost,
		URL:    c.endpoint,
		Header: http.Header{
			"Content-Type": {"application/json"},
			"Accept":       {"application/json"},
		},
		Body: body,
	}
	opts := rfetch.Budget(c.policy, content.API, st)
	opts.MaxBody = maxReplyBytes
	resp, err := c.exec.Execute(ctx, req, opts)
	// An oversized reply fails to decode, which reads as a rejection.
	defer resp.Close()
	if err != nil {
		fe, ok := rfetch.AsFetchError(err)
		if ok && fe.Kind == rfetch.KindHTTP && fe.Response != nil {
			return &BusinessError{Status: fe.Status, Message: decode(fe.Response.Body).message()}
		}
		return err
	}

	r := decode(resp.Body)
	if !r.Success {
		return &BusinessError{Status: resp.Status, Message: r.message()}
	}
	return nil
}

func decode(b []byte) confirmResponse {
	var r confirmResponse
	_ = json.Unmarshal(b, &r)
	return r
}

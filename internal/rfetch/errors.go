package rfetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"lifeline/internal/netstate"
)

// Kind classifies a failed fetch.
type Kind string

const (
	KindTimeout  Kind = "timeout"
	KindNetwork  Kind = "network"
	KindHTTP     Kind = "http"
	KindCanceled Kind = "canceled"
)

// FetchError is the terminal failure of one logical request.
type FetchError struct {
	Kind     Kind
	Status   int
	Attempts int
	Elapsed  time.Duration
	State    netstate.State

	// Response is set for HTTP failures so callers can still relay the
	// origin's answer.
	Response *Response

	Err error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindHTTP:
		return fmt.Sprintf("fetch: http %d after %d attempt(s) in %s", e.Status, e.Attempts, e.Elapsed.Round(time.Millisecond))
	default:
		return fmt.Sprintf("fetch: %s after %d attempt(s) in %s: %v", e.Kind, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// ClientError reports whether the failure is a 4xx answer from the origin.
func (e *FetchError) ClientError() bool {
	return e.Kind == KindHTTP && e.Status >= 400 && e.Status < 500
}

// AsFetchError unwraps err into a *FetchError.
func AsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

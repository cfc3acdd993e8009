package controller

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsWriteTimeout = 5 * time.Second

// hub pushes status updates to the open offline pages. Each client keeps
// only the latest undelivered status.
type hub struct {
	mu      sync.Mutex
	clients map[chan Status]struct{}
	closed  bool
	done    chan struct{}
	logger  *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		clients: make(map[chan Status]struct{}),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

func (h *hub) subscribe() (chan Status, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan Status, 1)
	h.clients[ch] = struct{}{}
	return ch, true
}

func (h *hub) unsubscribe(ch chan Status) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

func (h *hub) broadcast(st Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for ch := range h.clients {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}

// serve upgrades the request and streams statuses until the client leaves
// or the hub closes. initial is sent first.
func (h *hub) serve(w http.ResponseWriter, r *http.Request, initial Status) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ch, ok := h.subscribe()
	if !ok {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.unsubscribe(ch)

	// Nothing is read from the page; CloseRead handles control frames and
	// cancels ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	h.logger.Debug("status stream opened", "remote", r.RemoteAddr)

	st := initial
	for {
		if err := h.write(ctx, conn, st); err != nil {
			h.logger.Debug("status stream ended", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case st = <-ch:
		}
	}
}

func (h *hub) write(ctx context.Context, conn *websocket.Conn, st Status) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, st)
}

package controller

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"lifeline/internal/netstate"
	"lifeline/internal/queue"
	"lifeline/internal/router"
	"lifeline/internal/syncer"
)

// Prefix is the path under which the controller API is served.
const Prefix = "/__lifeline/"

const maxActionBytes = 256 << 10

type submitRequest struct {
	ActionType string          `json:"actionType"`
	Payload    json.RawMessage `json:"payload"`
}

type cacheRequest struct {
	Command string   `json:"command"`
	URLs    []string `json:"urls"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Handler serves the controller API and the offline page under Prefix.
// Routes the offline page uses are public; the rest go through admin.
func (c *Controller) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+Prefix+"status", c.handleStatus)
	mux.HandleFunc("POST "+Prefix+"sync", c.handleSync)
	mux.HandleFunc("POST "+Prefix+"probe", c.handleProbe)
	mux.HandleFunc("POST "+Prefix+"actions", c.handleSubmit)
	mux.HandleFunc("GET "+Prefix+"offline", c.handleOffline)
	mux.HandleFunc("GET "+Prefix+"ws", c.handleWS)

	mux.HandleFunc("POST "+Prefix+"connectivity", c.admin(c.handleConnectivity))
	mux.HandleFunc("GET "+Prefix+"actions", c.admin(c.handleListActions))
	mux.HandleFunc("DELETE "+Prefix+"actions", c.admin(c.handleClearActions))
	mux.HandleFunc("DELETE "+Prefix+"actions/{id}", c.admin(c.handleRemoveAction))
	mux.HandleFunc("POST "+Prefix+"cache", c.admin(c.handleCache))
	return mux
}

// admin guards routes that read other visitors' actions or change
// relay-wide state. With an AdminToken they need it as a bearer token;
// without one only loopback callers get through.
func (c *Controller) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.cfg.AdminToken == "" {
			if !isLoopback(r.RemoteAddr) {
				writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden",
					Message: "admin routes are served to localhost only unless an admin token is configured"})
				return
			}
			next(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(c.cfg.AdminToken)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="lifeline"`)
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next(w, r)
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (c *Controller) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.Status())
}

func (c *Controller) handleSync(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	var res syncer.Result
	if force {
		res = c.ForceSync(r.Context())
	} else {
		res = c.Sync(r.Context())
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *Controller) handleProbe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.Probe(r.Context()))
}

func (c *Controller) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var online bool
	switch r.URL.Query().Get("state") {
	case "online":
		online = true
	case "offline":
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "state must be online or offline"})
		return
	}
	// The host may describe its uplink with the usual client hint headers.
	c.d.Monitor.Sample(netstate.HintsFromHeader(r.Header))
	writeJSON(w, http.StatusOK, c.SetConnectivity(r.Context(), online))
}

func (c *Controller) handleListActions(w http.ResponseWriter, r *http.Request) {
	items := c.d.Pending.ListAll()
	if items == nil {
		items = []queue.Action{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (c *Controller) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxActionBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "action too large"})
		return
	}
	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json", Message: err.Error()})
		return
	}
	if req.ActionType == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "actionType is required"})
		return
	}

	res, err := c.Submit(r.Context(), req.ActionType, req.Payload)
	switch {
	case err == nil && res.Confirmed:
		writeJSON(w, http.StatusOK, res)
	case err == nil:
		writeJSON(w, http.StatusAccepted, res)
	case errors.Is(err, queue.ErrNoWritableTier):
		writeJSON(w, http.StatusInsufficientStorage, errorBody{Error: "no storage available", Message: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func (c *Controller) handleClearActions(w http.ResponseWriter, r *http.Request) {
	n := c.d.Pending.Clear()
	go c.hub.broadcast(c.Status())
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (c *Controller) handleRemoveAction(w http.ResponseWriter, r *http.Request) {
	c.d.Pending.Remove(r.PathValue("id"))
	go c.hub.broadcast(c.Status())
	w.WriteHeader(http.StatusNoContent)
}

func (c *Controller) handleCache(w http.ResponseWriter, r *http.Request) {
	if c.d.Commands == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: ErrUnavailable.Error()})
		return
	}
	var req cacheRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxActionBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json", Message: err.Error()})
		return
	}
	var ack router.Ack
	switch req.Command {
	case "update":
		if len(req.URLs) == 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "urls are required"})
			return
		}
		ack = c.d.Commands.UpdateCache(r.Context(), req.URLs)
	case "clear":
		ack = c.d.Commands.ClearCache(r.Context())
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown command " + strconv.Quote(req.Command)})
		return
	}
	if ack.Err != "" {
		writeJSON(w, http.StatusInternalServerError, ack)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (c *Controller) handleOffline(w http.ResponseWriter, r *http.Request) {
	body, err := c.RenderOffline(r.Context())
	if err != nil {
		c.logger.Error("render offline page", "error", err)
		http.Error(w, "offline page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(body)
}

func (c *Controller) handleWS(w http.ResponseWriter, r *http.Request) {
	c.hub.serve(w, r, c.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package agentapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/sonyflake"
	"go.uber.org/zap"

	"github.com/lzyats/core-offline-go/pkg/install"
	"github.com/lzyats/core-offline-go/pkg/offline"
	"github.com/lzyats/core-offline-go/pkg/queue"
)

// Agent is the slice of runner.Agent the HTTP surface drives.
type Agent interface {
	State() offline.State
	Enqueue(ctx context.Context, a offline.Action) error
	Clear(ctx context.Context)
	SyncNow(ctx context.Context) (queue.SyncResult, error)
	SetOnline(online bool)
	Install(ctx context.Context) (bool, error)
	Bridge() *install.Bridge
}

type Options struct {
	// IDs assigns an action ID when the client sent none.
	IDs *sonyflake.Sonyflake
	// Events serves GET /events. Nil disables the route.
	Events        http.Handler
	PromptURL     string
	PromptTimeout time.Duration
	Log           *zap.Logger
}

type enqueueReq struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type connectivityReq struct {
	Online *bool `json:"online"`
}

type offerReq struct {
	PromptURL string            `json:"prompt_url,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

type syncResp struct {
	queue.SyncResult
	Error string `json:"error,omitempty"`
}

// New returns the agent's UI-facing HTTP routes.
func New(a Agent, opts Options) http.Handler {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	h := &handler{a: a, opts: opts}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /state", h.state)
	mux.HandleFunc("POST /queue", h.enqueue)
	mux.HandleFunc("DELETE /queue", h.clear)
	mux.HandleFunc("POST /queue/sync", h.sync)
	mux.HandleFunc("POST /connectivity", h.connectivity)
	mux.HandleFunc("POST /install/offer", h.offer)
	mux.HandleFunc("POST /install", h.install)
	mux.HandleFunc("POST /install/installed", h.installed)
	if opts.Events != nil {
		mux.Handle("GET /events", opts.Events)
	}
	return mux
}

type handler struct {
	a    Agent
	opts Options
}

func (h *handler) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.a.State())
}

func (h *handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var q enqueueReq
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if q.ID == "" && h.opts.IDs != nil {
		id, err := h.opts.IDs.NextID()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		q.ID = strconv.FormatUint(id, 10)
	}
	act := offline.Action{ID: q.ID, Type: q.Type, Payload: q.Payload}
	if err := h.a.Enqueue(r.Context(), act); err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	writeJSON(w, http.StatusCreated, act)
}

func (h *handler) clear(w http.ResponseWriter, r *http.Request) {
	h.a.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.a.SyncNow(r.Context())
	if err != nil {
		writeJSON(w, status(err), syncResp{SyncResult: res, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, syncResp{SyncResult: res})
}

func (h *handler) connectivity(w http.ResponseWriter, r *http.Request) {
	var q connectivityReq
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if q.Online == nil {
		http.Error(w, "missing online", http.StatusBadRequest)
		return
	}
	h.a.SetOnline(*q.Online)
	writeJSON(w, http.StatusOK, h.a.State())
}

func (h *handler) offer(w http.ResponseWriter, r *http.Request) {
	var q offerReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	url := h.opts.PromptURL
	if url == "" {
		http.Error(w, "install prompt url not configured", status(offline.ErrNotConfigured))
		return
	}
	// The agent only ever calls its configured shell.
	if q.PromptURL != "" && q.PromptURL != url {
		http.Error(w, "prompt_url does not match the configured install prompt", http.StatusForbidden)
		return
	}
	o := install.NewHTTPOffer(url, h.opts.PromptTimeout)
	o.Meta = q.Meta
	h.a.Bridge().Capture(o)
	writeJSON(w, http.StatusAccepted, h.a.State())
}

func (h *handler) install(w http.ResponseWriter, r *http.Request) {
	accepted, err := h.a.Install(r.Context())
	if err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	outcome := install.Dismissed
	if accepted {
		outcome = install.Accepted
	}
	h.opts.Log.Info("install prompt answered", zap.String("outcome", string(outcome)))
	writeJSON(w, http.StatusOK, map[string]any{"accepted": accepted, "outcome": outcome})
}

func (h *handler) installed(w http.ResponseWriter, r *http.Request) {
	h.a.Bridge().MarkInstalled()
	w.WriteHeader(http.StatusNoContent)
}

func status(err error) int {
	switch {
	case errors.Is(err, offline.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, offline.ErrNotInstallable), errors.Is(err, offline.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, offline.ErrSyncInProgress), errors.Is(err, offline.ErrPromptInFlight):
		return http.StatusConflict
	case errors.Is(err, offline.ErrOffline), errors.Is(err, offline.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

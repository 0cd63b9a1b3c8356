package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/andrej220/devterm/internal/serverutil"
	"github.com/andrej220/devterm/pkg/lg"
	"github.com/andrej220/devterm/pkg/models"
	"github.com/andrej220/devterm/pkg/profile"
	"github.com/andrej220/devterm/pkg/session"
	"github.com/andrej220/devterm/pkg/transfer"
	"github.com/andrej220/devterm/pkg/workerpool"
)

type Transferer interface {
	Transfer(ctx context.Context, profileID, localPath, remotePath string, selection []string, onProgress transfer.ProgressFunc) (transfer.Summary, error)
}

type ConnectionTester interface {
	Test(ctx context.Context, p profile.Profile) error
}

// Handler is the HTTP surface of the service.
type Handler struct {
	Service     *Service
	Transfers   Transferer
	Profiles    profile.Resolver
	Connections ConnectionTester
	Sessions    *session.Router
	Logger      lg.Logger

	upgrader websocket.Upgrader
}

type Status struct {
	Sessions   map[session.Kind]int `json:"sessions"`
	ActiveRuns int32                `json:"activeRuns"`
}

func (h *Handler) Status() Status {
	st := Status{Sessions: h.Sessions.Count()}
	if h.Service != nil && h.Service.Pool != nil {
		st.ActiveRuns = h.Service.Pool.ActiveWorkers()
	}
	return st
}

func (h *Handler) Routes() http.Handler {
	h.upgrader = websocket.Upgrader{HandshakeTimeout: 10 * time.Second}
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", serverutil.HealthHandler(func() any { return h.Status() }))
	mux.Handle("/provision", serverutil.NewValidationHandler[models.ProvisionRequest](http.HandlerFunc(h.provision)))
	mux.Handle("/transfer", serverutil.NewValidationHandler[models.TransferRequest](http.HandlerFunc(h.transfer)))
	mux.Handle("/connections/test", serverutil.NewValidationHandler[models.ConnectionTestRequest](http.HandlerFunc(h.testConnection)))
	mux.HandleFunc("GET /sessions/{kind}", h.terminal)
	return mux
}

func (h *Handler) provision(rw http.ResponseWriter, r *http.Request) {
	req, _ := serverutil.RequestFromContext[models.ProvisionRequest](r.Context())
	id, err := h.Service.Submit(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, workerpool.ErrStopped) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			status = http.StatusServiceUnavailable
		}
		h.writeError(rw, status, err)
		return
	}
	h.writeJSON(rw, http.StatusAccepted, map[string]string{"requestUid": id.String()})
}

func (h *Handler) transfer(rw http.ResponseWriter, r *http.Request) {
	req, _ := serverutil.RequestFromContext[models.TransferRequest](r.Context())
	// uploads outlive the server write timeout
	_ = http.NewResponseController(rw).SetWriteDeadline(time.Time{})

	logger := lg.OrDiscard(h.Logger).With(lg.String("profile", req.ProfileID))
	summary, err := h.Transfers.Transfer(r.Context(), req.ProfileID, req.LocalPath, req.RemotePath, req.Selection, func(p transfer.Progress) {
		logger.Debug("uploaded", lg.String("file", p.File), lg.Int("done", p.Uploaded), lg.Int("total", p.Total))
	})
	if err != nil {
		h.writeError(rw, errorStatus(err), err)
		return
	}
	h.writeJSON(rw, http.StatusOK, summary)
}

func (h *Handler) testConnection(rw http.ResponseWriter, r *http.Request) {
	req, _ := serverutil.RequestFromContext[models.ConnectionTestRequest](r.Context())
	p, err := h.Profiles.Resolve(r.Context(), req.ProfileID)
	if err == nil {
		err = h.Connections.Test(r.Context(), p)
	}
	if err != nil {
		h.writeError(rw, errorStatus(err), err)
		return
	}
	h.writeJSON(rw, http.StatusOK, map[string]bool{"ok": true})
}

func errorStatus(err error) int {
	var transferErr *transfer.Error
	switch {
	case errors.Is(err, profile.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &transferErr) && (transferErr.Op == "stat" || transferErr.Op == "walk"):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		lg.OrDiscard(h.Logger).Debug("write response", lg.Err(err))
	}
}

func (h *Handler) writeError(rw http.ResponseWriter, status int, err error) {
	h.writeJSON(rw, status, map[string]string{"error": err.Error()})
}

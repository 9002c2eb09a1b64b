package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"spcstream-backend/internal/collector"
	"spcstream-backend/internal/distribution"
	"spcstream-backend/internal/source"
)

// Collectors is the part of collector.Manager the admin surface drives.
type Collectors interface {
	Start(ctx context.Context, connectionID string) error
	Stop(connectionID string)
	GetStatus(connectionID string) (collector.RuntimeState, bool)
	GetAllStatuses() []collector.RuntimeState
	StartAllActive(ctx context.Context) (int, error)
	TestConnection(ctx context.Context, connectionID string) (bool, string)
}

// Streams is the subscriber side served on /ws.
type Streams interface {
	http.Handler
	Count() int
	Subscribers() []distribution.SubscriberInfo
}

type Handler struct {
	Collectors Collectors
	Streams    Streams
	Metrics    http.Handler
	Timeout    time.Duration
}

type errorResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

type testResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

type reloadResponse struct {
	Started int    `json:"started"`
	Error   string `json:"error,omitempty"`
}

type subscribersResponse struct {
	Count       int                           `json:"count"`
	Subscribers []distribution.SubscriberInfo `json:"subscribers"`
}

// RegisterRoutes mounts the admin routes. They are short request/response
// calls and are expected to run under the request timeout middleware.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/collectors", func(r chi.Router) {
		r.Get("/", h.handleCollectorsList)
		r.Post("/reload", h.handleCollectorsReload)
		r.Get("/{id}", h.handleCollectorGet)
		r.Post("/{id}/start", h.handleCollectorStart)
		r.Post("/{id}/stop", h.handleCollectorStop)
	})
	r.Post("/connections/{id}/test", h.handleConnectionTest)
	r.Get("/subscribers", h.handleSubscribers)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}
}

// RegisterStreamRoutes mounts the long-lived subscriber endpoint.
func (h *Handler) RegisterStreamRoutes(r chi.Router) {
	r.Method(http.MethodGet, "/ws", h.Streams)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"collectors":  len(h.Collectors.GetAllStatuses()),
		"subscribers": h.Streams.Count(),
	})
}

func (h *Handler) handleCollectorsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Collectors.GetAllStatuses())
}

func (h *Handler) handleCollectorGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, ok := h.Collectors.GetStatus(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{OK: false, Message: "collector not running"})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleCollectorStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := h.withTimeout(r)
	defer cancel()
	if err := h.Collectors.Start(ctx, id); err != nil {
		writeJSON(w, startStatus(err), errorResponse{OK: false, Message: err.Error()})
		return
	}
	state, _ := h.Collectors.GetStatus(id)
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleCollectorStop(w http.ResponseWriter, r *http.Request) {
	h.Collectors.Stop(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCollectorsReload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.withTimeout(r)
	defer cancel()
	started, err := h.Collectors.StartAllActive(ctx)
	resp := reloadResponse{Started: started}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleConnectionTest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.withTimeout(r)
	defer cancel()
	ok, msg := h.Collectors.TestConnection(ctx, chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, testResponse{OK: ok, Message: msg})
}

func (h *Handler) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	subs := h.Streams.Subscribers()
	writeJSON(w, http.StatusOK, subscribersResponse{Count: len(subs), Subscribers: subs})
}

func (h *Handler) withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	if h.Timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.Timeout)
}

func startStatus(err error) int {
	switch {
	case errors.Is(err, collector.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, collector.ErrInactive):
		return http.StatusConflict
	case errors.Is(err, collector.ErrConnectFailed):
		return http.StatusBadGateway
	case errors.Is(err, collector.ErrUnsupportedType), errors.Is(err, source.ErrInvalidConfig):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

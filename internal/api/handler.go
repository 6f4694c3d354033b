// Package api exposes the leaderboard over HTTP and reports liveness over
// the standard gRPC health protocol.
package api

import (
	"HeavySpectra/internal/engine/reconciler"
	"HeavySpectra/internal/model"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

const maxEventsBody = 8 << 20

// Engine is what the handlers need from the running engine.
type Engine interface {
	Current() *model.Snapshot
	Subscribe(ctx context.Context) iter.Seq[*model.Snapshot]
	Reconcile(ctx context.Context) (reconciler.Outcome, error)
	ReconcilerState() reconciler.State
	Ingest(ctx context.Context, events []model.Event) error
	Item(item string) model.ItemStats
}

// Handler holds the dependencies for API handlers.
type Handler struct {
	engine  Engine
	metrics http.Handler
	log     *slog.Logger
}

func NewHandler(engine Engine, metrics http.Handler, log *slog.Logger) *Handler {
	return &Handler{engine: engine, metrics: metrics, log: log}
}

// Router defines the API routes.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/leaderboard", h.leaderboardHandler).Methods(http.MethodGet)
	v1.HandleFunc("/leaderboard/stream", h.streamHandler).Methods(http.MethodGet)
	v1.HandleFunc("/reconcile", h.reconcileHandler).Methods(http.MethodPost)
	v1.HandleFunc("/events", h.eventsHandler).Methods(http.MethodPost)
	v1.HandleFunc("/items/{item}", h.itemHandler).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.healthHandler).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods(http.MethodGet)
	}
	return r
}

// statusCode maps the engine's error taxonomy to HTTP.
func statusCode(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrTransientUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrCorruptSnapshot):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusCode(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// leaderboardHandler returns the current snapshot. It never fails: before
// the first publication it returns the empty generation 0.
func (h *Handler) leaderboardHandler(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.Current()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, fmt.Errorf("%w: limit must be a non-negative integer", model.ErrInvalidParameters))
			return
		}
		if n < len(snap.Entries) {
			cp := *snap
			cp.Entries = snap.Entries[:n]
			snap = &cp
		}
	}
	writeJSON(w, http.StatusOK, snap)
}

// streamHandler writes one JSON snapshot per line until the client goes away.
func (h *Handler) streamHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for snap := range h.engine.Subscribe(r.Context()) {
		if err := enc.Encode(snap); err != nil {
			return
		}
		flusher.Flush()
	}
}

type reconcileResponse struct {
	Outcome    string `json:"outcome"`
	State      string `json:"state"`
	Generation uint64 `json:"generation"`
}

func (h *Handler) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.engine.Reconcile(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reconcileResponse{
		Outcome:    outcome.String(),
		State:      h.engine.ReconcilerState().String(),
		Generation: h.engine.Current().Generation,
	})
}

// eventsHandler accepts a JSON array of events. Weights carry pre-aggregated
// batches; a missing weight counts as one.
func (h *Handler) eventsHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventsBody))
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: failed to read request body: %v", model.ErrInvalidParameters, err))
		return
	}
	var events []model.Event
	if err := json.Unmarshal(body, &events); err != nil {
		h.writeError(w, fmt.Errorf("%w: failed to decode events: %v", model.ErrInvalidParameters, err))
		return
	}
	for i, ev := range events {
		if ev.Item == "" {
			h.writeError(w, fmt.Errorf("%w: event %d has no item", model.ErrInvalidParameters, i))
			return
		}
	}
	if err := h.engine.Ingest(r.Context(), events); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(events)})
}

func (h *Handler) itemHandler(w http.ResponseWriter, r *http.Request) {
	item := mux.Vars(r)["item"]
	writeJSON(w, http.StatusOK, h.engine.Item(item))
}

func (h *Handler) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"reconciler": h.engine.ReconcilerState().String(),
		"generation": h.engine.Current().Generation,
	})
}

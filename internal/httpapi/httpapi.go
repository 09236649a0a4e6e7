// Package httpapi exposes the gateway's Anthropic Messages API surface as
// a chi.Router: POST /v1/messages and GET /v1/models. Handler.Stats serves
// the request-history summary and is mounted by the caller.
package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"gateway/internal/anthropicproto"
	"gateway/internal/pipeline"
	"gateway/internal/registry"
	"gateway/internal/statslog"
)

const maxRequestBytes = 20 << 20

// Handler wires a Pipeline into HTTP handlers.
type Handler struct {
	Pipeline   *pipeline.Pipeline
	statsStore statslog.Store
	Logger     *slog.Logger
}

func NewHandler(p *pipeline.Pipeline, stats statslog.Store, logger *slog.Logger) *Handler {
	return &Handler{Pipeline: p, statsStore: stats, Logger: logger}
}

// Routes mounts every endpoint this handler serves onto a fresh router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/messages", h.createMessage)
	r.Get("/models", h.listModels)
	return r
}

func (h *Handler) createMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := strings.TrimSpace(r.Header.Get("x-request-id"))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", requestID)

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body", 0)
		return
	}

	var req anthropicproto.MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid json", 0)
		return
	}

	opts := pipeline.HandleOptions{NoCache: isTruthy(r.Header.Get("X-No-Cache"))}
	start := time.Now()
	if err := h.Pipeline.Handle(ctx, &req, w, opts); err != nil {
		if pe, ok := err.(*pipeline.Error); ok {
			writeError(w, pe.Status, pe.Type, pe.Message, pe.RetryAfter)
			return
		}
		if h.Logger != nil {
			h.Logger.Error("unclassified pipeline error", "error", err, "request_id", requestID)
		}
		writeError(w, http.StatusInternalServerError, "api_error", "internal error", 0)
		return
	}
	if h.Logger != nil {
		h.Logger.Debug("request handled", "model", req.Model, "stream", req.Stream,
			"request_id", requestID, "elapsed", time.Since(start))
	}
}

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	models := registry.All()
	resp := anthropicproto.ModelsResponse{
		Data: make([]anthropicproto.ModelInfo, 0, len(models)),
	}
	for _, m := range models {
		resp.Data = append(resp.Data, anthropicproto.ModelInfo{
			ID:          m,
			Type:        "model",
			DisplayName: m,
		})
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// Stats serves the aggregate request history GET /stats renders.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.statsStore == nil {
		writeError(w, http.StatusNotImplemented, "api_error", "stats tracking disabled", 0)
		return
	}
	summary, err := h.statsStore.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "failed to load stats", 0)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(summary)
}

func isTruthy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "1" || v == "true" || v == "yes"
}

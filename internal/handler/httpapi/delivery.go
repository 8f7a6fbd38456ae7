package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
	"github.com/textsecure/message-delivery-service/internal/handler/ws"
	"github.com/textsecure/message-delivery-service/internal/service"
)

// APIHandler serves the request/response side of the delivery surface:
// explicit fetch, acknowledge, depth, account wipe and stats. The
// realtime side lives on the websocket route.
type APIHandler struct {
	logger    *slog.Logger
	deliverer service.Deliverer
	ws        *ws.WSHandler
}

func NewAPIHandler(logger *slog.Logger, deliverer service.Deliverer, wsHandler *ws.WSHandler) *APIHandler {
	return &APIHandler{
		logger:    logger,
		deliverer: deliverer,
		ws:        wsHandler,
	}
}

func (h *APIHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/messages/{account}/{device}", func(r chi.Router) {
			r.Get("/", h.fetch)
			r.Put("/ack", h.acknowledge)
			r.Get("/depth", h.depth)
		})
		r.Delete("/accounts/{account}/messages", h.clearAccount)
		r.Get("/stats", h.stats)
		r.Get("/ws/{account}/{device}", h.ws.ServeHTTP)
	})

	return r
}

// envelopeResponse mirrors the websocket envelope frame so clients see
// one wire shape regardless of transport.
type envelopeResponse struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	SourceAccount   string `json:"source_account,omitempty"`
	SourceDevice    int64  `json:"source_device,omitempty"`
	Content         string `json:"content,omitempty"`
	ServerTimestamp int64  `json:"server_timestamp"`
}

type ackRequest struct {
	IDs []string `json:"ids"`
}

func (h *APIHandler) fetch(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.address(w, r)
	if !ok {
		return
	}

	envs, err := h.deliverer.Fetch(r.Context(), addr)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out := make([]envelopeResponse, 0, len(envs))
	for _, env := range envs {
		out = append(out, envelopeResponse{
			ID:              env.ID,
			Type:            env.Type.String(),
			SourceAccount:   env.Source.Account,
			SourceDevice:    env.Source.DeviceID,
			Content:         base64.StdEncoding.EncodeToString(env.Content),
			ServerTimestamp: env.ServerTimestamp,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"envelopes": out})
}

func (h *APIHandler) acknowledge(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.address(w, r)
	if !ok {
		return
	}

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		http.Error(w, "expected non-empty ids", http.StatusBadRequest)
		return
	}

	removed, err := h.deliverer.Acknowledge(r.Context(), addr, req.IDs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (h *APIHandler) depth(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.address(w, r)
	if !ok {
		return
	}

	depth, err := h.deliverer.QueueDepth(r.Context(), addr)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"depth": depth})
}

func (h *APIHandler) clearAccount(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	if account == "" {
		http.Error(w, "missing account", http.StatusBadRequest)
		return
	}

	if err := h.deliverer.ClearAccount(r.Context(), account); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deliverer.Stats(r.Context()))
}

func (h *APIHandler) address(w http.ResponseWriter, r *http.Request) (model.DeviceAddress, bool) {
	account := chi.URLParam(r, "account")
	deviceID, err := strconv.ParseInt(chi.URLParam(r, "device"), 10, 64)
	if err != nil || account == "" {
		http.Error(w, "bad device address", http.StatusBadRequest)
		return model.DeviceAddress{}, false
	}
	return model.NewDeviceAddress(account, deviceID), true
}

func (h *APIHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrUnknownAccount):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrCacheUnavailable), errors.Is(err, model.ErrStoreUnavailable):
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
	h.logger.Error("request failed", "path", r.URL.Path, "err", err)
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode failed", "err", err)
	}
}

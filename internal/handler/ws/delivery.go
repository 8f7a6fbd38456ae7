package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
	wsmarshaller "github.com/textsecure/message-delivery-service/internal/handler/marshaller/ws"
	"github.com/textsecure/message-delivery-service/internal/service"
)

// clientFrame is the inbound protocol: acknowledgements and keepalives.
type clientFrame struct {
	Type string   `json:"type"` // "ack" | "keepalive"
	IDs  []string `json:"ids,omitempty"`
}

type WSHandler struct {
	logger    *slog.Logger
	deliverer service.Deliverer
	upgrader  websocket.Upgrader
}

func NewWSHandler(logger *slog.Logger, deliverer service.Deliverer) *WSHandler {
	return &WSHandler{
		logger:    logger,
		deliverer: deliverer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Security: adjust for production
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 1. RESOLVE THE DEVICE ADDRESS (In production: from the auth layer)
	account := chi.URLParam(r, "account")
	deviceID, err := strconv.ParseInt(chi.URLParam(r, "device"), 10, 64)
	if err != nil || account == "" {
		http.Error(w, "bad device address", http.StatusBadRequest)
		return
	}
	addr := model.NewDeviceAddress(account, deviceID)

	// 2. UPGRADE TO WEBSOCKET
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	// 3. SUBSCRIBE VIA THE SAME SERVICE
	conn, err := h.deliverer.Subscribe(r.Context(), addr)
	if err != nil {
		h.logger.Error("ws subscribe failed", "address", addr, "error", err)
		return
	}
	defer h.deliverer.Unsubscribe(r.Context(), addr, conn.GetID())

	h.logger.Info("ws opened", "address", addr, "conn_id", conn.GetID())

	// 4. READ PUMP: acknowledgements arrive over the same socket.
	readDone := make(chan struct{})
	go h.readPump(r, ws, addr, readDone)

	// 5. WRITE PUMP
	// The recv channel is captured once: the connector keeps its device
	// identity for the life of this handler, and session teardown is
	// signalled through Done, never by closing the channel.
	recv := conn.Recv()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-readDone:
			return
		case <-conn.Done():
			// Evicted or shutting down: a final frame tells the client
			// not to reconnect-storm.
			h.writeClose(ws)
			return
		case ev := <-recv:
			data, err := wsmarshaller.MarshallDeliveryEvent(ev)
			if err != nil {
				h.logger.Error("failed to marshal ws event", "error", err)
				continue
			}

			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warn("ws send failed", "error", err)
				return
			}
		}
	}
}

func (h *WSHandler) readPump(r *http.Request, ws *websocket.Conn, addr model.DeviceAddress, done chan<- struct{}) {
	defer close(done)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Warn("unparseable client frame", "address", addr, "error", err)
			continue
		}

		switch frame.Type {
		case "ack":
			if _, err := h.deliverer.Acknowledge(r.Context(), addr, frame.IDs); err != nil {
				h.logger.Warn("ws ack failed", "address", addr, "error", err)
			}
		case "keepalive":
			// Reading the frame is the liveness signal; nothing to do.
		default:
			h.logger.Warn("unknown client frame", "address", addr, "type", frame.Type)
		}
	}
}

func (h *WSHandler) writeClose(ws *websocket.Conn) {
	payload, _ := json.Marshal(model.DisconnectedPayload{Reason: "server closing session", Code: "SHUTDOWN"})
	_ = ws.WriteMessage(websocket.TextMessage, payload)
}

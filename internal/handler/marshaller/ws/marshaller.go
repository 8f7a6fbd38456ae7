package wsmarshaller

import (
	"encoding/json"

	"github.com/textsecure/message-delivery-service/internal/domain/event"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

// WSEvent is a generic wrapper for WebSocket frames to provide a
// consistent structure across event kinds.
type WSEvent struct {
	Event   string `json:"event"` // e.g. "envelope", "connected"
	ID      string `json:"id"`
	SentAt  int64  `json:"sent_at"`
	Payload any    `json:"payload"`
}

// MarshallDeliveryEvent prepares data for WebSocket transmission.
// The wire bytes are cached on the event, so an event re-offered after
// a failed write (or fanned out to several pumps) is marshalled once.
func MarshallDeliveryEvent(ev event.Eventer) ([]byte, error) {
	if data, ok := ev.GetCached().([]byte); ok {
		return data, nil
	}

	res := &WSEvent{
		ID:     ev.GetID(),
		SentAt: ev.GetOccurredAt(),
	}

	switch p := ev.GetPayload().(type) {
	case *model.Envelope:
		res.Event = "envelope"
		res.Payload = mapEnvelope(p)
	case model.ConnectedPayload:
		res.Event = "connected"
		res.Payload = p
	case model.DisconnectedPayload:
		res.Event = "disconnected"
		res.Payload = p
	default:
		res.Event = ev.GetKind().String()
		res.Payload = p
	}

	data, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	ev.SetCached(data)
	return data, nil
}

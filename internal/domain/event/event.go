package event

import "github.com/textsecure/message-delivery-service/internal/domain/model"

type EventKind int16

const (
	Connected      EventKind = iota + 1 // [SYSTEM]
	Disconnected                        // [SYSTEM]
	KeepAlive                           // [SYSTEM]
	EnvelopeQueued                      // [BUSINESS]
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case KeepAlive:
		return "keepalive"
	case EnvelopeQueued:
		return "envelope_queued"
	default:
		return "unknown"
	}
}

type EventPriority int32

const (
	PriorityLow    EventPriority = 10
	PriorityNormal EventPriority = 20
	PriorityHigh   EventPriority = 30
)

// Eventer defines the contract for all data packets flowing through the Hub.
type Eventer interface {
	GetID() string
	GetKind() EventKind
	GetAddress() model.DeviceAddress
	GetPriority() EventPriority
	GetOccurredAt() int64
	GetPayload() any
	GetCached() any
	SetCached(any)
}

// Exportable marks an event that should also be re-published to the
// message bus (e.g. receipts for senders homed on a federation peer).
// An empty routing key tells the dispatcher to skip publishing.
type Exportable interface {
	GetRoutingKey() string
}

package event

import (
	"github.com/google/uuid"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

var _ Eventer = (*EnvelopeEvent)(nil)

// EnvelopeEvent carries one queued envelope toward a live session.
//
// [STRATEGY]
// It distinguishes between:
//   - [BUSINESS_ADDRESSES] (envelope.Source/Destination): the logical
//     endpoints of the ciphertext (the "Who").
//   - [ROUTING_TARGET] (Address): the physical device session this event
//     instance must reach (the "Where").
//
// Every node can check hub.HasLocal(Address) to decide whether it owns
// the delivery, which is what makes the fleet stateless.
type EnvelopeEvent struct {
	ID       uuid.UUID
	Envelope *model.Envelope
	Address  model.DeviceAddress
	cached   any
}

func NewEnvelopeEvent(env *model.Envelope, addr model.DeviceAddress) *EnvelopeEvent {
	return &EnvelopeEvent{
		ID:       uuid.New(),
		Envelope: env,
		Address:  addr,
	}
}

func (e *EnvelopeEvent) GetID() string                   { return e.ID.String() }
func (e *EnvelopeEvent) GetKind() EventKind              { return EnvelopeQueued }
func (e *EnvelopeEvent) GetAddress() model.DeviceAddress { return e.Address }
func (e *EnvelopeEvent) GetPriority() EventPriority      { return PriorityHigh }
func (e *EnvelopeEvent) GetOccurredAt() int64            { return e.Envelope.ServerTimestamp }
func (e *EnvelopeEvent) GetPayload() any                 { return e.Envelope }
func (e *EnvelopeEvent) GetCached() any                  { return e.cached }
func (e *EnvelopeEvent) SetCached(v any)                 { e.cached = v }

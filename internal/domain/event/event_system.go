package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

// [GUARD] Ensure compliance with the Eventer interface.
var _ Eventer = (*SystemEvent)(nil)

// SystemEvent is a generic envelope for internal signals (connect,
// disconnect, keepalive checks) and domain notifications.
type SystemEvent struct {
	id         string
	address    model.DeviceAddress
	kind       EventKind
	priority   EventPriority
	occurredAt int64
	payload    any
	cached     any
}

// [INTERFACE_IMPLEMENTATION]
func (e *SystemEvent) GetID() string                   { return e.id }
func (e *SystemEvent) GetKind() EventKind              { return e.kind }
func (e *SystemEvent) GetAddress() model.DeviceAddress { return e.address }
func (e *SystemEvent) GetPriority() EventPriority      { return e.priority }
func (e *SystemEvent) GetOccurredAt() int64            { return e.occurredAt }
func (e *SystemEvent) GetPayload() any                 { return e.payload }
func (e *SystemEvent) GetCached() any                  { return e.cached }
func (e *SystemEvent) SetCached(v any)                 { e.cached = v }

// NewSystemEvent is a universal factory for creating any signal.
func NewSystemEvent(addr model.DeviceAddress, kind EventKind, priority EventPriority, payload any) *SystemEvent {
	return &SystemEvent{
		id:         uuid.NewString(),
		address:    addr,
		kind:       kind,
		priority:   priority,
		occurredAt: time.Now().UnixMilli(),
		payload:    payload,
	}
}

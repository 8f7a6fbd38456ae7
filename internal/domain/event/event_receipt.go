package event

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

var (
	_ Eventer    = (*ReceiptEvent)(nil)
	_ Exportable = (*ReceiptEvent)(nil)
)

// ReceiptEvent announces a delivery receipt whose recipient is not
// homed on this deployment. The dispatcher exports it to the bus and
// the federation layer relays it to the peer server.
type ReceiptEvent struct {
	ID      uuid.UUID       `json:"id"`
	Receipt *model.Envelope `json:"receipt"`
	cached  any
}

func NewReceiptEvent(receipt *model.Envelope) *ReceiptEvent {
	return &ReceiptEvent{
		ID:      uuid.New(),
		Receipt: receipt,
	}
}

func (e *ReceiptEvent) GetID() string                   { return e.ID.String() }
func (e *ReceiptEvent) GetKind() EventKind              { return EnvelopeQueued }
func (e *ReceiptEvent) GetAddress() model.DeviceAddress { return e.Receipt.Destination }
func (e *ReceiptEvent) GetPriority() EventPriority      { return PriorityNormal }
func (e *ReceiptEvent) GetOccurredAt() int64            { return e.Receipt.ServerTimestamp }
func (e *ReceiptEvent) GetPayload() any                 { return e.Receipt }
func (e *ReceiptEvent) GetCached() any                  { return e.cached }
func (e *ReceiptEvent) SetCached(v any)                 { e.cached = v }

// GetRoutingKey follows the bus topic scheme msg.receipt.v1.{account}.created.
func (e *ReceiptEvent) GetRoutingKey() string {
	return fmt.Sprintf("msg.receipt.v1.%s.created", e.Receipt.Destination.Account)
}

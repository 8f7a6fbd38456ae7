// Package gateway models the offline push gateways as a capability:
// an opaque, small wake-up message per platform family. Envelope
// content never travels through a gateway.
package gateway

import (
	"context"
	"fmt"

	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

// Notification is the wake-up request. Payload stays tiny by contract;
// the client fetches the real envelopes after waking.
type Notification struct {
	Kind      model.PushChannelKind
	Token     string
	VoipToken string
}

// Sender is the push capability consumed by the push sender and the
// fallback sweep. Implementations report failures through the error
// taxonomy: ErrGatewayRejected for dead tokens, ErrGatewayTransient
// for everything retryable.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Mux routes a notification to the gateway owning its channel kind.
type Mux struct {
	gcm Sender
	apn Sender
}

func NewMux(gcm, apn Sender) *Mux {
	return &Mux{gcm: gcm, apn: apn}
}

func (m *Mux) Send(ctx context.Context, n Notification) error {
	switch n.Kind {
	case model.ChannelGcm:
		return m.gcm.Send(ctx, n)
	case model.ChannelApn:
		return m.apn.Send(ctx, n)
	default:
		return fmt.Errorf("%w: no gateway for channel %s", model.ErrInvalidEnvelope, n.Kind)
	}
}

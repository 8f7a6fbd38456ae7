package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/textsecure/message-delivery-service/internal/adapter/directory"
	"github.com/textsecure/message-delivery-service/internal/adapter/pubsub"
	"github.com/textsecure/message-delivery-service/internal/domain/event"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

// EnvelopeSender is the narrow send surface receipts route through:
// the very same path ordinary envelopes take.
type EnvelopeSender interface {
	Send(ctx context.Context, env *model.Envelope) error
}

// ReceiptSender turns a successful acknowledge into a delivery receipt
// addressed back to the originating sender's device. Senders homed on a
// federation peer get their receipt exported to the bus instead; the
// federation layer relays it.
type ReceiptSender struct {
	directory  directory.Directoryer
	dispatcher pubsub.EventDispatcher
	counters   *Counters
	logger     *slog.Logger
}

func NewReceiptSender(dir directory.Directoryer, dispatcher pubsub.EventDispatcher, counters *Counters, logger *slog.Logger) *ReceiptSender {
	return &ReceiptSender{
		directory:  dir,
		dispatcher: dispatcher,
		counters:   counters,
		logger:     logger.With("component", "receipt_sender"),
	}
}

// SendReceipts emits one receipt per acknowledged envelope. Receipts
// are never generated for receipt envelopes (no infinite ping-pong) or
// for envelopes without a source address (server-originated).
func (r *ReceiptSender) SendReceipts(ctx context.Context, sender EnvelopeSender, acked []*model.Envelope) {
	for _, env := range acked {
		if env.Type == model.EnvelopeReceipt || env.Source.IsZero() {
			continue
		}

		receipt := &model.Envelope{
			ID:              uuid.NewString(),
			Type:            model.EnvelopeReceipt,
			Source:          env.Destination,
			Destination:     env.Source,
			ServerTimestamp: time.Now().UnixMilli(),
		}

		if err := r.deliver(ctx, sender, receipt); err != nil {
			// Receipts are best effort: the acked envelope is already
			// gone and must stay gone.
			r.logger.Warn("receipt delivery failed", "envelope_id", env.ID, "err", err)
			continue
		}
		r.counters.Receipts.Add(1)
	}
}

func (r *ReceiptSender) deliver(ctx context.Context, sender EnvelopeSender, receipt *model.Envelope) error {
	_, err := r.directory.Lookup(ctx, receipt.Destination)
	if errors.Is(err, model.ErrUnknownAccount) {
		// [FEDERATION_EXPORT] not our account; hand it to the bus.
		return r.dispatcher.Publish(ctx, event.NewReceiptEvent(receipt))
	}
	if err != nil {
		return err
	}
	return sender.Send(ctx, receipt)
}

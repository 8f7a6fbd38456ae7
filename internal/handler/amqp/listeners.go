package amqp

import (
	"context"
	"errors"
	"fmt"

	"github.com/textsecure/message-delivery-service/internal/domain/model"
	"github.com/textsecure/message-delivery-service/internal/service/dto"
)

// [ON_ENVELOPE_SUBMITTED]
// Accepts a submitted envelope into the delivery pipeline.
func (h *EnvelopeHandler) OnEnvelopeSubmittedV1(ctx context.Context, raw *dto.EnvelopeV1) error {
	env := raw.ToDomain()

	err := h.deliverer.Send(ctx, env)
	switch {
	case errors.Is(err, model.ErrInvalidEnvelope), errors.Is(err, model.ErrUnknownAddress):
		// Terminal: retrying a malformed envelope can never succeed.
		h.logger.Warn("ENVELOPE_REJECTED", "msg_id", raw.MessageID, "err", err)
		return nil // ACK
	case err != nil:
		return fmt.Errorf("envelope %s: %w", raw.MessageID, err) // NACK: retry
	}

	return nil
}

// [ON_ACCOUNT_CLEARED]
// Wipes every device queue of a re-registered account.
func (h *EnvelopeHandler) OnAccountClearedV1(ctx context.Context, raw *dto.AccountClearedV1) error {
	err := h.deliverer.ClearAccount(ctx, raw.Account)
	switch {
	case errors.Is(err, model.ErrUnknownAccount):
		// Directory no longer knows the account: nothing left to clear.
		return nil // ACK
	case err != nil:
		return fmt.Errorf("clear account %s: %w", raw.Account, err) // NACK: retry
	}

	return nil
}

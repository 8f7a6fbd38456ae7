package amqp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textsecure/message-delivery-service/internal/domain/event"
	"github.com/textsecure/message-delivery-service/internal/domain/model"
	"github.com/textsecure/message-delivery-service/internal/domain/registry"
	"github.com/textsecure/message-delivery-service/internal/service/dto"
)

type fakeDeliverer struct {
	sent    []*model.Envelope
	sendErr error
	cleared []string
}

func (f *fakeDeliverer) Send(_ context.Context, env *model.Envelope) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeDeliverer) ClearAccount(_ context.Context, account string) error {
	f.cleared = append(f.cleared, account)
	return nil
}

func (f *fakeDeliverer) Subscribe(context.Context, model.DeviceAddress) (registry.Connector, error) {
	return nil, nil
}
func (f *fakeDeliverer) Unsubscribe(context.Context, model.DeviceAddress, uuid.UUID) {}
func (f *fakeDeliverer) Fetch(context.Context, model.DeviceAddress) ([]*model.Envelope, error) {
	return nil, nil
}
func (f *fakeDeliverer) Acknowledge(context.Context, model.DeviceAddress, []string) (int, error) {
	return 0, nil
}
func (f *fakeDeliverer) QueueDepth(context.Context, model.DeviceAddress) (int64, error) {
	return 0, nil
}
func (f *fakeDeliverer) Stats(context.Context) model.HubStats { return model.HubStats{} }

type nopDispatcher struct{}

func (nopDispatcher) Publish(context.Context, event.Eventer) error { return nil }
func (nopDispatcher) Publisher() message.Publisher                 { return nil }

func newTestHandler(deliverer *fakeDeliverer) *EnvelopeHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEnvelopeHandler(deliverer, logger, nopDispatcher{})
}

func busMessage(t *testing.T, payload any) *message.Message {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return message.NewMessage(uuid.NewString(), raw)
}

func TestBindDecodesAndDeliversEnvelope(t *testing.T) {
	deliverer := &fakeDeliverer{}
	h := newTestHandler(deliverer)
	handler := Bind(h, h.OnEnvelopeSubmittedV1)

	msg := busMessage(t, dto.EnvelopeV1{
		MessageID:          "m1",
		Type:               "normal",
		SourceAccount:      "bob",
		SourceDevice:       1,
		DestinationAccount: "alice",
		DestinationDevice:  2,
		Content:            "Y2lwaGVydGV4dA==",
		ServerTimestamp:    100,
	})

	require.NoError(t, handler(msg))
	require.Len(t, deliverer.sent, 1)
	env := deliverer.sent[0]
	assert.Equal(t, "m1", env.ID)
	assert.Equal(t, model.NewDeviceAddress("alice", 2), env.Destination)
	assert.Equal(t, []byte("ciphertext"), env.Content)
}

func TestBindAcksUnparseablePayload(t *testing.T) {
	deliverer := &fakeDeliverer{}
	h := newTestHandler(deliverer)
	handler := Bind(h, h.OnEnvelopeSubmittedV1)

	msg := message.NewMessage(uuid.NewString(), []byte("{not json"))

	// A poison payload must be ACKed, never retried.
	assert.NoError(t, handler(msg))
	assert.Empty(t, deliverer.sent)
}

func TestEnvelopeSubmittedAcksTerminalRejection(t *testing.T) {
	deliverer := &fakeDeliverer{sendErr: model.ErrInvalidEnvelope}
	h := newTestHandler(deliverer)
	handler := Bind(h, h.OnEnvelopeSubmittedV1)

	msg := busMessage(t, dto.EnvelopeV1{MessageID: "m1", DestinationAccount: "alice", DestinationDevice: 1})
	assert.NoError(t, handler(msg), "malformed envelope is terminal, not retryable")
}

func TestEnvelopeSubmittedNacksTransientFailure(t *testing.T) {
	deliverer := &fakeDeliverer{sendErr: model.ErrCacheUnavailable}
	h := newTestHandler(deliverer)
	handler := Bind(h, h.OnEnvelopeSubmittedV1)

	msg := busMessage(t, dto.EnvelopeV1{MessageID: "m1", DestinationAccount: "alice", DestinationDevice: 1})
	assert.Error(t, handler(msg), "cache outage must trigger the retry policy")
}

func TestAccountClearedInvokesWipe(t *testing.T) {
	deliverer := &fakeDeliverer{}
	h := newTestHandler(deliverer)
	handler := Bind(h, h.OnAccountClearedV1)

	msg := busMessage(t, dto.AccountClearedV1{Account: "alice"})
	require.NoError(t, handler(msg))
	assert.Equal(t, []string{"alice"}, deliverer.cleared)
}

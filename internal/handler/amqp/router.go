package amqp

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/textsecure/message-delivery-service/config"
	"github.com/textsecure/message-delivery-service/internal/adapter/pubsub"
	"github.com/textsecure/message-delivery-service/internal/service"
)

const (
	// ------------------- EXCHANGES (SOURCES) -------------------
	MessageEventsExchange = "msg.events"

	// ------------------- TOPICS (ROUTING KEYS) -----------------
	TopicEnvelopeSubmitted = "msg.envelope.#.submitted.v1"
	TopicAccountCleared    = "msg.account.#.cleared.v1"

	// ------------------- QUEUES (CONSUMERS) --------------------
	EnvelopeProcessorQueue = "msg-delivery.envelope-processor.v1"
	EnvelopePoisonTopic    = "msg-delivery.envelope-processor.v1.poison"
)

type EnvelopeHandler struct {
	deliverer  service.Deliverer
	logger     *slog.Logger
	dispatcher pubsub.EventDispatcher
}

func NewEnvelopeHandler(deliverer service.Deliverer, logger *slog.Logger, dispatcher pubsub.EventDispatcher) *EnvelopeHandler {
	return &EnvelopeHandler{deliverer, logger, dispatcher}
}

func NewWatermillRouter(logger watermill.LoggerAdapter) (*message.Router, error) {
	return message.NewRouter(message.RouterConfig{}, logger)
}

// [REGISTRATION_PIPELINE]
func (h *EnvelopeHandler) RegisterHandlers(router *message.Router, factory *pubsub.AmqpFactory, cfg *config.Config) error {
	poison, err := middleware.PoisonQueue(h.dispatcher.Publisher(), EnvelopePoisonTopic)
	if err != nil {
		return fmt.Errorf("POISON_SETUP_FAILED: %w", err)
	}

	configs := []struct {
		name    string
		topic   string
		handler message.NoPublishHandlerFunc
	}{
		{"ON_ENVELOPE_SUBMITTED", TopicEnvelopeSubmitted, Bind(h, h.OnEnvelopeSubmittedV1)},
		{"ON_ACCOUNT_CLEARED", TopicAccountCleared, Bind(h, h.OnAccountClearedV1)},
	}

	for _, c := range configs {
		// [SHARED_HANDLER_QUEUE]
		// One queue name per handler, shared by EVERY node: the fleet
		// competes for each submission, so exactly one node queues the
		// envelope. The presence fanout handles locality afterwards.
		handlerQueue := fmt.Sprintf("%s.%s", EnvelopeProcessorQueue, c.name)

		sub, err := factory.BuildSubscriber(MessageEventsExchange, handlerQueue)
		if err != nil {
			return err
		}

		router.AddConsumerHandler(c.name, c.topic, sub, c.handler).AddMiddleware(
			CorrelationMiddleware,
			AuditMiddleware(h.logger),
			NewRetryMiddleware(cfg).Middleware,
			poison,
			middleware.NewThrottle(100, time.Second).Middleware,
			middleware.Timeout(time.Second*30),
		)
	}

	h.logger.Info("AMQP_PIPELINE_READY", "queue", EnvelopeProcessorQueue)
	return nil
}

package amqp

import (
	"context"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"
	"github.com/textsecure/message-delivery-service/config"
)

// traceKey is unexported so only CorrelationMiddleware can install the
// value; consumers go through TraceIDFromContext.
type traceKey struct{}

const traceIDHeader = "trace_id"

// TraceIDFromContext returns the correlation id for the message being
// handled, or "" outside a bus handler.
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

// [CORRELATION]
// Every message carries a trace id: taken from the broker metadata when
// the producer set one, minted here otherwise. The id rides both the
// metadata (survives the poison queue and re-publishes) and the context
// (available to domain-level logging).
func CorrelationMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		traceID := msg.Metadata.Get(traceIDHeader)
		if traceID == "" {
			traceID = uuid.NewString()
			msg.Metadata.Set(traceIDHeader, traceID)
		}
		msg.SetContext(context.WithValue(msg.Context(), traceKey{}, traceID))

		return h(msg)
	}
}

// [AUDIT]
// Outcome and latency per handled message, keyed by the correlation id.
func AuditMiddleware(logger *slog.Logger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			start := time.Now()
			msgs, err := h(msg)

			logger.Debug("MESSAGE_HANDLED",
				"msg_id", msg.UUID,
				"trace_id", TraceIDFromContext(msg.Context()),
				"duration_ms", time.Since(start).Milliseconds(),
				"success", err == nil,
			)
			return msgs, err
		}
	}
}

// [RETRY]
// The ladder absorbs transient failures (cache or mailbox hiccups)
// before the poison queue takes over. Parameters are configuration so a
// deployment can widen the window without a rebuild.
func NewRetryMiddleware(cfg *config.Config) middleware.Retry {
	return middleware.Retry{
		MaxRetries:      cfg.AMQP.RetryMax,
		InitialInterval: cfg.AMQP.RetryInitial,
		MaxInterval:     cfg.AMQP.RetryMaxInterval,
		Multiplier:      2.0,
	}
}

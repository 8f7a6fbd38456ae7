package amqp

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/textsecure/message-delivery-service/config"
	"github.com/textsecure/message-delivery-service/internal/adapter/pubsub"
	"go.uber.org/fx"
)

var Module = fx.Module("amqp-handler",
	fx.Provide(
		NewEnvelopeHandler,
		NewWatermillRouter,
	),

	fx.Invoke(registerAndRun),
)

func registerAndRun(lc fx.Lifecycle, h *EnvelopeHandler, router *message.Router, factory *pubsub.AmqpFactory, cfg *config.Config) error {
	if err := h.RegisterHandlers(router, factory, cfg); err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := router.Run(context.Background()); err != nil {
					h.logger.Error("AMQP_ROUTER_STOPPED", "err", err)
				}
			}()
			// Block startup until the consumers are actually bound.
			select {
			case <-router.Running():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		OnStop: func(ctx context.Context) error {
			return router.Close()
		},
	})
	return nil
}

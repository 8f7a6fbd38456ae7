package service

import (
	"context"

	"github.com/textsecure/message-delivery-service/internal/adapter/pubsub"
	"github.com/textsecure/message-delivery-service/internal/storage"
	"go.uber.org/fx"
)

var Module = fx.Module("service",
	fx.Provide(
		NewCounters,

		// [INTERFACE_BINDINGS] concrete storage/adapters behind the
		// narrow slices the services consume.
		func(c *storage.MessageCache) Cacher { return c },
		func(c *storage.MessageCache) DepthReader { return c },
		func(wb *storage.WriteBehind) Persister { return wb },
		func(fs *storage.FallbackStore) FallbackRegistry { return fs },
		func(f *pubsub.Fanout) PresencePublisher { return f },

		NewPushSender,
		func(p *PushSender) Dispatcher { return p },
		func(p *PushSender) Redispatcher { return p },

		NewManager,
		NewReceiptSender,
		NewScheduler,

		NewDeliveryService,
		fx.Annotate(
			func(d *DeliveryService) Deliverer { return d },
			fx.As(new(Deliverer)),
		),
	),

	fx.Invoke(run),
)

// run wires the presence fanout to local delivery and manages the
// lifecycle of the long-running pieces.
func run(lc fx.Lifecycle, fanout *pubsub.Fanout, ds *DeliveryService, scheduler *Scheduler) {
	fanout.OnAvailable(ds.DeliverLocal)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := fanout.Start(ctx); err != nil {
				return err
			}
			scheduler.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := scheduler.Stop(ctx); err != nil {
				return err
			}
			fanout.Stop()
			return nil
		},
	})
}

package storage

import (
	"context"
	"log/slog"

	"github.com/textsecure/message-delivery-service/config"
	"go.uber.org/fx"
)

var Module = fx.Module("storage",
	fx.Provide(
		NewMessageCache,
		NewMailbox,
		fx.Annotate(
			func(m *Mailbox) Mailboxer { return m },
			fx.As(new(Mailboxer)),
		),
		func(mailbox Mailboxer, cfg *config.Config, logger *slog.Logger) *WriteBehind {
			return NewWriteBehind(mailbox, cfg.Cache.PersistDelay, logger)
		},
		NewFallbackStore,
	),
	fx.Invoke(func(lc fx.Lifecycle, m *Mailbox, wb *WriteBehind) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return m.Migrate(ctx)
			},
			// Flush pending persists before the process exits.
			OnStop: func(ctx context.Context) error {
				return wb.Stop(ctx)
			},
		})
	}),
)

package directory

import (
	"context"
	"log/slog"
	"time"

	"github.com/textsecure/message-delivery-service/internal/domain/model"
)

// Middleware implements [DECORATOR_PATTERN] to add observability to
// registry lookups without touching the client logic.
type Middleware struct {
	Next   Directoryer
	Logger *slog.Logger
}

func NewMiddleware(next Directoryer, logger *slog.Logger) Directoryer {
	return &Middleware{
		Next:   next,
		Logger: logger,
	}
}

func (m *Middleware) Lookup(ctx context.Context, addr model.DeviceAddress) (model.Device, error) {
	start := time.Now()
	dev, err := m.Next.Lookup(ctx, addr)
	if err != nil {
		m.Logger.Warn("DIRECTORY_LOOKUP_FAILED",
			"address", addr,
			"err", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return dev, err
}

func (m *Middleware) Devices(ctx context.Context, account string) ([]model.Device, error) {
	start := time.Now()
	devices, err := m.Next.Devices(ctx, account)
	if err != nil {
		m.Logger.Warn("DIRECTORY_DEVICES_FAILED",
			"account", account,
			"err", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return devices, err
}

func (m *Middleware) ClearToken(ctx context.Context, addr model.DeviceAddress, kind model.PushChannelKind) error {
	err := m.Next.ClearToken(ctx, addr, kind)
	if err != nil {
		m.Logger.Error("DIRECTORY_TOKEN_CLEAR_FAILED",
			"address", addr,
			"channel", kind,
			"err", err,
		)
	} else {
		m.Logger.Info("stale push token cleared", "address", addr, "channel", kind)
	}
	return err
}

package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/textsecure/message-delivery-service/config"
	"github.com/textsecure/message-delivery-service/internal/handler/ws"
	"go.uber.org/fx"
)

var Module = fx.Module("http-handler",
	fx.Provide(
		ws.NewWSHandler,
		NewAPIHandler,
	),

	fx.Invoke(serve),
)

func serve(lc fx.Lifecycle, cfg *config.Config, h *APIHandler, logger *slog.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("HTTP_SERVER_STOPPED", "err", err)
				}
			}()
			logger.Info("HTTP_SERVER_READY", "addr", cfg.HTTP.Addr)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

package cmd

import (
	"github.com/textsecure/message-delivery-service/config"
	"github.com/textsecure/message-delivery-service/internal/domain/registry"
	amqphandler "github.com/textsecure/message-delivery-service/internal/handler/amqp"
	"github.com/textsecure/message-delivery-service/internal/handler/httpapi"
	"github.com/textsecure/message-delivery-service/internal/service"
	"github.com/textsecure/message-delivery-service/internal/storage"
	"go.uber.org/fx"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideWatermillLogger,
			ProvideRedis,
			ProvidePostgres,
			ProvideAmqpFactory,
			ProvidePublisher,
			ProvideDispatcher,
			ProvideDirectory,
			ProvideGateway,
			ProvideFanout,
		),
		fx.Invoke(WatchConfig),
		storage.Module,
		registry.Module,
		service.Module,
		httpapi.Module,
		amqphandler.Module,
	)
}

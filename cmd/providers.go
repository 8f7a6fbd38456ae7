package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/textsecure/message-delivery-service/config"
	"github.com/textsecure/message-delivery-service/internal/adapter/directory"
	"github.com/textsecure/message-delivery-service/internal/adapter/gateway"
	"github.com/textsecure/message-delivery-service/internal/adapter/pubsub"
	"github.com/textsecure/message-delivery-service/internal/domain/registry"
	amqphandler "github.com/textsecure/message-delivery-service/internal/handler/amqp"
	"go.uber.org/fx"
)

func ProvideLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("service", ServiceName)
	slog.SetDefault(logger)
	return logger
}

func ProvideWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logger)
}

func ProvideRedis(lc fx.Lifecycle, cfg *config.Config) redis.UniversalClient {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return rdb.Close()
		},
	})
	return rdb
}

func ProvidePostgres(lc fx.Lifecycle, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(context.Background(), cfg.Postgres.URI)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return pool.Ping(ctx)
		},
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})
	return pool, nil
}

func ProvideAmqpFactory(cfg *config.Config, wlogger watermill.LoggerAdapter) *pubsub.AmqpFactory {
	return pubsub.NewAmqpFactory(cfg.AMQP.URI, wlogger)
}

func ProvidePublisher(factory *pubsub.AmqpFactory) (message.Publisher, error) {
	return factory.BuildPublisher(amqphandler.MessageEventsExchange)
}

func ProvideDispatcher(pub message.Publisher) pubsub.EventDispatcher {
	return pubsub.NewEventDispatcher(pub)
}

func ProvideDirectory(cfg *config.Config, logger *slog.Logger) (directory.Directoryer, error) {
	client, err := directory.NewClient(cfg.Directory.BaseURL, cfg.Directory.CacheSize)
	if err != nil {
		return nil, err
	}
	return directory.NewMiddleware(client, logger), nil
}

func ProvideGateway(cfg *config.Config, logger *slog.Logger) gateway.Sender {
	gcm := gateway.NewBreaker("gcm", gateway.NewGcmSender(cfg.Gateway.Gcm.URL, cfg.Gateway.Gcm.APIKey), logger)
	apn := gateway.NewBreaker("apn", gateway.NewApnSender(cfg.Gateway.Apn.URL, cfg.Gateway.Apn.APIKey), logger)
	return gateway.NewMux(gcm, apn)
}

func ProvideFanout(rdb redis.UniversalClient, hub registry.Hubber, logger *slog.Logger) *pubsub.Fanout {
	return pubsub.NewFanout(rdb, hub, logger)
}

// WatchConfig hot-reloads the fallback policy for as long as the app runs.
func WatchConfig(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return cfg.Watch(ctx, logger)
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

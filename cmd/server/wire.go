package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/household-points/api"
	"github.com/warp/household-points/config"
	"github.com/warp/household-points/notify"
	"github.com/warp/household-points/points"
	"github.com/warp/household-points/points/store"
	"github.com/warp/household-points/store/postgres"
	rediscache "github.com/warp/household-points/store/redis"
	"github.com/warp/household-points/store/sqlite"
)

// app owns everything built from config that needs closing.
type app struct {
	Engine   *points.Engine
	fallback *notify.FallbackSink
	closers  []func() error
	logger   *zap.Logger
}

// Flusher returns the outbox flusher, or nil when no outbox is configured.
func (a *app) Flusher() api.Flusher {
	if a.fallback == nil {
		return nil
	}
	return a.fallback
}

// Close releases resources in reverse construction order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	st, err := openStore(ctx, cfg.Store, logger, a)
	if err != nil {
		return nil, err
	}

	opts := points.Options{
		Logger:             logger.Named("points"),
		InviteCodeAttempts: cfg.Groups.InviteCodeAttempts,
		ReconcileWorkers:   cfg.Reconcile.Workers,
	}

	if cfg.Redis.URL != "" {
		client, err := rediscache.Dial(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		cache := rediscache.New(client, rediscache.DefaultPrefix, cfg.Redis.TTL)
		a.closers = append(a.closers, cache.Close)
		opts.Cache = cache
		logger.Info("balance cache enabled", zap.Duration("ttl", cfg.Redis.TTL))
	}

	sink, err := openSink(cfg.Notify, logger, a)
	if err != nil {
		return nil, err
	}
	opts.Sink = sink

	a.Engine = points.NewEngine(st, opts)
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger, a *app) (points.TxStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory store, data is lost on exit")
		return store.NewMemory(), nil

	case config.DriverSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil

	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolOptions{}, logger)
		if err != nil {
			return nil, err
		}
		s := postgres.New(pool, logger)
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openSink(cfg config.NotifyConfig, logger *zap.Logger, a *app) (points.Sink, error) {
	var primary points.Sink
	switch cfg.Sink {
	case config.SinkLog, "":
		primary = notify.NewLogSink(logger)

	case config.SinkRabbitMQ:
		s, err := notify.DialRabbit(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		primary = s

	case config.SinkKafka:
		s := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.closers = append(a.closers, s.Close)
		primary = s

	default:
		return nil, fmt.Errorf("unknown notification sink %q", cfg.Sink)
	}

	if cfg.OutboxPath == "" {
		return primary, nil
	}
	outbox, err := notify.OpenOutbox(cfg.OutboxPath, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, outbox.Close)
	a.fallback = notify.NewFallbackSink(primary, outbox, logger)
	return a.fallback, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"identityrecon/internal/config"
	"identityrecon/internal/database"
	"identityrecon/internal/events"
	"identityrecon/internal/lock"
	"identityrecon/internal/metrics"
	"identityrecon/internal/service"
	"identityrecon/internal/store/memory"
)

// app holds the wired service and everything that must be closed with it.
type app struct {
	service *service.ReconciliationService
	db      *database.DB
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger, m *metrics.Metrics) (*app, error) {
	a := &app{}
	opts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(m),
		service.WithMaxAttempts(cfg.Lock.Attempts),
	}

	var backend service.Backend
	if cfg.Database.Driver == config.DriverMemory {
		log.Warn("contacts are kept in memory and lost on exit")
		backend = memory.New()
	} else {
		db, err := openDatabase(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.closers = append(a.closers, db.Close)
		backend = database.NewContactStore(db).WithTxTimeout(cfg.Database.TxTimeout)
	}

	if cfg.Lock.RedisURL != "" {
		client, err := newRedisClient(ctx, cfg.Lock.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		opts = append(opts, service.WithLocker(lock.NewRedis(client,
			lock.WithTTL(cfg.Lock.TTL),
			lock.WithRetryInterval(cfg.Lock.RetryInterval),
			lock.WithLogger(log),
		)))
		log.Info("cluster locks shared through redis")
	}

	if cfg.Events.AMQPURL != "" {
		pub, err := events.NewRabbitPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange, cfg.Events.RoutingKey)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		opts = append(opts, service.WithPublisher(pub))
		log.Info("publishing consolidation events", "exchange", cfg.Events.Exchange)
	}

	a.service = service.NewReconciliationService(backend, opts...)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openDatabase(ctx context.Context, cfg *config.Config, log *slog.Logger) (*database.DB, error) {
	db, err := database.New(ctx, database.Options{
		Driver: cfg.Database.Driver,
		URL:    cfg.Database.URL,
		Logger: log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

func newRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

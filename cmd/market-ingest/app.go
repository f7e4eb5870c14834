package main

import (
	"context"
	"fmt"

	"github.com/Sternrassler/eve-market-replica/internal/config"
	"github.com/Sternrassler/eve-market-replica/internal/events"
	"github.com/Sternrassler/eve-market-replica/internal/market"
	"github.com/Sternrassler/eve-market-replica/internal/store"
	"github.com/Sternrassler/eve-market-replica/internal/universe"
	"github.com/Sternrassler/eve-market-replica/pkg/client"
	"github.com/Sternrassler/eve-market-replica/pkg/logging"
	"github.com/Sternrassler/eve-market-replica/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app holds everything a command needs to run the pipelines.
type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	redis    *redis.Client
	client   *client.Client
	store    store.Store
	universe *universe.Refresher
	market   *market.Refresher
	events   events.Publisher
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
	})
	return cfg, nil
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logging.NewLogger("market-ingest"),
		events: events.Nop{},
	}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	var err error

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		a.logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	}

	gate := ratelimit.NewGate(ratelimit.GateConfig{
		ErrorThreshold: cfg.RateLimit.ErrorThreshold,
		ErrorWindow:    cfg.RateLimit.ErrorWindow,
	}, logging.NewLogger("ratelimit"))
	tracker := ratelimit.NewTracker(a.redis, logging.NewLogger("ratelimit"))

	a.client, err = client.New(client.Config{
		BaseURL:           cfg.ESI.BaseURL,
		UserAgent:         cfg.ESI.UserAgent,
		MaxConnections:    cfg.ESI.MaxConnections,
		RequestsPerSecond: cfg.ESI.RequestsPerSecond,
		Burst:             cfg.ESI.Burst,
		MaxRetries:        cfg.ESI.MaxRetries,
		RetryDelay:        cfg.ESI.RetryDelay,
		Timeout:           cfg.ESI.Timeout,
		PageConcurrency:   cfg.ESI.PageConcurrency,
	}, gate, tracker)
	if err != nil {
		return fmt.Errorf("esi client: %w", err)
	}

	a.store, err = openStore(cfg.Store)
	if err != nil {
		return err
	}

	a.universe, err = universe.New(a.client, a.store, universe.Config{
		IDConcurrency: cfg.Universe.IDConcurrency,
		BatchSize:     cfg.Universe.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("universe refresher: %w", err)
	}

	a.market, err = market.New(a.client, a.store, market.Config{
		RegionConcurrency:  cfg.Market.RegionConcurrency,
		PromoteConcurrency: cfg.Market.PromoteConcurrency,
		BatchSize:          cfg.Market.BatchSize,
		Promotion:          market.PromotionMode(cfg.Market.Promotion),
		StageRetry:         market.RetryConfig(cfg.Market.StageRetry),
		PromoteRetry:       market.RetryConfig(cfg.Market.PromoteRetry),
	})
	if err != nil {
		return fmt.Errorf("market refresher: %w", err)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		a.events = pub
	}

	return nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(), nil
	case config.DriverPostgres:
		pg, err := store.OpenPostgres(cfg.DSN, store.PostgresOpts{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			PingTimeout:     cfg.PingTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Closing event publisher failed")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Closing store failed")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

// redisPinger adapts a redis client to a readiness check.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

package infrastructure

import (
	"context"
	"fmt"
	"time"

	"eventbus/internal/config"
	"eventbus/internal/infrastructure/kafka"
	"eventbus/internal/infrastructure/postgres"
	"eventbus/internal/infrastructure/redis"

	pgxpool "github.com/jackc/pgx/v5/pgxpool"
	go_redis "github.com/redis/go-redis/v9"
)

// Factory lazily constructs the process-wide infrastructure clients. Each is
// built once and shared; Close tears everything down on shutdown.
type Factory struct {
	cfg      *config.Config
	pgPool   *pgxpool.Pool
	redisCli *go_redis.Client
	broker   *kafka.Manager
}

func NewFactory(cfg *config.Config) *Factory {
	return &Factory{
		cfg: cfg,
	}
}

func (f *Factory) Postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if f.pgPool != nil {
		return f.pgPool, nil
	}

	var pool *pgxpool.Pool
	var err error

	// Retry connection up to 5 times
	for i := 0; i < 5; i++ {
		pool, err = postgres.NewClient(ctx, postgres.Config{
			Host:     f.cfg.Postgres.Host,
			Port:     f.cfg.Postgres.Port,
			User:     f.cfg.Postgres.User,
			Password: f.cfg.Postgres.Password,
			DBName:   f.cfg.Postgres.DBName,
		})
		if err == nil {
			break
		}
		fmt.Printf("Failed to connect to postgres (attempt %d/5): %v. Retrying in 2s...\n", i+1, err)
		time.Sleep(2 * time.Second)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to init postgres after retries: %w", err)
	}

	f.pgPool = pool
	return pool, nil
}

func (f *Factory) Redis(ctx context.Context) (*go_redis.Client, error) {
	if f.redisCli != nil {
		return f.redisCli, nil
	}

	client, err := redis.NewClient(ctx, redis.Config{
		Addr: f.cfg.Redis.Addr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init redis: %w", err)
	}

	f.redisCli = client
	return client, nil
}

// Broker returns the shared topology manager, blocking until the broker
// accepts a connection.
func (f *Factory) Broker(ctx context.Context) (*kafka.Manager, error) {
	if f.broker != nil {
		return f.broker, nil
	}

	m := kafka.NewManager(kafka.Config{
		Brokers:  f.cfg.Kafka.Brokers,
		User:     f.cfg.Kafka.User,
		Password: f.cfg.Kafka.Password,
	}, nil)

	if err := m.WaitReady(ctx); err != nil {
		return nil, fmt.Errorf("failed to init broker: %w", err)
	}

	f.broker = m
	return m, nil
}

func (f *Factory) Close() {
	if f.pgPool != nil {
		f.pgPool.Close()
	}
	if f.redisCli != nil {
		f.redisCli.Close()
	}
	if f.broker != nil {
		f.broker.Close()
	}
}

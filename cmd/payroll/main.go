package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eventbus/internal/application/factories/infrastructure"
	"eventbus/internal/backoff"
	"eventbus/internal/bus"
	"eventbus/internal/config"
	"eventbus/internal/domain/payroll"
	infrakafka "eventbus/internal/infrastructure/kafka"
	"eventbus/internal/infrastructure/postgres"
	infraredis "eventbus/internal/infrastructure/redis"
	"eventbus/internal/logging"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level).With("service", "payroll")
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("payroll metrics listening on :9092")
		http.ListenAndServe(":9092", mux)
	}()

	infraFactory := infrastructure.NewFactory(cfg)
	defer infraFactory.Close()

	pgPool, err := infraFactory.Postgres(ctx)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}

	redisCli, err := infraFactory.Redis(ctx)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	broker, err := infraFactory.Broker(ctx)
	if err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}

	binding := infrakafka.Binding{Exchange: "hr", Consumer: "payroll"}
	if err := broker.EnsureTopology(ctx, infrakafka.Topology{Bindings: []infrakafka.Binding{binding}}); err != nil {
		logger.Error("failed to declare topology", "error", err)
		os.Exit(1)
	}

	salaryRepo := postgres.NewSalaryRepository(pgPool)
	// Redis records expire after the retention window; replays past it hit
	// the unique constraint on employee_id and resolve as permanent failures.
	dedupStore := infraredis.NewDedupStore(redisCli, cfg.Bus.DedupRetention)

	registry := bus.NewRegistry()
	registry.Register("EmployeeCreated", func(ctx context.Context, payload []byte, correlationID string) error {
		var ec payroll.EmployeeCreated
		if err := json.Unmarshal(payload, &ec); err != nil {
			return bus.Permanent(fmt.Errorf("decode EmployeeCreated: %w", err))
		}

		rec := &payroll.SalaryRecord{
			ID:         uuid.New().String(),
			EmployeeID: ec.EmployeeID,
			BaseSalary: ec.BaseSalary,
			CreatedAt:  time.Now().UTC(),
		}
		if err := salaryRepo.Create(ctx, rec); err != nil {
			if errors.Is(err, payroll.ErrDuplicateEmployee) {
				return bus.Permanent(err)
			}
			return fmt.Errorf("create salary record: %w", err)
		}

		logger.Info("salary record created", "employee_id", ec.EmployeeID, "base_salary", ec.BaseSalary)
		return nil
	})

	consumer := bus.NewConsumer(bus.ConsumerDeps{
		Receive:     func() bus.Queue { return broker.Receive(binding) },
		DeadLetters: broker,
		Dedup:       dedupStore,
		Registry:    registry,
		Consumer:    "payroll",
		Logger:      logger,
		MaxAttempts: cfg.Bus.MaxAttempts,
		Retry:       backoff.Policy{Base: cfg.Bus.BackoffBase, Cap: cfg.Bus.BackoffCap, Jitter: 0.2},
		Grace:       cfg.Bus.ShutdownGrace,
		Parallelism: cfg.Bus.Parallelism,
	})

	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("consumer stopped with error", "error", err)
	}
	logger.Info("payroll service exited")
}

package main

import (
	"context"
	"encoding/json"
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
	"eventbus/internal/domain/accounting"
	"eventbus/internal/domain/sales"
	infrakafka "eventbus/internal/infrastructure/kafka"
	"eventbus/internal/infrastructure/postgres"
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

	logger := logging.New(cfg.Log.Level).With("service", "accounting")
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("accounting metrics listening on :9091")
		http.ListenAndServe(":9091", mux)
	}()

	infraFactory := infrastructure.NewFactory(cfg)
	defer infraFactory.Close()

	pgPool, err := infraFactory.Postgres(ctx)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}

	broker, err := infraFactory.Broker(ctx)
	if err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}

	binding := infrakafka.Binding{Exchange: "sales", Consumer: "accounting"}
	if err := broker.EnsureTopology(ctx, infrakafka.Topology{Bindings: []infrakafka.Binding{binding}}); err != nil {
		logger.Error("failed to declare topology", "error", err)
		os.Exit(1)
	}

	journalRepo := postgres.NewJournalRepository(pgPool)
	dedupStore := postgres.NewDedupRepository(pgPool)

	registry := bus.NewRegistry()
	registry.Register("SalesOrderCreated", func(ctx context.Context, payload []byte, correlationID string) error {
		var oc sales.OrderCreated
		if err := json.Unmarshal(payload, &oc); err != nil {
			// A payload that does not parse never will: no point retrying.
			return bus.Permanent(fmt.Errorf("decode SalesOrderCreated: %w", err))
		}

		entry := &accounting.JournalEntry{
			ID:        uuid.New().String(),
			OrderID:   oc.OrderID,
			Amount:    oc.TotalAmount,
			Memo:      fmt.Sprintf("sales order %s for customer %s", oc.OrderID, oc.CustomerID),
			CreatedAt: time.Now().UTC(),
		}
		if err := journalRepo.Create(ctx, entry); err != nil {
			return fmt.Errorf("create journal entry: %w", err)
		}

		logger.Info("journal entry posted", "order_id", oc.OrderID, "amount", oc.TotalAmount)
		return nil
	})

	consumer := bus.NewConsumer(bus.ConsumerDeps{
		Receive:     func() bus.Queue { return broker.Receive(binding) },
		DeadLetters: broker,
		Dedup:       dedupStore,
		Registry:    registry,
		Consumer:    "accounting",
		Logger:      logger,
		MaxAttempts: cfg.Bus.MaxAttempts,
		Retry:       backoff.Policy{Base: cfg.Bus.BackoffBase, Cap: cfg.Bus.BackoffCap, Jitter: 0.2},
		Grace:       cfg.Bus.ShutdownGrace,
		Parallelism: cfg.Bus.Parallelism,
	})

	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("consumer stopped with error", "error", err)
	}
	logger.Info("accounting service exited")
}

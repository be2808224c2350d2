package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"eventbus/internal/api"
	"eventbus/internal/application/factories/infrastructure"
	"eventbus/internal/config"
	infrakafka "eventbus/internal/infrastructure/kafka"
	"eventbus/internal/infrastructure/postgres"
	"eventbus/internal/logging"
	"eventbus/internal/worker"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level).With("service", "deadletterd")
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Queues whose dead-letter topics this instance archives.
	queues := []string{"accounting.sales", "payroll.hr"}
	if v := strings.TrimSpace(os.Getenv("DEADLETTER_QUEUES")); v != "" {
		queues = strings.Split(v, ",")
	}

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

	deadLetterRepo := postgres.NewDeadLetterRepository(pgPool)
	dedupRepo := postgres.NewDedupRepository(pgPool)

	var wg sync.WaitGroup
	for _, q := range queues {
		q := strings.TrimSpace(q)
		dlq := infrakafka.DeadLetterQueue(q)
		queue := broker.ReceiveTopic(dlq, "deadletterd."+dlq)
		defer queue.Close()

		archiver := worker.NewArchiver(queue, deadLetterRepo, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := archiver.Run(ctx); err != nil {
				logger.Error("archiver stopped with error", "queue", dlq, "error", err)
			}
		}()
	}

	handlers := api.NewHandlers(deadLetterRepo, dedupRepo, logger)
	srv := &http.Server{Addr: ":" + cfg.HTTP.Port, Handler: api.NewRouter(handlers)}
	go func() {
		logger.Info("dead-letter API listening", "port", cfg.HTTP.Port, "queues", queues)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	wg.Wait()
	logger.Info("deadletterd exited")
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eventbus/internal/application/factories/infrastructure"
	"eventbus/internal/config"
	"eventbus/internal/domain/outbox"
	"eventbus/internal/domain/sales"
	infrakafka "eventbus/internal/infrastructure/kafka"
	"eventbus/internal/infrastructure/postgres"
	"eventbus/internal/logging"
	"eventbus/internal/worker"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type createOrderRequest struct {
	CustomerID  string  `json:"customer_id"`
	TotalAmount float64 `json:"total_amount"`
}

func main() {
	cfg, err := config.New()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level).With("service", "sales")
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

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

	// Producers declare the exchanges they publish to.
	if err := broker.EnsureTopology(ctx, infrakafka.Topology{Exchanges: []string{"sales"}}); err != nil {
		logger.Error("failed to declare topology", "error", err)
		os.Exit(1)
	}

	orderRepo := postgres.NewSalesOrderRepository(pgPool)
	outboxRepo := postgres.NewOutboxRepository(pgPool)
	txManager := postgres.NewTxManager(pgPool)

	poller := worker.NewOutboxPoller(worker.PollerDeps{
		Repo:           outboxRepo,
		Sender:         broker,
		Logger:         logger,
		ConfirmTimeout: cfg.Bus.ConfirmTimeout,
	})
	go func() {
		if err := poller.Run(ctx); err != nil {
			logger.Error("outbox poller stopped", "error", err)
		}
	}()

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/orders", func(w http.ResponseWriter, r *http.Request) {
		var req createOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CustomerID == "" || req.TotalAmount <= 0 {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}

		o := &sales.Order{
			ID:          uuid.New().String(),
			CustomerID:  req.CustomerID,
			TotalAmount: req.TotalAmount,
			Status:      "CREATED",
			CreatedAt:   time.Now().UTC(),
		}

		payload, err := json.Marshal(sales.OrderCreated{
			OrderID:     o.ID,
			CustomerID:  o.CustomerID,
			TotalAmount: o.TotalAmount,
		})
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		// The order row and the outbox record commit atomically; the poller
		// publishes after commit, so the event is emitted iff the order exists.
		err = txManager.WithinTransaction(r.Context(), func(ctx context.Context) error {
			if err := orderRepo.Create(ctx, o); err != nil {
				return err
			}
			return outboxRepo.Create(ctx, &outbox.Record{
				ID:            uuid.New().String(),
				Exchange:      "sales",
				EventType:     "SalesOrderCreated",
				SchemaVersion: 1,
				Payload:       payload,
				Status:        outbox.StatusNew,
				CorrelationID: o.ID,
				CreatedAt:     o.CreatedAt,
			})
		})
		if err != nil {
			logger.Error("failed to create order", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		logger.Info("order created", "order_id", o.ID, "total", o.TotalAmount)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(o)
	})

	r.Get("/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		o, err := orderRepo.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if o == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(o)
	})

	srv := &http.Server{Addr: ":" + cfg.HTTP.Port, Handler: r}
	go func() {
		logger.Info("sales API listening", "port", cfg.HTTP.Port)
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
	logger.Info("sales service exited")
}

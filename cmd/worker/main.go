package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"farmscheduler/internal/clock"
	"farmscheduler/internal/config"
	"farmscheduler/internal/handlers"
	"farmscheduler/internal/logger"
	"farmscheduler/internal/metrics"
	"farmscheduler/internal/notify"
	"farmscheduler/internal/queue"
	"farmscheduler/internal/storage"
	"farmscheduler/internal/worker"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		bootLog := logger.New("farm-scheduler", "info", false)
		bootLog.Fatal().Err(err).Msg("Failed to load config")
	}

	log := logger.New(cfg.AppName, cfg.LogLevel, cfg.LogPretty)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthDeps := map[string]handlers.Pinger{}

	var store storage.Storage
	switch cfg.StorageDriver {
	case config.DriverMemory:
		store = storage.NewMemoryStorage()
		log.Warn().Msg("Using in-memory storage, nothing is persisted")
	default:
		pool, err := storage.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Postgres")
		}
		defer pool.Close()
		store = storage.NewPostgresStorage(pool)
	}
	healthDeps["storage"] = store

	var transport notify.Transport
	if cfg.StorageDriver == config.DriverMemory {
		transport = notify.NewLogTransport(log)
	} else {
		queueManager, err := queue.NewManager(cfg.AMQPURL, cfg.PushExchange, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create RabbitMQ manager")
		}
		defer queueManager.Close()
		transport = notify.NewQueueTransport(queueManager)

		processor := worker.NewReceiptProcessor(store, log)
		if err := processor.Start(ctx, queueManager); err != nil {
			log.Fatal().Err(err).Msg("Failed to start receipt processor")
		}
	}

	var opts []worker.Option
	if cfg.StorageDriver != config.DriverMemory && cfg.RedisURL != "" {
		locker, err := storage.NewRedisLocker(cfg.RedisURL, log)
		if err != nil {
			// Leases are optional; a single replica needs none.
			log.Warn().Err(err).Msg("Redis unavailable, running without scheduler leases")
		} else {
			opts = append(opts, worker.WithLocker(locker))
			healthDeps["redis"] = locker
		}
	}

	clk := clock.New(cfg.Location())
	dispatcher := notify.NewDispatcher(store, transport, log)

	scheduler := worker.NewScheduler([]worker.Job{
		worker.NewGlobalEvaluator(store, dispatcher, clk, log),
		worker.NewUnitEvaluator(store, dispatcher, clk, log),
		worker.NewOrderReconciler(store, store, clk, cfg.OrderExpiryAfter, log),
	}, clk, cfg.TickInterval, log, opts...)
	scheduler.Start(ctx)

	server := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: handlers.NewRouter(
			handlers.NewSchedulerHandler(scheduler, log),
			handlers.NewHealthHandler(healthDeps),
		),
	}

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("Ops server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Ops server failed")
		}
	}()

	log.Info().
		Str("timezone", cfg.Timezone).
		Dur("tick_interval", cfg.TickInterval).
		Str("storage", cfg.StorageDriver).
		Msg("Farm scheduler started")

	<-ctx.Done()
	shutdown(log, server, scheduler)
}

func shutdown(log zerolog.Logger, server *http.Server, scheduler *worker.Scheduler) {
	log.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Ops server shutdown")
	}

	// Waits for the in-flight tick; its per-order and per-rule work is not cancelled.
	scheduler.Stop()
	log.Info().Msg("Farm scheduler stopped")
}

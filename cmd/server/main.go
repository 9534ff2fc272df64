package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/notifyhub/event-driven-arch/internal/api"
	"github.com/notifyhub/event-driven-arch/internal/bus"
	"github.com/notifyhub/event-driven-arch/internal/config"
	"github.com/notifyhub/event-driven-arch/internal/coordination"
	"github.com/notifyhub/event-driven-arch/internal/db"
	"github.com/notifyhub/event-driven-arch/internal/dispatch"
	"github.com/notifyhub/event-driven-arch/internal/domain"
	"github.com/notifyhub/event-driven-arch/internal/metrics"
	"github.com/notifyhub/event-driven-arch/internal/outbox"
	"github.com/notifyhub/event-driven-arch/internal/plugins"
	"github.com/notifyhub/event-driven-arch/internal/ratelimiter"
	"github.com/notifyhub/event-driven-arch/internal/recovery"
	"github.com/notifyhub/event-driven-arch/internal/registry"
	"github.com/notifyhub/event-driven-arch/internal/repository"
	"github.com/notifyhub/event-driven-arch/internal/scheduled"
	"github.com/notifyhub/event-driven-arch/internal/status"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx := context.Background()

	// ---- durable store ----
	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("database migrations applied")

	notifications := repository.NewPgNotificationRepository(pool)
	outboxRepo := repository.NewPgOutboxRepository(pool)
	statusOutboxRepo := repository.NewPgStatusOutboxRepository(pool)
	alerts := repository.NewPgAlertRepository(pool)

	// ---- coordination store ----
	coord, err := coordination.Connect(ctx, cfg.CoordinationURL)
	if err != nil {
		logger.Fatal("failed to connect to coordination store", zap.Error(err))
	}
	defer coord.Close()

	// ---- message bus ----
	producer, err := bus.NewSaramaProducer(cfg.KafkaBrokers, cfg.KafkaClientID)
	if err != nil {
		logger.Fatal("failed to create bus producer", zap.Error(err))
	}
	defer producer.Close()

	// ---- provider registry ----
	reg := registry.New()
	pluginCfg, err := plugins.Load(cfg.PluginConfigPath)
	if err != nil {
		logger.Fatal("failed to load plugin config", zap.Error(err))
	}
	if err := plugins.Build(ctx, pluginCfg, reg, logger); err != nil {
		logger.Fatal("failed to build provider registry", zap.Error(err))
	}
	router := registry.NewRouter(reg, logger)

	// ---- metrics ----
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	sampler := metrics.NewSampler(m, outboxRepo, alerts, coord, 15*time.Second, logger)

	// Background context for every long-running loop; cancelled on shutdown.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	var wg sync.WaitGroup
	runLoop := func(name string, run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(workerCtx)
		}()
		logger.Info("background loop started", zap.String("loop", name))
	}

	// ---- provider health polling ----
	healthPool := registry.NewHealthPool(reg, 30*time.Second, logger)
	healthPool.Start(workerCtx)

	// ---- outbox dispatcher (§4.E) ----
	dispatcher := outbox.NewDispatcher(
		outboxRepo, producer, cfg.WorkerID,
		cfg.OutboxPollInterval, cfg.OutboxBatchSize, cfg.OutboxClaimTimeout,
		cfg.OutboxCleanupInterval, cfg.OutboxRetention, logger,
	)
	dispatcher.SetMetrics(m)
	runLoop("outbox-dispatcher", dispatcher.Run)

	// ---- per-channel dispatch consumers (§4.F) ----
	localLimiters := ratelimiter.New(10)
	for _, pc := range pluginCfg.Providers {
		if pc.Options.RateLimit.RefillRate > 0 {
			localLimiters.Configure(domain.Channel(pc.Channel), pc.Options.RateLimit.RefillRate)
		}
	}

	for channel := range pluginCfg.Channels {
		ch := domain.Channel(channel)
		consumer := dispatch.NewConsumer(
			ch, coord, reg, router, producer, statusOutboxRepo, notifications,
			cfg.MaxRetryCount, cfg.ProcessingTTL, cfg.IdempotencyTTL, cfg.RetryBaseDelay,
			logger.With(zap.String("channel", channel)),
		)
		consumer.SetMetrics(m)
		consumer.SetLocalLimiter(localLimiters)

		saramaConsumer, err := bus.NewSaramaConsumer(cfg.KafkaBrokers, consumer.GroupID(), cfg.KafkaClientID)
		if err != nil {
			logger.Fatal("failed to create dispatch consumer group", zap.String("channel", channel), zap.Error(err))
		}
		defer saramaConsumer.Close()

		wg.Add(1)
		go func(channel string, sc *bus.SaramaConsumer) {
			defer wg.Done()
			if err := sc.Run(workerCtx, []string{consumer.Topic()}, consumer.Handle); err != nil {
				logger.Error("dispatch consumer stopped with error", zap.String("channel", channel), zap.Error(err))
			}
		}(channel, saramaConsumer)
		logger.Info("dispatch consumer started", zap.String("channel", channel))
	}

	// ---- scheduled delivery (§4.G, §4.H) ----
	scheduledConsumer := scheduled.NewConsumer(coord, logger)
	scheduledSaramaConsumer, err := bus.NewSaramaConsumer(cfg.KafkaBrokers, scheduledConsumer.GroupID(), cfg.KafkaClientID)
	if err != nil {
		logger.Fatal("failed to create scheduled consumer group", zap.Error(err))
	}
	defer scheduledSaramaConsumer.Close()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := scheduledSaramaConsumer.Run(workerCtx, []string{scheduledConsumer.Topic()}, scheduledConsumer.Handle); err != nil {
			logger.Error("scheduled consumer stopped with error", zap.Error(err))
		}
	}()

	poller := scheduled.NewPoller(
		coord, producer, cfg.WorkerID,
		cfg.ScheduledPollInterval, cfg.ScheduledBatchSize, cfg.ScheduledClaimTimeout,
		cfg.ScheduledMaxPollerRetries, cfg.RetryBaseDelay, logger,
	)
	runLoop("scheduled-poller", poller.Run)

	// ---- status sink (§4.I) ----
	sink := status.NewSink(notifications, cfg.ProviderTimeout, logger)
	sinkSaramaConsumer, err := bus.NewSaramaConsumer(cfg.KafkaBrokers, sink.GroupID(), cfg.KafkaClientID)
	if err != nil {
		logger.Fatal("failed to create status sink consumer group", zap.Error(err))
	}
	defer sinkSaramaConsumer.Close()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sinkSaramaConsumer.Run(workerCtx, []string{sink.Topic()}, sink.Handle); err != nil {
			logger.Error("status sink stopped with error", zap.Error(err))
		}
	}()

	// ---- recovery reconciler (§4.J) ----
	reconciler := recovery.NewReconciler(
		notifications, outboxRepo, statusOutboxRepo, alerts, coord, producer, cfg.WorkerID,
		cfg.RecoveryInterval, cfg.RecoveryBatchSize,
		cfg.StuckProcessingThreshold, cfg.StuckAlertThreshold, cfg.OrphanThreshold,
		cfg.OrphanAlertThreshold, cfg.OrphanCriticalThreshold, cfg.StatusClaimLease,
		logger,
	)
	reconciler.SetMetrics(m)
	runLoop("recovery-reconciler", reconciler.Run)

	runLoop("metrics-sampler", sampler.Run)

	// ---- admin HTTP server ----
	adminRouter := api.NewRouter(pool, coord, alerts, reconciler, promReg, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      adminRouter,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Info("admin server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("admin server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// 1. Stop accepting new admin requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown error", zap.Error(err))
	}

	// 2. Signal every background loop and bus consumer to stop.
	cancelWorkers()
	healthPool.Wait()

	// 3. Wait for in-flight work to finish.
	wg.Wait()

	logger.Info("server stopped cleanly")
}

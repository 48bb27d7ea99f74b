package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/the-governor-hq/bodyPress-backend/internal/config"
	"github.com/the-governor-hq/bodyPress-backend/internal/domain"
	"github.com/the-governor-hq/bodyPress-backend/internal/jobs"
	"github.com/the-governor-hq/bodyPress-backend/internal/logging"
	"github.com/the-governor-hq/bodyPress-backend/internal/outbox"
	persistence "github.com/the-governor-hq/bodyPress-backend/internal/persistence/postgres"
	"github.com/the-governor-hq/bodyPress-backend/internal/provider"
	"github.com/the-governor-hq/bodyPress-backend/internal/storage"
	"github.com/the-governor-hq/bodyPress-backend/internal/syncer"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	publishEvents := len(cfg.KafkaBrokers) > 0
	var repoOpts []persistence.Option
	if publishEvents {
		repoOpts = append(repoOpts, persistence.WithEventsTopic(cfg.SyncEventsTopic))
	}
	repo := persistence.NewRepository(pool, repoOpts...)

	adapters := provider.NewRegistry()
	for _, p := range domain.SupportedProviders {
		adapters.Register(p, provider.NewGatewayAdapter(cfg.ProviderGatewayURL, p, cfg.ProviderTimeout, logger))
	}

	queue := jobs.New(pool, jobs.Config{
		PollInterval:         cfg.JobPollInterval,
		SchedulePollInterval: cfg.SchedulePollInterval,
		RetryLimit:           cfg.JobRetryLimit,
		RetryDelay:           cfg.JobRetryDelay,
		Timeout:              cfg.JobTimeout,
		Retention:            cfg.JobRetention,
	}, logger)

	worker := syncer.NewWorker(repo, adapters, storage.NewSink(repo, logger), queue, syncer.Config{
		BackfillDays: cfg.BackfillDays,
		TrailingDays: cfg.SyncTrailingDays,
		Concurrency:  cfg.JobConcurrency,
		Timeout:      cfg.JobTimeout,
		FanoutCron:   cfg.SyncCron,
	}, logger)
	if err := worker.Register(ctx, queue); err != nil {
		logger.Fatal("register sync workers", zap.Error(err))
	}
	if err := queue.Start(ctx); err != nil {
		logger.Fatal("start job queue", zap.Error(err))
	}

	var dispatcher *outbox.Dispatcher
	if publishEvents {
		producer := outbox.NewKafkaProducer(outbox.ProducerConfig{Brokers: cfg.KafkaBrokers})
		defer producer.Close()

		dispatcher = outbox.NewDispatcher(pool, producer, outbox.Config{
			PollInterval: cfg.OutboxPollInterval,
			BatchSize:    cfg.OutboxBatchSize,
		}, logger)
		go dispatcher.Start(ctx)
	} else {
		logger.Info("KAFKA_BROKERS not set, sync events are not published")
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddress))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.String("sync_cron", cfg.SyncCron),
		zap.Int("concurrency", cfg.JobConcurrency),
		zap.Strings("providers", providerNames(adapters.Providers())),
	)
	<-ctx.Done()
	logger.Info("shutdown signal received")

	queue.Stop()
	if dispatcher != nil {
		dispatcher.Wait()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", zap.Error(err))
	}
	logger.Info("worker shut down")
}

func providerNames(providers []domain.Provider) []string {
	out := make([]string, 0, len(providers))
	for _, p := range providers {
		out = append(out, string(p))
	}
	return out
}

package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/the-governor-hq/bodyPress-backend/internal/api"
	"github.com/the-governor-hq/bodyPress-backend/internal/auth"
	"github.com/the-governor-hq/bodyPress-backend/internal/config"
	"github.com/the-governor-hq/bodyPress-backend/internal/jobs"
	"github.com/the-governor-hq/bodyPress-backend/internal/logging"
	persistence "github.com/the-governor-hq/bodyPress-backend/internal/persistence/postgres"
	httptransport "github.com/the-governor-hq/bodyPress-backend/internal/transport/http"
	"github.com/the-governor-hq/bodyPress-backend/internal/webhook"
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

	repo := persistence.NewRepository(pool)

	// The API only enqueues; cmd/worker runs the handlers.
	queue := jobs.New(pool, jobs.Config{RetryLimit: cfg.JobRetryLimit, RetryDelay: cfg.JobRetryDelay}, logger)

	translator := webhook.NewTranslator(repo, queue, logger)
	webhooks := webhook.NewHandler(
		translator,
		webhook.NewGarminVerifier(cfg.Garmin.ClientSecret, cfg.AllowUnsignedWebhook, logger),
		webhook.NewFitbitVerifier(cfg.Fitbit.ClientSecret, cfg.AllowUnsignedWebhook, logger),
		cfg.FitbitSubscriberCode,
		logger,
	)
	wearables := api.NewHandler(repo, queue, cfg.BackfillDays, cfg.SyncTrailingDays, logger)
	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(logging.RequestLogger(logger))
	r.Use(httptransport.CORS(cfg.CORSOrigin))

	r.Get("/healthz", healthz(pool))
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/webhooks", webhooks.Routes())
	r.Route("/v1/wearables", func(r chi.Router) {
		r.Use(authMiddleware.Wrap)
		r.Mount("/", wearables.Routes())
	})

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, r)

	if err := httptransport.Serve(ctx, server, 15*time.Second, logger); err != nil {
		logger.Error("http server stopped", zap.Error(err))
	}
	logger.Info("api shut down")
}

// healthz reports ok while Postgres answers a ping.
func healthz(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			httptransport.WriteError(w, http.StatusServiceUnavailable, "unavailable", "database unreachable")
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

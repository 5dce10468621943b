package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/torvik/clubcast/internal/api"
	"github.com/torvik/clubcast/internal/circuitbreaker"
	"github.com/torvik/clubcast/internal/config"
	"github.com/torvik/clubcast/internal/db"
	"github.com/torvik/clubcast/internal/dispatch"
	"github.com/torvik/clubcast/internal/email"
	"github.com/torvik/clubcast/internal/metrics"
	"github.com/torvik/clubcast/internal/observ"
	"github.com/torvik/clubcast/internal/push"
	"github.com/torvik/clubcast/internal/realtime"
	"github.com/torvik/clubcast/internal/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting clubcast gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("event_source", cfg.EventSource),
		zap.String("absent_pref_policy", string(cfg.AbsentPrefs)),
	)

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	store := db.NewStore(database, logger)
	directory := db.NewDirectory(database, logger)

	// Redis backs replay dedup and rate limiting. Either degrades to off
	// when Redis is down; dispatch itself never depends on it.
	var (
		deduper     *redis.EventDeduper
		rateLimiter *redis.RateLimiter
	)
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, replay protection and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		defer redisClient.Close()
		deduper = redis.NewEventDeduper(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,
			Window: 1 * time.Minute,
		})
	}

	fcmBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig("fcm"), logger)
	pushAdapter := push.New(push.Config{
		CredentialsFile: cfg.FCMCredentialsFile,
		ProjectID:       cfg.FCMProjectID,
		MaxAttempts:     cfg.SendMaxRetries,
	}, fcmBreaker, logger)

	sesBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger)
	emailSender, err := email.NewSender(ctx, email.Config{
		Region:      cfg.AWSRegion,
		FromEmail:   cfg.SESFromEmail,
		MaxAttempts: cfg.SendMaxRetries,
	}, sesBreaker, logger)
	if err != nil {
		return fmt.Errorf("failed to create email sender: %w", err)
	}

	hub := realtime.NewHub(logger)
	orchestrator := dispatch.New(
		directory, store, hub, pushAdapter, emailSender,
		cfg.EventSource, cfg.AbsentPrefs, cfg.FanoutWorkers, logger,
	)
	readSync := dispatch.NewReadSyncer(store, hub, logger)

	verifier := realtime.NewVerifier(cfg.JWTSecret)
	wsHandler := realtime.NewHandler(hub, verifier, readSync, logger)
	handler := api.NewHandler(logger, orchestrator, store, readSync, deduper, cfg.WebhookSecret, cfg.EventSource)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Group(func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.IPKeyFunc))
			r.Post("/webhooks/club-events", handler.HandleClubEvent)
		})

		r.Group(func(r chi.Router) {
			r.Use(api.AuthMiddleware(verifier, logger))
			r.Get("/notifications", handler.ListNotifications)
			r.Post("/notifications/{id}/read", handler.MarkNotificationRead)
			r.Delete("/notifications/{id}", handler.DeleteNotification)
			r.Delete("/notifications", handler.DeleteAllNotifications)
		})
	})

	// Long-lived socket connections stay outside the request timeout.
	r.Handle("/ws", wsHandler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

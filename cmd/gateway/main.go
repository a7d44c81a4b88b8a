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

	"github.com/rosslyle/beacon/internal/api"
	"github.com/rosslyle/beacon/internal/auth"
	"github.com/rosslyle/beacon/internal/circuitbreaker"
	"github.com/rosslyle/beacon/internal/config"
	"github.com/rosslyle/beacon/internal/connection"
	"github.com/rosslyle/beacon/internal/db"
	"github.com/rosslyle/beacon/internal/delivery"
	"github.com/rosslyle/beacon/internal/evaluator"
	"github.com/rosslyle/beacon/internal/ingest"
	"github.com/rosslyle/beacon/internal/metrics"
	"github.com/rosslyle/beacon/internal/observ"
	"github.com/rosslyle/beacon/internal/provider"
	"github.com/rosslyle/beacon/internal/ratelimit"
	"github.com/rosslyle/beacon/internal/redisclient"
	"github.com/rosslyle/beacon/internal/registry"
	"github.com/rosslyle/beacon/internal/sqsaudit"
	"github.com/rosslyle/beacon/internal/stream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting beacon gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	// Initialize database connection
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

	attemptRepo := db.NewRepository(database, logger)
	prefRepo := db.NewPreferenceRepository(database, logger)

	// Redis backs protocol rate limiting and provider dedup. Unlike the
	// audit chain it is not optional: admission control depends on it.
	redisClient, err := redisclient.New(ctx, redisclient.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	limiter := ratelimit.New(redisClient, logger, ratelimit.DefaultConfig())
	dedup := redisclient.NewDedupStore(redisClient, logger)

	// SQS audit queue for terminally failed intents
	var audit delivery.AuditSink
	if cfg.SQSDLQURL != "" {
		producer, err := sqsaudit.NewProducer(ctx, sqsaudit.Config{
			Region: cfg.SQSRegion,
			DLQURL: cfg.SQSDLQURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs audit producer unavailable, terminal failures will only be logged",
				zap.Error(err),
			)
		} else {
			audit = producer
		}
	}

	// External delivery providers, each behind its own circuit breaker
	sesSender, err := provider.NewSESSender(ctx, provider.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create SES email sender: %w", err)
	}

	var senders []provider.Sender
	senders = append(senders, circuitbreaker.NewProtectedSender(
		sesSender,
		circuitbreaker.New(circuitbreaker.DefaultConfig("email"), logger),
		logger,
	))

	snsSender, err := provider.NewSNSSender(ctx, provider.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, SMS delivery disabled", zap.Error(err))
	} else {
		senders = append(senders, circuitbreaker.NewProtectedSender(
			snsSender,
			circuitbreaker.New(circuitbreaker.DefaultConfig("sms"), logger),
			logger,
		))
	}

	if cfg.PushRelayURL != "" {
		pushSender := provider.NewPushSender(logger, provider.PushConfig{
			RelayURL: cfg.PushRelayURL,
			Timeout:  cfg.PushRelayTimeout,
		})
		senders = append(senders, circuitbreaker.NewProtectedSender(
			pushSender,
			circuitbreaker.New(circuitbreaker.DefaultConfig("push"), logger),
			logger,
		))
	} else {
		logger.Warn("push relay not configured, push delivery disabled")
	}

	multiSender := provider.NewMultiSender(logger, senders...)

	// Live-connection plumbing
	events := stream.NewBuffer(cfg.RetentionSize, cfg.RetentionAge)
	reg := registry.New(logger, registry.Config{
		MaxPerConnection: ratelimit.DefaultConfig().MaxSubsPerConnection,
	})
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)

	manager := connection.NewManager(connection.Config{
		AuthTimeout:       cfg.AuthTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatGrace:    cfg.HeartbeatGrace,
	}, verifier, limiter, reg, events, logger)

	// Delivery engine
	deliveryCfg := delivery.DefaultConfig()
	deliveryCfg.AggregationWindow = cfg.AggregationWindow
	deliveryCfg.MaxAttempts = cfg.MaxAttempts

	orchestrator := delivery.New(deliveryCfg, manager, multiSender, attemptRepo, audit, dedup, nil, logger)
	orchestrator.Start()
	defer orchestrator.Stop()

	eval := evaluator.New(prefRepo, prefRepo, orchestrator, attemptRepo, logger)
	pipeline := ingest.New(events, reg, eval, logger)

	logger.Info("delivery engine started",
		zap.Bool("sms_enabled", snsSender != nil),
		zap.Bool("push_enabled", cfg.PushRelayURL != ""),
		zap.Bool("audit_enabled", audit != nil),
	)

	// Setup router
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

	handler := api.NewHandler(logger, pipeline, attemptRepo, orchestrator)

	// The request timeout is scoped to the REST surface. It must not wrap
	// /ws: a WebSocket session outlives any sane HTTP deadline, and the
	// timeout handler would fire on the hijacked connection.
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.With(api.RateLimitMiddleware(limiter, logger, api.ProducerKeyFunc)).
			Post("/events", handler.PublishEvent)

		r.Get("/intents/{id}/attempts", handler.ListIntentAttempts)
		r.Post("/intents/{id}/engagement", handler.RecordEngagement)
	})

	// WebSocket endpoint: auth happens in-protocol after upgrade.
	r.Get("/ws", manager.HandleWS)

	r.Get("/health", handler.Health)
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
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

		manager.Shutdown()

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

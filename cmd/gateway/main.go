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

	"github.com/beaconhq/beacon/internal/analytics"
	"github.com/beaconhq/beacon/internal/api"
	"github.com/beaconhq/beacon/internal/batch"
	"github.com/beaconhq/beacon/internal/channel"
	"github.com/beaconhq/beacon/internal/circuitbreaker"
	"github.com/beaconhq/beacon/internal/config"
	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/directory"
	"github.com/beaconhq/beacon/internal/dispatch"
	"github.com/beaconhq/beacon/internal/events"
	"github.com/beaconhq/beacon/internal/metrics"
	"github.com/beaconhq/beacon/internal/observ"
	"github.com/beaconhq/beacon/internal/queue"
	"github.com/beaconhq/beacon/internal/redis"
	"github.com/beaconhq/beacon/internal/sqs"
	"github.com/beaconhq/beacon/internal/targeting"
	"github.com/beaconhq/beacon/internal/template"
	"github.com/beaconhq/beacon/internal/tracker"
	"github.com/beaconhq/beacon/internal/worker"
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

	logger.Info("starting beacon gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
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

	repo := db.NewRepository(database, logger)
	contacts := directory.New(database, logger)

	// Redis backs submission idempotency, API rate limiting, and the
	// provider send budget. All three degrade gracefully without it.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var idempotencyService *redis.IdempotencyService
	var apiLimiter *redis.RateLimiter
	var sendLimiter dispatch.Limiter
	if redisClient != nil {
		defer redisClient.Close()
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		apiLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,
			Window: 1 * time.Minute,
		})
		sendLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.ProviderRPS,
			Window: cfg.ProviderRPSBurst,
		})
	}

	// Channel senders, each external provider behind its own breaker.
	senders := []worker.Sender{worker.NewInAppSender(logger)}
	var breakers []*circuitbreaker.CircuitBreaker

	protect := func(name string, s worker.Sender) worker.Sender {
		cb := circuitbreaker.New(circuitbreaker.Config{
			Name:                name,
			MaxFailures:         5,
			RecoveryTimeout:     30 * time.Second,
			HalfOpenMaxRequests: 1,
		}, logger)
		breakers = append(breakers, cb)
		return circuitbreaker.NewProtectedSender(s, cb, logger)
	}

	sesSender, err := worker.NewSESSender(ctx, worker.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, contacts, logger)
	if err != nil {
		logger.Warn("SES sender unavailable, email disabled", zap.Error(err))
	} else {
		senders = append(senders, protect("ses", sesSender))
	}

	smsSender, err := worker.NewSMSSender(ctx, worker.SNSConfig{Region: cfg.SNSRegion}, contacts, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, SMS disabled", zap.Error(err))
	} else {
		senders = append(senders, protect("sns_sms", smsSender))
	}

	pushSender, err := worker.NewPushSender(ctx, worker.SNSConfig{Region: cfg.SNSRegion}, contacts, logger)
	if err != nil {
		logger.Warn("push sender unavailable, push disabled", zap.Error(err))
	} else {
		senders = append(senders, protect("sns_push", pushSender))
	}

	multiSender := worker.NewMultiSender(logger, senders...)

	var transitions tracker.EventPublisher
	if cfg.EventsTopicARN != "" {
		pub, err := events.NewPublisher(ctx, cfg.EventsTopicARN, cfg.SNSRegion, logger)
		if err != nil {
			logger.Warn("event publisher unavailable, transitions not mirrored", zap.Error(err))
		} else {
			transitions = pub
		}
	}

	trk := tracker.New(repo, transitions, tracker.Config{
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: cfg.BaseBackoff,
		MaxBackoff:  cfg.MaxBackoff,
	}, logger)

	recorder := metrics.NewRecorder()

	channels := channel.NewResolver(repo, logger)
	templates := template.NewRenderer(repo, logger)
	targets := targeting.NewResolver(contacts, logger)

	// The queue handler closes over the dispatch service; wire them up in
	// two steps.
	var svc *dispatch.Service
	queues := queue.NewService(func(ctx context.Context, job queue.Job) error {
		return svc.HandleJob(ctx, job)
	}, queue.Options{
		Workers:       cfg.QueueWorkers,
		SweepInterval: cfg.SweepInterval,
		Observer:      recorder,
	}, logger)

	svc = dispatch.NewService(repo, channels, templates, targets, queues, trk, multiSender,
		sendLimiter, recorder, dispatch.Config{SendTimeout: cfg.SendTimeout}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	queues.Start(workerCtx)
	defer queues.Stop()

	// Re-enqueue work that was in flight when the previous process died.
	if err := svc.Recover(ctx); err != nil {
		logger.Warn("startup recovery failed", zap.Error(err))
	}

	// Optional SQS ingest feed and mirror queue.
	if cfg.SQSMirrorURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:    cfg.SQSRegion,
			MirrorURL: cfg.SQSMirrorURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs mirror unavailable", zap.Error(err))
		} else {
			svc.WithMirror(producer)
		}
	}
	if cfg.SQSIngestURL != "" {
		consumer, err := sqs.NewConsumer(ctx, sqs.Config{
			Region:    cfg.SQSRegion,
			IngestURL: cfg.SQSIngestURL,
		}, svc, logger)
		if err != nil {
			logger.Warn("sqs ingest unavailable", zap.Error(err))
		} else {
			go consumer.Run(workerCtx)
		}
	}

	coordinator := batch.NewCoordinator(repo, contacts, logger)
	aggregator := analytics.NewAggregator(repo, logger)

	handler := api.NewHandler(logger, repo, svc, trk, aggregator, coordinator).
		WithQueues(queues).
		WithBreakers(breakers...)
	if idempotencyService != nil {
		handler.WithIdempotency(idempotencyService)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

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
		r.Use(api.RateLimitMiddleware(apiLimiter, logger, api.IPKeyFunc))
		handler.Routes(r)
	})

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

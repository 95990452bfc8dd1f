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

	"github.com/lalithlochan/disparo/internal/alert"
	"github.com/lalithlochan/disparo/internal/api"
	"github.com/lalithlochan/disparo/internal/campaign"
	"github.com/lalithlochan/disparo/internal/circuitbreaker"
	"github.com/lalithlochan/disparo/internal/config"
	"github.com/lalithlochan/disparo/internal/db"
	"github.com/lalithlochan/disparo/internal/delivery"
	"github.com/lalithlochan/disparo/internal/metrics"
	"github.com/lalithlochan/disparo/internal/observ"
	"github.com/lalithlochan/disparo/internal/qstash"
	"github.com/lalithlochan/disparo/internal/queue"
	"github.com/lalithlochan/disparo/internal/redis"
	"github.com/lalithlochan/disparo/internal/schedule"
	"github.com/lalithlochan/disparo/internal/sns"
	"github.com/lalithlochan/disparo/internal/sqs"
	"github.com/lalithlochan/disparo/internal/worker"
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

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting disparo gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("queue_backend", cfg.QueueBackend),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := db.NewRepository(database, logger)

	// Redis backs idempotency, rate limiting, campaign locks and SQS label tombstones
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		if cfg.QueueBackend == config.QueueBackendSQS {
			return fmt.Errorf("redis is required with the sqs backend: %w", err)
		}
		logger.Warn("redis unavailable, idempotency, rate limiting and locking disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var (
		idempotencyService *redis.IdempotencyService
		rateLimiter        *redis.RateLimiter
		controllerOpts     []campaign.Option
	)
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,             // 100 requests
			Window: 1 * time.Minute, // per minute per tenant
		})
		controllerOpts = append(controllerOpts, campaign.WithLocker(redis.NewLocker(redisClient, logger)))
		defer redisClient.Close()
	}

	transport, err := newTransport(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}
	gateway := queue.NewGateway(transport, queue.Options{
		ChunkSize:  cfg.QueueChunkSize,
		MaxRetries: cfg.QueueMaxRetries,
		Backoff:    queue.DefaultOptions.Backoff,
	}, logger)

	// Lifecycle events and operator alerts are optional
	if cfg.SNSTopicARN != "" {
		snsClient, err := sns.NewClient(ctx, cfg.AWSRegion, "")
		if err != nil {
			logger.Warn("SNS unavailable, lifecycle events disabled", zap.Error(err))
		} else {
			controllerOpts = append(controllerOpts, campaign.WithEvents(sns.NewPublisher(snsClient, cfg.SNSTopicARN, logger)))
		}
	}
	if cfg.AlertEmail != "" {
		sesClient, err := alert.NewClient(ctx, cfg.AWSRegion)
		if err != nil {
			logger.Warn("SES unavailable, start failure alerts disabled", zap.Error(err))
		} else {
			controllerOpts = append(controllerOpts, campaign.WithAlerter(alert.NewSESAlerter(sesClient, alert.Config{
				Region:    cfg.AWSRegion,
				FromEmail: cfg.SESFromEmail,
				ToEmail:   cfg.AlertEmail,
			}, logger)))
		}
	}

	policy := schedule.NewPolicy(
		time.Duration(cfg.ResumeStaggerSeconds)*time.Second,
		time.Duration(cfg.ResumeJitterSeconds)*time.Second,
		nil,
	)
	controller := campaign.NewController(repo, gateway, campaign.NewBuilder(policy, cfg.DefaultCountryCode), logger, controllerOpts...)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
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

	// API routes
	var handler *api.Handler
	if idempotencyService != nil {
		handler = api.NewHandlerWithIdempotency(logger, repo, controller, idempotencyService)
	} else {
		handler = api.NewHandler(logger, repo, controller)
	}

	deliveries, breakers, err := newDeliveryHandler(cfg, repo, idempotencyService, logger)
	if err != nil {
		return err
	}

	r.Route("/v1", func(r chi.Router) {
		// Queue callback, authenticated by signature rather than tenant
		r.Post("/deliveries", deliveries.Deliver)

		r.Group(func(r chi.Router) {
			r.Use(api.RequireTenant)
			r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.TenantKeyFunc))

			r.Post("/campaigns", handler.CreateCampaign)
			r.Get("/campaigns", handler.ListCampaigns)
			r.Get("/campaigns/{id}", handler.GetCampaign)
			r.Get("/campaigns/{id}/messages", handler.ListMessages)
			r.Post("/campaigns/{id}/pause", handler.PauseCampaign)
			r.Post("/campaigns/{id}/resume", handler.ResumeCampaign)
			r.Post("/campaigns/{id}/cancel", handler.CancelCampaign)
			r.Put("/campaigns/{id}/content", handler.UpdateContent)

			r.Post("/contacts/import", handler.ImportContacts)
		})
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/health/instances", delivery.InstancesHandler(breakers))

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	statsCtx, stopStats := context.WithCancel(context.Background())
	defer stopStats()
	go reportPoolStats(statsCtx, database, redisClient)

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 30 seconds to complete; a large campaign
		// start can take a while to enqueue
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// newTransport picks the queue backend. SQS cannot delete by label, so it
// records cancellations as Redis tombstones for the worker to honour.
func newTransport(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (queue.Transport, error) {
	switch cfg.QueueBackend {
	case config.QueueBackendSQS:
		if cfg.SQSQueueURL == "" {
			return nil, fmt.Errorf("SQS_QUEUE_URL is required with the sqs backend")
		}
		client, err := sqs.NewClient(ctx, sqs.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSQueueURL})
		if err != nil {
			return nil, fmt.Errorf("failed to create sqs client: %w", err)
		}
		return sqs.NewProducer(client, cfg.SQSQueueURL, redis.NewLabelRegistry(redisClient, logger), logger), nil

	default:
		if cfg.QStashToken == "" || cfg.DeliveryCallbackURL == "" {
			return nil, fmt.Errorf("QSTASH_TOKEN and DELIVERY_CALLBACK_URL are required with the qstash backend")
		}
		return qstash.New(qstash.Config{
			BaseURL:     cfg.QStashURL,
			Token:       cfg.QStashToken,
			CallbackURL: cfg.DeliveryCallbackURL,
			Retries:     cfg.QueueMaxRetries,
		}, logger), nil
	}
}

// newDeliveryHandler serves the QStash callback. Without signing keys the
// endpoint accepts unsigned calls, which is only allowed outside production.
func newDeliveryHandler(cfg *config.Config, repo *db.Repository, reserver *redis.IdempotencyService, logger *zap.Logger) (*api.DeliveryHandler, *circuitbreaker.ProtectedSender, error) {
	sender, breakers, err := delivery.NewSender(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	var processor *worker.Processor
	if reserver != nil {
		processor = worker.NewProcessor(repo, sender, reserver, logger)
	} else {
		processor = worker.NewProcessor(repo, sender, nil, logger)
	}

	var verifier api.SignatureVerifier
	switch {
	case cfg.QStashCurrentSigningKey != "":
		verifier = qstash.NewVerifier(cfg.QStashCurrentSigningKey, cfg.QStashNextSigningKey)
	case cfg.Env == "production":
		return nil, nil, fmt.Errorf("QSTASH_CURRENT_SIGNING_KEY is required in production")
	default:
		logger.Warn("QSTASH_CURRENT_SIGNING_KEY not set, delivery callbacks are not verified")
	}

	return api.NewDeliveryHandler(logger, processor, verifier, cfg.DeliveryCallbackURL), breakers, nil
}

func reportPoolStats(ctx context.Context, database *db.DB, redisClient *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		metrics.SetDBConnections(database.Stats())
		if redisClient != nil {
			metrics.SetRedisConnections(redisClient.ActiveConns())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

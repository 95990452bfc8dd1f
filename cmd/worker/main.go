package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/disparo/internal/config"
	"github.com/lalithlochan/disparo/internal/db"
	"github.com/lalithlochan/disparo/internal/delivery"
	"github.com/lalithlochan/disparo/internal/metrics"
	"github.com/lalithlochan/disparo/internal/observ"
	"github.com/lalithlochan/disparo/internal/redis"
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
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.SQSQueueURL == "" {
		return fmt.Errorf("SQS_QUEUE_URL is required")
	}

	logger.Info("starting disparo worker",
		zap.String("env", cfg.Env),
		zap.String("queue_url", cfg.SQSQueueURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	// Tombstones are how a pause or cancel reaches jobs already on SQS, so Redis is not optional here
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	sqsClient, err := sqs.NewClient(ctx, sqs.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSQueueURL})
	if err != nil {
		return fmt.Errorf("failed to create sqs client: %w", err)
	}
	consumer := sqs.NewConsumer(sqsClient, cfg.SQSQueueURL, sqs.ConsumerConfig{
		MaxMessages:       10,
		WaitTimeSeconds:   20,
		VisibilityTimeout: 60,
	}, logger)

	sender, breakers, err := delivery.NewSender(cfg, logger)
	if err != nil {
		return err
	}

	processor := worker.NewProcessor(repo, sender, redis.NewIdempotencyService(redisClient, logger), logger)
	poller := worker.NewPoller(consumer, processor, redis.NewLabelRegistry(redisClient, logger), worker.Config{
		Concurrency:  10,
		ErrorBackoff: 5 * time.Second,
	}, logger)

	// Metrics and health on the configured port
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/health/instances", delivery.InstancesHandler(breakers))
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("worker started")
	poller.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	logger.Info("worker stopped gracefully")
	return nil
}

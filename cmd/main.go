/**
 * @description
 * This is the main entry point for the credit-gateway. It initializes configuration, the
 * balance store, rate limiters, the message broker, the answering backend and statement
 * clients, the core application service, the reconciliation scheduler and the HTTP server,
 * then waits for a termination signal and shuts everything down in order.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Shared rate-limit windows.
 * - github.com/joho/godotenv: Local .env loading.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/answerclient, pkg/statementclient, pkg/rabbitmq: External integrations.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/credit-gateway/internal/api"
	"github.com/transfa/credit-gateway/internal/app"
	"github.com/transfa/credit-gateway/internal/config"
	"github.com/transfa/credit-gateway/internal/store"
	"github.com/transfa/credit-gateway/pkg/answerclient"
	"github.com/transfa/credit-gateway/pkg/statementclient"
	rmrabbit "github.com/transfa/credit-gateway/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to load .env file", "component", "bootstrap", "error", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("config load failed", "component", "bootstrap", "error", err)
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.AccountJWTSecret) == "" {
		logger.Error("account jwt secret must be configured", "component", "bootstrap", "env", "ACCOUNT_JWT_SECRET")
		os.Exit(1)
	}
	logger.Info("starting credit-gateway", "component", "bootstrap", "port", cfg.ServerPort, "store_driver", cfg.StoreDriver)

	ctx := context.Background()

	repository, closeStore, err := openRepository(ctx, cfg, logger)
	if err != nil {
		logger.Error("balance store unavailable", "component", "bootstrap", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	messageLimiter, questionLimiter, closeRedis := buildRateLimiters(ctx, cfg, logger)
	defer closeRedis()

	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{Logger: logger}
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		producer, producerErr := rmrabbit.NewEventProducer(cfg.RabbitMQURL, logger)
		if producerErr != nil {
			logger.Warn("rabbitmq producer unavailable; using fallback", "component", "bootstrap", "error", producerErr)
		} else {
			publisher = producer
			logger.Info("rabbitmq producer connected", "component", "bootstrap")
		}
	}
	defer publisher.Close()

	var notifier app.Notifier = app.LogNotifier{Logger: logger}
	if _, isFallback := publisher.(*rmrabbit.EventProducerFallback); !isFallback {
		notifier = app.NewEventNotifier(publisher, cfg.EventsExchange)
	}

	if strings.TrimSpace(cfg.AnswerAPIBaseURL) == "" {
		logger.Warn("answer api base url not configured; questions will fail without charge", "component", "bootstrap", "env", "ANSWER_API_BASE_URL")
	}
	answerClient := answerclient.NewClient(cfg.AnswerAPIBaseURL, cfg.AnswerAPIKey, cfg.AnswerTimeout(), cfg.AnswerRequestsPerSecond)

	service := app.NewService(app.Dependencies{
		Repo:            repository,
		Backend:         answerClient,
		Notifier:        notifier,
		MessageLimiter:  messageLimiter,
		QuestionLimiter: questionLimiter,
		Cache:           app.NewBalanceCache(time.Duration(cfg.BalanceCacheTTLSeconds) * time.Second),
		Lock:            app.NewRequestLock(),
		Tracker:         app.NewDeductionTracker(cfg.CompletedDeductionsCap, 2*cfg.AnswerTimeout()),
		Logger:          logger,
	}, app.ServiceConfig{
		StartingBalance:   cfg.StartingBalance,
		QuestionMaxLength: cfg.QuestionMaxLength,
		AnswerMaxLength:   cfg.AnswerMaxLength,
		BackendTimeout:    cfg.AnswerTimeout(),
		Retry: app.RetryPolicy{
			MaxAttempts: cfg.AnswerMaxAttempts,
			BaseDelay:   time.Duration(cfg.AnswerRetryBaseDelayMS) * time.Millisecond,
			MaxDelay:    cfg.AnswerTimeout(),
		},
		AllowedServices:     cfg.AnswerServiceNames(),
		MinorUnitsPerCredit: cfg.MinorUnitsPerCredit,
		PaymentCardNumber:   cfg.PaymentCardNumber,
	})

	var reconciler *app.Reconciler
	var scheduler *app.Scheduler
	if strings.TrimSpace(cfg.StatementAPIToken) == "" {
		logger.Warn("statement api token not configured; payment reconciliation disabled", "component", "bootstrap", "env", "STATEMENT_API_TOKEN")
	} else {
		feed := statementclient.NewClient(cfg.StatementAPIBaseURL, cfg.StatementAPIToken, cfg.StatementAccount)
		reconciler = app.NewReconciler(repository, service.Ledger(), feed, notifier, logger, app.ReconcilerConfig{
			FetchWindow:         cfg.ReconcileFetchWindow(),
			MinorUnitsPerCredit: cfg.MinorUnitsPerCredit,
		})
		scheduler = app.NewScheduler(reconciler, logger, cfg.ReconcileInterval())
		if err := scheduler.Start(); err != nil {
			logger.Error("scheduler start failed", "component", "bootstrap", "error", err)
			os.Exit(1)
		}
	}

	consumeCtx, stopConsuming := context.WithCancel(ctx)
	defer stopConsuming()
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		rabbitConsumer, consumerErr := rmrabbit.NewConsumer(cfg.RabbitMQURL, logger)
		if consumerErr != nil {
			logger.Warn("rabbitmq consumer unavailable; contact events disabled", "component", "bootstrap", "error", consumerErr)
		} else {
			defer rabbitConsumer.Close()
			contactConsumer := app.NewAccountContactConsumer(service, logger)
			if err := rabbitConsumer.Consume(consumeCtx, rmrabbit.Subscription{
				Exchange: cfg.EventsExchange,
				Queue:    cfg.AccountContactQueue,
				Handlers: map[string]rmrabbit.Handler{
					"account.contact": contactConsumer.HandleMessage,
				},
			}); err != nil {
				logger.Warn("contact consumer start failed", "component", "bootstrap", "error", err)
			}
		}
	}

	var reconcileRunner api.ReconcileRunner
	if reconciler != nil {
		reconcileRunner = reconciler
	}
	handlers := api.NewHandlers(service, reconcileRunner, logger)
	router := api.GatewayRoutes(handlers, api.RouterConfig{
		JWTSecret:      cfg.AccountJWTSecret,
		InternalAPIKey: cfg.InternalAPIKey,
		AdminOrigins:   cfg.AdminOrigins(),
		RequestTimeout: cfg.AnswerTimeout()*time.Duration(cfg.AnswerMaxAttempts) + 30*time.Second,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "component", "http", "addr", serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", "component", "http", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started", "component", "http")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "component", "http", "error", err)
	}
	stopConsuming()
	if scheduler != nil {
		<-scheduler.Stop().Done()
		reconciler.Wait()
		logger.Info("scheduler stopped gracefully", "component", "bootstrap")
	}
	service.WaitForNotifications()

	logger.Info("shutdown complete", "component", "http")
}

func openRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Repository, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using in-memory balance store; balances are lost on restart", "component", "bootstrap")
		return store.NewMemoryRepository(), func() {}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}

	repository := store.NewPostgresRepository(dbpool)
	schemaCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := repository.EnsureSchema(schemaCtx); err != nil {
		dbpool.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	logger.Info("database connected", "component", "bootstrap")
	return repository, dbpool.Close, nil
}

// buildRateLimiters prefers Redis-backed windows shared by every replica and falls back to
// process-local windows when Redis is not configured or unreachable.
func buildRateLimiters(ctx context.Context, cfg config.Config, logger *slog.Logger) (app.RateLimiter, app.RateLimiter, func()) {
	messageWindow := time.Duration(cfg.MessageRateWindowSeconds) * time.Second
	questionWindow := time.Duration(cfg.QuestionRateWindowSeconds) * time.Second
	local := func() (app.RateLimiter, app.RateLimiter, func()) {
		return app.NewSlidingWindowLimiter(cfg.MessageRateLimit, messageWindow),
			app.NewSlidingWindowLimiter(cfg.QuestionRateLimit, questionWindow),
			func() {}
	}

	if cfg.RedisURL == "" {
		logger.Info("redis url missing; using in-process rate limiting", "component", "bootstrap", "env", "REDIS_URL")
		return local()
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; using in-process rate limiting", "component", "bootstrap", "error", err)
		return local()
	}
	redisClient := redis.NewClient(redisOptions)
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; using in-process rate limiting", "component", "bootstrap", "error", err)
		redisClient.Close()
		return local()
	}
	logger.Info("redis connected", "component", "bootstrap")

	return app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix, "message", cfg.MessageRateLimit, messageWindow, logger),
		app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix, "question", cfg.QuestionRateLimit, questionWindow, logger),
		func() { redisClient.Close() }
}

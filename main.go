package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/auth"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/config"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/database"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/handlers"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/llm"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/logging"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/metrics"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/middleware"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/repositories"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/retry"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsLocal() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.URL())),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("llm_model", cfg.LLM.Model),
		zap.String("metadata_backend", cfg.Metadata.Backend))

	// Database
	if err := migrate(cfg, logger); err != nil {
		return err
	}
	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.URL(),
		MaxConnections: cfg.Database.MaxConnections,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.Redis.Host != "" {
		redisClient, err = database.NewRedisClient(ctx, &cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer func() { _ = redisClient.Close() }()
	}

	// Reasoning client
	usage := llm.NewUsageTracker()
	llmClient, err := newLLMClient(cfg, usage, logger)
	if err != nil {
		return err
	}

	// Services
	metadataStore, err := newMetadataStore(cfg, db, redisClient, logger)
	if err != nil {
		return err
	}
	if cfg.Metadata.CleanupInterval > 0 {
		services.NewRetentionService(metadataStore, logger).RunScheduler(ctx, cfg.Metadata.CleanupInterval)
	}
	conversationService := services.NewConversationService(repositories.NewConversationRepository(), logger)
	contextService := services.NewWorkspaceContextService(repositories.NewWorkspaceContextRepository(), logger)
	agent := services.NewNegotiationAgent(llmClient, services.AgentConfig{
		AntiLoopThreshold:  cfg.Agent.AntiLoopThreshold,
		HistoryTokenBudget: cfg.Agent.HistoryTokenBudget,
	}, logger)
	extractor := services.NewContextExtractor(llmClient, logger)
	queryService := services.NewQueryService(conversationService, metadataStore, contextService, agent, extractor,
		services.QueryConfig{
			HistoryLimit:  cfg.Agent.HistoryLimit,
			TitleMaxWords: cfg.Agent.TitleMaxWords,
		}, logger)

	// Auth
	validator, err := auth.NewTokenValidator(ctx, auth.ValidatorConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
		Secret:             cfg.Auth.JWTSecret,
		Audience:           cfg.Auth.Audience,
	})
	if err != nil {
		return fmt.Errorf("create token validator: %w", err)
	}
	defer validator.Close()
	authMiddleware := auth.NewMiddleware(auth.NewAuthService(validator, logger), logger)
	ownerMiddleware := handlers.OwnerMiddleware(database.WithOwnerContext(db, logger))

	// Routes
	mux := http.NewServeMux()

	checks := map[string]handlers.HealthCheck{
		"postgres": func(ctx context.Context) error { return db.Ping(ctx) },
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	handlers.NewHealthHandler(cfg, checks, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	handlers.NewQueryHandler(queryService, logger).RegisterRoutes(mux, authMiddleware, ownerMiddleware)
	handlers.NewConversationsHandler(conversationService, logger).RegisterRoutes(mux, authMiddleware, ownerMiddleware)
	handlers.NewCacheHandler(metadataStore, logger).RegisterRoutes(mux, authMiddleware, ownerMiddleware)
	handlers.NewWorkspaceContextHandler(contextService, logger).RegisterRoutes(mux, authMiddleware, ownerMiddleware)

	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting ekaya-sqlagent",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = server.Close()
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	totals := usage.Snapshot()
	logger.Info("LLM usage",
		zap.Int64("calls", totals.Calls),
		zap.Int64("prompt_tokens", totals.PromptTokens),
		zap.Int64("completion_tokens", totals.CompletionTokens))
	return nil
}

// migrate applies embedded migrations on a short-lived database/sql handle;
// the migrator closes the handle it is given.
func migrate(cfg *config.Config, logger *zap.Logger) error {
	sqlDB, err := sql.Open("pgx", cfg.Database.URL())
	if err != nil {
		return fmt.Errorf("open database for migrations: %w", err)
	}
	if err := database.RunMigrations(sqlDB, logger); err != nil {
		return err
	}
	return nil
}

func newLLMClient(cfg *config.Config, usage *llm.UsageTracker, logger *zap.Logger) (llm.LLMClient, error) {
	inner, err := llm.NewClientForProvider(llm.ProviderConfig{
		Provider: cfg.LLM.Provider,
		Endpoint: cfg.LLM.Endpoint,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey,
	}, logger)
	if err != nil {
		return nil, err
	}

	retryCfg := retry.RateLimitConfig()
	retryCfg.MaxRetries = cfg.LLM.MaxRetries

	return llm.NewRetryingClient(inner, cfg.LLM.Timeout, logger,
		llm.WithRetryConfig(retryCfg),
		llm.WithCircuitBreaker(llm.NewCircuitBreaker(llm.CircuitBreakerConfig{
			Threshold:  cfg.LLM.CircuitBreakerThreshold,
			ResetAfter: cfg.LLM.CircuitBreakerReset,
		})),
		llm.WithUsageTracker(usage),
		llm.WithObserver(llm.Observer{
			OnUsage: func(u llm.Usage) {
				metrics.AddTokens(u.PromptTokens, u.CompletionTokens)
			},
			OnRateLimitRetry: func(attempt int, err error) {
				metrics.IncrementRateLimitRetry()
			},
		}),
	), nil
}

func newMetadataStore(cfg *config.Config, db *database.DB, redisClient *redis.Client, logger *zap.Logger) (services.MetadataStore, error) {
	switch cfg.Metadata.Backend {
	case config.MetadataBackendPostgres:
		return services.NewPostgresMetadataStore(repositories.NewMetadataCacheRepository(),
			database.NewOwnerScopeProvider(db), cfg.Metadata.TTL, logger), nil
	case config.MetadataBackendRedis:
		if redisClient == nil {
			return nil, errors.New("redis metadata backend selected but redis is not configured")
		}
		return services.NewRedisMetadataStore(redisClient, cfg.Metadata.TTL, logger), nil
	default:
		return services.NewMemoryMetadataStore(cfg.Metadata.TTL, logger), nil
	}
}

package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/modelbridge/gateway/internal/api"
	"github.com/modelbridge/gateway/internal/auth"
	"github.com/modelbridge/gateway/internal/cache"
	"github.com/modelbridge/gateway/internal/callers"
	"github.com/modelbridge/gateway/internal/circuitbreaker"
	"github.com/modelbridge/gateway/internal/config"
	"github.com/modelbridge/gateway/internal/cost"
	"github.com/modelbridge/gateway/internal/crypto"
	"github.com/modelbridge/gateway/internal/gateway"
	"github.com/modelbridge/gateway/internal/metrics"
	"github.com/modelbridge/gateway/internal/normalize"
	"github.com/modelbridge/gateway/internal/notifications"
	"github.com/modelbridge/gateway/internal/provider"
	"github.com/modelbridge/gateway/internal/provider/anthropic"
	"github.com/modelbridge/gateway/internal/provider/bedrock"
	"github.com/modelbridge/gateway/internal/provider/ollama"
	"github.com/modelbridge/gateway/internal/provider/openai"
	"github.com/modelbridge/gateway/internal/quota"
	"github.com/modelbridge/gateway/internal/ratelimit"
	"github.com/modelbridge/gateway/internal/secrets"
	"github.com/modelbridge/gateway/internal/telemetry"
	"github.com/modelbridge/gateway/internal/usage"
)

const version = "0.1.0"

const (
	httpReadTimeout = 30 * time.Second
	httpIdleTimeout = 120 * time.Second
)

func main() {
	cfg := config.Load()
	setupLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.ProviderSecretsName != "" {
		store, err := secrets.NewAWSStore(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("secrets store setup failed", "error", err)
			os.Exit(1)
		}
		if err := cfg.LoadProviderSecrets(ctx, store); err != nil {
			slog.Error("provider secrets load failed", "error", err)
			os.Exit(1)
		}
		slog.Info("loaded provider credentials", "secret", cfg.ProviderSecretsName)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting modelbridge", "addr", cfg.Addr, "version", version)

	shutdownTracing, err := telemetry.Init(ctx, "modelbridge", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("tracing init failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	hostname, _ := os.Hostname()
	metrics.InitInstanceInfo(hostname, version)

	adapters, err := buildAdapters(ctx, cfg)
	if err != nil {
		slog.Error("provider setup failed", "error", err)
		os.Exit(1)
	}
	registry, err := provider.NewRegistry(cfg.DefaultProvider, adapters...)
	if err != nil {
		slog.Error("provider registry failed", "error", err)
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("database open failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
	}

	var callerStore callers.Store
	if db != nil {
		callerStore = callers.NewPostgres(db)
		slog.Info("using postgres caller store")
	} else {
		callerStore = callers.NewInMemory()
		slog.Info("using in-memory caller store")
	}

	var recorder usage.Recorder
	var reporter usage.Reporter
	if db != nil {
		pg := usage.NewPostgres(db)
		recorder, reporter = pg, pg
	} else {
		mem := usage.NewInMemory()
		recorder, reporter = mem, mem
	}
	if cfg.UsageQueue != "" {
		forwarder, err := usage.NewSQSForwarder(ctx, cfg.AWSRegion, cfg.UsageQueue)
		if err != nil {
			slog.Error("sqs forwarder setup failed", "error", err)
			os.Exit(1)
		}
		recorder = usage.Fanout{recorder, forwarder}
		slog.Info("forwarding usage records", "queue", cfg.UsageQueue)
	}

	var notifier notifications.Notifier = notifications.NewInMemoryNotifier()
	if cfg.AlertTopic != "" {
		notifier, err = notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.AlertTopic)
		if err != nil {
			slog.Error("sns notifier setup failed", "error", err)
			os.Exit(1)
		}
		slog.Info("quota alerts enabled", "topic", cfg.AlertTopic)
	}

	quotas := quota.NewManager(cfg.QuotaLimits(), notifications.NewQuotaSink(notifier))

	var responseCache cache.Cache
	if redisClient != nil {
		rc := cache.NewRedisCacheWithClient(redisClient)
		if cfg.EncryptionKey != "" {
			enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
			if err != nil {
				slog.Error("cache encryption setup failed", "error", err)
				os.Exit(1)
			}
			rc = rc.WithEncryptor(enc)
			slog.Info("cache encryption enabled")
		}
		responseCache = rc
		slog.Info("using redis response cache")
	} else {
		responseCache = cache.NewInMemoryCache()
		slog.Info("using in-memory response cache")
	}

	breakerOpts := []circuitbreaker.ManagerOption{}
	if cfg.UseDistributedBreaker && redisClient != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithRedisClient(redisClient, circuitbreaker.DefaultConfig()))
		slog.Info("using distributed circuit breakers")
	}
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), breakerOpts...)

	gw, err := gateway.New(gateway.Options{
		Providers:  registry,
		Normalizer: normalize.NewRegistry(),
		Callers:    callerStore,
		Limiter:    ratelimit.NewChain(ratelimit.NewTokenBucket(), nil),
		Limits: gateway.RateLimits{
			Global: ratelimit.Limit{Capacity: cfg.GlobalBurst, RefillPerSec: cfg.GlobalRPS},
		},
		Quotas:   quotas,
		Cache:    responseCache,
		Policy:   cache.DefaultPolicy(),
		Breakers: breakers,
		Costs:    cost.NewCalculator(),
		Usage:    recorder,
	})
	if err != nil {
		slog.Error("gateway setup failed", "error", err)
		os.Exit(1)
	}

	admin := buildAdmin(cfg, db, callerStore, reporter, quotas)

	var checkers []api.HealthChecker
	if redisClient != nil {
		checkers = append(checkers, api.NewRedisHealthChecker(redisClient))
	}
	if db != nil {
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
	}

	handler := api.NewHandler(api.HandlerConfig{
		Gateway:   gw,
		Providers: registry,
		Admin:     admin,
		Checkers:  checkers,
		Version:   version,
	})

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     handler,
		ReadTimeout: httpReadTimeout,
		// No write timeout: streaming responses stay open indefinitely.
		IdleTimeout: httpIdleTimeout,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func buildAdapters(ctx context.Context, cfg *config.Config) ([]provider.Adapter, error) {
	var adapters []provider.Adapter

	if cfg.OpenAIAPIKey != "" {
		a, err := openai.New(openai.Config{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
		slog.Info("registered provider", "provider", "openai")
	}
	if cfg.AnthropicAPIKey != "" {
		a, err := anthropic.New(anthropic.Config{APIKey: cfg.AnthropicAPIKey})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
		slog.Info("registered provider", "provider", "anthropic")
	}
	if cfg.OllamaBaseURL != "" {
		adapters = append(adapters, ollama.New(ollama.Config{BaseURL: cfg.OllamaBaseURL}))
		slog.Info("registered provider", "provider", "ollama", "url", cfg.OllamaBaseURL)
	}
	if cfg.BedrockRegion != "" {
		a, err := bedrock.New(ctx, cfg.BedrockRegion)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
		slog.Info("registered provider", "provider", "bedrock", "region", cfg.BedrockRegion)
	}

	return adapters, nil
}

func buildAdmin(cfg *config.Config, db *sql.DB, store callers.Store, reporter usage.Reporter, quotas *quota.Manager) *api.AdminHandler {
	adminCfg := api.AdminConfig{
		Callers: store,
		Usage:   reporter,
		Quotas:  quotas,
	}
	if cfg.AdminAuthEnabled {
		var accounts auth.AccountStore
		if db != nil {
			accounts = auth.NewPostgresStore(db)
		} else {
			mem := auth.NewInMemoryStore()
			if err := mem.Add(cfg.AdminUsername, cfg.AdminPassword, auth.RoleAdmin); err != nil {
				slog.Error("admin account setup failed", "error", err)
				os.Exit(1)
			}
			accounts = mem
		}
		adminCfg.Auth = auth.NewMiddleware(auth.NewAuthenticator(accounts))
	}
	return api.NewAdminHandler(adminCfg)
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

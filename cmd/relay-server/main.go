// Command relay-server runs the relay gateway: a multi-tenant HTTP API that
// discovers actions, previews executions, and dispatches them to webhook or
// queue receivers with signing, rate limiting, idempotency, and audit.
package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kmabbott81/relay-sub007/internal/adapter"
	"github.com/kmabbott81/relay-sub007/internal/api"
	"github.com/kmabbott81/relay-sub007/internal/audit"
	"github.com/kmabbott81/relay-sub007/internal/auth"
	"github.com/kmabbott81/relay-sub007/internal/config"
	"github.com/kmabbott81/relay-sub007/internal/engine"
	"github.com/kmabbott81/relay-sub007/internal/idempotency"
	"github.com/kmabbott81/relay-sub007/internal/ratelimit"
	"github.com/kmabbott81/relay-sub007/internal/registry"
	"github.com/kmabbott81/relay-sub007/internal/schema"
	"github.com/kmabbott81/relay-sub007/internal/signing"
	"github.com/kmabbott81/relay-sub007/internal/store"
	"github.com/kmabbott81/relay-sub007/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting relay server",
		zap.String("http_port", cfg.HTTPPort),
		zap.Duration("token_ttl", cfg.TokenTTL),
		zap.Duration("replay_window", cfg.ReplayWindow),
		zap.Duration("idempotency_ttl", cfg.IdempotencyTTL),
		zap.Int("rate_per_minute", cfg.RatePerMinute),
		zap.Int("rate_burst", cfg.RateBurst),
	)

	tokenSecret := secretOrEphemeral(cfg.TokenSecret, "RELAY_TOKEN_SECRET", logger)
	signingSecret := secretOrEphemeral(cfg.SigningSecret, "RELAY_SIGNING_SECRET", logger)

	// Redis backs the rate limiter, the idempotency store, and the queue
	// dispatcher. Without it the in-memory fallbacks serve a single node.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Fatal("failed to ping redis", zap.Error(err))
		}
		defer func() { _ = redisClient.Close() }()
		logger.Info("redis connected", zap.String("addr", cfg.RedisAddr))
	} else {
		logger.Info("no REDIS_ADDR set, using in-memory rate limiter and idempotency store")
	}

	// Postgres holds workspaces and action definitions.
	var pgStore *store.Store
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		pgStore = store.NewStore(db)
		logger.Info("postgres connected")
	} else {
		logger.Info("no POSTGRES_DSN set, using static workspaces and actions")
	}

	// Authenticator
	var authenticator auth.Authenticator
	if pgStore != nil {
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			Store:    pgStore,
			CacheTTL: cfg.AuthCacheTTL,
			Logger:   logger,
		})
	} else {
		authenticator = auth.NewStaticAuthenticator(cfg.APIKeys)
		if cfg.APIKeys == "" {
			logger.Warn("RELAY_API_KEYS is empty, accepting any rk_ key (dev mode)")
		}
	}

	// Action registry
	var actionRegistry registry.ActionRegistry
	switch {
	case pgStore != nil:
		actionRegistry = registry.NewPostgresRegistry(registry.PostgresRegistryConfig{
			Store:    pgStore,
			CacheTTL: cfg.RegistryCacheTTL,
			Logger:   logger,
		})
	case cfg.ActionsFile != "":
		static, err := registry.LoadStaticRegistry(cfg.ActionsFile)
		if err != nil {
			logger.Fatal("failed to load actions file",
				zap.String("path", cfg.ActionsFile),
				zap.Error(err),
			)
		}
		actionRegistry = static
		logger.Info("loaded actions file", zap.String("path", cfg.ActionsFile))
	default:
		actionRegistry = registry.NewStaticRegistry(registry.DefaultDevActions())
		logger.Info("no action source configured, serving built-in dev actions")
	}

	// Audit sink: ClickHouse, or an in-memory ring that also serves reads.
	var recorder audit.Recorder
	var reader audit.Reader
	if cfg.ClickHouseDSN != "" {
		chRecorder, err := audit.NewClickHouseRecorder(cfg.ClickHouseDSN, cfg.AuditBuffer, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log recorder",
				zap.Error(err),
			)
			recorder = audit.NewLogRecorder(logger)
		} else {
			recorder = chRecorder
			logger.Info("clickhouse recorder connected")
			chReader, err := audit.NewClickHouseReader(cfg.ClickHouseDSN, logger)
			if err != nil {
				logger.Warn("clickhouse reader connection failed, audit reads unavailable",
					zap.Error(err),
				)
			} else {
				defer func() { _ = chReader.Close() }()
				reader = chReader
			}
		}
	} else {
		mem := audit.NewMemoryRecorder(cfg.AuditBuffer)
		recorder = mem
		reader = mem
		logger.Info("no CLICKHOUSE_DSN set, keeping audit events in memory")
	}
	defer recorder.Close()

	// Rate limiter and idempotency store
	ttls := idempotency.TTLs{
		Record:          cfg.IdempotencyTTL,
		FailureCooldown: cfg.FailureCooldown,
	}
	var admitter ratelimit.Admitter
	var idemStore idempotency.Store
	if redisClient != nil {
		admitter = ratelimit.NewRedisAdmitter(redisClient)
		idemStore = idempotency.NewRedisStore(redisClient, ttls)
	} else {
		memAdmitter := ratelimit.NewMemoryAdmitter()
		defer func() { _ = memAdmitter.Close() }()
		admitter = memAdmitter
		memIdem := idempotency.NewMemoryStore(ttls)
		defer func() { _ = memIdem.Close() }()
		idemStore = memIdem
	}

	// Dispatchers
	dispatchers := []adapter.KindDispatcher{
		adapter.NewWebhookDispatcher(adapter.WebhookDispatcherConfig{
			Signer:  signing.New(signingSecret),
			Timeout: cfg.WebhookTimeout,
			Logger:  logger,
		}),
	}
	if redisClient != nil {
		dispatchers = append(dispatchers, adapter.NewQueueDispatcher(adapter.QueueDispatcherConfig{
			Client:  redisClient,
			Signer:  signing.New(signingSecret),
			Timeout: cfg.WebhookTimeout,
			Logger:  logger,
		}))
	} else {
		logger.Info("no REDIS_ADDR set, queue actions cannot dispatch")
	}

	eng := engine.New(engine.Config{
		Registry:    actionRegistry,
		Validator:   schema.NewValidator(),
		Issuer:      token.NewIssuer(tokenSecret, cfg.TokenTTL),
		Admitter:    admitter,
		Idempotency: idemStore,
		Dispatcher:  adapter.NewMux(dispatchers...),
		Recorder:    recorder,
		Logger:      logger,
		DefaultPolicy: ratelimit.Policy{
			PerMinute: cfg.RatePerMinute,
			Burst:     cfg.RateBurst,
		},
		ValidateAll:  cfg.ValidateAll,
		InFlightWait: cfg.InFlightWait,
	})

	deps := &api.Dependencies{
		Auth:         authenticator,
		Engine:       eng,
		Reader:       reader,
		Logger:       logger,
		MaxAuditRead: cfg.AuditMaxRead,
	}
	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown; the deferred recorder.Close drains the audit buffer
	// after in-flight requests finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("relay server stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

// secretOrEphemeral returns the configured secret, or generates a random one.
// Ephemeral secrets keep a dev server working but tokens and signatures made
// with them are worthless across restarts or replicas.
func secretOrEphemeral(value, name string, logger *zap.Logger) []byte {
	if value != "" {
		return []byte(value)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		logger.Fatal("failed to generate ephemeral secret", zap.String("name", name), zap.Error(err))
	}
	logger.Warn("generated ephemeral secret, set the env var for production use",
		zap.String("name", name),
	)
	return []byte(hex.EncodeToString(buf))
}

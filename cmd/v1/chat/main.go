package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/labrook/dino/internal/v1/acl"
	"github.com/labrook/dino/internal/v1/activity"
	"github.com/labrook/dino/internal/v1/api"
	"github.com/labrook/dino/internal/v1/auth"
	"github.com/labrook/dino/internal/v1/bus"
	"github.com/labrook/dino/internal/v1/config"
	"github.com/labrook/dino/internal/v1/dispatch"
	"github.com/labrook/dino/internal/v1/health"
	"github.com/labrook/dino/internal/v1/logging"
	"github.com/labrook/dino/internal/v1/middleware"
	"github.com/labrook/dino/internal/v1/ratelimit"
	"github.com/labrook/dino/internal/v1/rest"
	"github.com/labrook/dino/internal/v1/session"
	"github.com/labrook/dino/internal/v1/store"
	"github.com/labrook/dino/internal/v1/tracing"
	"github.com/labrook/dino/internal/v1/transport"
	"github.com/labrook/dino/internal/v1/types"
	"github.com/labrook/dino/internal/v1/validation"
)

func main() {
	// Load .env file for local development.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	developmentMode := cfg.DevelopmentMode
	if developmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}
	if err := logging.Initialize(developmentMode); err != nil {
		slog.Error("Failed to initialize logging", "error", err)
		os.Exit(1)
	}
	log := logging.GetLogger()
	defer func() { _ = log.Sync() }()

	// Optional OTLP tracing.
	if endpoint := os.Getenv(tracing.EndpointEnvVar); endpoint != "" {
		tp, err := tracing.InitTracer(context.Background(), "dino-chat", endpoint)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(ctx)
			}()
		}
	}

	// --- Redis: bus, sessions and rate limit state ---
	busService, err := bus.NewService(cfg.RedisAddr, cfg.RedisPassword, log)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("✅ Redis initialized", "addr", cfg.RedisAddr)

	sessions := session.NewRedisStore(busService.Client(), 24*time.Hour, log)

	// --- Store: Postgres when configured, in-memory otherwise ---
	var (
		chatStore types.Store
		pg        *store.Postgres
	)
	if cfg.DatabaseURL != "" {
		pg, err = store.NewPostgres(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("Failed to connect to Postgres", "error", err)
			os.Exit(1)
		}
		chatStore = pg
		slog.Info("✅ Postgres store initialized")
	} else {
		chatStore = store.NewMemory()
		slog.Warn("DATABASE_URL not set, using in-memory store (no durability)")
	}

	// --- Auth: Auth0 JWKS validator, mock in development ---
	skipAuth := cfg.SkipAuth
	if !skipAuth && (cfg.Auth0Domain == "" || cfg.Auth0Audience == "") {
		if developmentMode {
			slog.Warn("⚠️  Development Mode: Auth0 credentials missing. Auto-enabling SKIP_AUTH.")
			skipAuth = true
		} else {
			slog.Error("AUTH0_DOMAIN and AUTH0_AUDIENCE must be set in environment when SKIP_AUTH=false")
			os.Exit(1)
		}
	}

	var tokenValidator auth.TokenValidator
	if skipAuth {
		slog.Warn("⚠️ Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		tokenValidator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(context.Background(), cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			slog.Error("Failed to create auth validator", "error", err)
			os.Exit(1)
		}
		slog.Info("✅ Auth0 validator initialized", "domain", cfg.Auth0Domain, "audience", cfg.Auth0Audience)
		tokenValidator = v
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = activity.DefaultNamespace
	}

	hub := transport.NewHub(log)

	env := &types.Env{
		Store:     chatStore,
		Sessions:  sessions,
		Broadcast: hub,
		Bus:       busService,
		Auth:      auth.NewService(tokenValidator),
		Namespace: namespace,
	}

	// --- ACL engine and request validator ---
	deps := acl.Deps{Roles: chatStore, Channels: chatStore}
	var aclConfig *acl.Config
	if cfg.ACLConfigPath != "" {
		aclConfig, err = acl.LoadConfig(cfg.ACLConfigPath, deps)
		if err != nil {
			slog.Error("Failed to load ACL configuration", "path", cfg.ACLConfigPath, "error", err)
			os.Exit(1)
		}
	} else {
		aclConfig = acl.DefaultConfig(deps)
	}
	requestValidator := validation.New(env, acl.NewEngine(aclConfig), log)

	executor := api.New(env, requestValidator, hub, log)

	// --- Moderation dispatcher on the internal bus ---
	dispatcher := dispatch.New(env, log)
	busCtx, busCancel := context.WithCancel(context.Background())
	var busWg sync.WaitGroup
	busService.Subscribe(busCtx, &busWg, func(act *activity.Activity) {
		dispatcher.HandleServerActivity(busCtx, act)
	})

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Set up Server ---
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("dino-chat"))
	router.Use(middleware.CorrelationID())

	wsServer := transport.NewServer(hub, executor, rateLimiter, namespace, allowedOrigins, log)
	router.GET("/ws", wsServer.ServeWs)

	apiGroup := router.Group("/api")
	apiGroup.Use(rateLimiter.GlobalMiddleware())
	rest.NewHandler(env, log).Register(apiGroup)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(busService, healthDB(pg))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	go func() {
		slog.Info("API server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during Hub shutdown:", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	busCancel()
	busWg.Wait()

	if err := busService.Close(); err != nil {
		slog.Error("Failed to close Redis connection:", "error", err)
	} else {
		slog.Info("Redis connection closed")
	}

	if pg != nil {
		if err := pg.Close(ctx); err != nil {
			slog.Error("Failed to close Postgres pool:", "error", err)
		}
	}

	slog.Info("Server exiting")
}

// healthDB avoids handing the readiness probe a typed-nil interface when the
// in-memory store is in use.
func healthDB(pg *store.Postgres) health.Pinger {
	if pg == nil {
		return nil
	}
	return pg
}

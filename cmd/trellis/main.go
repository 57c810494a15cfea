package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trellisauth/trellis/internal/app"
	"github.com/trellisauth/trellis/internal/auth"
	"github.com/trellisauth/trellis/internal/claims"
	"github.com/trellisauth/trellis/internal/observability"
	"github.com/trellisauth/trellis/internal/platform/cache"
	"github.com/trellisauth/trellis/internal/platform/db"
	"github.com/trellisauth/trellis/internal/rbac"
	"github.com/trellisauth/trellis/internal/shared"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	reg, err := app.BuildRegistry()
	if err != nil {
		logger.Error("build registry", slog.Any("error", err))
		os.Exit(1)
	}

	auditLogger := shared.NewAuditLogger(pool)
	generations := rbac.NewRedisGenerations(redisClient, logger)
	metrics := observability.NewMetrics()

	engine := rbac.NewService(rbac.NewRepository(pool), reg, logger, cfg.RBACPolicy(), auditLogger, generations, metrics)

	var reconciler claims.Reconciler
	if cfg.ClaimsRulesPath != "" {
		data, err := os.ReadFile(cfg.ClaimsRulesPath)
		if err != nil {
			logger.Error("read claims rules", slog.Any("error", err))
			os.Exit(1)
		}
		rules, err := claims.ParseRules(data)
		if err != nil {
			logger.Error("parse claims rules", slog.Any("error", err))
			os.Exit(1)
		}
		reconciler = claims.NewTriggerReconciler(engine, rules, logger)
		logger.Info("claims reconciliation enabled", slog.Int("rules", len(rules)))
	}

	authService := auth.NewService(auth.NewRepository(pool), reconciler, logger)

	handler := rbac.NewHandler(logger, engine, rbac.Middleware{Service: engine, Logger: logger})

	router := app.NewRouter(app.RouterParams{
		Logger:      logger,
		Config:      cfg,
		AuthService: authService,
		RBACHandler: handler,
		Metrics:     metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

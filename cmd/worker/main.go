package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/trellisauth/trellis/internal/app"
	"github.com/trellisauth/trellis/internal/observability"
	"github.com/trellisauth/trellis/internal/platform/cache"
	"github.com/trellisauth/trellis/internal/platform/db"
	"github.com/trellisauth/trellis/internal/rbac"
	"github.com/trellisauth/trellis/internal/shared"
	"github.com/trellisauth/trellis/jobs"
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

	engine := rbac.NewService(
		rbac.NewRepository(pool),
		reg,
		logger,
		cfg.RBACPolicy(),
		shared.NewAuditLogger(pool),
		rbac.NewRedisGenerations(redisClient, logger),
		observability.NewMetrics(),
	)

	driftTask, err := jobs.NewDriftAuditTask(time.Now().UTC(), false)
	if err != nil {
		logger.Error("build drift task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskDriftAudit, Handler: jobs.HandleDriftAuditTask(engine, logger)},
			{Type: jobs.TaskFullRecompute, Handler: jobs.HandleFullRecomputeTask(engine, logger)},
		},
		Cron: []jobs.CronRegistration{
			{
				Spec:    fmt.Sprintf("@every %s", cfg.DriftAuditInterval),
				Task:    driftTask,
				Options: []asynq.Option{asynq.MaxRetry(3)},
			},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

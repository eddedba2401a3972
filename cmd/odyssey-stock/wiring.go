package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-stock/internal/app"
	"github.com/odyssey-erp/odyssey-stock/internal/observability"
	"github.com/odyssey-erp/odyssey-stock/internal/orders"
	"github.com/odyssey-erp/odyssey-stock/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-stock/internal/platform/db"
	"github.com/odyssey-erp/odyssey-stock/internal/shared"
	"github.com/odyssey-erp/odyssey-stock/internal/stock"
	"github.com/odyssey-erp/odyssey-stock/jobs"
)

// idempotencyStore is satisfied by both the Postgres and in-memory stores.
type idempotencyStore interface {
	stock.IdempotencyPort
	jobs.IdempotencyCleaner
}

// services holds the wired domain layer and the handles it owns.
type services struct {
	stock       *stock.Service
	orders      *orders.Service
	idempotency idempotencyStore
	pool        *pgxpool.Pool
	redis       *redis.Client
}

func buildServices(ctx context.Context, cfg *app.Config, logger *slog.Logger, metrics *observability.Metrics) (*services, error) {
	loc, err := cfg.OrderCodeLocation()
	if err != nil {
		return nil, err
	}
	out := &services{}

	var (
		stockRepo  stock.RepositoryPort
		ordersRepo orders.RepositoryPort
		audit      stock.AuditPort
	)
	switch cfg.StoreDriver {
	case app.StoreDriverMemory:
		logger.Warn("using in-memory store, data is lost on exit")
		stockRepo = stock.NewMemoryRepository()
		ordersRepo = orders.NewMemoryRepository()
		out.idempotency = shared.NewMemoryIdempotencyStore()
	default:
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		out.pool = pool
		stockRepo = stock.NewRepository(pool)
		ordersRepo = orders.NewRepository(pool)
		audit = shared.NewAuditLogger(pool)
		out.idempotency = shared.NewIdempotencyStore(pool)
	}

	stockCfg := stock.ServiceConfig{Recorder: metrics, Logger: logger}
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, balance cache disabled", slog.Any("error", err))
	} else {
		out.redis = redisClient
		if cfg.BalanceCacheTTL > 0 {
			stockCfg.Cache = stock.NewCache(redisClient, cfg.BalanceCacheTTL)
		}
	}

	out.stock = stock.NewService(stockRepo, audit, stockCfg)
	out.orders = orders.NewService(ordersRepo, audit, orders.ServiceConfig{
		Location: loc,
		Recorder: metrics,
		Logger:   logger,
	})
	return out, nil
}

func (s *services) health(r *http.Request) error {
	if s.pool == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	return nil
}

func (s *services) Close(logger *slog.Logger) {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

func newWorker(cfg *app.Config, logger *slog.Logger, svc *services, metrics *observability.Metrics) (*jobs.Worker, error) {
	loc, err := cfg.OrderCodeLocation()
	if err != nil {
		return nil, err
	}
	reconcileTask, err := jobs.NewReconcileTask("scheduler")
	if err != nil {
		return nil, err
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyRetention)
	if err != nil {
		return nil, err
	}
	return jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Location:  loc,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskStockReconcile, Handler: jobs.NewReconcileHandler(svc.stock, metrics, logger)},
			{Type: jobs.TaskIdempotencyCleanup, Handler: jobs.NewIdempotencyCleanupHandler(svc.idempotency, cfg.IdempotencyRetention, metrics, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReconcileCron, Task: reconcileTask},
			{Spec: "@hourly", Task: cleanupTask},
		},
	})
}

func runWorker(ctx context.Context, worker *jobs.Worker, logger *slog.Logger) {
	logger.Info("starting job worker")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("job worker", slog.Any("error", err))
	}
}

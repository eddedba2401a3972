package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-stock/internal/stock"
)

// Reconciler replays ledgers against balances.
type Reconciler interface {
	ReconcileAll(ctx context.Context) (stock.ReconcileReport, error)
}

// IdempotencyCleaner removes expired idempotency keys.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// RunRecorder counts job runs.
type RunRecorder interface {
	ObserveJob(task string, err error)
}

// NewReconcileHandler returns the asynq handler for TaskStockReconcile.
// Mismatches are logged and counted by the stock service; the run itself
// only fails on storage errors.
func NewReconcileHandler(reconciler Reconciler, recorder RunRecorder, logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ReconcilePayload
		if len(t.Payload()) > 0 {
			if err := json.Unmarshal(t.Payload(), &payload); err != nil {
				return fmt.Errorf("decode reconcile payload: %v: %w", err, asynq.SkipRetry)
			}
		}
		report, err := reconciler.ReconcileAll(ctx)
		observe(recorder, TaskStockReconcile, err)
		if err != nil {
			logger.Error("stock reconcile failed", slog.Any("error", err))
			return err
		}
		logger.Info("stock reconcile finished",
			slog.String("job", TaskStockReconcile),
			slog.String("requested_by", payload.RequestedBy),
			slog.Int("checked", report.Checked),
			slog.Int("mismatches", len(report.Mismatches)))
		return nil
	}
}

// NewIdempotencyCleanupHandler returns the asynq handler for
// TaskIdempotencyCleanup. A zero retention in the payload falls back to
// defaultRetention.
func NewIdempotencyCleanupHandler(cleaner IdempotencyCleaner, defaultRetention time.Duration, recorder RunRecorder, logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var payload CleanupPayload
		if len(t.Payload()) > 0 {
			if err := json.Unmarshal(t.Payload(), &payload); err != nil {
				return fmt.Errorf("decode cleanup payload: %v: %w", err, asynq.SkipRetry)
			}
		}
		retention := payload.Retention()
		if retention <= 0 {
			retention = defaultRetention
		}
		removed, err := cleaner.Cleanup(ctx, retention)
		observe(recorder, TaskIdempotencyCleanup, err)
		if err != nil {
			logger.Error("idempotency cleanup failed", slog.Any("error", err))
			return err
		}
		logger.Info("idempotency cleanup finished", slog.Int64("removed", removed), slog.Duration("retention", retention))
		return nil
	}
}

func observe(recorder RunRecorder, task string, err error) {
	if recorder != nil {
		recorder.ObserveJob(task, err)
	}
}

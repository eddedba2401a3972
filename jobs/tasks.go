package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStockReconcile replays every variant's ledger against its balance.
	TaskStockReconcile = "stock:reconcile"
	// TaskIdempotencyCleanup drops expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// ReconcilePayload carries no options today; it keeps the task body JSON.
type ReconcilePayload struct {
	RequestedBy string `json:"requested_by,omitempty"`
}

// CleanupPayload describes the retention of idempotency keys.
type CleanupPayload struct {
	RetentionSeconds int64 `json:"retention_seconds"`
}

// Retention converts the payload into a duration.
func (p CleanupPayload) Retention() time.Duration {
	return time.Duration(p.RetentionSeconds) * time.Second
}

// NewReconcileTask constructs a stock reconcile task.
func NewReconcileTask(requestedBy string) (*asynq.Task, error) {
	data, err := json.Marshal(ReconcilePayload{RequestedBy: requestedBy})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockReconcile, data, asynq.Queue(QueueDefault), asynq.Unique(10*time.Minute)), nil
}

// NewIdempotencyCleanupTask constructs a cleanup task for keys older than
// retention.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(CleanupPayload{RetentionSeconds: int64(retention / time.Second)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data, asynq.Queue(QueueDefault)), nil
}

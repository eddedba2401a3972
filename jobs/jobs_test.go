package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-stock/internal/shared"
	"github.com/odyssey-erp/odyssey-stock/internal/stock"
)

type stubReconciler struct {
	report stock.ReconcileReport
	err    error
	calls  int
}

func (s *stubReconciler) ReconcileAll(context.Context) (stock.ReconcileReport, error) {
	s.calls++
	return s.report, s.err
}

type stubCleaner struct {
	retention time.Duration
	removed   int64
}

func (s *stubCleaner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.retention = olderThan
	return s.removed, nil
}

type runs map[string][]error

func (r runs) ObserveJob(task string, err error) { r[task] = append(r[task], err) }

func TestReconcileHandler(t *testing.T) {
	rec := runs{}
	reconciler := &stubReconciler{report: stock.ReconcileReport{Checked: 3}}
	handler := NewReconcileHandler(reconciler, rec, nil)

	task, err := NewReconcileTask("cron")
	require.NoError(t, err)
	require.Equal(t, TaskStockReconcile, task.Type())
	require.NoError(t, handler(context.Background(), task))
	require.Equal(t, 1, reconciler.calls)

	boom := errors.New("boom")
	reconciler.err = boom
	require.ErrorIs(t, handler(context.Background(), task), boom)
	require.Equal(t, []error{nil, boom}, rec[TaskStockReconcile])

	err = handler(context.Background(), asynq.NewTask(TaskStockReconcile, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestIdempotencyCleanupHandlerRetention(t *testing.T) {
	cleaner := &stubCleaner{removed: 4}
	handler := NewIdempotencyCleanupHandler(cleaner, 72*time.Hour, nil, nil)

	task, err := NewIdempotencyCleanupTask(2 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), task))
	require.Equal(t, 2*time.Hour, cleaner.retention)

	require.NoError(t, handler(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	require.Equal(t, 72*time.Hour, cleaner.retention)
}

func TestIdempotencyCleanupAgainstMemoryStore(t *testing.T) {
	store := shared.NewMemoryIdempotencyStore()
	require.NoError(t, store.CheckAndInsert(context.Background(), "k1", "stock:reserve"))
	handler := NewIdempotencyCleanupHandler(store, time.Hour, nil, nil)

	task, err := NewIdempotencyCleanupTask(0)
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), task))
	require.ErrorIs(t, store.CheckAndInsert(context.Background(), "k1", "stock:reserve"), shared.ErrIdempotencyConflict)
}

func TestNewWorkerRejectsBadCron(t *testing.T) {
	task, err := NewReconcileTask("cron")
	require.NoError(t, err)
	_, err = NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: "127.0.0.1:0"},
		Cron:      []CronRegistration{{Spec: "not a cron", Task: task}},
	})
	require.Error(t, err)
}

type stubEnqueuer struct {
	requestedBy string
	err         error
}

func (s *stubEnqueuer) EnqueueReconcile(_ context.Context, requestedBy string) (*asynq.TaskInfo, error) {
	s.requestedBy = requestedBy
	if s.err != nil {
		return nil, s.err
	}
	return &asynq.TaskInfo{ID: "t-1", Queue: QueueDefault}, nil
}

type stubInspector struct{ pending int }

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return &asynq.QueueInfo{Queue: queue, Pending: s.pending}, nil
}

func TestHandlerRoutes(t *testing.T) {
	enq := &stubEnqueuer{}
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(stubInspector{pending: 2}, enq, nil).MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health queueHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, queueHealth{Queue: QueueDefault, Pending: 2}, health)

	req := httptest.NewRequest(http.MethodPost, "/jobs/reconcile", nil)
	req = req.WithContext(shared.ContextWithActor(req.Context(), "ops"))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "ops", enq.requestedBy)

	enq.err = asynq.ErrDuplicateTask
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/reconcile", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerWithoutWorker(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(nil, nil, nil).MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/reconcile", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

package stock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func newTestService(t *testing.T) (*Service, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository()
	return NewService(repo, nil, ServiceConfig{}), repo
}

func seedVariant(t *testing.T, svc *Service, sku string, available int64) uuid.UUID {
	t.Helper()
	v, err := svc.CreateVariant(context.Background(), CreateVariantInput{SKU: sku, Available: available})
	require.NoError(t, err)
	return v.ID
}

func balance(t *testing.T, repo *MemoryRepository, id uuid.UUID) Variant {
	t.Helper()
	v, err := repo.GetVariant(context.Background(), id)
	require.NoError(t, err)
	return v
}

func requireReconciled(t *testing.T, svc *Service, id uuid.UUID) {
	t.Helper()
	rec, err := svc.Reconcile(context.Background(), id)
	require.NoError(t, err)
	require.True(t, rec.Consistent(), "ledger does not reproduce balance: %+v", rec)
	require.GreaterOrEqual(t, rec.Available, int64(0))
	require.GreaterOrEqual(t, rec.Reserved, int64(0))
}

func ptr(id uuid.UUID) *uuid.UUID { return &id }

func TestReserveConfirmScenario(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	v1 := seedVariant(t, svc, "V1", 10)
	order := uuid.New()

	res, err := svc.ReserveBatch(ctx, ReserveInput{OrderID: ptr(order), Items: []Item{{VariantID: v1, Quantity: 4}}})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, res.Items, 1)
	require.Equal(t, int64(10), res.Items[0].PreviousStock)
	require.Equal(t, int64(6), res.Items[0].NewStock)
	require.Equal(t, int64(4), res.Items[0].Deducted)
	require.Equal(t, Variant{ID: v1, SKU: "V1", Available: 6, Reserved: 4}, withoutTime(balance(t, repo, v1)))

	item, err := svc.ConfirmReservation(ctx, ConfirmInput{VariantID: v1, Quantity: 4, OrderID: order})
	require.NoError(t, err)
	require.Equal(t, int64(4), item.Confirmed)
	require.Equal(t, Variant{ID: v1, SKU: "V1", Available: 6, Reserved: 0}, withoutTime(balance(t, repo, v1)))

	movements, err := svc.ListMovements(ctx, MovementFilter{OrderID: order})
	require.NoError(t, err)
	require.Len(t, movements, 1)
	require.Equal(t, MovementSold, movements[0].Type)
	require.Equal(t, int64(-4), movements[0].Quantity)

	restored, err := svc.RestoreBatch(ctx, RestoreInput{OrderID: ptr(order), Items: []Item{{VariantID: v1, Quantity: 4}}})
	require.NoError(t, err)
	require.True(t, restored.Success)
	require.Zero(t, restored.Items[0].Restored)
	require.Equal(t, Variant{ID: v1, SKU: "V1", Available: 6, Reserved: 0}, withoutTime(balance(t, repo, v1)))
	requireReconciled(t, svc, v1)
}

func TestReserveBatchIsAtomic(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	a := seedVariant(t, svc, "A", 5)
	b := seedVariant(t, svc, "B", 1)
	c := seedVariant(t, svc, "C", 5)

	res, err := svc.ReserveBatch(ctx, ReserveInput{Items: []Item{
		{VariantID: a, Quantity: 2},
		{VariantID: b, Quantity: 3},
		{VariantID: c, Quantity: 2},
	}})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	require.Equal(t, b, res.Errors[0].VariantID)
	require.Equal(t, "B", res.Errors[0].SKU)
	require.Equal(t, int64(3), res.Errors[0].Requested)
	require.Equal(t, int64(1), res.Errors[0].Available)

	require.Equal(t, int64(5), balance(t, repo, a).Available)
	require.Equal(t, int64(1), balance(t, repo, b).Available)
	require.Equal(t, int64(5), balance(t, repo, c).Available)
	require.Zero(t, balance(t, repo, a).Reserved)

	movements, err := svc.ListMovements(ctx, MovementFilter{VariantID: a})
	require.NoError(t, err)
	require.Len(t, movements, 1, "only the opening entry")
}

func TestReserveBatchReportsEveryFailure(t *testing.T) {
	svc, _ := newTestService(t)
	a := seedVariant(t, svc, "A", 1)
	missing := uuid.New()

	res, err := svc.ReserveBatch(context.Background(), ReserveInput{Items: []Item{
		{VariantID: missing, Quantity: 1},
		{VariantID: a, Quantity: 2},
	}})
	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	require.Len(t, res.Errors, 2)
	require.Equal(t, shared.CodeNotFound, res.Errors[0].Code)
	require.Equal(t, shared.CodeInsufficientStock, res.Errors[1].Code)
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
}

func TestReserveBatchDuplicateLinesShareBalance(t *testing.T) {
	svc, repo := newTestService(t)
	a := seedVariant(t, svc, "A", 8)

	_, err := svc.ReserveBatch(context.Background(), ReserveInput{Items: []Item{
		{VariantID: a, Quantity: 5},
		{VariantID: a, Quantity: 5},
	}})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.Equal(t, int64(8), balance(t, repo, a).Available)

	res, err := svc.ReserveBatch(context.Background(), ReserveInput{Items: []Item{
		{VariantID: a, Quantity: 5},
		{VariantID: a, Quantity: 3},
	}})
	require.NoError(t, err)
	require.Equal(t, int64(3), res.Items[1].PreviousStock)
	require.Equal(t, int64(0), res.Items[1].NewStock)
	require.Equal(t, Variant{ID: a, SKU: "A", Available: 0, Reserved: 8}, withoutTime(balance(t, repo, a)))
	requireReconciled(t, svc, a)
}

func TestReserveBatchValidation(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ReserveBatch(context.Background(), ReserveInput{})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.ReserveBatch(context.Background(), ReserveInput{Items: []Item{{VariantID: uuid.New(), Quantity: 0}}})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestNoOversellUnderContention(t *testing.T) {
	svc, repo := newTestService(t)
	const stock = 7
	const callers = 25
	v := seedVariant(t, svc, "HOT", stock)

	var (
		mu        sync.Mutex
		successes int
		shortfall int
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			_, err := svc.ReserveBatch(ctx, ReserveInput{OrderID: ptr(uuid.New()), Items: []Item{{VariantID: v, Quantity: stock}}})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, shared.ErrInsufficientStock):
				shortfall++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 1, successes)
	require.Equal(t, callers-1, shortfall)
	require.Equal(t, Variant{ID: v, SKU: "HOT", Available: 0, Reserved: stock}, withoutTime(balance(t, repo, v)))
	requireReconciled(t, svc, v)
}

func TestOverlappingBatchesDoNotDeadlock(t *testing.T) {
	svc, repo := newTestService(t)
	a := seedVariant(t, svc, "A", 1000)
	b := seedVariant(t, svc, "B", 1000)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 50; i++ {
		items := []Item{{VariantID: a, Quantity: 1}, {VariantID: b, Quantity: 1}}
		if i%2 == 1 {
			items[0], items[1] = items[1], items[0]
		}
		g.Go(func() error {
			_, err := svc.ReserveBatch(gctx, ReserveInput{Items: items})
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int64(950), balance(t, repo, a).Available)
	require.Equal(t, int64(950), balance(t, repo, b).Available)
}

func TestReserveRestoreRoundTrip(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	v := seedVariant(t, svc, "RT", 12)
	before := withoutTime(balance(t, repo, v))
	order := uuid.New()

	_, err := svc.ReserveBatch(ctx, ReserveInput{OrderID: ptr(order), Items: []Item{{VariantID: v, Quantity: 5}}})
	require.NoError(t, err)
	res, err := svc.RestoreBatch(ctx, RestoreInput{OrderID: ptr(order), Reason: "order cancelled", Items: []Item{{VariantID: v, Quantity: 5}}})
	require.NoError(t, err)
	require.Equal(t, int64(5), res.Items[0].Restored)
	require.Equal(t, before, withoutTime(balance(t, repo, v)))

	movements, err := svc.ListMovements(ctx, MovementFilter{VariantID: v, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, MovementRestored, movements[0].Type)
	require.Equal(t, "order cancelled", movements[0].Reason)
	requireReconciled(t, svc, v)
}

func TestRestoreBatchSkipsMissingAndFloorsReserved(t *testing.T) {
	svc, repo := newTestService(t)
	v := seedVariant(t, svc, "R", 2)
	missing := uuid.New()

	res, err := svc.RestoreBatch(context.Background(), RestoreInput{Items: []Item{
		{VariantID: missing, Quantity: 3},
		{VariantID: v, Quantity: 3},
	}})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, []uuid.UUID{missing}, res.Skipped)
	require.Equal(t, Variant{ID: v, SKU: "R", Available: 5, Reserved: 0}, withoutTime(balance(t, repo, v)))
	requireReconciled(t, svc, v)
}

func TestConfirmReservationFailures(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	v := seedVariant(t, svc, "CF", 10)
	order := uuid.New()

	_, err := svc.ConfirmReservation(ctx, ConfirmInput{VariantID: v, Quantity: 1, OrderID: order})
	require.ErrorIs(t, err, shared.ErrInsufficientReserved)

	_, err = svc.ConfirmReservation(ctx, ConfirmInput{VariantID: uuid.New(), Quantity: 1, OrderID: order})
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = svc.ReserveBatch(ctx, ReserveInput{OrderID: ptr(order), Items: []Item{{VariantID: v, Quantity: 3}}})
	require.NoError(t, err)
	_, err = svc.ReserveBatch(ctx, ReserveInput{OrderID: ptr(order), Items: []Item{{VariantID: v, Quantity: 2}}})
	require.NoError(t, err)

	_, err = svc.ConfirmReservation(ctx, ConfirmInput{VariantID: v, Quantity: 6, OrderID: order})
	require.ErrorIs(t, err, shared.ErrInsufficientReserved)

	_, err = svc.ConfirmReservation(ctx, ConfirmInput{VariantID: v, Quantity: 2, OrderID: uuid.New()})
	require.ErrorIs(t, err, shared.ErrInsufficientReserved)

	_, err = svc.ConfirmReservation(ctx, ConfirmInput{VariantID: v, Quantity: 3, OrderID: order})
	require.NoError(t, err)
	require.Equal(t, Variant{ID: v, SKU: "CF", Available: 5, Reserved: 2}, withoutTime(balance(t, repo, v)))
	requireReconciled(t, svc, v)

	_, err = svc.ConfirmReservation(ctx, ConfirmInput{VariantID: v, Quantity: 2, OrderID: order})
	require.NoError(t, err)
	require.Equal(t, Variant{ID: v, SKU: "CF", Available: 5, Reserved: 0}, withoutTime(balance(t, repo, v)))
	requireReconciled(t, svc, v)
}

func TestAdjustStock(t *testing.T) {
	repo := NewMemoryRepository()
	audit := &recordingAudit{}
	svc := NewService(repo, audit, ServiceConfig{})
	ctx := shared.ContextWithActor(context.Background(), "ops@warehouse")
	v := seedVariant(t, svc, "ADJ", 4)

	_, err := svc.AdjustStock(ctx, AdjustInput{VariantID: v, Delta: 0, Reason: "recount"})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.AdjustStock(ctx, AdjustInput{VariantID: v, Delta: 1, Reason: " x "})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.AdjustStock(ctx, AdjustInput{VariantID: uuid.New(), Delta: 1, Reason: "recount"})
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = svc.AdjustStock(ctx, AdjustInput{VariantID: v, Delta: -5, Reason: "damaged"})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	item, err := svc.AdjustStock(ctx, AdjustInput{VariantID: v, Delta: -3, Reason: "damaged in transit"})
	require.NoError(t, err)
	require.Equal(t, int64(4), item.PreviousStock)
	require.Equal(t, int64(1), item.NewStock)
	require.Equal(t, int64(-3), item.Adjusted)

	_, err = svc.AdjustStock(ctx, AdjustInput{VariantID: v, Delta: 9, Reason: "recount", Actor: "auditor"})
	require.NoError(t, err)
	require.Equal(t, int64(10), balance(t, repo, v).Available)

	movements, err := svc.ListMovements(ctx, MovementFilter{VariantID: v})
	require.NoError(t, err)
	require.Len(t, movements, 3)
	require.Equal(t, MovementAdjustmentIn, movements[0].Type)
	require.Equal(t, "auditor", movements[0].Actor)
	require.Equal(t, MovementAdjustmentOut, movements[1].Type)
	require.Equal(t, "ops@warehouse", movements[1].Actor)
	require.Equal(t, "damaged in transit", movements[1].Reason)

	require.Len(t, audit.logs, 2)
	require.Equal(t, "stock:adjust", audit.logs[0].Action)
	requireReconciled(t, svc, v)
}

func TestAdjustBatchAllOrNothing(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	a := seedVariant(t, svc, "A", 5)
	b := seedVariant(t, svc, "B", 1)

	res, err := svc.AdjustBatch(ctx, AdjustBatchInput{Actor: "ops", Adjustments: []AdjustInput{
		{VariantID: a, Delta: 3, Reason: "recount"},
		{VariantID: b, Delta: -2, Reason: "damaged"},
	}})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.False(t, res.Success)
	require.Equal(t, int64(5), balance(t, repo, a).Available)
	require.Equal(t, int64(1), balance(t, repo, b).Available)

	res, err = svc.AdjustBatch(ctx, AdjustBatchInput{Adjustments: []AdjustInput{
		{VariantID: a, Delta: 3, Reason: "recount"},
		{VariantID: b, Delta: 0, Reason: "no"},
	}})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Len(t, res.Errors, 1)
	require.Equal(t, b, res.Errors[0].VariantID)

	res, err = svc.AdjustBatch(ctx, AdjustBatchInput{Actor: "ops", Adjustments: []AdjustInput{
		{VariantID: a, Delta: 3, Reason: "recount"},
		{VariantID: b, Delta: -1, Reason: "damaged"},
	}})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	require.Equal(t, int64(8), balance(t, repo, a).Available)
	require.Equal(t, int64(0), balance(t, repo, b).Available)
	requireReconciled(t, svc, a)
	requireReconciled(t, svc, b)
}

func TestCreateVariantRejectsDuplicates(t *testing.T) {
	svc, _ := newTestService(t)
	seedVariant(t, svc, "DUP", 1)
	_, err := svc.CreateVariant(context.Background(), CreateVariantInput{SKU: "DUP"})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.CreateVariant(context.Background(), CreateVariantInput{SKU: "NEG", Available: -1})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestReconcileAllDetectsDrift(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	a := seedVariant(t, svc, "A", 3)
	b := seedVariant(t, svc, "B", 4)
	_, err := svc.ReserveBatch(ctx, ReserveInput{Items: []Item{{VariantID: a, Quantity: 1}, {VariantID: b, Quantity: 2}}})
	require.NoError(t, err)

	report, err := svc.ReconcileAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Checked)
	require.Empty(t, report.Mismatches)

	repo.mu.Lock()
	drifted := repo.variants[b]
	drifted.Available += 10
	repo.variants[b] = drifted
	repo.mu.Unlock()

	report, err = svc.ReconcileAll(ctx)
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 1)
	require.Equal(t, b, report.Mismatches[0].VariantID)
}

func TestReconcileDuringConcurrentMutations(t *testing.T) {
	svc, _ := newTestService(t)
	v := seedVariant(t, svc, "BUSY", 100)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	writers, wctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		writers.Go(func() error {
			for j := 0; j < 50; j++ {
				order := uuid.New()
				if _, err := svc.ReserveBatch(wctx, ReserveInput{OrderID: ptr(order), Items: []Item{{VariantID: v, Quantity: 2}}}); err != nil {
					return err
				}
				if _, err := svc.RestoreBatch(wctx, RestoreInput{OrderID: ptr(order), Items: []Item{{VariantID: v, Quantity: 2}}}); err != nil {
					return err
				}
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- writers.Wait() }()
	var checks int
	for finished := false; !finished; {
		select {
		case err := <-done:
			require.NoError(t, err)
			finished = true
		default:
		}
		rec, err := svc.Reconcile(ctx, v)
		require.NoError(t, err)
		require.True(t, rec.Consistent(), "drift reported mid-flight: %+v", rec)
		checks++
	}
	require.Greater(t, checks, 0)
	requireReconciled(t, svc, v)
}

func TestReplayRules(t *testing.T) {
	available, reserved := Replay([]Movement{
		{Type: MovementAdjustmentIn, Quantity: 10},
		{Type: MovementSold, Quantity: -4, ReservedDelta: 4},
		{Type: MovementReserved, Quantity: -3, ReservedDelta: 3},
		{Type: MovementRestored, Quantity: 2, ReservedDelta: -2},
		{Type: MovementDamage, Quantity: -1},
	})
	require.Equal(t, int64(4), available)
	require.Equal(t, int64(1), reserved)
}

func TestReplayCountsPartialConfirmationRemainder(t *testing.T) {
	available, reserved := Replay([]Movement{
		{Type: MovementAdjustmentIn, Quantity: 10},
		{Type: MovementSold, Quantity: -4, ReservedDelta: 4},
		{Type: MovementReserved, ReservedDelta: 2},
	})
	require.Equal(t, int64(6), available)
	require.Equal(t, int64(2), reserved)
}

func TestConfirmReservationPartial(t *testing.T) {
	tests := []struct {
		name     string
		reserves []int64
		restore  int64
		confirm  int64
		want     Variant
		held     int64
	}{
		{name: "part of a single entry", reserves: []int64{4}, confirm: 2, want: Variant{Available: 6, Reserved: 2}, held: 2},
		{name: "splits the oldest entry", reserves: []int64{3, 2}, confirm: 2, want: Variant{Available: 5, Reserved: 3}, held: 3},
		{name: "spans entries", reserves: []int64{3, 2}, confirm: 4, want: Variant{Available: 5, Reserved: 1}, held: 1},
		{name: "after a partial restore", reserves: []int64{5}, restore: 2, confirm: 3, want: Variant{Available: 7, Reserved: 0}, held: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc, repo := newTestService(t)
			ctx := context.Background()
			v := seedVariant(t, svc, "PC", 10)
			order := uuid.New()
			for _, qty := range tc.reserves {
				_, err := svc.ReserveBatch(ctx, ReserveInput{OrderID: ptr(order), Items: []Item{{VariantID: v, Quantity: qty}}})
				require.NoError(t, err)
			}
			if tc.restore > 0 {
				_, err := svc.RestoreBatch(ctx, RestoreInput{OrderID: ptr(order), Items: []Item{{VariantID: v, Quantity: tc.restore}}})
				require.NoError(t, err)
			}

			res, err := svc.ConfirmReservation(ctx, ConfirmInput{VariantID: v, Quantity: tc.confirm, OrderID: order})
			require.NoError(t, err)
			require.Equal(t, tc.confirm, res.Confirmed)

			tc.want.ID, tc.want.SKU = v, "PC"
			require.Equal(t, tc.want, withoutTime(balance(t, repo, v)))
			requireReconciled(t, svc, v)

			err = repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				held, err := tx.OrderReservedBalance(ctx, order, v)
				require.Equal(t, tc.held, held)
				return err
			})
			require.NoError(t, err)

			if tc.held > 0 {
				_, err = svc.ConfirmReservation(ctx, ConfirmInput{VariantID: v, Quantity: tc.held, OrderID: order})
				require.NoError(t, err)
				require.Equal(t, int64(0), balance(t, repo, v).Reserved)
				requireReconciled(t, svc, v)
			}
		})
	}
}

func withoutTime(v Variant) Variant {
	v.UpdatedAt = time.Time{}
	return v
}

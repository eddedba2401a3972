package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// BalanceCache caches variant balances between mutations.
type BalanceCache interface {
	GetVariant(ctx context.Context, id uuid.UUID) (Variant, bool, error)
	// SetVariant stores v unless the variant was invalidated at or after
	// readAt, the moment v was read from the store.
	SetVariant(ctx context.Context, v Variant, readAt time.Time) error
	Invalidate(ctx context.Context, ids ...uuid.UUID) error
}

// Recorder receives operation outcomes for metrics.
type Recorder interface {
	ObserveStockOperation(op string, code string, took time.Duration)
	ObserveReconcileMismatch(n int)
}

// Service is the atomic mutation engine over variant balances and the ledger.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	cache    BalanceCache
	recorder Recorder
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
	loads    singleflight.Group
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Cache    BalanceCache
	Recorder Recorder
	Logger   *slog.Logger
	Clock    func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:     repo,
		audit:    audit,
		cache:    cfg.Cache,
		recorder: cfg.Recorder,
		logger:   logger,
		validate: validator.New(),
		now:      clock,
	}
}

const (
	opReserve     = "reserve"
	opConfirm     = "confirm"
	opRestore     = "restore"
	opAdjust      = "adjust"
	opAdjustBatch = "adjust_batch"
	opCreate      = "create_variant"
)

// CreateVariant registers a variant. Opening stock is written to the ledger
// so that replaying it reproduces the balance.
func (s *Service) CreateVariant(ctx context.Context, input CreateVariantInput) (Variant, error) {
	start := time.Now()
	input.SKU = strings.TrimSpace(input.SKU)
	if err := s.validateStruct(input); err != nil {
		return Variant{}, s.finish(ctx, opCreate, start, err)
	}
	if input.ID == uuid.Nil {
		input.ID = uuid.New()
	}
	now := s.now()
	variant := Variant{ID: input.ID, SKU: input.SKU, Available: input.Available, UpdatedAt: now}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertVariant(ctx, variant); err != nil {
			if errors.Is(err, ErrDuplicateVariant) {
				return validationError("variant %s or sku %q already exists", variant.ID, variant.SKU)
			}
			return err
		}
		if variant.Available == 0 {
			return nil
		}
		_, err := tx.InsertMovement(ctx, Movement{
			ID:            uuid.New(),
			VariantID:     variant.ID,
			Type:          MovementAdjustmentIn,
			Quantity:      variant.Available,
			BalanceBefore: 0,
			BalanceAfter:  variant.Available,
			Source:        "opening",
			Reason:        "opening balance",
			Actor:         shared.ActorFromContext(ctx),
			CreatedAt:     now,
		})
		return err
	})
	if err != nil {
		return Variant{}, s.finish(ctx, opCreate, start, err)
	}
	_ = s.finish(ctx, opCreate, start, nil)
	return variant, nil
}

// ReserveBatch moves stock from available to reserved for every item. All
// items are checked before anything is written; if any item fails the whole
// batch is rejected and every failure is reported.
func (s *Service) ReserveBatch(ctx context.Context, input ReserveInput) (BatchResult, error) {
	start := time.Now()
	if err := s.validateStruct(input); err != nil {
		return s.failBatch(ctx, opReserve, start, err)
	}
	var result BatchResult
	var touched []uuid.UUID
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		working, err := lockVariants(ctx, tx, itemVariantIDs(input.Items))
		if err != nil {
			return err
		}
		now := s.now()
		var (
			rejected []ItemError
			planned  []Movement
			items    []ItemResult
		)
		for _, item := range input.Items {
			v, ok := working[item.VariantID]
			if !ok {
				rejected = append(rejected, notFound(item.VariantID))
				continue
			}
			if v.Available < item.Quantity {
				rejected = append(rejected, insufficientStock(v, item.Quantity))
				continue
			}
			before := v.Available
			v.Available -= item.Quantity
			v.Reserved += item.Quantity
			v.UpdatedAt = now
			working[v.ID] = v
			planned = append(planned, Movement{
				ID:            uuid.New(),
				VariantID:     v.ID,
				OrderID:       input.OrderID,
				Type:          MovementReserved,
				Quantity:      -item.Quantity,
				ReservedDelta: item.Quantity,
				BalanceBefore: before,
				BalanceAfter:  v.Available,
				Source:        "order",
				CreatedAt:     now,
			})
			items = append(items, ItemResult{
				VariantID:     v.ID,
				SKU:           v.SKU,
				PreviousStock: before,
				NewStock:      v.Available,
				Deducted:      item.Quantity,
			})
		}
		if len(rejected) > 0 {
			return newBatchError(rejected)
		}
		touched = movementVariantIDs(planned)
		if err := writeBatch(ctx, tx, working, touched, planned); err != nil {
			return err
		}
		result = BatchResult{Success: true, Items: items}
		return nil
	})
	if err != nil {
		return s.failBatch(ctx, opReserve, start, err)
	}
	s.invalidate(ctx, touched...)
	_ = s.finish(ctx, opReserve, start, nil)
	return result, nil
}

// ConfirmReservation finalises reserved stock of an order as sold. The
// order's reserved entries are relabelled oldest first until they cover the
// confirmed quantity; any excess of the last entry stays reserved through a
// zero-quantity reserved entry carrying the remainder.
func (s *Service) ConfirmReservation(ctx context.Context, input ConfirmInput) (ItemResult, error) {
	start := time.Now()
	if err := s.validateStruct(input); err != nil {
		return ItemResult{}, s.finish(ctx, opConfirm, start, err)
	}
	var result ItemResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		v, err := tx.GetVariantForUpdate(ctx, input.VariantID)
		if err != nil {
			if errors.Is(err, ErrVariantNotFound) {
				e := notFound(input.VariantID)
				return &e
			}
			return err
		}
		if v.Reserved < input.Quantity {
			e := insufficientReserved(v, input.Quantity, v.Reserved)
			return &e
		}
		held, err := tx.OrderReservedBalance(ctx, input.OrderID, v.ID)
		if err != nil {
			return err
		}
		if held < input.Quantity {
			e := insufficientReserved(v, input.Quantity, held)
			e.Message = fmt.Sprintf("order %s holds %d of %s, cannot confirm %d", input.OrderID, held, v.SKU, input.Quantity)
			return &e
		}
		open, err := tx.OpenReservations(ctx, input.OrderID, v.ID)
		if err != nil {
			return err
		}
		ids, covered := coverReservations(open, input.Quantity)
		if covered < input.Quantity {
			return fmt.Errorf("stock: reserved entries of order %s cover %d of %d", input.OrderID, covered, input.Quantity)
		}
		n, err := tx.RelabelMovements(ctx, ids, MovementReserved, MovementSold)
		if err != nil {
			return err
		}
		if n != int64(len(ids)) {
			return fmt.Errorf("stock: relabelled %d of %d reserved entries", n, len(ids))
		}
		now := s.now()
		if remainder := covered - input.Quantity; remainder > 0 {
			orderID := input.OrderID
			if _, err := tx.InsertMovement(ctx, Movement{
				ID:            uuid.New(),
				VariantID:     v.ID,
				OrderID:       &orderID,
				Type:          MovementReserved,
				ReservedDelta: remainder,
				BalanceBefore: v.Available,
				BalanceAfter:  v.Available,
				Source:        "order",
				Notes:         "remainder of partial confirmation",
				CreatedAt:     now,
			}); err != nil {
				return err
			}
		}
		v.Reserved -= input.Quantity
		v.UpdatedAt = now
		if err := tx.UpdateBalance(ctx, v); err != nil {
			return err
		}
		result = ItemResult{
			VariantID:     v.ID,
			SKU:           v.SKU,
			PreviousStock: v.Available,
			NewStock:      v.Available,
			Confirmed:     input.Quantity,
		}
		return nil
	})
	if err != nil {
		return ItemResult{}, s.finish(ctx, opConfirm, start, err)
	}
	s.invalidate(ctx, input.VariantID)
	_ = s.finish(ctx, opConfirm, start, nil)
	return result, nil
}

// RestoreBatch returns stock to availability. Unknown variants are skipped.
// When an order is given each item is capped at what the order still holds,
// so restoring a confirmed reservation changes nothing.
func (s *Service) RestoreBatch(ctx context.Context, input RestoreInput) (BatchResult, error) {
	start := time.Now()
	if err := s.validateStruct(input); err != nil {
		return s.failBatch(ctx, opRestore, start, err)
	}
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		reason = "restored"
	}
	var result BatchResult
	var touched []uuid.UUID
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		working, err := lockVariants(ctx, tx, itemVariantIDs(input.Items))
		if err != nil {
			return err
		}
		held := make(map[uuid.UUID]int64)
		if input.OrderID != nil {
			for id := range working {
				n, err := tx.OrderReservedBalance(ctx, *input.OrderID, id)
				if err != nil {
					return err
				}
				held[id] = n
			}
		}
		now := s.now()
		var (
			planned []Movement
			items   []ItemResult
			skipped []uuid.UUID
		)
		for _, item := range input.Items {
			v, ok := working[item.VariantID]
			if !ok {
				skipped = append(skipped, item.VariantID)
				continue
			}
			qty := item.Quantity
			if input.OrderID != nil {
				qty = min(qty, held[v.ID])
				held[v.ID] -= qty
			}
			before := v.Available
			if qty == 0 {
				items = append(items, ItemResult{VariantID: v.ID, SKU: v.SKU, PreviousStock: before, NewStock: before})
				continue
			}
			release := min(qty, v.Reserved)
			v.Available += qty
			v.Reserved -= release
			v.UpdatedAt = now
			working[v.ID] = v
			planned = append(planned, Movement{
				ID:            uuid.New(),
				VariantID:     v.ID,
				OrderID:       input.OrderID,
				Type:          MovementRestored,
				Quantity:      qty,
				ReservedDelta: -release,
				BalanceBefore: before,
				BalanceAfter:  v.Available,
				Source:        "order",
				Reason:        reason,
				CreatedAt:     now,
			})
			items = append(items, ItemResult{
				VariantID:     v.ID,
				SKU:           v.SKU,
				PreviousStock: before,
				NewStock:      v.Available,
				Restored:      qty,
			})
		}
		touched = movementVariantIDs(planned)
		if err := writeBatch(ctx, tx, working, touched, planned); err != nil {
			return err
		}
		result = BatchResult{Success: true, Items: items, Skipped: skipped}
		return nil
	})
	if err != nil {
		return s.failBatch(ctx, opRestore, start, err)
	}
	if len(result.Skipped) > 0 {
		s.logger.Info("stock restore skipped unknown variants", slog.Int("count", len(result.Skipped)))
	}
	s.invalidate(ctx, touched...)
	_ = s.finish(ctx, opRestore, start, nil)
	return result, nil
}

// AdjustStock applies a manual signed correction to available stock.
func (s *Service) AdjustStock(ctx context.Context, input AdjustInput) (ItemResult, error) {
	start := time.Now()
	input.Actor = s.actor(ctx, input.Actor, "")
	if err := s.validateAdjustment(input); err != nil {
		return ItemResult{}, s.finish(ctx, opAdjust, start, err)
	}
	var result ItemResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		working, err := lockVariants(ctx, tx, []uuid.UUID{input.VariantID})
		if err != nil {
			return err
		}
		mv, item, itemErr := planAdjustment(working, input, s.now())
		if itemErr != nil {
			return itemErr
		}
		result = item
		return writeBatch(ctx, tx, working, []uuid.UUID{input.VariantID}, []Movement{mv})
	})
	if err != nil {
		return ItemResult{}, s.finish(ctx, opAdjust, start, err)
	}
	s.invalidate(ctx, input.VariantID)
	s.recordAdjustments(ctx, []AdjustInput{input})
	_ = s.finish(ctx, opAdjust, start, nil)
	return result, nil
}

// AdjustBatch applies several manual corrections in one transaction. Every
// line is checked before anything is written; any failure rejects the batch.
func (s *Service) AdjustBatch(ctx context.Context, input AdjustBatchInput) (BatchResult, error) {
	start := time.Now()
	if len(input.Adjustments) == 0 {
		return s.failBatch(ctx, opAdjustBatch, start, validationError("adjustments required"))
	}
	var invalid []ItemError
	for i := range input.Adjustments {
		adj := &input.Adjustments[i]
		adj.Actor = s.actor(ctx, adj.Actor, input.Actor)
		if err := s.validateAdjustment(*adj); err != nil {
			var se *shared.Error
			if errors.As(err, &se) {
				item := *se
				item.VariantID = adj.VariantID
				invalid = append(invalid, item)
				continue
			}
			return s.failBatch(ctx, opAdjustBatch, start, err)
		}
	}
	if len(invalid) > 0 {
		return s.failBatch(ctx, opAdjustBatch, start, newBatchError(invalid))
	}
	ids := make([]uuid.UUID, 0, len(input.Adjustments))
	for _, adj := range input.Adjustments {
		ids = append(ids, adj.VariantID)
	}
	var result BatchResult
	var touched []uuid.UUID
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		working, err := lockVariants(ctx, tx, ids)
		if err != nil {
			return err
		}
		now := s.now()
		var (
			rejected []ItemError
			planned  []Movement
			items    []ItemResult
		)
		for _, adj := range input.Adjustments {
			mv, item, itemErr := planAdjustment(working, adj, now)
			if itemErr != nil {
				rejected = append(rejected, *itemErr)
				continue
			}
			planned = append(planned, mv)
			items = append(items, item)
		}
		if len(rejected) > 0 {
			return newBatchError(rejected)
		}
		touched = movementVariantIDs(planned)
		if err := writeBatch(ctx, tx, working, touched, planned); err != nil {
			return err
		}
		result = BatchResult{Success: true, Items: items}
		return nil
	})
	if err != nil {
		return s.failBatch(ctx, opAdjustBatch, start, err)
	}
	s.invalidate(ctx, touched...)
	s.recordAdjustments(ctx, input.Adjustments)
	_ = s.finish(ctx, opAdjustBatch, start, nil)
	return result, nil
}

// GetBalance returns the variant's counters, served from cache when possible.
func (s *Service) GetBalance(ctx context.Context, id uuid.UUID) (Variant, error) {
	if s.cache != nil {
		if v, ok, err := s.cache.GetVariant(ctx, id); err == nil && ok {
			return v, nil
		} else if err != nil {
			s.logger.Warn("stock cache read", slog.Any("error", err))
		}
	}
	val, err, _ := s.loads.Do(id.String(), func() (any, error) {
		readAt := time.Now()
		v, err := s.repo.GetVariant(ctx, id)
		if err != nil {
			return Variant{}, err
		}
		if s.cache != nil {
			if err := s.cache.SetVariant(ctx, v, readAt); err != nil {
				s.logger.Warn("stock cache write", slog.Any("error", err))
			}
		}
		return v, nil
	})
	if err != nil {
		if errors.Is(err, ErrVariantNotFound) {
			e := notFound(id)
			return Variant{}, &e
		}
		return Variant{}, shared.Internal(err)
	}
	return val.(Variant), nil
}

// ListMovements queries the ledger by variant, by order, or by recency.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	movements, err := s.repo.ListMovements(ctx, filter)
	if err != nil {
		return nil, shared.Internal(err)
	}
	return movements, nil
}

// Reconcile replays the variant's ledger and compares it with its balance,
// reading both from one snapshot.
func (s *Service) Reconcile(ctx context.Context, id uuid.UUID) (Reconciliation, error) {
	v, movements, err := s.repo.LedgerSnapshot(ctx, id)
	if err != nil {
		if errors.Is(err, ErrVariantNotFound) {
			e := notFound(id)
			return Reconciliation{}, &e
		}
		return Reconciliation{}, shared.Internal(err)
	}
	available, reserved := Replay(movements)
	return Reconciliation{
		VariantID:         id,
		Available:         v.Available,
		Reserved:          v.Reserved,
		ReplayedAvailable: available,
		ReplayedReserved:  reserved,
		Movements:         len(movements),
	}, nil
}

// ReconcileReport summarises a full ledger check.
type ReconcileReport struct {
	Checked    int              `json:"checked"`
	Mismatches []Reconciliation `json:"mismatches"`
}

// ReconcileAll checks every variant and reports the inconsistent ones.
func (s *Service) ReconcileAll(ctx context.Context) (ReconcileReport, error) {
	ids, err := s.repo.ListVariantIDs(ctx)
	if err != nil {
		return ReconcileReport{}, shared.Internal(err)
	}
	results := make([]Reconciliation, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			rec, err := s.Reconcile(gctx, id)
			if err != nil {
				return err
			}
			results[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ReconcileReport{}, err
	}
	report := ReconcileReport{Checked: len(ids)}
	for _, rec := range results {
		if !rec.Consistent() {
			report.Mismatches = append(report.Mismatches, rec)
			s.logger.Error("stock ledger mismatch",
				slog.String("variant_id", rec.VariantID.String()),
				slog.Int64("available", rec.Available),
				slog.Int64("replayed_available", rec.ReplayedAvailable),
				slog.Int64("reserved", rec.Reserved),
				slog.Int64("replayed_reserved", rec.ReplayedReserved))
		}
	}
	if s.recorder != nil {
		s.recorder.ObserveReconcileMismatch(len(report.Mismatches))
	}
	return report, nil
}

// Replay folds ledger entries into the balances they imply. Sold entries were
// reserved entries whose hold has since been released by confirmation, so
// their reserved delta no longer counts.
func Replay(movements []Movement) (available, reserved int64) {
	for _, m := range movements {
		available += m.Quantity
		if m.Type != MovementSold {
			reserved += m.ReservedDelta
		}
	}
	return available, reserved
}

func (s *Service) validateStruct(v any) error {
	if err := s.validate.Struct(v); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return validationError("%s", strings.Join(msgs, ", "))
		}
		return validationError("%v", err)
	}
	return nil
}

func (s *Service) validateAdjustment(input AdjustInput) error {
	if input.VariantID == uuid.Nil {
		return validationError("variant_id required")
	}
	if input.Delta == 0 {
		return validationError("quantity delta must be non zero")
	}
	if len([]rune(strings.TrimSpace(input.Reason))) < minReasonLength {
		return validationError("reason must be at least %d characters", minReasonLength)
	}
	return nil
}

func (s *Service) actor(ctx context.Context, candidates ...string) string {
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return shared.ActorFromContext(ctx)
}

func (s *Service) recordAdjustments(ctx context.Context, adjustments []AdjustInput) {
	if s.audit == nil {
		return
	}
	for _, adj := range adjustments {
		err := s.audit.Record(ctx, shared.AuditLog{
			Actor:    adj.Actor,
			Action:   "stock:adjust",
			Entity:   "stock_variant",
			EntityID: adj.VariantID.String(),
			Meta: map[string]any{
				"quantity_delta": adj.Delta,
				"reason":         adj.Reason,
			},
			At: s.now(),
		})
		if err != nil {
			s.logger.Warn("stock audit record", slog.Any("error", err))
		}
	}
}

func (s *Service) invalidate(ctx context.Context, ids ...uuid.UUID) {
	if s.cache == nil || len(ids) == 0 {
		return
	}
	if err := s.cache.Invalidate(ctx, ids...); err != nil {
		s.logger.Warn("stock cache invalidate", slog.Any("error", err))
	}
}

// finish normalises err into a typed error and records the outcome.
func (s *Service) finish(ctx context.Context, op string, start time.Time, err error) error {
	code := "OK"
	if err != nil {
		var batch *BatchError
		var se *shared.Error
		switch {
		case errors.As(err, &batch):
		case errors.As(err, &se):
			err = se
		default:
			err = shared.Internal(err)
		}
		code = string(shared.CodeOf(err))
		if code == string(shared.CodeInternal) {
			s.logger.ErrorContext(ctx, "stock operation failed", slog.String("op", op), slog.Any("error", err))
		} else {
			s.logger.WarnContext(ctx, "stock operation rejected", slog.String("op", op), slog.String("code", code), slog.Any("error", err))
		}
	}
	if s.recorder != nil {
		s.recorder.ObserveStockOperation(op, code, time.Since(start))
	}
	return err
}

func (s *Service) failBatch(ctx context.Context, op string, start time.Time, err error) (BatchResult, error) {
	err = s.finish(ctx, op, start, err)
	var batch *BatchError
	if errors.As(err, &batch) {
		return BatchResult{Errors: batch.Errors}, err
	}
	var se *shared.Error
	if errors.As(err, &se) {
		return BatchResult{Errors: []ItemError{*se}}, err
	}
	return BatchResult{}, err
}

// lockVariants locks each distinct variant in ascending id order so that
// overlapping batches cannot deadlock. Missing variants are left out.
func lockVariants(ctx context.Context, tx TxRepository, ids []uuid.UUID) (map[uuid.UUID]Variant, error) {
	ordered := sortedUnique(ids)
	out := make(map[uuid.UUID]Variant, len(ordered))
	for _, id := range ordered {
		v, err := tx.GetVariantForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, ErrVariantNotFound) {
				continue
			}
			return nil, err
		}
		out[id] = v
	}
	return out, nil
}

func planAdjustment(working map[uuid.UUID]Variant, adj AdjustInput, now time.Time) (Movement, ItemResult, *ItemError) {
	v, ok := working[adj.VariantID]
	if !ok {
		e := notFound(adj.VariantID)
		return Movement{}, ItemResult{}, &e
	}
	next := v.Available + adj.Delta
	if next < 0 {
		e := insufficientStock(v, -adj.Delta)
		return Movement{}, ItemResult{}, &e
	}
	mvType := MovementAdjustmentIn
	if adj.Delta < 0 {
		mvType = MovementAdjustmentOut
	}
	before := v.Available
	v.Available = next
	v.UpdatedAt = now
	working[v.ID] = v
	mv := Movement{
		ID:            uuid.New(),
		VariantID:     v.ID,
		Type:          mvType,
		Quantity:      adj.Delta,
		BalanceBefore: before,
		BalanceAfter:  next,
		Source:        "manual",
		Reason:        strings.TrimSpace(adj.Reason),
		Actor:         adj.Actor,
		CreatedAt:     now,
	}
	return mv, ItemResult{
		VariantID:     v.ID,
		SKU:           v.SKU,
		PreviousStock: before,
		NewStock:      next,
		Adjusted:      adj.Delta,
	}, nil
}

func writeBatch(ctx context.Context, tx TxRepository, working map[uuid.UUID]Variant, touched []uuid.UUID, planned []Movement) error {
	for _, id := range touched {
		if err := tx.UpdateBalance(ctx, working[id]); err != nil {
			return err
		}
	}
	for _, m := range planned {
		if _, err := tx.InsertMovement(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// coverReservations picks open entries oldest first until they hold at
// least qty. The last pick may overshoot.
func coverReservations(open []Movement, qty int64) ([]uuid.UUID, int64) {
	var (
		ids     []uuid.UUID
		covered int64
	)
	for _, m := range open {
		if covered >= qty {
			break
		}
		if m.ReservedDelta <= 0 {
			continue
		}
		ids = append(ids, m.ID)
		covered += m.ReservedDelta
	}
	return ids, covered
}

func itemVariantIDs(items []Item) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.VariantID)
	}
	return ids
}

func movementVariantIDs(movements []Movement) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(movements))
	for _, m := range movements {
		ids = append(ids, m.VariantID)
	}
	return sortedUnique(ids)
}

func sortedUnique(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

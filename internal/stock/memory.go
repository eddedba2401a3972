package stock

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-stock/internal/platform/keylock"
)

// MemoryRepository is the embedded store. A keyed lock per variant stands in
// for the row lock, and writes are staged per transaction and published on
// commit only.
type MemoryRepository struct {
	mu          sync.RWMutex
	locks       *keylock.Locker
	variants    map[uuid.UUID]Variant
	skus        map[string]uuid.UUID
	movements   []Movement
	movementIdx map[uuid.UUID]int
	seq         int64
}

// NewMemoryRepository constructs an empty embedded store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		locks:       keylock.New(),
		variants:    make(map[uuid.UUID]Variant),
		skus:        make(map[string]uuid.UUID),
		movementIdx: make(map[uuid.UUID]int),
	}
}

type memoryTx struct {
	repo      *MemoryRepository
	held      *keylock.Held
	variants  map[uuid.UUID]Variant
	inserted  []uuid.UUID
	movements []Movement
	relabels  map[uuid.UUID]MovementType
}

// WithTx runs fn and publishes its staged writes only when fn succeeds.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{
		repo:     r,
		held:     r.locks.NewHeld(),
		variants: make(map[uuid.UUID]Variant),
		relabels: make(map[uuid.UUID]MovementType),
	}
	defer tx.held.ReleaseAll()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return r.commit(tx)
}

func (r *MemoryRepository) commit(tx *memoryTx) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range tx.inserted {
		v := tx.variants[id]
		if _, ok := r.variants[id]; ok {
			return ErrDuplicateVariant
		}
		if _, ok := r.skus[v.SKU]; ok {
			return ErrDuplicateVariant
		}
	}
	for id, v := range tx.variants {
		r.variants[id] = v
		r.skus[v.SKU] = id
	}
	for id, t := range tx.relabels {
		if idx, ok := r.movementIdx[id]; ok {
			r.movements[idx].Type = t
		}
	}
	for _, m := range tx.movements {
		if t, ok := tx.relabels[m.ID]; ok {
			m.Type = t
		}
		r.seq++
		m.Seq = r.seq
		r.movementIdx[m.ID] = len(r.movements)
		r.movements = append(r.movements, m)
	}
	return nil
}

func (r *MemoryRepository) GetVariant(_ context.Context, id uuid.UUID) (Variant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.variants[id]
	if !ok {
		return Variant{}, ErrVariantNotFound
	}
	return v, nil
}

func (r *MemoryRepository) ListVariantIDs(_ context.Context) ([]uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(r.variants))
	for id := range r.variants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (r *MemoryRepository) ListMovements(_ context.Context, filter MovementFilter) ([]Movement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []Movement{}
	for i := len(r.movements) - 1; i >= 0; i-- {
		m := r.movements[i]
		if filter.VariantID != uuid.Nil && m.VariantID != filter.VariantID {
			continue
		}
		if filter.OrderID != uuid.Nil && (m.OrderID == nil || *m.OrderID != filter.OrderID) {
			continue
		}
		out = append(out, m)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) LedgerSnapshot(_ context.Context, variantID uuid.UUID) (Variant, []Movement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.variants[variantID]
	if !ok {
		return Variant{}, nil, ErrVariantNotFound
	}
	out := []Movement{}
	for _, m := range r.movements {
		if m.VariantID == variantID {
			out = append(out, m)
		}
	}
	return v, out, nil
}

func (tx *memoryTx) GetVariantForUpdate(ctx context.Context, id uuid.UUID) (Variant, error) {
	if err := tx.held.Acquire(ctx, id.String()); err != nil {
		return Variant{}, err
	}
	if v, ok := tx.variants[id]; ok {
		return v, nil
	}
	return tx.repo.GetVariant(ctx, id)
}

func (tx *memoryTx) InsertVariant(ctx context.Context, v Variant) error {
	if err := tx.held.Acquire(ctx, v.ID.String()); err != nil {
		return err
	}
	if _, ok := tx.variants[v.ID]; ok {
		return ErrDuplicateVariant
	}
	tx.repo.mu.RLock()
	_, idTaken := tx.repo.variants[v.ID]
	_, skuTaken := tx.repo.skus[v.SKU]
	tx.repo.mu.RUnlock()
	if idTaken || skuTaken {
		return ErrDuplicateVariant
	}
	tx.variants[v.ID] = v
	tx.inserted = append(tx.inserted, v.ID)
	return nil
}

func (tx *memoryTx) UpdateBalance(ctx context.Context, v Variant) error {
	if _, ok := tx.variants[v.ID]; !ok {
		if _, err := tx.repo.GetVariant(ctx, v.ID); err != nil {
			return err
		}
	}
	tx.variants[v.ID] = v
	return nil
}

func (tx *memoryTx) InsertMovement(_ context.Context, m Movement) (Movement, error) {
	tx.movements = append(tx.movements, m)
	return m, nil
}

// view returns committed then staged entries of the order and variant with
// staged relabels applied.
func (tx *memoryTx) view(orderID, variantID uuid.UUID) []Movement {
	tx.repo.mu.RLock()
	var out []Movement
	for _, m := range tx.repo.movements {
		if m.VariantID == variantID && m.OrderID != nil && *m.OrderID == orderID {
			out = append(out, m)
		}
	}
	tx.repo.mu.RUnlock()
	for _, m := range tx.movements {
		if m.VariantID == variantID && m.OrderID != nil && *m.OrderID == orderID {
			out = append(out, m)
		}
	}
	for i := range out {
		if t, ok := tx.relabels[out[i].ID]; ok {
			out[i].Type = t
		}
	}
	return out
}

func (tx *memoryTx) OpenReservations(_ context.Context, orderID, variantID uuid.UUID) ([]Movement, error) {
	var open []Movement
	for _, m := range tx.view(orderID, variantID) {
		if m.Type == MovementReserved {
			open = append(open, m)
		}
	}
	return open, nil
}

func (tx *memoryTx) OrderReservedBalance(_ context.Context, orderID, variantID uuid.UUID) (int64, error) {
	_, held := Replay(tx.view(orderID, variantID))
	return held, nil
}

func (tx *memoryTx) RelabelMovements(_ context.Context, ids []uuid.UUID, from, to MovementType) (int64, error) {
	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	current := make(map[uuid.UUID]MovementType, len(ids))
	tx.repo.mu.RLock()
	for id := range want {
		if idx, ok := tx.repo.movementIdx[id]; ok {
			current[id] = tx.repo.movements[idx].Type
		}
	}
	tx.repo.mu.RUnlock()
	for _, m := range tx.movements {
		if _, ok := want[m.ID]; ok {
			current[m.ID] = m.Type
		}
	}
	var n int64
	for id, t := range current {
		if staged, ok := tx.relabels[id]; ok {
			t = staged
		}
		if t != from {
			continue
		}
		tx.relabels[id] = to
		n++
	}
	return n, nil
}

package orders

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-stock/internal/ordercode"
	"github.com/odyssey-erp/odyssey-stock/internal/platform/keylock"
)

// MemoryRepository is the embedded order store. The per-day prefix lock and
// the row lock are keyed mutexes held until the transaction ends.
type MemoryRepository struct {
	mu       sync.RWMutex
	locks    *keylock.Locker
	orders   map[uuid.UUID]Order
	readable map[string]uuid.UUID
}

// NewMemoryRepository constructs an empty embedded store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		locks:    keylock.New(),
		orders:   make(map[uuid.UUID]Order),
		readable: make(map[string]uuid.UUID),
	}
}

type memoryTx struct {
	repo   *MemoryRepository
	held   *keylock.Held
	staged map[uuid.UUID]Order
}

// WithTx runs fn and publishes staged writes only when fn succeeds.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{repo: r, held: r.locks.NewHeld(), staged: make(map[uuid.UUID]Order)}
	defer tx.held.ReleaseAll()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return r.commit(tx)
}

func (r *MemoryRepository) commit(tx *memoryTx) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, o := range tx.staged {
		if owner, ok := r.readable[o.ReadableID]; ok && owner != id {
			return ErrDuplicate
		}
	}
	for id, o := range tx.staged {
		if prev, ok := r.orders[id]; ok {
			delete(r.readable, prev.ReadableID)
		}
		r.orders[id] = o
		r.readable[o.ReadableID] = id
	}
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (r *MemoryRepository) MaxSequence(_ context.Context, prefix string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var highest int64
	for readable := range r.readable {
		highest = max(highest, sequenceUnder(prefix, readable))
	}
	return highest, nil
}

func sequenceUnder(prefix, readable string) int64 {
	if !strings.HasPrefix(readable, prefix+"-") {
		return 0
	}
	code, err := ordercode.Parse(readable)
	if err != nil {
		return 0
	}
	return code.Sequence
}

func (tx *memoryTx) LockPrefix(ctx context.Context, prefix string) error {
	return tx.held.Acquire(ctx, "prefix:"+prefix)
}

func (tx *memoryTx) MaxSequence(ctx context.Context, prefix string) (int64, error) {
	highest, err := tx.repo.MaxSequence(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for _, o := range tx.staged {
		highest = max(highest, sequenceUnder(prefix, o.ReadableID))
	}
	return highest, nil
}

func (tx *memoryTx) Insert(ctx context.Context, order Order) error {
	if err := tx.held.Acquire(ctx, "order:"+order.ID.String()); err != nil {
		return err
	}
	if _, ok := tx.staged[order.ID]; ok {
		return ErrDuplicate
	}
	tx.repo.mu.RLock()
	_, idTaken := tx.repo.orders[order.ID]
	_, readableTaken := tx.repo.readable[order.ReadableID]
	tx.repo.mu.RUnlock()
	if idTaken || readableTaken {
		return ErrDuplicate
	}
	tx.staged[order.ID] = order
	return nil
}

func (tx *memoryTx) GetForUpdate(ctx context.Context, id uuid.UUID) (Order, error) {
	if err := tx.held.Acquire(ctx, "order:"+id.String()); err != nil {
		return Order{}, err
	}
	if o, ok := tx.staged[id]; ok {
		return o, nil
	}
	return tx.repo.Get(ctx, id)
}

func (tx *memoryTx) UpdateReadableID(ctx context.Context, id uuid.UUID, readableID string, at time.Time) error {
	o, err := tx.GetForUpdate(ctx, id)
	if err != nil {
		return err
	}
	tx.repo.mu.RLock()
	owner, taken := tx.repo.readable[readableID]
	tx.repo.mu.RUnlock()
	if taken && owner != id {
		return ErrDuplicate
	}
	o.ReadableID = readableID
	o.UpdatedAt = at
	tx.staged[id] = o
	return nil
}

// Package keylock provides a keyed mutex used where a database row lock or
// advisory lock is not available, such as the embedded memory stores.
package keylock

import (
	"context"
	"sync"
)

// Locker hands out one exclusive lock per key. Unused keys are dropped so the
// map only grows with the number of keys currently contended.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

// New constructs an empty Locker.
func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Lock blocks until the key is free or ctx is done. The returned release func
// must be called exactly once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*entry)
	}
	e, ok := l.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.drop(key, e)
		})
	}, nil
}

func (l *Locker) drop(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Held tracks the keys owned by one unit of work so they can be released
// together, mirroring locks that live until a transaction ends.
type Held struct {
	locker   *Locker
	released map[string]func()
	order    []string
}

// NewHeld binds a Held set to the locker.
func (l *Locker) NewHeld() *Held {
	return &Held{locker: l, released: make(map[string]func())}
}

// Acquire locks key unless this set already owns it.
func (h *Held) Acquire(ctx context.Context, key string) error {
	if _, ok := h.released[key]; ok {
		return nil
	}
	release, err := h.locker.Lock(ctx, key)
	if err != nil {
		return err
	}
	h.released[key] = release
	h.order = append(h.order, key)
	return nil
}

// ReleaseAll frees every key in reverse acquisition order.
func (h *Held) ReleaseAll() {
	for i := len(h.order) - 1; i >= 0; i-- {
		h.released[h.order[i]]()
	}
	h.order = nil
	h.released = make(map[string]func())
}

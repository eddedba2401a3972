package ordercode

import (
	"context"
	"fmt"
	"math"
	"time"
)

// SequenceReader reads the highest suffix issued under a prefix, zero when
// none exists.
type SequenceReader interface {
	MaxSequence(ctx context.Context, prefix string) (int64, error)
}

// SequenceStore is a SequenceReader bound to a transaction that can hold the
// per-day lock until the transaction ends.
type SequenceStore interface {
	SequenceReader
	LockPrefix(ctx context.Context, prefix string) error
}

// Preview is an advisory next identifier. It is not reserved and may be
// taken by a concurrent allocation.
type Preview struct {
	PreviewID  string `json:"preview_id"`
	DatePrefix string `json:"date_prefix"`
	Sequence   int64  `json:"sequence"`
}

// Allocator computes the next identifier of the current day.
type Allocator struct {
	now func() time.Time
	loc *time.Location
}

// NewAllocator builds an Allocator dating codes in loc. A nil clock uses
// time.Now and a nil location UTC.
func NewAllocator(clock func() time.Time, loc *time.Location) *Allocator {
	if clock == nil {
		clock = time.Now
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Allocator{now: clock, loc: loc}
}

// Allocate locks today's prefix in store and returns the next code. The
// caller writes the code in the same transaction; the lock is held until it
// ends, so concurrent allocations never observe the same maximum.
func (a *Allocator) Allocate(ctx context.Context, store SequenceStore) (Code, error) {
	prefix := PrefixFor(a.now(), a.loc)
	if err := store.LockPrefix(ctx, prefix); err != nil {
		return Code{}, fmt.Errorf("ordercode: lock %s: %w", prefix, err)
	}
	return next(ctx, store, prefix)
}

// Preview returns the code Allocate would issue now without locking.
func (a *Allocator) Preview(ctx context.Context, reader SequenceReader) (Preview, error) {
	prefix := PrefixFor(a.now(), a.loc)
	code, err := next(ctx, reader, prefix)
	if err != nil {
		return Preview{}, err
	}
	return Preview{PreviewID: code.String(), DatePrefix: code.Prefix, Sequence: code.Sequence}, nil
}

func next(ctx context.Context, reader SequenceReader, prefix string) (Code, error) {
	highest, err := reader.MaxSequence(ctx, prefix)
	if err != nil {
		return Code{}, fmt.Errorf("ordercode: max sequence %s: %w", prefix, err)
	}
	if highest == math.MaxInt64 {
		return Code{}, ErrSequenceExhausted
	}
	seq := highest + 1
	if seq < FirstSequence {
		seq = FirstSequence
	}
	return Code{Prefix: prefix, Sequence: seq}, nil
}

package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-stock/internal/ordercode"
	"github.com/odyssey-erp/odyssey-stock/internal/platform/db"
)

// RepositoryPort abstracts persistence used by the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id uuid.UUID) (Order, error)
	ordercode.SequenceReader
}

// TxRepository exposes the operations available inside a transaction.
type TxRepository interface {
	ordercode.SequenceStore
	Insert(ctx context.Context, order Order) error
	GetForUpdate(ctx context.Context, id uuid.UUID) (Order, error)
	UpdateReadableID(ctx context.Context, id uuid.UUID, readableID string, at time.Time) error
}

var (
	// ErrNotFound indicates a missing order.
	ErrNotFound = errors.New("order not found")
	// ErrDuplicate indicates the id or readable id is already taken.
	ErrDuplicate = errors.New("order already exists")
)

// Repository persists orders in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a transaction. The per-day advisory
// lock taken by LockPrefix is released when it ends.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("orders repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const orderColumns = `id, readable_id, created_at, updated_at`

// maxSequenceSQL reads the numerically highest suffix under a prefix; the
// suffix is not padded so lexical order is not enough.
const maxSequenceSQL = `SELECT COALESCE(MAX(split_part(readable_id, '-', 4)::bigint), 0)
FROM orders
WHERE readable_id LIKE $1 || '-%' AND split_part(readable_id, '-', 4) ~ '^[1-9][0-9]{0,17}$'`

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Order, error) {
	return scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
}

func (r *Repository) MaxSequence(ctx context.Context, prefix string) (int64, error) {
	var highest int64
	err := r.pool.QueryRow(ctx, maxSequenceSQL, prefix).Scan(&highest)
	return highest, err
}

func (r *txRepository) LockPrefix(ctx context.Context, prefix string) error {
	return db.AdvisoryXactLock(ctx, r.tx, "order_code:"+prefix)
}

func (r *txRepository) MaxSequence(ctx context.Context, prefix string) (int64, error) {
	var highest int64
	err := r.tx.QueryRow(ctx, maxSequenceSQL, prefix).Scan(&highest)
	return highest, err
}

func (r *txRepository) Insert(ctx context.Context, order Order) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO orders (`+orderColumns+`) VALUES ($1,$2,$3,$4)`,
		order.ID, order.ReadableID, order.CreatedAt, order.UpdatedAt)
	return mapUnique(err)
}

func (r *txRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (Order, error) {
	return scanOrder(r.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) UpdateReadableID(ctx context.Context, id uuid.UUID, readableID string, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE orders SET readable_id=$2, updated_at=$3 WHERE id=$1`, id, readableID, at)
	if err != nil {
		return mapUnique(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.ReadableID, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return o, err
}

func mapUnique(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

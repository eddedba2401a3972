package stock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-stock/internal/platform/db"
)

// RepositoryPort abstracts persistence used by the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetVariant(ctx context.Context, id uuid.UUID) (Variant, error)
	ListVariantIDs(ctx context.Context) ([]uuid.UUID, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	// LedgerSnapshot returns the variant's balance and every entry in append
	// order, both read from the same committed state.
	LedgerSnapshot(ctx context.Context, variantID uuid.UUID) (Variant, []Movement, error)
}

// TxRepository exposes the operations available inside a transaction. Every
// variant read through GetVariantForUpdate stays locked until the
// transaction ends.
type TxRepository interface {
	GetVariantForUpdate(ctx context.Context, id uuid.UUID) (Variant, error)
	InsertVariant(ctx context.Context, v Variant) error
	UpdateBalance(ctx context.Context, v Variant) error
	InsertMovement(ctx context.Context, m Movement) (Movement, error)
	// OpenReservations lists reserved (not yet sold) entries of the order for
	// the variant, oldest first.
	OpenReservations(ctx context.Context, orderID, variantID uuid.UUID) ([]Movement, error)
	// OrderReservedBalance replays the order's entries for the variant and
	// returns the quantity still held for it.
	OrderReservedBalance(ctx context.Context, orderID, variantID uuid.UUID) (int64, error)
	RelabelMovements(ctx context.Context, ids []uuid.UUID, from, to MovementType) (int64, error)
}

var (
	// ErrVariantNotFound indicates a missing balance row.
	ErrVariantNotFound = errors.New("stock variant not found")
	// ErrDuplicateVariant indicates the id or sku is already registered.
	ErrDuplicateVariant = errors.New("stock variant already exists")
)

// Repository persists balances and the ledger in PostgreSQL.
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

// WithTx executes the callback inside a read-committed transaction. Row locks
// taken with SELECT ... FOR UPDATE serialise writers per variant.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("stock repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const variantColumns = `id, sku, available_stock, reserved_stock, updated_at`

const movementColumns = `id, seq, variant_id, order_id, movement_type, quantity, reserved_delta, balance_before, balance_after, source, reason, notes, actor, created_at`

func (r *Repository) GetVariant(ctx context.Context, id uuid.UUID) (Variant, error) {
	return scanVariant(r.pool.QueryRow(ctx, `SELECT `+variantColumns+` FROM stock_variants WHERE id=$1`, id))
}

func (r *Repository) ListVariantIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM stock_variants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+movementColumns+`
FROM stock_movements
WHERE ($1::uuid IS NULL OR variant_id=$1) AND ($2::uuid IS NULL OR order_id=$2)
ORDER BY seq DESC
LIMIT $3`, nullUUID(filter.VariantID), nullUUID(filter.OrderID), filter.Limit)
	if err != nil {
		return nil, err
	}
	return collectMovements(rows)
}

func (r *Repository) LedgerSnapshot(ctx context.Context, variantID uuid.UUID) (Variant, []Movement, error) {
	var (
		v         Variant
		movements []Movement
	)
	err := db.WithSnapshot(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		v, err = scanVariant(tx.QueryRow(ctx, `SELECT `+variantColumns+` FROM stock_variants WHERE id=$1`, variantID))
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT `+movementColumns+` FROM stock_movements WHERE variant_id=$1 ORDER BY seq ASC`, variantID)
		if err != nil {
			return err
		}
		movements, err = collectMovements(rows)
		return err
	})
	if err != nil {
		return Variant{}, nil, err
	}
	return v, movements, nil
}

func (r *txRepository) GetVariantForUpdate(ctx context.Context, id uuid.UUID) (Variant, error) {
	return scanVariant(r.tx.QueryRow(ctx, `SELECT `+variantColumns+` FROM stock_variants WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) InsertVariant(ctx context.Context, v Variant) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_variants (id, sku, available_stock, reserved_stock, updated_at) VALUES ($1,$2,$3,$4,$5)`,
		v.ID, v.SKU, v.Available, v.Reserved, v.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateVariant
	}
	return err
}

func (r *txRepository) UpdateBalance(ctx context.Context, v Variant) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_variants SET available_stock=$2, reserved_stock=$3, updated_at=$4 WHERE id=$1`,
		v.ID, v.Available, v.Reserved, v.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVariantNotFound
	}
	return nil
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) (Movement, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements (id, variant_id, order_id, movement_type, quantity, reserved_delta, balance_before, balance_after, source, reason, notes, actor, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING seq`,
		m.ID, m.VariantID, m.OrderID, string(m.Type), m.Quantity, m.ReservedDelta, m.BalanceBefore, m.BalanceAfter, m.Source, m.Reason, m.Notes, m.Actor, m.CreatedAt).Scan(&m.Seq)
	return m, err
}

func (r *txRepository) OpenReservations(ctx context.Context, orderID, variantID uuid.UUID) ([]Movement, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+movementColumns+`
FROM stock_movements
WHERE order_id=$1 AND variant_id=$2 AND movement_type='reserved'
ORDER BY seq ASC`, orderID, variantID)
	if err != nil {
		return nil, err
	}
	return collectMovements(rows)
}

func (r *txRepository) OrderReservedBalance(ctx context.Context, orderID, variantID uuid.UUID) (int64, error) {
	var held int64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(CASE WHEN movement_type='sold' THEN 0 ELSE reserved_delta END), 0)::bigint
FROM stock_movements
WHERE order_id=$1 AND variant_id=$2`, orderID, variantID).Scan(&held)
	return held, err
}

func (r *txRepository) RelabelMovements(ctx context.Context, ids []uuid.UUID, from, to MovementType) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, id.String())
	}
	tag, err := r.tx.Exec(ctx, `UPDATE stock_movements SET movement_type=$3 WHERE id = ANY($1::uuid[]) AND movement_type=$2`, keys, string(from), string(to))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanVariant(row pgx.Row) (Variant, error) {
	var v Variant
	err := row.Scan(&v.ID, &v.SKU, &v.Available, &v.Reserved, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Variant{}, ErrVariantNotFound
	}
	return v, err
}

func collectMovements(rows pgx.Rows) ([]Movement, error) {
	defer rows.Close()
	out := []Movement{}
	for rows.Next() {
		var (
			m       Movement
			mvType  string
			orderID *uuid.UUID
			created time.Time
		)
		if err := rows.Scan(&m.ID, &m.Seq, &m.VariantID, &orderID, &mvType, &m.Quantity, &m.ReservedDelta, &m.BalanceBefore, &m.BalanceAfter, &m.Source, &m.Reason, &m.Notes, &m.Actor, &created); err != nil {
			return nil, err
		}
		m.OrderID = orderID
		m.Type = MovementType(mvType)
		m.CreatedAt = created
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

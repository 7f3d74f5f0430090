package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/orderpipe/libs/db"
	"github.com/md-rashed-zaman/orderpipe/libs/memdb"
)

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, o Order) error
	Get(ctx context.Context, id string) (Order, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS orders (
	id UUID PRIMARY KEY,
	customer_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	quantity INT NOT NULL CHECK (quantity > 0),
	unit_price NUMERIC(19, 4) NOT NULL,
	total_amount NUMERIC(19, 4) NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type PostgresRepository struct {
	pool *db.Pool
}

func NewPostgresRepository(pool *db.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("orders schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Insert(ctx context.Context, tx pgx.Tx, o Order) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO orders (id, customer_id, product_id, quantity, unit_price, total_amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, o.ID, o.CustomerID, o.ProductID, o.Quantity, o.UnitPrice.String(), o.TotalAmount.String(), o.Status, o.CreatedAt)
	if db.IsUniqueViolation(err) {
		return ErrDuplicateOrder
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Order, error) {
	var (
		o            Order
		unit, amount string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, customer_id, product_id, quantity, unit_price::text, total_amount::text, status, created_at
		FROM orders
		WHERE id = $1
	`, id).Scan(&o.ID, &o.CustomerID, &o.ProductID, &o.Quantity, &unit, &amount, &o.Status, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("get order: %w", err)
	}
	if err := scanDecimals(&o, unit, amount); err != nil {
		return Order{}, err
	}
	return o, nil
}

// MemoryRepository stages inserts on a memdb transaction.
type MemoryRepository struct {
	mu     sync.Mutex
	orders map[string]Order
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: map[string]Order{}}
}

func (r *MemoryRepository) Insert(_ context.Context, tx pgx.Tx, o Order) error {
	r.mu.Lock()
	_, exists := r.orders[o.ID]
	r.mu.Unlock()
	if exists {
		return ErrDuplicateOrder
	}
	return memdb.Stage(tx, func() {
		r.mu.Lock()
		r.orders[o.ID] = o
		r.mu.Unlock()
	})
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return o, nil
}

package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/orderpipe/libs/db"
	"github.com/md-rashed-zaman/orderpipe/libs/events"
)

type Reservation struct {
	OrderID    string
	ProductID  string
	Quantity   int
	ReservedAt time.Time
}

// Reserver records a reservation once per order. created is false when the
// order already had one.
type Reserver interface {
	Reserve(ctx context.Context, r Reservation) (created bool, err error)
}

type InventoryReservation struct {
	reserver Reserver
	logger   *slog.Logger
	now      func() time.Time
}

func NewInventoryReservation(reserver Reserver, logger *slog.Logger) *InventoryReservation {
	return &InventoryReservation{reserver: reserver, logger: logger, now: time.Now}
}

func (h *InventoryReservation) Name() string { return "inventory-reservation" }

func (h *InventoryReservation) Supports(e events.OrderCreated) bool {
	return e.Quantity > 0
}

func (h *InventoryReservation) Handle(ctx context.Context, e events.OrderCreated) error {
	created, err := h.reserver.Reserve(ctx, Reservation{
		OrderID:    e.OrderID,
		ProductID:  e.ProductID,
		Quantity:   e.Quantity,
		ReservedAt: h.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("reserve inventory for %s: %w", e.OrderID, err)
	}
	if !created {
		h.logger.Info("inventory already reserved", "order_id", e.OrderID)
		return nil
	}
	h.logger.Info("inventory reserved", "order_id", e.OrderID, "product_id", e.ProductID, "quantity", e.Quantity)
	return nil
}

const reservationsSchemaSQL = `
CREATE TABLE IF NOT EXISTS inventory_reservations (
	order_id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL,
	quantity INT NOT NULL,
	reserved_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type PostgresReserver struct {
	pool *db.Pool
}

func NewPostgresReserver(pool *db.Pool) *PostgresReserver {
	return &PostgresReserver{pool: pool}
}

func (r *PostgresReserver) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, reservationsSchemaSQL); err != nil {
		return fmt.Errorf("inventory schema: %w", err)
	}
	return nil
}

func (r *PostgresReserver) Reserve(ctx context.Context, res Reservation) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO inventory_reservations (order_id, product_id, quantity, reserved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id) DO NOTHING
	`, res.OrderID, res.ProductID, res.Quantity, res.ReservedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

type MemoryReserver struct {
	mu           sync.Mutex
	reservations map[string]Reservation
}

func NewMemoryReserver() *MemoryReserver {
	return &MemoryReserver{reservations: map[string]Reservation{}}
}

func (r *MemoryReserver) Reserve(_ context.Context, res Reservation) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reservations[res.OrderID]; ok {
		return false, nil
	}
	r.reservations[res.OrderID] = res
	return true, nil
}

func (r *MemoryReserver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reservations)
}

package orders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/orderpipe/libs/db"
	"github.com/md-rashed-zaman/orderpipe/libs/events"
	"github.com/md-rashed-zaman/orderpipe/services/order-service/internal/outbox"
	"github.com/shopspring/decimal"
)

type Service struct {
	db     db.Beginner
	repo   Repository
	outbox *outbox.Writer
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

func NewService(beginner db.Beginner, repo Repository, writer *outbox.Writer, logger *slog.Logger) *Service {
	return &Service{
		db:     beginner,
		repo:   repo,
		outbox: writer,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// CreateOrder stores the order and its OrderCreated outbox record in one
// transaction. On any error neither exists.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (Order, error) {
	if err := req.validate(); err != nil {
		return Order{}, err
	}

	now := s.now().UTC()
	o := Order{
		ID:          s.newID(),
		CustomerID:  req.CustomerID,
		ProductID:   req.ProductID,
		Quantity:    req.Quantity,
		UnitPrice:   req.UnitPrice,
		TotalAmount: req.UnitPrice.Mul(decimal.NewFromInt(int64(req.Quantity))),
		Status:      StatusNew,
		CreatedAt:   now,
	}
	evt := events.NewOrderCreated(o.ID, o.CustomerID, o.ProductID, o.Quantity, o.UnitPrice, now)

	var recordID int64
	err := db.InTx(ctx, s.db, func(tx pgx.Tx) error {
		if err := s.repo.Insert(ctx, tx, o); err != nil {
			return err
		}
		id, err := s.outbox.Append(ctx, tx, events.TopicOrderCreated, evt)
		if err != nil {
			return fmt.Errorf("append order-created: %w", err)
		}
		recordID = id
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.logger.Info("order created",
		"order_id", o.ID,
		"customer_id", o.CustomerID,
		"total_amount", events.FormatAmount(o.TotalAmount),
		"record_id", recordID,
	)
	return o, nil
}

func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Order{}, ErrOrderNotFound
	}
	return s.repo.Get(ctx, id)
}

func scanDecimals(o *Order, unit, amount string) error {
	var err error
	if o.UnitPrice, err = decimal.NewFromString(unit); err != nil {
		return fmt.Errorf("scan unit_price: %w", err)
	}
	if o.TotalAmount, err = decimal.NewFromString(amount); err != nil {
		return fmt.Errorf("scan total_amount: %w", err)
	}
	return nil
}

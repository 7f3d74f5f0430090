package orders

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/orderpipe/libs/events"
	"github.com/shopspring/decimal"
)

// StatusNew is the only status order-service assigns; payment runs downstream.
const StatusNew = "NEW"

// priceScale matches the NUMERIC(19, 4) money columns.
const priceScale = 4

var (
	ErrInvalidOrder   = errors.New("invalid order")
	ErrOrderNotFound  = errors.New("order not found")
	ErrDuplicateOrder = errors.New("order already exists")
)

type Order struct {
	ID          string
	CustomerID  string
	ProductID   string
	Quantity    int
	UnitPrice   decimal.Decimal
	TotalAmount decimal.Decimal
	Status      string
	CreatedAt   time.Time
}

type CreateOrderRequest struct {
	CustomerID string
	ProductID  string
	Quantity   int
	UnitPrice  decimal.Decimal
}

func (r CreateOrderRequest) validate() error {
	switch {
	case strings.TrimSpace(r.CustomerID) == "":
		return fmt.Errorf("%w: customerId is required", ErrInvalidOrder)
	case strings.TrimSpace(r.ProductID) == "":
		return fmt.Errorf("%w: productId is required", ErrInvalidOrder)
	case r.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	case r.UnitPrice.IsNegative():
		return fmt.Errorf("%w: price must not be negative", ErrInvalidOrder)
	case !r.UnitPrice.Equal(r.UnitPrice.Round(priceScale)):
		return fmt.Errorf("%w: price has more than %d decimal places", ErrInvalidOrder, priceScale)
	case events.HasControlChars(r.CustomerID), events.HasControlChars(r.ProductID):
		return fmt.Errorf("%w: ids must not contain control characters", ErrInvalidOrder)
	}
	return nil
}

package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// TopicOrderCreated is the single channel order-creation events are published on.
const TopicOrderCreated = "order-created"

// Message header names stamped by the outbox publishers on every broker.
const (
	HeaderEventID   = "event_id"
	HeaderEventType = "event_type"
)

var (
	ErrMalformedPayload = errors.New("malformed order-created payload")
	ErrInvalidEvent     = errors.New("invalid order-created event")
)

// OrderCreated is emitted once per created order and never mutated.
// Field names are the wire contract between producer and consumers.
type OrderCreated struct {
	OrderID     string          `json:"orderId"`
	CustomerID  string          `json:"customerId"`
	ProductID   string          `json:"productId"`
	Quantity    int             `json:"quantity"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	CreatedAt   time.Time       `json:"createdAt"`
}

func NewOrderCreated(orderID, customerID, productID string, quantity int, unitPrice decimal.Decimal, now time.Time) OrderCreated {
	return OrderCreated{
		OrderID:     orderID,
		CustomerID:  customerID,
		ProductID:   productID,
		Quantity:    quantity,
		TotalAmount: unitPrice.Mul(decimal.NewFromInt(int64(quantity))),
		CreatedAt:   now.UTC(),
	}
}

func (e OrderCreated) Validate() error {
	switch {
	case strings.TrimSpace(e.OrderID) == "":
		return fmt.Errorf("%w: orderId is required", ErrInvalidEvent)
	case e.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive (got %d)", ErrInvalidEvent, e.Quantity)
	case e.TotalAmount.IsNegative():
		return fmt.Errorf("%w: totalAmount must not be negative (got %s)", ErrInvalidEvent, e.TotalAmount)
	case e.CreatedAt.IsZero():
		return fmt.Errorf("%w: createdAt is required", ErrInvalidEvent)
	case HasControlChars(e.OrderID), HasControlChars(e.CustomerID), HasControlChars(e.ProductID):
		return fmt.Errorf("%w: ids must not contain control characters", ErrInvalidEvent)
	}
	return nil
}

// HasControlChars reports whether s holds CR, LF or any other control rune.
// Ids end up in mail headers and log lines.
func HasControlChars(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}

// FormatAmount is the wire form of a money amount: every significant fraction
// digit, padded to at least two.
func FormatAmount(d decimal.Decimal) string {
	places := int32(2)
	trimmed := d.String()
	if i := strings.IndexByte(trimmed, '.'); i >= 0 && int32(len(trimmed)-i-1) > places {
		places = int32(len(trimmed) - i - 1)
	}
	return d.StringFixed(places)
}

type wireOrderCreated struct {
	OrderID     string `json:"orderId"`
	CustomerID  string `json:"customerId"`
	ProductID   string `json:"productId"`
	Quantity    int    `json:"quantity"`
	TotalAmount string `json:"totalAmount"`
	CreatedAt   string `json:"createdAt"`
}

func (e OrderCreated) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireOrderCreated{
		OrderID:     e.OrderID,
		CustomerID:  e.CustomerID,
		ProductID:   e.ProductID,
		Quantity:    e.Quantity,
		TotalAmount: FormatAmount(e.TotalAmount),
		CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// UnmarshalJSON accepts totalAmount as a JSON string or number.
func (e *OrderCreated) UnmarshalJSON(data []byte) error {
	var raw struct {
		OrderID     string          `json:"orderId"`
		CustomerID  string          `json:"customerId"`
		ProductID   string          `json:"productId"`
		Quantity    int             `json:"quantity"`
		TotalAmount json.RawMessage `json:"totalAmount"`
		CreatedAt   time.Time       `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	amount := bytes.Trim(bytes.TrimSpace(raw.TotalAmount), `"`)
	if len(amount) == 0 {
		return errors.New("totalAmount is required")
	}
	total, err := decimal.NewFromString(string(amount))
	if err != nil {
		return fmt.Errorf("totalAmount: %w", err)
	}
	*e = OrderCreated{
		OrderID:     raw.OrderID,
		CustomerID:  raw.CustomerID,
		ProductID:   raw.ProductID,
		Quantity:    raw.Quantity,
		TotalAmount: total,
		CreatedAt:   raw.CreatedAt.UTC(),
	}
	return nil
}

// Decode parses and validates a delivered payload.
func Decode(payload []byte) (OrderCreated, error) {
	var e OrderCreated
	if err := json.Unmarshal(payload, &e); err != nil {
		return OrderCreated{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if err := e.Validate(); err != nil {
		return OrderCreated{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return e, nil
}

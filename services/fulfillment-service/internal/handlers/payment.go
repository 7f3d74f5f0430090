package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/md-rashed-zaman/orderpipe/libs/events"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/paymentintent"
)

type PaymentRequest struct {
	OrderID        string
	CustomerID     string
	AmountMinor    int64
	Currency       string
	IdempotencyKey string
}

// PaymentGateway starts a payment. Calls with the same IdempotencyKey must
// not start a second one.
type PaymentGateway interface {
	Initiate(ctx context.Context, req PaymentRequest) (reference string, err error)
}

type PaymentInitiation struct {
	gateway  PaymentGateway
	currency string
	logger   *slog.Logger
}

func NewPaymentInitiation(gateway PaymentGateway, currency string, logger *slog.Logger) *PaymentInitiation {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = "usd"
	}
	return &PaymentInitiation{gateway: gateway, currency: currency, logger: logger}
}

func (h *PaymentInitiation) Name() string { return "payment-initiation" }

// Supports skips free orders; there is nothing to charge.
func (h *PaymentInitiation) Supports(e events.OrderCreated) bool {
	return e.TotalAmount.IsPositive()
}

func (h *PaymentInitiation) Handle(ctx context.Context, e events.OrderCreated) error {
	ref, err := h.gateway.Initiate(ctx, PaymentRequest{
		OrderID:        e.OrderID,
		CustomerID:     e.CustomerID,
		AmountMinor:    minorUnits(e.TotalAmount),
		Currency:       h.currency,
		IdempotencyKey: "order-created:" + e.OrderID,
	})
	if err != nil {
		return fmt.Errorf("initiate payment for %s: %w", e.OrderID, err)
	}
	h.logger.Info("payment initiated", "order_id", e.OrderID, "amount", events.FormatAmount(e.TotalAmount), "payment_ref", ref)
	return nil
}

func minorUnits(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}

// StripeGateway creates a PaymentIntent. Stripe replays the original response
// for a reused idempotency key.
type StripeGateway struct {
	secretKey string
}

func NewStripeGateway(secretKey string) *StripeGateway {
	return &StripeGateway{secretKey: strings.TrimSpace(secretKey)}
}

func (g *StripeGateway) Initiate(ctx context.Context, req PaymentRequest) (string, error) {
	stripe.Key = g.secretKey
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("customer_id", req.CustomerID)
	params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	params.Context = ctx

	pi, err := paymentintent.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe payment intent: %w", err)
	}
	return pi.ID, nil
}

// LogGateway records the request in the log only. Used when no Stripe key is set.
type LogGateway struct {
	Logger *slog.Logger
}

func (g LogGateway) Initiate(_ context.Context, req PaymentRequest) (string, error) {
	g.Logger.Info("payment gateway not configured; logging payment request",
		"order_id", req.OrderID,
		"amount_minor", req.AmountMinor,
		"currency", req.Currency,
		"idempotency_key", req.IdempotencyKey,
	)
	return "log:" + req.OrderID, nil
}

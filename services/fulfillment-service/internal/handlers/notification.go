package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/orderpipe/libs/events"
	"github.com/md-rashed-zaman/orderpipe/services/fulfillment-service/internal/email"
	"github.com/redis/go-redis/v9"
)

var ErrNotificationInFlight = errors.New("handlers: notification for this order is being sent elsewhere")

const (
	notificationPending = "pending"
	notificationSent    = "sent"
)

type NotificationConfig struct {
	// EmailDomain builds the recipient as <customerId>@<EmailDomain>.
	EmailDomain string
	// SentTTL is how long a delivered notification is remembered.
	SentTTL time.Duration
	// ClaimTTL bounds how long a crashed sender can block a retry.
	ClaimTTL time.Duration
}

// Notification emails the customer once per order. A Redis key per order
// moves pending -> sent; a failed send deletes it so redelivery retries.
type Notification struct {
	rdb    redis.Cmdable
	sender email.Sender
	cfg    NotificationConfig
	logger *slog.Logger
}

func NewNotification(rdb redis.Cmdable, sender email.Sender, cfg NotificationConfig, logger *slog.Logger) *Notification {
	if strings.TrimSpace(cfg.EmailDomain) == "" {
		cfg.EmailDomain = "customers.orderpipe.local"
	}
	if cfg.SentTTL <= 0 {
		cfg.SentTTL = 7 * 24 * time.Hour
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 5 * time.Minute
	}
	return &Notification{rdb: rdb, sender: sender, cfg: cfg, logger: logger}
}

func (h *Notification) Name() string { return "notification" }

func (h *Notification) Supports(e events.OrderCreated) bool {
	return strings.TrimSpace(e.CustomerID) != ""
}

func notificationKey(orderID string) string {
	return "notification:order-created:" + orderID
}

func (h *Notification) Handle(ctx context.Context, e events.OrderCreated) error {
	key := notificationKey(e.OrderID)
	claimed, err := h.rdb.SetNX(ctx, key, notificationPending, h.cfg.ClaimTTL).Result()
	if err != nil {
		return fmt.Errorf("claim notification %s: %w", e.OrderID, err)
	}
	if !claimed {
		state, err := h.rdb.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			// claim expired between the two calls; let redelivery try again
			return ErrNotificationInFlight
		case err != nil:
			return fmt.Errorf("notification state %s: %w", e.OrderID, err)
		case state == notificationSent:
			h.logger.Info("notification already sent", "order_id", e.OrderID)
			return nil
		default:
			return ErrNotificationInFlight
		}
	}

	to := e.CustomerID + "@" + h.cfg.EmailDomain
	subject := "Order " + e.OrderID + " received"
	body := fmt.Sprintf("We received your order of %d x %s. Total: %s.", e.Quantity, e.ProductID, events.FormatAmount(e.TotalAmount))
	if err := h.sender.Send(ctx, to, subject, body); err != nil {
		if delErr := h.rdb.Del(context.WithoutCancel(ctx), key).Err(); delErr != nil {
			h.logger.Error("notification claim not released", "order_id", e.OrderID, "err", delErr)
		}
		return fmt.Errorf("send notification %s: %w", e.OrderID, err)
	}

	if err := h.rdb.Set(context.WithoutCancel(ctx), key, notificationSent, h.cfg.SentTTL).Err(); err != nil {
		// the email went out; a later redelivery may send it again
		h.logger.Warn("notification sent but not recorded", "order_id", e.OrderID, "err", err)
	}
	h.logger.Info("notification sent", "order_id", e.OrderID, "to", to)
	return nil
}

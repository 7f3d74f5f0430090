package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/orderpipe/libs/metrics"
	otelx "github.com/md-rashed-zaman/orderpipe/libs/otel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrSourceClosed = errors.New("consumer: source closed")

// Delivery is one broker message awaiting an ack or a nack. Exactly one of
// them should be called; a delivery left alone is redelivered by the broker.
type Delivery interface {
	ID() string
	Payload() []byte
	Ack(ctx context.Context) error
	Nack(ctx context.Context) error
}

// traced is implemented by deliveries that carry W3C trace headers.
type traced interface {
	TraceContext(ctx context.Context) context.Context
}

type Source interface {
	Next(ctx context.Context) (Delivery, error)
	Close() error
}

type Consumer struct {
	source     Source
	dispatcher *Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Consumer
	tracer     trace.Tracer
	retryDelay time.Duration
}

func New(source Source, dispatcher *Dispatcher, logger *slog.Logger, m *metrics.Consumer) *Consumer {
	return &Consumer{
		source:     source,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    m,
		tracer:     otel.Tracer("orderpipe/consumer"),
		retryDelay: time.Second,
	}
}

// Run handles deliveries one at a time until ctx is done or the source is
// closed. Per-message failures are logged and never end the loop.
func (c *Consumer) Run(ctx context.Context) {
	defer func() {
		if err := c.source.Close(); err != nil {
			c.logger.Error("consumer source close failed", "err", err)
		}
	}()

	for {
		d, err := c.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSourceClosed) {
				c.logger.Info("consumer stopped")
				return
			}
			c.logger.Error("consumer fetch failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryDelay):
			}
			continue
		}
		c.handle(ctx, d)
	}
}

func (c *Consumer) handle(ctx context.Context, d Delivery) {
	msgCtx := ctx
	if t, ok := d.(traced); ok {
		msgCtx = t.TraceContext(ctx)
	}
	msgCtx, span := c.tracer.Start(msgCtx, "orderpipe.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.message.id", d.ID())),
	)
	defer span.End()

	log := c.logger.With("delivery_id", d.ID())
	out := c.dispatcher.Dispatch(msgCtx, d.Payload())

	// ack/nack go to the broker even when shutdown has started
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(msgCtx), 10*time.Second)
	defer cancel()

	if out.Ack {
		if err := d.Ack(settleCtx); err != nil {
			span.RecordError(err)
			log.Error("ack failed; message will be redelivered", "err", err)
		}
		c.metrics.Message("ack")
		log.Debug("message acknowledged", "handlers", out.Invoked)
		return
	}

	otelx.FailSpan(span, out.Err(), "nack")
	if out.DecodeErr != nil {
		c.metrics.Message("decode_error")
		log.Error("message could not be decoded", "err", out.DecodeErr)
	} else {
		c.metrics.Message("nack")
		log.Warn("message handling failed; requesting redelivery",
			"handlers", out.Invoked,
			"failed", len(out.Failures),
			"err", out.Err(),
		)
	}
	if err := d.Nack(settleCtx); err != nil {
		log.Error("nack failed; relying on broker timeout", "err", err)
	}
}

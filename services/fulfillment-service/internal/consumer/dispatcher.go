package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/md-rashed-zaman/orderpipe/libs/events"
	"github.com/md-rashed-zaman/orderpipe/libs/metrics"
	"github.com/md-rashed-zaman/orderpipe/services/fulfillment-service/internal/handlers"
)

type HandlerFailure struct {
	Handler string
	Err     error
}

// Outcome is the result of dispatching one delivered payload.
type Outcome struct {
	Ack       bool
	Invoked   []string
	Failures  []HandlerFailure
	DecodeErr error
}

func (o Outcome) Err() error {
	if o.DecodeErr != nil {
		return o.DecodeErr
	}
	errs := make([]error, 0, len(o.Failures))
	for _, f := range o.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", f.Handler, f.Err))
	}
	return errors.Join(errs...)
}

// Dispatcher runs every supporting handler in registration order. A failing
// handler never stops the ones after it; any failure turns the whole message
// into a nack.
type Dispatcher struct {
	registry *handlers.Registry
	logger   *slog.Logger
	metrics  *metrics.Consumer
}

func NewDispatcher(registry *handlers.Registry, logger *slog.Logger, m *metrics.Consumer) *Dispatcher {
	return &Dispatcher{registry: registry, logger: logger, metrics: m}
}

func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) Outcome {
	evt, err := events.Decode(payload)
	if err != nil {
		return Outcome{Ack: false, DecodeErr: err}
	}

	out := Outcome{Ack: true}
	for _, h := range d.registry.Handlers() {
		if !h.Supports(evt) {
			continue
		}
		out.Invoked = append(out.Invoked, h.Name())
		err := d.invoke(ctx, h, evt)
		d.metrics.Handler(h.Name(), err)
		if err != nil {
			d.logger.Error("handler failed", "handler", h.Name(), "order_id", evt.OrderID, "err", err)
			out.Failures = append(out.Failures, HandlerFailure{Handler: h.Name(), Err: err})
			out.Ack = false
		}
	}
	return out
}

func (d *Dispatcher) invoke(ctx context.Context, h handlers.Handler, evt events.OrderCreated) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, evt)
}

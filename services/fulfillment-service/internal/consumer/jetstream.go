package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/orderpipe/libs/events"
	"github.com/md-rashed-zaman/orderpipe/libs/natsx"
	"github.com/nats-io/nats.go"
)

type JetStreamConfig struct {
	Stream  string
	Subject string
	Durable string
	// AckWait is how long the server waits for an ack before redelivering.
	AckWait         time.Duration
	RedeliveryDelay time.Duration
	// FetchWait bounds a single pull request.
	FetchWait time.Duration
	// MaxDeliver > 0 caps server-side deliveries per message.
	MaxDeliver int
}

type pullSubscription interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
	Unsubscribe() error
}

// JetStreamSource pulls from a durable consumer with explicit acks.
type JetStreamSource struct {
	sub       pullSubscription
	delay     time.Duration
	fetchWait time.Duration
}

// consumerAPI is the part of nats.JetStreamContext that manages durables.
type consumerAPI interface {
	ConsumerInfo(stream, name string, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
}

// NewJetStreamSource creates the durable itself and binds to it, so the
// client never owns the consumer and unsubscribing does not delete it.
func NewJetStreamSource(js nats.JetStreamContext, cfg JetStreamConfig) (*JetStreamSource, error) {
	if cfg.Stream == "" || cfg.Durable == "" || cfg.Subject == "" {
		return nil, errors.New("jetstream source: stream, durable and subject are required")
	}
	if err := ensureConsumer(js, cfg); err != nil {
		return nil, err
	}
	sub, err := js.PullSubscribe(cfg.Subject, cfg.Durable, nats.Bind(cfg.Stream, cfg.Durable))
	if err != nil {
		return nil, fmt.Errorf("jetstream pull subscribe %s: %w", cfg.Subject, err)
	}
	return newJetStreamSource(sub, cfg.RedeliveryDelay, cfg.FetchWait), nil
}

func consumerConfig(cfg JetStreamConfig) *nats.ConsumerConfig {
	ackWait := cfg.AckWait
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}
	cc := &nats.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.Subject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       ackWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if cfg.MaxDeliver > 0 {
		cc.MaxDeliver = cfg.MaxDeliver
	}
	return cc
}

// ensureConsumer adds the durable when it does not exist yet. An existing
// durable is left alone so its ack floor is kept.
func ensureConsumer(api consumerAPI, cfg JetStreamConfig) error {
	_, err := api.ConsumerInfo(cfg.Stream, cfg.Durable)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("jetstream consumer info %s/%s: %w", cfg.Stream, cfg.Durable, err)
	}
	if _, err := api.AddConsumer(cfg.Stream, consumerConfig(cfg)); err != nil {
		return fmt.Errorf("jetstream add consumer %s/%s: %w", cfg.Stream, cfg.Durable, err)
	}
	return nil
}

func newJetStreamSource(sub pullSubscription, delay, fetchWait time.Duration) *JetStreamSource {
	if delay <= 0 {
		delay = time.Second
	}
	if fetchWait <= 0 {
		fetchWait = 5 * time.Second
	}
	return &JetStreamSource{sub: sub, delay: delay, fetchWait: fetchWait}
}

func (s *JetStreamSource) Next(ctx context.Context) (Delivery, error) {
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, s.fetchWait)
		msgs, err := s.sub.Fetch(1, nats.Context(fetchCtx))
		cancel()
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
			continue
		case errors.Is(err, nats.ErrBadSubscription), errors.Is(err, nats.ErrConnectionClosed):
			return nil, ErrSourceClosed
		case err != nil:
			return nil, err
		case len(msgs) == 0:
			continue
		}
		return &natsDelivery{msg: msgs[0], delay: s.delay}, nil
	}
}

// Close drops the bound subscription only. The durable stays on the server
// with its ack floor.
func (s *JetStreamSource) Close() error {
	err := s.sub.Unsubscribe()
	if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}

type natsDelivery struct {
	msg   *nats.Msg
	delay time.Duration
}

func (d *natsDelivery) ID() string {
	id := ""
	if d.msg.Header != nil {
		id = d.msg.Header.Get(events.HeaderEventID)
	}
	if meta, err := d.msg.Metadata(); err == nil {
		return fmt.Sprintf("%s/%d#%s", meta.Stream, meta.Sequence.Stream, id)
	}
	return d.msg.Subject + "#" + id
}

func (d *natsDelivery) Payload() []byte { return d.msg.Data }

func (d *natsDelivery) TraceContext(ctx context.Context) context.Context {
	return natsx.ExtractTraceContext(ctx, d.msg)
}

func (d *natsDelivery) Ack(ctx context.Context) error {
	return d.msg.Ack(nats.Context(ctx))
}

func (d *natsDelivery) Nack(ctx context.Context) error {
	return d.msg.NakWithDelay(d.delay, nats.Context(ctx))
}

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/md-rashed-zaman/orderpipe/libs/events"
	"github.com/md-rashed-zaman/orderpipe/libs/kafkax"
	"github.com/md-rashed-zaman/orderpipe/libs/natsx"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
)

var ErrNoBrokers = errors.New("outbox: no kafka brokers configured")

// Message is what the poller hands to a Publisher for one record.
type Message struct {
	ID      int64
	Topic   string
	Payload []byte
}

func (m Message) EventID() string {
	return strconv.FormatInt(m.ID, 10)
}

// Publisher sends one message and returns only after the broker acknowledged
// it. It does not retry.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// partitionKey pulls orderId out of the payload so every event of one order
// lands on the same partition. Payloads without it are sent unkeyed.
func partitionKey(payload []byte) []byte {
	var probe struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.OrderID == "" {
		return nil
	}
	return []byte(probe.OrderID)
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
}

type KafkaConfig struct {
	Brokers      string
	WriteTimeout time.Duration
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           cfg.WriteTimeout,
	}}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, m Message) error {
	meta := kafkax.EventMeta{EventID: m.EventID(), EventType: m.Topic}
	msg := kafka.Message{
		Topic:   m.Topic,
		Key:     partitionKey(m.Payload),
		Value:   m.Payload,
		Headers: kafkax.InjectTraceHeaders(ctx, meta.Headers()),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", m.Topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type streamPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSPublisher publishes to JetStream with the record id as Nats-Msg-Id, so
// a republish inside the stream's duplicate window is dropped by the server.
type NATSPublisher struct {
	js streamPublisher
}

func NewNATSPublisher(js nats.JetStreamContext) *NATSPublisher {
	return &NATSPublisher{js: js}
}

func (p *NATSPublisher) Publish(ctx context.Context, m Message) error {
	msg := &nats.Msg{
		Subject: m.Topic,
		Data:    m.Payload,
		Header:  nats.Header{},
	}
	msg.Header.Set(events.HeaderEventID, m.EventID())
	msg.Header.Set(events.HeaderEventType, m.Topic)
	msg.Header = natsx.InjectTraceHeaders(ctx, msg.Header)
	if _, err := p.js.PublishMsg(msg, nats.MsgId(m.EventID()), nats.Context(ctx)); err != nil {
		return fmt.Errorf("jetstream publish %s: %w", m.Topic, err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	return nil
}

package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/orderpipe/libs/kafkax"
	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Brokers string
	GroupID string
	Topic   string
	// RedeliveryDelay is the pause before a nacked message is fetched again.
	RedeliveryDelay time.Duration
	// MaxDeliveries > 0 commits past a message nacked that many times in a
	// row, so one poison message cannot stall its partition forever.
	MaxDeliveries int
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource reads through a consumer group without auto-commit. Kafka has
// no per-message nack, so a nack drops the reader and opens a new one: the
// group resumes from the last committed offset and the message comes back.
type KafkaSource struct {
	newReader     func() messageReader
	delay         time.Duration
	maxDeliveries int
	logger        *slog.Logger

	mu       sync.Mutex
	reader   messageReader
	closed   bool
	lastNack position
	nacks    int
}

type position struct {
	partition int
	offset    int64
}

func NewKafkaSource(cfg KafkaConfig, logger *slog.Logger) (*KafkaSource, error) {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka source: no brokers configured")
	}
	if cfg.GroupID == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka source: group id and topic are required")
	}
	return newKafkaSource(func() messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			GroupID:     cfg.GroupID,
			Topic:       cfg.Topic,
			MinBytes:    1,
			MaxBytes:    10e6,
			StartOffset: kafka.FirstOffset,
		})
	}, cfg.RedeliveryDelay, cfg.MaxDeliveries, logger), nil
}

func newKafkaSource(newReader func() messageReader, delay time.Duration, maxDeliveries int, logger *slog.Logger) *KafkaSource {
	if delay <= 0 {
		delay = time.Second
	}
	return &KafkaSource{
		newReader:     newReader,
		delay:         delay,
		maxDeliveries: maxDeliveries,
		logger:        logger,
		reader:        newReader(),
	}
}

func (s *KafkaSource) Next(ctx context.Context) (Delivery, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSourceClosed
	}
	r := s.reader
	s.mu.Unlock()

	msg, err := r.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	return &kafkaDelivery{source: s, reader: r, msg: msg}, nil
}

// exhausted counts consecutive nacks of the same offset.
func (s *KafkaSource) exhausted(msg kafka.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := position{partition: msg.Partition, offset: msg.Offset}
	if pos != s.lastNack {
		s.lastNack = pos
		s.nacks = 0
	}
	s.nacks++
	if s.maxDeliveries <= 0 || s.nacks < s.maxDeliveries {
		return false
	}
	s.lastNack = position{partition: -1}
	s.nacks = 0
	return true
}

func (s *KafkaSource) rewind(ctx context.Context, from messageReader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.reader != from {
		return nil
	}
	if err := s.reader.Close(); err != nil {
		s.logger.Warn("kafka reader close failed during rewind", "err", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(s.delay):
	}
	s.reader = s.newReader()
	return nil
}

func (s *KafkaSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.reader.Close()
}

type kafkaDelivery struct {
	source *KafkaSource
	reader messageReader
	msg    kafka.Message
}

func (d *kafkaDelivery) ID() string {
	meta := kafkax.ExtractEventMeta(d.msg)
	return fmt.Sprintf("%s/%d/%d#%s", d.msg.Topic, d.msg.Partition, d.msg.Offset, meta.EventID)
}

func (d *kafkaDelivery) Payload() []byte { return d.msg.Value }

func (d *kafkaDelivery) TraceContext(ctx context.Context) context.Context {
	return kafkax.ExtractTraceContext(ctx, d.msg)
}

func (d *kafkaDelivery) Ack(ctx context.Context) error {
	return d.reader.CommitMessages(ctx, d.msg)
}

func (d *kafkaDelivery) Nack(ctx context.Context) error {
	if d.source.exhausted(d.msg) {
		d.source.logger.Error("message nacked too many times; committing past it",
			"topic", d.msg.Topic,
			"partition", d.msg.Partition,
			"offset", d.msg.Offset,
			"deliveries", d.source.maxDeliveries,
		)
		return d.reader.CommitMessages(ctx, d.msg)
	}
	return d.source.rewind(ctx, d.reader)
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "orderpipe"

// Outbox instruments the poller. A nil *Outbox is a valid no-op.
type Outbox struct {
	records      *prometheus.CounterVec
	cycleSeconds prometheus.Histogram
	pending      prometheus.Gauge
}

func NewOutbox(reg prometheus.Registerer) *Outbox {
	m := &Outbox{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "records_total",
			Help:      "Outbox records handled by the poller, by result.",
		}, []string{"result"}),
		cycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "cycle_seconds",
			Help:      "Duration of one poller cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "pending",
			Help:      "Unprocessed records fetched by the last cycle.",
		}),
	}
	reg.MustRegister(m.records, m.cycleSeconds, m.pending)
	return m
}

func (m *Outbox) Cycle(d time.Duration, fetched int) {
	if m == nil {
		return
	}
	m.cycleSeconds.Observe(d.Seconds())
	m.pending.Set(float64(fetched))
}

// Records adds n to the counter for result (published, failed, mark_failed, dead_lettered).
func (m *Outbox) Records(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.records.WithLabelValues(result).Add(float64(n))
}

// Consumer instruments dispatch. A nil *Consumer is a valid no-op.
type Consumer struct {
	messages *prometheus.CounterVec
	handlers *prometheus.CounterVec
}

func NewConsumer(reg prometheus.Registerer) *Consumer {
	m := &Consumer{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_total",
			Help:      "Delivered messages, by outcome (ack, nack, decode_error).",
		}, []string{"result"}),
		handlers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_invocations_total",
			Help:      "Handler invocations, by handler and result.",
		}, []string{"handler", "result"}),
	}
	reg.MustRegister(m.messages, m.handlers)
	return m
}

func (m *Consumer) Message(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}

func (m *Consumer) Handler(name string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.handlers.WithLabelValues(name, result).Inc()
}

package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type memDelivery struct {
	id      string
	payload []byte
	broker  *memBroker
}

func (d *memDelivery) ID() string      { return d.id }
func (d *memDelivery) Payload() []byte { return d.payload }

func (d *memDelivery) Ack(context.Context) error {
	d.broker.settle(d, true)
	return nil
}

func (d *memDelivery) Nack(context.Context) error {
	d.broker.settle(d, false)
	return nil
}

// memBroker redelivers nacked messages at the head of the queue.
type memBroker struct {
	mu       sync.Mutex
	queue    []*memDelivery
	acked    []string
	nacked   []string
	fetchErr error
	idle     chan struct{}
}

func newMemBroker(payloads ...string) *memBroker {
	b := &memBroker{idle: make(chan struct{}, 1)}
	for i, p := range payloads {
		b.queue = append(b.queue, &memDelivery{id: string(rune('a' + i)), payload: []byte(p), broker: b})
	}
	return b
}

func (b *memBroker) settle(d *memDelivery, ack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ack {
		b.acked = append(b.acked, d.id)
		return
	}
	b.nacked = append(b.nacked, d.id)
	b.queue = append([]*memDelivery{d}, b.queue...)
}

func (b *memBroker) Next(ctx context.Context) (Delivery, error) {
	for {
		b.mu.Lock()
		if err := b.fetchErr; err != nil {
			b.fetchErr = nil
			b.mu.Unlock()
			return nil, err
		}
		if len(b.queue) > 0 {
			d := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return d, nil
		}
		b.mu.Unlock()
		select {
		case b.idle <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (b *memBroker) Close() error { return nil }

func (b *memBroker) settled() ([]string, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acked...), append([]string(nil), b.nacked...)
}

func runUntilIdle(t *testing.T, c *Consumer, b *memBroker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	select {
	case <-b.idle:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not drain the queue")
	}
	cancel()
	<-done
}

// Inventory and payment succeed, notification fails once: the message is
// nacked, redelivered, every handler runs again and the retry is acked.
func TestRedeliveryAfterPartialFailure(t *testing.T) {
	inventory := &scriptedHandler{name: "inventory-reservation", supports: true}
	payment := &scriptedHandler{name: "payment-initiation", supports: true}
	notify := &scriptedHandler{name: "notification", supports: true, failures: 1}

	b := newMemBroker(validPayload)
	c := New(b, newDispatcher(t, inventory, payment, notify), testLogger(), nil)
	runUntilIdle(t, c, b)

	acked, nacked := b.settled()
	assert.Equal(t, []string{"a"}, nacked)
	assert.Equal(t, []string{"a"}, acked)
	assert.Equal(t, 2, inventory.callCount())
	assert.Equal(t, 2, payment.callCount())
	assert.Equal(t, 2, notify.callCount())
}

func TestMalformedMessageIsNackedAndLoopContinues(t *testing.T) {
	h := &scriptedHandler{name: "h", supports: true}
	b := newMemBroker(`{garbage`, validPayload)
	b.fetchErr = errors.New("coordinator not available")

	// the malformed message keeps coming back; stop redelivering after the first nack
	c := New(&dropAfterNack{memBroker: b}, newDispatcher(t, h), testLogger(), nil)
	c.retryDelay = time.Millisecond
	runUntilIdle(t, c, b)

	acked, nacked := b.settled()
	assert.Equal(t, []string{"a"}, nacked)
	assert.Equal(t, []string{"b"}, acked)
	assert.Equal(t, 1, h.callCount())
}

type dropAfterNack struct {
	*memBroker
}

func (d *dropAfterNack) Next(ctx context.Context) (Delivery, error) {
	del, err := d.memBroker.Next(ctx)
	if err != nil {
		return nil, err
	}
	md := del.(*memDelivery)
	_, nacked := d.settled()
	for _, id := range nacked {
		if id == md.id {
			return d.Next(ctx)
		}
	}
	return md, nil
}

func TestRunStopsOnClosedSource(t *testing.T) {
	c := New(closedSource{}, newDispatcher(t), testLogger(), nil)
	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

type closedSource struct{}

func (closedSource) Next(context.Context) (Delivery, error) { return nil, ErrSourceClosed }

func (closedSource) Close() error { return nil }

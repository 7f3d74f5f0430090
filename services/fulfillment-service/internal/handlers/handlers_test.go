package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/md-rashed-zaman/orderpipe/libs/db"
	"github.com/md-rashed-zaman/orderpipe/libs/events"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleEvent() events.OrderCreated {
	return events.NewOrderCreated("o-1", "C1", "P1", 3, decimal.RequireFromString("10.00"), time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
}

type namedHandler struct{ name string }

func (h namedHandler) Name() string { return h.name }

func (h namedHandler) Supports(events.OrderCreated) bool { return true }

func (h namedHandler) Handle(context.Context, events.OrderCreated) error { return nil }

func TestRegistryKeepsOrderAndRejectsDuplicates(t *testing.T) {
	r, err := NewRegistry(namedHandler{"a"}, namedHandler{"b"})
	require.NoError(t, err)

	assert.ErrorIs(t, r.Register(nil), ErrHandlerRequired)
	assert.ErrorIs(t, r.Register(namedHandler{"a"}), ErrHandlerAlreadyRegistered)
	require.NoError(t, r.Register(namedHandler{"c"}))

	var names []string
	for _, h := range r.Handlers() {
		names = append(names, h.Name())
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)

	snapshot := r.Handlers()
	snapshot[0] = namedHandler{"z"}
	assert.Equal(t, "a", r.Handlers()[0].Name())
}

func TestInventoryReservationIsIdempotent(t *testing.T) {
	reserver := NewMemoryReserver()
	h := NewInventoryReservation(reserver, testLogger())
	e := sampleEvent()

	require.True(t, h.Supports(e))
	require.NoError(t, h.Handle(context.Background(), e))
	require.NoError(t, h.Handle(context.Background(), e))
	assert.Equal(t, 1, reserver.Len())
}

type failingReserver struct{}

func (failingReserver) Reserve(context.Context, Reservation) (bool, error) {
	return false, errors.New("connection refused")
}

func TestInventoryReservationSurfacesStoreErrors(t *testing.T) {
	h := NewInventoryReservation(failingReserver{}, testLogger())
	assert.Error(t, h.Handle(context.Background(), sampleEvent()))
}

type recordingGateway struct {
	mu       sync.Mutex
	requests []PaymentRequest
	charged  map[string]bool
}

func (g *recordingGateway) Initiate(_ context.Context, req PaymentRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.charged == nil {
		g.charged = map[string]bool{}
	}
	g.charged[req.IdempotencyKey] = true
	return "pi_" + req.OrderID, nil
}

func TestPaymentInitiationUsesStableIdempotencyKey(t *testing.T) {
	gw := &recordingGateway{}
	h := NewPaymentInitiation(gw, "", testLogger())
	e := sampleEvent()

	require.NoError(t, h.Handle(context.Background(), e))
	require.NoError(t, h.Handle(context.Background(), e))

	require.Len(t, gw.requests, 2)
	assert.Equal(t, gw.requests[0], gw.requests[1])
	assert.Equal(t, "order-created:o-1", gw.requests[0].IdempotencyKey)
	assert.Equal(t, int64(3000), gw.requests[0].AmountMinor)
	assert.Equal(t, "usd", gw.requests[0].Currency)
	assert.Len(t, gw.charged, 1)
}

func TestPaymentInitiationSkipsFreeOrders(t *testing.T) {
	h := NewPaymentInitiation(&recordingGateway{}, "eur", testLogger())
	e := sampleEvent()
	e.TotalAmount = decimal.Zero
	assert.False(t, h.Supports(e))
}

func TestMinorUnitsRounds(t *testing.T) {
	assert.Equal(t, int64(1999), minorUnits(decimal.RequireFromString("19.99")))
	assert.Equal(t, int64(1000), minorUnits(decimal.RequireFromString("9.995")))
}

func TestStripeGatewaySendsIdempotencyKey(t *testing.T) {
	var gotKey, gotAmount string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		_ = r.ParseForm()
		gotAmount = r.PostForm.Get("amount")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123","object":"payment_intent","amount":3000,"currency":"usd"}`))
	}))
	defer srv.Close()

	prev := stripe.GetBackend(stripe.APIBackend)
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
	}))
	defer stripe.SetBackend(stripe.APIBackend, prev)

	ref, err := NewStripeGateway("sk_test_123").Initiate(context.Background(), PaymentRequest{
		OrderID:        "o-1",
		AmountMinor:    3000,
		Currency:       "usd",
		IdempotencyKey: "order-created:o-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", ref)
	assert.Equal(t, "order-created:o-1", gotKey)
	assert.Equal(t, "3000", gotAmount)
}

func TestStripeGatewayHonoursContext(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123","object":"payment_intent"}`))
	}))
	defer srv.Close()

	prev := stripe.GetBackend(stripe.APIBackend)
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
	}))
	defer stripe.SetBackend(stripe.APIBackend, prev)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStripeGateway("sk_test_123").Initiate(ctx, PaymentRequest{
		OrderID:        "o-1",
		AmountMinor:    3000,
		Currency:       "usd",
		IdempotencyKey: "order-created:o-1",
	})
	require.Error(t, err)
	assert.Zero(t, hits.Load())
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *recordingSender) Send(_ context.Context, to string, _ string, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, to)
	return nil
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestNotificationSendsOncePerOrder(t *testing.T) {
	mr, rdb := newRedis(t)
	sender := &recordingSender{}
	h := NewNotification(rdb, sender, NotificationConfig{EmailDomain: "example.com"}, testLogger())
	e := sampleEvent()

	require.NoError(t, h.Handle(context.Background(), e))
	require.NoError(t, h.Handle(context.Background(), e))

	assert.Equal(t, []string{"C1@example.com"}, sender.sent)
	state, err := mr.Get("notification:order-created:o-1")
	require.NoError(t, err)
	assert.Equal(t, "sent", state)
	assert.Equal(t, 7*24*time.Hour, mr.TTL("notification:order-created:o-1"))
}

func TestNotificationFailureReleasesClaim(t *testing.T) {
	mr, rdb := newRedis(t)
	sender := &recordingSender{err: errors.New("smtp: connection refused")}
	h := NewNotification(rdb, sender, NotificationConfig{}, testLogger())
	e := sampleEvent()

	require.Error(t, h.Handle(context.Background(), e))
	assert.False(t, mr.Exists("notification:order-created:o-1"))

	sender.err = nil
	require.NoError(t, h.Handle(context.Background(), e))
	assert.Len(t, sender.sent, 1)
}

func TestNotificationInFlightClaimIsRetried(t *testing.T) {
	mr, rdb := newRedis(t)
	require.NoError(t, mr.Set("notification:order-created:o-1", "pending"))
	sender := &recordingSender{}
	h := NewNotification(rdb, sender, NotificationConfig{}, testLogger())

	assert.ErrorIs(t, h.Handle(context.Background(), sampleEvent()), ErrNotificationInFlight)
	assert.Empty(t, sender.sent)
}

func TestNotificationRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	sender := &recordingSender{}
	h := NewNotification(rdb, sender, NotificationConfig{}, testLogger())
	assert.Error(t, h.Handle(context.Background(), sampleEvent()))
	assert.Empty(t, sender.sent)
}

func TestPostgresReserverOnConflict(t *testing.T) {
	url := os.Getenv("ORDERPIPE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("ORDERPIPE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, url, db.Options{})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	r := NewPostgresReserver(pool)
	require.NoError(t, r.EnsureSchema(ctx))
	_, err = pool.Exec(ctx, `DELETE FROM inventory_reservations WHERE order_id = 'o-pg-1'`)
	require.NoError(t, err)

	res := Reservation{OrderID: "o-pg-1", ProductID: "P1", Quantity: 2, ReservedAt: time.Now()}
	created, err := r.Reserve(ctx, res)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = r.Reserve(ctx, res)
	require.NoError(t, err)
	assert.False(t, created)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/orderpipe/libs/config"
	"github.com/md-rashed-zaman/orderpipe/libs/db"
	"github.com/md-rashed-zaman/orderpipe/libs/events"
	"github.com/md-rashed-zaman/orderpipe/libs/httpx"
	"github.com/md-rashed-zaman/orderpipe/libs/kafkax"
	"github.com/md-rashed-zaman/orderpipe/libs/metrics"
	"github.com/md-rashed-zaman/orderpipe/libs/natsx"
	otelx "github.com/md-rashed-zaman/orderpipe/libs/otel"
	"github.com/md-rashed-zaman/orderpipe/libs/runtime"
	"github.com/md-rashed-zaman/orderpipe/services/fulfillment-service/internal/consumer"
	"github.com/md-rashed-zaman/orderpipe/services/fulfillment-service/internal/email"
	"github.com/md-rashed-zaman/orderpipe/services/fulfillment-service/internal/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "fulfillment-service")
	port, err := config.Port("PORT", "8081")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service, config.String("LOG_LEVEL", "info"))

	ctx, stop := runtime.SignalContext(logger)
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL, db.Options{})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	reserver := handlers.NewPostgresReserver(pool)
	if err := reserver.EnsureSchema(ctx); err != nil {
		panic(err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: config.String("REDIS_ADDR", "localhost:6379")})
	defer rdb.Close()

	registry, err := handlers.NewRegistry(
		handlers.NewInventoryReservation(reserver, logger),
		handlers.NewPaymentInitiation(paymentGateway(logger), config.String("PAYMENT_CURRENCY", "usd"), logger),
		handlers.NewNotification(rdb, emailSender(logger), handlers.NotificationConfig{
			EmailDomain: config.String("NOTIFY_EMAIL_DOMAIN", ""),
		}, logger),
	)
	if err != nil {
		panic(err)
	}

	consumerMetrics := metrics.NewConsumer(prometheus.DefaultRegisterer)
	dispatcher := consumer.NewDispatcher(registry, logger, consumerMetrics)

	source, brokerCheck, closeBroker, err := newSource(logger)
	if err != nil {
		logger.Error("broker setup failed", "err", err)
		panic(err)
	}
	defer closeBroker()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consumer.New(source, dispatcher, logger, consumerMetrics).Run(ctx)
	}()

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		brokerCheck,
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "fulfillment")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", "cause", context.Cause(ctx).Error())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		logger.Warn("consumer did not stop before shutdown deadline")
	}
	logger.Info("fulfillment-service stopped")
}

func paymentGateway(logger *slog.Logger) handlers.PaymentGateway {
	key := config.String("STRIPE_SECRET_KEY", "")
	if key == "" {
		logger.Warn("STRIPE_SECRET_KEY not set; payments are only logged")
		return handlers.LogGateway{Logger: logger}
	}
	return handlers.NewStripeGateway(key)
}

func emailSender(logger *slog.Logger) email.Sender {
	host := config.String("SMTP_HOST", "")
	if host == "" {
		return email.NoopSender{Logger: logger}
	}
	return email.NewSMTPSender(host, config.String("SMTP_PORT", "1025"), config.String("SMTP_FROM", ""))
}

func newSource(logger *slog.Logger) (consumer.Source, runtime.ReadyCheck, func(), error) {
	redelivery, err := config.Duration("REDELIVERY_DELAY", time.Second)
	if err != nil {
		return nil, runtime.ReadyCheck{}, nil, err
	}
	maxDeliveries, err := config.Int("MAX_DELIVERIES", 0)
	if err != nil {
		return nil, runtime.ReadyCheck{}, nil, err
	}

	switch broker := strings.ToLower(config.String("BROKER", "kafka")); broker {
	case "kafka":
		brokers := config.String("KAFKA_BROKERS", "localhost:9092")
		src, err := consumer.NewKafkaSource(consumer.KafkaConfig{
			Brokers:         brokers,
			GroupID:         config.String("KAFKA_GROUP_ID", "fulfillment-service"),
			Topic:           events.TopicOrderCreated,
			RedeliveryDelay: redelivery,
			MaxDeliveries:   maxDeliveries,
		}, logger)
		if err != nil {
			return nil, runtime.ReadyCheck{}, nil, err
		}
		return src, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)}, func() {}, nil
	case "nats":
		nc, err := natsx.Connect(config.String("NATS_URL", "nats://localhost:4222"), "fulfillment-service")
		if err != nil {
			return nil, runtime.ReadyCheck{}, nil, err
		}
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, runtime.ReadyCheck{}, nil, err
		}
		stream := config.String("NATS_STREAM", "ORDERS")
		if err := natsx.EnsureStream(js, stream, events.TopicOrderCreated); err != nil {
			nc.Close()
			return nil, runtime.ReadyCheck{}, nil, err
		}
		ackWait, err := config.Duration("NATS_ACK_WAIT", 30*time.Second)
		if err != nil {
			nc.Close()
			return nil, runtime.ReadyCheck{}, nil, err
		}
		src, err := consumer.NewJetStreamSource(js, consumer.JetStreamConfig{
			Stream:          stream,
			Subject:         events.TopicOrderCreated,
			Durable:         config.String("NATS_DURABLE", "fulfillment-service"),
			AckWait:         ackWait,
			RedeliveryDelay: redelivery,
			MaxDeliver:      maxDeliveries,
		})
		if err != nil {
			nc.Close()
			return nil, runtime.ReadyCheck{}, nil, err
		}
		logger.Info("consuming from jetstream", "stream", stream)
		return src, runtime.ReadyCheck{Name: "nats", Check: natsx.ReadyCheck(nc)}, func() { _ = nc.Drain() }, nil
	default:
		return nil, runtime.ReadyCheck{}, nil, fmt.Errorf("unknown BROKER %q (want kafka or nats)", broker)
	}
}

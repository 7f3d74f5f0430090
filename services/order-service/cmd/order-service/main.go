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
	"github.com/md-rashed-zaman/orderpipe/services/order-service/internal/orders"
	"github.com/md-rashed-zaman/orderpipe/services/order-service/internal/outbox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "order-service")
	port, err := config.Port("PORT", "8080")
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

	store := outbox.NewPostgresStore(pool)
	repo := orders.NewPostgresRepository(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		panic(err)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		panic(err)
	}

	checks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}
	publisher, closePublisher, brokerCheck, err := newPublisher(logger)
	if err != nil {
		logger.Error("broker setup failed", "err", err)
		panic(err)
	}
	defer closePublisher()
	checks = append(checks, brokerCheck)

	pollerCfg, err := pollerConfigFromEnv()
	if err != nil {
		panic(err)
	}
	opts := []outbox.PollerOption{outbox.WithMetrics(metrics.NewOutbox(prometheus.DefaultRegisterer))}
	if config.Bool("OUTBOX_ADVISORY_LOCK", true) {
		lockKey, err := config.Int("OUTBOX_ADVISORY_LOCK_KEY", int(outbox.DefaultAdvisoryLockKey))
		if err != nil {
			panic(err)
		}
		opts = append(opts, outbox.WithCycleLock(outbox.NewAdvisoryLock(pool, int64(lockKey))))
	}
	poller := outbox.NewPoller(store, publisher, logger, pollerCfg, opts...)
	go poller.Run(ctx)

	limiter, limiterCheck := newLimiter(logger)
	if limiterCheck != nil {
		checks = append(checks, *limiterCheck)
	}

	mux := runtime.NewBaseMuxWithReady(checks...)
	svc := orders.NewService(pool, repo, outbox.NewWriter(store), logger)
	orders.NewHandler(svc, logger).Register(mux,
		httpx.RateLimit(limiter, logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true)),
		httpx.WithBodyLimit(64<<10),
	)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "orders")
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
	if err := poller.Shutdown(shutdownCtx); err != nil {
		logger.Error("outbox poller shutdown error", "err", err)
	}
	logger.Info("order-service stopped")
}

func pollerConfigFromEnv() (outbox.PollerConfig, error) {
	cfg := outbox.DefaultPollerConfig()
	var err error
	if cfg.Interval, err = config.Duration("OUTBOX_POLL_INTERVAL", cfg.Interval); err != nil {
		return cfg, err
	}
	if cfg.BatchSize, err = config.Int("OUTBOX_BATCH_SIZE", cfg.BatchSize); err != nil {
		return cfg, err
	}
	if cfg.Workers, err = config.Int("OUTBOX_WORKERS", cfg.Workers); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts, err = config.Int("OUTBOX_MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.PublishTimeout, err = config.Duration("OUTBOX_PUBLISH_TIMEOUT", cfg.PublishTimeout); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newPublisher(logger *slog.Logger) (outbox.Publisher, func(), runtime.ReadyCheck, error) {
	switch broker := strings.ToLower(config.String("BROKER", "kafka")); broker {
	case "kafka":
		brokers := config.String("KAFKA_BROKERS", "localhost:9092")
		pub, err := outbox.NewKafkaPublisher(outbox.KafkaConfig{Brokers: brokers})
		if err != nil {
			return nil, nil, runtime.ReadyCheck{}, err
		}
		logger.Info("outbox publishing to kafka", "brokers", brokers)
		return pub, func() { _ = pub.Close() }, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)}, nil
	case "nats":
		nc, err := natsx.Connect(config.String("NATS_URL", "nats://localhost:4222"), "order-service")
		if err != nil {
			return nil, nil, runtime.ReadyCheck{}, err
		}
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, nil, runtime.ReadyCheck{}, err
		}
		stream := config.String("NATS_STREAM", "ORDERS")
		if err := natsx.EnsureStream(js, stream, events.TopicOrderCreated); err != nil {
			nc.Close()
			return nil, nil, runtime.ReadyCheck{}, err
		}
		logger.Info("outbox publishing to jetstream", "stream", stream)
		return outbox.NewNATSPublisher(js), func() { _ = nc.Drain() }, runtime.ReadyCheck{Name: "nats", Check: natsx.ReadyCheck(nc)}, nil
	default:
		return nil, nil, runtime.ReadyCheck{}, fmt.Errorf("unknown BROKER %q (want kafka or nats)", broker)
	}
}

// newLimiter uses Redis when REDIS_ADDR is set so every replica shares one window.
func newLimiter(logger *slog.Logger) (httpx.Limiter, *runtime.ReadyCheck) {
	limit, err := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	if err != nil {
		panic(err)
	}
	addr := config.String("REDIS_ADDR", "")
	if addr == "" {
		logger.Warn("REDIS_ADDR not set; rate limiting per instance")
		return httpx.NewMemoryLimiter(limit, time.Minute), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	check := runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}}
	return httpx.NewRedisLimiter(rdb, limit, time.Minute, "rl:orders"), &check
}

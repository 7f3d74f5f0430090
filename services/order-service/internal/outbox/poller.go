package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/md-rashed-zaman/orderpipe/libs/metrics"
	otelx "github.com/md-rashed-zaman/orderpipe/libs/otel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrCycleInProgress = errors.New("outbox: poll cycle already in progress")
	ErrPollerClosed    = errors.New("outbox: poller is shut down")
)

type PollerConfig struct {
	Interval time.Duration
	// BatchSize caps records per cycle; <= 0 fetches every pending record.
	BatchSize int
	// Workers > 1 publishes topics in parallel; records of one topic stay sequential.
	Workers int
	// MaxAttempts > 0 dead-letters a record after that many failed publishes.
	MaxAttempts    int
	PublishTimeout time.Duration
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:       5 * time.Second,
		BatchSize:      100,
		Workers:        1,
		PublishTimeout: 10 * time.Second,
	}
}

// CycleLock keeps poll cycles of different processes from overlapping.
// ok is false when another holder has it; the cycle is then skipped.
type CycleLock interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

type CycleResult struct {
	Fetched      int
	Published    int
	Failed       int
	MarkFailed   int
	DeadLettered int
	Skipped      bool
}

type PollerOption func(*Poller)

func WithCycleLock(l CycleLock) PollerOption {
	return func(p *Poller) { p.lock = l }
}

func WithMetrics(m *metrics.Outbox) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

// Poller publishes pending outbox records and marks them processed,
// publish first so a crash in between only causes a duplicate.
type Poller struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	cfg       PollerConfig
	lock      CycleLock
	metrics   *metrics.Outbox
	tracer    trace.Tracer

	running  atomic.Bool
	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func NewPoller(store Store, publisher Publisher, logger *slog.Logger, cfg PollerConfig, opts ...PollerOption) *Poller {
	def := DefaultPollerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	p := &Poller{
		store:     store,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		tracer:    otel.Tracer("orderpipe/outbox"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls once immediately and then on every tick until ctx is done.
// Cycles never overlap: a tick that fires mid-cycle waits for it to end.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("outbox poller started",
		"interval", p.cfg.Interval.String(),
		"batch_size", p.cfg.BatchSize,
		"workers", p.cfg.Workers,
		"max_attempts", p.cfg.MaxAttempts,
	)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		p.tick(ctx)
		select {
		case <-ctx.Done():
			p.logger.Info("outbox poller stopped")
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	res, err := p.PollOnce(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		p.logger.Debug("outbox poll skipped: previous cycle still running")
	case errors.Is(err, ErrPollerClosed), errors.Is(err, context.Canceled):
	case err != nil:
		p.logger.Error("outbox poll failed", "err", err)
	case res.Skipped:
		p.logger.Debug("outbox poll skipped: cycle lock held elsewhere")
	case res.Fetched == 0:
	case res.Failed > 0 || res.MarkFailed > 0 || res.DeadLettered > 0:
		p.logger.Warn("outbox poll finished with failures",
			"fetched", res.Fetched,
			"published", res.Published,
			"failed", res.Failed,
			"mark_failed", res.MarkFailed,
			"dead_lettered", res.DeadLettered,
		)
	default:
		p.logger.Info("outbox poll finished", "fetched", res.Fetched, "published", res.Published)
	}
}

// PollOnce runs one cycle. Per-record failures are counted in the result,
// only failures to run the cycle at all are returned.
func (p *Poller) PollOnce(ctx context.Context) (res CycleResult, err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return CycleResult{}, ErrPollerClosed
	}
	if !p.running.CompareAndSwap(false, true) {
		p.mu.Unlock()
		return CycleResult{}, ErrCycleInProgress
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	defer p.inflight.Done()
	defer p.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("outbox poll panicked", "panic", r)
			err = fmt.Errorf("outbox: poll cycle panicked: %v", r)
		}
	}()

	if p.lock != nil {
		release, ok, lockErr := p.lock.TryLock(ctx)
		if lockErr != nil {
			return CycleResult{}, fmt.Errorf("acquire cycle lock: %w", lockErr)
		}
		if !ok {
			return CycleResult{Skipped: true}, nil
		}
		defer release()
	}

	start := time.Now()
	records, err := p.store.ListUnprocessed(ctx, p.cfg.BatchSize)
	if err != nil {
		return CycleResult{}, err
	}
	res = p.process(ctx, records)
	res.Fetched = len(records)

	p.metrics.Cycle(time.Since(start), res.Fetched)
	p.metrics.Records("published", res.Published)
	p.metrics.Records("failed", res.Failed)
	p.metrics.Records("mark_failed", res.MarkFailed)
	p.metrics.Records("dead_lettered", res.DeadLettered)
	return res, nil
}

type recordOutcome int

const (
	outcomePublished recordOutcome = iota
	outcomeFailed
	outcomeMarkFailed
	outcomeDeadLettered
	outcomeAbandoned
)

func (p *Poller) process(ctx context.Context, records []Record) CycleResult {
	var (
		mu  sync.Mutex
		res CycleResult
	)
	count := func(o recordOutcome) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case outcomePublished:
			res.Published++
		case outcomeFailed:
			res.Failed++
		case outcomeMarkFailed:
			res.MarkFailed++
		case outcomeDeadLettered:
			res.Failed++
			res.DeadLettered++
		}
	}
	runShard := func(shard []Record) {
		for _, rec := range shard {
			if ctx.Err() != nil {
				return
			}
			count(p.publishOne(ctx, rec))
		}
	}

	if p.cfg.Workers <= 1 {
		runShard(records)
		return res
	}

	shards := shardByTopic(records)
	work := make(chan []Record)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers && i < len(shards); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for shard := range work {
				runShard(shard)
			}
		}()
	}
	for _, shard := range shards {
		work <- shard
	}
	close(work)
	wg.Wait()
	return res
}

// shardByTopic groups records per topic keeping their relative order.
func shardByTopic(records []Record) [][]Record {
	index := map[string]int{}
	var shards [][]Record
	for _, rec := range records {
		i, ok := index[rec.Topic]
		if !ok {
			i = len(shards)
			index[rec.Topic] = i
			shards = append(shards, nil)
		}
		shards[i] = append(shards[i], rec)
	}
	return shards
}

func (p *Poller) publishOne(ctx context.Context, rec Record) (outcome recordOutcome) {
	log := p.logger.With("record_id", rec.ID, "topic", rec.Topic)
	defer func() {
		if r := recover(); r != nil {
			log.Error("outbox publish panicked", "panic", r)
			outcome = outcomeFailed
		}
	}()

	msgCtx := otelx.ContextWithTraceContext(ctx, rec.Traceparent, rec.Tracestate)
	msgCtx, span := p.tracer.Start(msgCtx, "orderpipe.outbox.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.Int64("outbox.record_id", rec.ID),
			attribute.String("messaging.destination.name", rec.Topic),
		),
	)
	defer span.End()

	pubCtx, cancel := context.WithTimeout(msgCtx, p.cfg.PublishTimeout)
	err := p.publisher.Publish(pubCtx, Message{ID: rec.ID, Topic: rec.Topic, Payload: rec.Payload})
	cancel()

	// The broker may already hold the message, so the bookkeeping below
	// must not be cut short by shutdown.
	bookCtx, bookCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer bookCancel()

	if err != nil {
		otelx.FailSpan(span, err, "publish failed")
		if ctx.Err() != nil {
			log.Info("outbox publish abandoned by shutdown", "err", err)
			return outcomeAbandoned
		}
		return p.handlePublishFailure(bookCtx, log, rec, err)
	}

	if err := p.store.MarkProcessed(bookCtx, rec.ID); err != nil {
		otelx.FailSpan(span, err, "mark processed failed")
		log.Error("outbox mark processed failed; record will be published again", "err", err)
		return outcomeMarkFailed
	}
	log.Debug("outbox record published")
	return outcomePublished
}

func (p *Poller) handlePublishFailure(ctx context.Context, log *slog.Logger, rec Record, pubErr error) recordOutcome {
	attempts, err := p.store.RecordFailure(ctx, rec.ID, pubErr.Error())
	if err != nil {
		log.Error("outbox record failure not stored", "err", err, "publish_err", pubErr)
		attempts = rec.Attempts + 1
	}
	if p.cfg.MaxAttempts > 0 && attempts >= p.cfg.MaxAttempts {
		if err := p.store.DeadLetter(ctx, rec.ID, pubErr.Error()); err != nil {
			log.Error("outbox dead-letter failed", "err", err, "attempts", attempts)
			return outcomeFailed
		}
		log.Error("outbox record dead-lettered", "err", pubErr, "attempts", attempts)
		return outcomeDeadLettered
	}
	log.Warn("outbox publish failed; will retry next cycle", "err", pubErr, "attempts", attempts)
	return outcomeFailed
}

// Shutdown stops new cycles and waits for the running one, or for ctx.
func (p *Poller) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

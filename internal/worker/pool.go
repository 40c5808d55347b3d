// Package worker implements the consumer pool (C8): N goroutines draining
// the main Redis list with bounded retry, dead-lettering exhausted
// envelopes, and the ProcessWebhook business logic that drives order
// assembly and sink upsert.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nuvio-labs/shopee-webhooks/internal/assembler"
	"github.com/nuvio-labs/shopee-webhooks/internal/errs"
	"github.com/nuvio-labs/shopee-webhooks/internal/metrics"
	"github.com/nuvio-labs/shopee-webhooks/internal/model"
	"github.com/nuvio-labs/shopee-webhooks/internal/queue"
	"github.com/nuvio-labs/shopee-webhooks/internal/sink"
)

const stopGrace = 30 * time.Second

// Config controls pool topology.
type Config struct {
	NumWorkers   int
	BRPopTimeout time.Duration
}

// Pool runs NumWorkers goroutines, each popping from the main Redis list
// and running ProcessWebhook with bounded retry.
type Pool struct {
	rdb       *redis.Client
	client    assembler.Client
	sink      sink.OrderItemSink
	logger    *slog.Logger
	cfg       Config

	running   atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup

	statsMu   sync.Mutex
	processed int64
	failed    int64

	business *metrics.BusinessMetrics
}

// SetBusinessMetrics attaches the domain counters the pool increments as it
// processes and dead-letters envelopes. Optional: nil leaves the in-process
// Stats() counters as the only observability surface.
func (p *Pool) SetBusinessMetrics(m *metrics.BusinessMetrics) {
	p.business = m
}

// New builds a Pool. NumWorkers defaults to 3, BRPopTimeout to 30s.
func New(rdb *redis.Client, client assembler.Client, itemSink sink.OrderItemSink, cfg Config, logger *slog.Logger) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 3
	}
	if cfg.BRPopTimeout <= 0 {
		cfg.BRPopTimeout = 30 * time.Second
	}
	return &Pool{rdb: rdb, client: client, sink: itemSink, logger: logger, cfg: cfg, stopCh: make(chan struct{})}
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	p.running.Store(true)
	for i := 0; i < p.cfg.NumWorkers; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		p.wg.Add(1)
		go p.loop(ctx, workerID)
	}
}

// Stop requests all workers exit, waiting up to 30s before returning.
func (p *Pool) Stop() {
	p.running.Store(false)
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopGrace):
		p.logger.Warn("worker pool stop timed out, stragglers run until their context is cancelled")
	}
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	defer p.wg.Done()

	for p.running.Load() {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		result, err := p.rdb.BRPop(ctx, p.cfg.BRPopTimeout, queue.KeyMain).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("brpop failed", slog.Any("error", err))
			continue
		}

		// BRPop returns [key, value].
		if len(result) < 2 {
			continue
		}

		var env model.Envelope
		if err := json.Unmarshal([]byte(result[1]), &env); err != nil {
			p.logger.Error("discarding unparseable envelope", slog.Any("error", err))
			continue
		}

		p.handle(ctx, workerID, env)
	}
}

func (p *Pool) handle(ctx context.Context, workerID string, env model.Envelope) {
	var event model.RawEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		p.logger.Error("discarding envelope with unparseable payload", slog.String("id", env.ID), slog.Any("error", err))
		return
	}

	maxRetries := env.Metadata.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	for attempt := env.Metadata.RetryCount; attempt <= maxRetries; attempt++ {
		err := ProcessWebhook(ctx, p.client, p.sink, event)
		if err == nil {
			p.rdb.HIncrBy(ctx, queue.KeyStats, "total_processed", 1)
			p.recordProcessed()
			return
		}
		if errs.Is(err, errs.KindBusinessSkip) {
			p.rdb.HIncrBy(ctx, queue.KeyStats, "total_processed", 1)
			p.recordProcessed()
			return
		}

		p.logger.Warn("process webhook attempt failed",
			slog.String("id", env.ID), slog.Int("attempt", attempt), slog.Any("error", err))

		if attempt == maxRetries {
			break
		}
		time.Sleep(time.Duration(1<<attempt) * time.Second)
	}

	p.moveToDLQ(ctx, env, workerID)
}

func (p *Pool) moveToDLQ(ctx context.Context, env model.Envelope, workerID string) {
	env.Metadata.MovedToDLQAt = float64(time.Now().Unix())
	env.Metadata.WorkerID = workerID

	body, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("failed to marshal envelope for dlq", slog.String("id", env.ID), slog.Any("error", err))
		return
	}
	if err := p.rdb.LPush(ctx, queue.KeyDLQ, body).Err(); err != nil {
		p.logger.Error("failed to push envelope to dlq", slog.String("id", env.ID), slog.Any("error", err))
		return
	}
	p.rdb.HIncrBy(ctx, queue.KeyStats, "total_failed", 1)
	p.recordFailed()
}

func (p *Pool) recordProcessed() {
	p.statsMu.Lock()
	p.processed++
	p.statsMu.Unlock()
	if p.business != nil {
		p.business.WorkerProcessed.Inc()
	}
}

func (p *Pool) recordFailed() {
	p.statsMu.Lock()
	p.failed++
	p.statsMu.Unlock()
	if p.business != nil {
		p.business.WorkerFailed.Inc()
		p.business.WorkerDLQTotal.Inc()
	}
}

// Stats returns in-process counters (the authoritative totals live in the
// Redis stats hash; these are per-pool-instance convenience counters).
func (p *Pool) Stats() (processed, failed int64) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.processed, p.failed
}

// ProcessWebhook is the worker's business logic: ignore non-order events
// and ignored statuses, require an order sn, assemble order detail, and
// upsert into the sink.
func ProcessWebhook(ctx context.Context, client assembler.Client, itemSink sink.OrderItemSink, event model.RawEvent) error {
	if model.IgnoreStatuses[event.Data.Status] {
		return errs.BusinessSkip(fmt.Sprintf("status %s ignored", event.Data.Status))
	}
	if !model.OrderEventCodes[event.Code] {
		return errs.BusinessSkip(fmt.Sprintf("event code %d not order-relevant", event.Code))
	}
	if event.Data.OrderSN == "" {
		return errs.Validation("missing ordersn", nil)
	}

	detail, err := assembler.Assemble(ctx, client, event.Data.OrderSN)
	if err != nil {
		return fmt.Errorf("assemble order %s: %w", event.Data.OrderSN, err)
	}

	if model.IgnoreStatuses[detail.OrderStatus] {
		return errs.BusinessSkip(fmt.Sprintf("current status %s ignored", detail.OrderStatus))
	}

	if err := itemSink.UpsertItems(ctx, detail.Items); err != nil {
		return fmt.Errorf("upsert items for %s: %w", event.Data.OrderSN, err)
	}
	return nil
}

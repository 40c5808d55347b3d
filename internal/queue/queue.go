// Package queue implements the Redis-list-backed webhook queue: the
// producer (C3) that enqueues envelopes behind a circuit breaker, and the
// stats/DLQ primitives (C9) shared with the worker pool.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nuvio-labs/shopee-webhooks/internal/breaker"
	"github.com/nuvio-labs/shopee-webhooks/internal/errs"
	"github.com/nuvio-labs/shopee-webhooks/internal/model"
)

const (
	KeyMain  = "shopee:webhooks:main"
	KeyDLQ   = "shopee:webhooks:dead_letter"
	KeyStats = "shopee:webhooks:stats"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Producer publishes raw events onto the main Redis list, gated by a
// circuit breaker. It never panics on Redis failure — failures are
// reported back to the caller as a fallback hint.
type Producer struct {
	rdb        *redis.Client
	breaker    *breaker.Breaker
	maxRetries int
	now        Clock
}

// NewProducer builds a Producer. maxRetries is the default carried in every
// envelope's metadata (worker retry budget), defaulting to 3.
func NewProducer(rdb *redis.Client, b *breaker.Breaker, maxRetries int) *Producer {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Producer{rdb: rdb, breaker: b, maxRetries: maxRetries, now: time.Now}
}

// PublishResult is the outcome of one Publish call.
type PublishResult struct {
	Success      bool
	QueueID      string
	FallbackUsed bool
	LatencyMS    int64
	Err          error
}

// Publish enqueues event onto the main list unless the breaker denies the
// attempt, in which case it reports FallbackUsed without touching Redis.
func (p *Producer) Publish(ctx context.Context, event model.RawEvent, rawPayload []byte) PublishResult {
	start := p.now()

	if !p.breaker.ShouldAttempt() {
		return PublishResult{Success: false, FallbackUsed: true, Err: errs.Broker("breaker open", nil)}
	}

	orderSN := event.Data.OrderSN
	if orderSN == "" {
		orderSN = "unknown"
	}
	queueID := fmt.Sprintf("wh_%d_%s", p.now().Unix(), orderSN)

	envelope := model.Envelope{
		ID:      queueID,
		Payload: json.RawMessage(rawPayload),
		Metadata: model.EnvelopeMetadata{
			EnqueuedAt: float64(p.now().Unix()),
			RetryCount: 0,
			MaxRetries: p.maxRetries,
		},
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		p.breaker.RecordFailure()
		return PublishResult{Success: false, FallbackUsed: true, Err: errs.Broker("marshal envelope", err)}
	}

	if err := p.rdb.LPush(ctx, KeyMain, body).Err(); err != nil {
		p.breaker.RecordFailure()
		return PublishResult{Success: false, FallbackUsed: true, Err: errs.Broker("lpush main", err)}
	}

	p.breaker.RecordSuccess()
	p.rdb.HIncrBy(ctx, KeyStats, "total_enqueued", 1)

	return PublishResult{
		Success:   true,
		QueueID:   queueID,
		LatencyMS: p.now().Sub(start).Milliseconds(),
	}
}

// Stats reads the queue depth, DLQ depth, and stats hash.
type Stats struct {
	QueueDepth int64
	DLQDepth   int64
	Counters   model.QueueStats
	Breaker    string
}

// ReadStats composes a full status snapshot, as used by the telemetry
// surfaces (/status/queue, /status/workers).
func ReadStats(ctx context.Context, rdb *redis.Client, b *breaker.Breaker) (Stats, error) {
	queueDepth, err := rdb.LLen(ctx, KeyMain).Result()
	if err != nil {
		return Stats{}, errs.Broker("llen main", err)
	}
	dlqDepth, err := rdb.LLen(ctx, KeyDLQ).Result()
	if err != nil {
		return Stats{}, errs.Broker("llen dlq", err)
	}

	hash, err := rdb.HGetAll(ctx, KeyStats).Result()
	if err != nil {
		return Stats{}, errs.Broker("hgetall stats", err)
	}

	state, _ := b.Snapshot()

	return Stats{
		QueueDepth: queueDepth,
		DLQDepth:   dlqDepth,
		Counters:   parseCounters(hash),
		Breaker:    state.String(),
	}, nil
}

func parseCounters(hash map[string]string) model.QueueStats {
	var s model.QueueStats
	if v, ok := hash["total_enqueued"]; ok {
		fmt.Sscanf(v, "%d", &s.TotalEnqueued)
	}
	if v, ok := hash["total_processed"]; ok {
		fmt.Sscanf(v, "%d", &s.TotalProcessed)
	}
	if v, ok := hash["total_failed"]; ok {
		fmt.Sscanf(v, "%d", &s.TotalFailed)
	}
	return s
}

// HealthCheck pings Redis.
func HealthCheck(ctx context.Context, rdb *redis.Client) error {
	return rdb.Ping(ctx).Err()
}

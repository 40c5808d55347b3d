// Package dlq implements dead-letter queue administration (C9): inspect,
// replay, clear, and stats reset over the Redis dead_letter list.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nuvio-labs/shopee-webhooks/internal/errs"
	"github.com/nuvio-labs/shopee-webhooks/internal/model"
	"github.com/nuvio-labs/shopee-webhooks/internal/queue"
)

const sampleSize = 5

// Admin operates on the dead-letter list and stats hash.
type Admin struct {
	rdb *redis.Client
	now func() time.Time
}

// New builds an Admin over rdb.
func New(rdb *redis.Client) *Admin {
	return &Admin{rdb: rdb, now: time.Now}
}

// Stats is the DLQ inspection summary.
type Stats struct {
	DLQDepth int64
	Counters model.QueueStats
	Sample   []model.Envelope
}

// Stats returns DLQ depth, the stats hash, and up to sampleSize head entries.
func (a *Admin) Stats(ctx context.Context) (Stats, error) {
	depth, err := a.rdb.LLen(ctx, queue.KeyDLQ).Result()
	if err != nil {
		return Stats{}, errs.Broker("llen dead_letter", err)
	}

	raw, err := a.rdb.LRange(ctx, queue.KeyDLQ, 0, sampleSize-1).Result()
	if err != nil {
		return Stats{}, errs.Broker("lrange dead_letter", err)
	}

	sample := make([]model.Envelope, 0, len(raw))
	for _, r := range raw {
		var env model.Envelope
		if err := json.Unmarshal([]byte(r), &env); err == nil {
			sample = append(sample, env)
		}
	}

	hash, err := a.rdb.HGetAll(ctx, queue.KeyStats).Result()
	if err != nil {
		return Stats{}, errs.Broker("hgetall stats", err)
	}

	return Stats{DLQDepth: depth, Counters: parseCounters(hash), Sample: sample}, nil
}

// List returns a paginated slice of the DLQ, offset/limit like LRANGE.
func (a *Admin) List(ctx context.Context, offset, limit int) ([]model.Envelope, error) {
	raw, err := a.rdb.LRange(ctx, queue.KeyDLQ, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, errs.Broker("lrange dead_letter", err)
	}

	envelopes := make([]model.Envelope, 0, len(raw))
	for _, r := range raw {
		var env model.Envelope
		if err := json.Unmarshal([]byte(r), &env); err == nil {
			envelopes = append(envelopes, env)
		}
	}
	return envelopes, nil
}

// ReplayResult reports how many DLQ entries were successfully requeued.
type ReplayResult struct {
	Retried int
	Failed  int
}

// ReplayAll pops every DLQ entry, resets its retry metadata, and LPUSHes it
// back onto the main list.
func (a *Admin) ReplayAll(ctx context.Context) (ReplayResult, error) {
	var result ReplayResult

	for {
		raw, err := a.rdb.RPop(ctx, queue.KeyDLQ).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return result, errs.Broker("rpop dead_letter", err)
		}

		var env model.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			result.Failed++
			continue
		}

		env.Metadata.RetryCount = 0
		env.Metadata.EnqueuedAt = float64(a.now().Unix())
		env.Metadata.MovedToDLQAt = 0
		env.Metadata.WorkerID = ""

		body, err := json.Marshal(env)
		if err != nil {
			result.Failed++
			continue
		}

		if err := a.rdb.LPush(ctx, queue.KeyMain, body).Err(); err != nil {
			result.Failed++
			continue
		}
		result.Retried++
	}

	return result, nil
}

// Clear deletes the entire dead-letter list.
func (a *Admin) Clear(ctx context.Context) error {
	if err := a.rdb.Del(ctx, queue.KeyDLQ).Err(); err != nil {
		return errs.Broker("del dead_letter", err)
	}
	return nil
}

// ResetStats deletes the stats hash.
func (a *Admin) ResetStats(ctx context.Context) error {
	if err := a.rdb.Del(ctx, queue.KeyStats).Err(); err != nil {
		return errs.Broker("del stats", err)
	}
	return nil
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

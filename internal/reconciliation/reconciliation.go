// Package reconciliation implements the sweep engine (C10) that heals
// missed or out-of-order webhook events by periodically re-reading the
// upstream order list and re-running the same order-detail-assembly and
// upsert path the worker pool uses. It covers startup catch-up, hourly
// scheduled sweeps, a daily full sweep, and operator-triggered manual
// ranges, each serialized through a Redis distributed lock.
package reconciliation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nuvio-labs/shopee-webhooks/internal/assembler"
	"github.com/nuvio-labs/shopee-webhooks/internal/errs"
	"github.com/nuvio-labs/shopee-webhooks/internal/model"
	"github.com/nuvio-labs/shopee-webhooks/internal/sink"
	"github.com/nuvio-labs/shopee-webhooks/internal/upstream"
)

const (
	keyLastSync     = "shopee:reconciliation:last_sync_timestamp"
	keyLastFullSync = "shopee:reconciliation:last_full_sync_timestamp"
	keyHistory      = "shopee:reconciliation:sync_history"
	keyLock         = "shopee:reconciliation:sync_in_progress"

	historyLimit    = 10
	maxStoredErrors = 5
)

// Config carries the interval/window constants named in the system's
// reconciliation inputs.
type Config struct {
	SyncIntervalHours    int
	DailySyncHour        int // local hour, 0-23
	HistoricalDays        int
	SyncOverlapHours      int
	SyncTimeoutSeconds    int
	APICallDelaySeconds   float64
	OrderDetailBatchSize  int
}

// DefaultConfig returns the spec's named defaults.
func DefaultConfig() Config {
	return Config{
		SyncIntervalHours:   1,
		DailySyncHour:       3,
		HistoricalDays:      7,
		SyncOverlapHours:    2,
		SyncTimeoutSeconds:  600,
		APICallDelaySeconds: 0.2,
		OrderDetailBatchSize: 50,
	}
}

// OrderLister is the subset of upstream.Client the engine needs to fetch
// candidate orders for a time window.
type OrderLister interface {
	GetOrderList(ctx context.Context, from, to time.Time, pageSize int) ([]upstream.OrderSummary, error)
}

// Engine drives the sweep variants against OrderLister+assembler.Client,
// upserting into sink.OrderItemSink, with history and locking in Redis.
type Engine struct {
	rdb    *redis.Client
	lister OrderLister
	client assembler.Client
	sink   sink.OrderItemSink
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New builds an Engine.
func New(rdb *redis.Client, lister OrderLister, client assembler.Client, itemSink sink.OrderItemSink, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{rdb: rdb, lister: lister, client: client, sink: itemSink, cfg: cfg, logger: logger, now: time.Now}
}

// StartupCatchup syncs from the last recorded sync timestamp, or the last
// HistoricalDays if none is recorded, through now.
func (e *Engine) StartupCatchup(ctx context.Context) model.SyncResult {
	now := e.now()
	from := now.Add(-time.Duration(e.cfg.HistoricalDays) * 24 * time.Hour)

	if last, ok := e.readTimestamp(ctx, keyLastSync); ok {
		from = last
	}

	return e.SyncRange(ctx, from, now, model.SyncStartup)
}

// Scheduled syncs the trailing SyncOverlapHours window through now.
func (e *Engine) Scheduled(ctx context.Context) model.SyncResult {
	now := e.now()
	from := now.Add(-time.Duration(e.cfg.SyncOverlapHours) * time.Hour)
	return e.SyncRange(ctx, from, now, model.SyncScheduled)
}

// DailyFull syncs the trailing HistoricalDays window through now.
func (e *Engine) DailyFull(ctx context.Context) model.SyncResult {
	now := e.now()
	from := now.Add(-time.Duration(e.cfg.HistoricalDays) * 24 * time.Hour)
	return e.SyncRange(ctx, from, now, model.SyncDaily)
}

// Manual syncs an operator-supplied range, clamped to "not in the future"
// and "not more than 30 days in the past".
func (e *Engine) Manual(ctx context.Context, start, end time.Time) model.SyncResult {
	now := e.now()
	if end.After(now) {
		end = now
	}
	earliest := now.Add(-30 * 24 * time.Hour)
	if start.Before(earliest) {
		start = earliest
	}
	return e.SyncRange(ctx, start, end, model.SyncManual)
}

// SyncRange is the core sweep: acquire the single-flight lock, fetch the
// order list, skip ignored statuses, assemble+upsert the rest, and record
// a SyncResult regardless of outcome.
func (e *Engine) SyncRange(ctx context.Context, from, to time.Time, syncType model.SyncType) model.SyncResult {
	startedAt := e.now()

	locked, err := e.acquireLock(ctx)
	if err != nil {
		e.logger.Error("reconciliation lock acquire failed", slog.Any("error", err))
	}
	if !locked {
		e.logger.Warn("sync already in progress, skipping", slog.String("sync_type", string(syncType)))
		result := model.SyncResult{
			SyncType:    syncType,
			StartedAt:   formatTime(startedAt),
			CompletedAt: formatTime(e.now()),
			TimeFrom:    formatTime(from),
			TimeTo:      formatTime(to),
			Errors:      []string{"sync already in progress"},
			Success:     false,
		}
		e.recordResult(ctx, result)
		return result
	}
	defer e.releaseLock(ctx)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.SyncTimeoutSeconds)*time.Second)
	defer cancel()

	orders, err := e.lister.GetOrderList(ctx, from, to, e.cfg.OrderDetailBatchSize)
	if err != nil {
		result := model.SyncResult{
			SyncType:    syncType,
			StartedAt:   formatTime(startedAt),
			CompletedAt: formatTime(e.now()),
			TimeFrom:    formatTime(from),
			TimeTo:      formatTime(to),
			Errors:      []string{fmt.Sprintf("fetch order list: %v", err)},
			Success:     false,
		}
		e.recordResult(ctx, result)
		return result
	}

	var processed, skipped int
	var errs []string

	for _, order := range orders {
		if model.IgnoreStatuses[order.Status] {
			skipped++
			continue
		}

		detail, err := assembler.Assemble(ctx, e.client, order.OrderSN)
		if err != nil {
			errs = append(errs, fmt.Sprintf("order %s: %v", order.OrderSN, err))
			continue
		}

		if len(detail.Items) == 0 {
			continue
		}

		if err := e.sink.UpsertItems(ctx, detail.Items); err != nil {
			errs = append(errs, fmt.Sprintf("upsert order %s: %v", order.OrderSN, err))
			continue
		}
		processed++

		if e.cfg.APICallDelaySeconds > 0 {
			select {
			case <-time.After(time.Duration(e.cfg.APICallDelaySeconds * float64(time.Second))):
			case <-ctx.Done():
			}
		}
	}

	success := len(errs) == 0 || processed > 0

	result := model.SyncResult{
		SyncType:        syncType,
		StartedAt:       formatTime(startedAt),
		CompletedAt:     formatTime(e.now()),
		TimeFrom:        formatTime(from),
		TimeTo:          formatTime(to),
		OrdersFetched:   len(orders),
		OrdersProcessed: processed,
		OrdersSkipped:   skipped,
		Errors:          capErrors(errs),
		Success:         success,
	}

	e.recordResult(ctx, result)
	return result
}

func (e *Engine) acquireLock(ctx context.Context) (bool, error) {
	ok, err := e.rdb.SetNX(ctx, keyLock, strconv.FormatInt(e.now().Unix(), 10), time.Duration(e.cfg.SyncTimeoutSeconds)*time.Second).Result()
	if err != nil {
		return false, errs.Broker("acquire reconciliation lock", err)
	}
	return ok, nil
}

func (e *Engine) releaseLock(ctx context.Context) {
	if err := e.rdb.Del(ctx, keyLock).Err(); err != nil {
		e.logger.Warn("failed to release reconciliation lock", slog.Any("error", err))
	}
}

func (e *Engine) recordResult(ctx context.Context, result model.SyncResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		e.logger.Error("failed to marshal sync result", slog.Any("error", err))
		return
	}

	if err := e.rdb.LPush(ctx, keyHistory, raw).Err(); err != nil {
		e.logger.Error("failed to record sync history", slog.Any("error", err))
	}
	if err := e.rdb.LTrim(ctx, keyHistory, 0, historyLimit-1).Err(); err != nil {
		e.logger.Error("failed to trim sync history", slog.Any("error", err))
	}

	if !result.Success {
		return
	}
	if err := e.rdb.Set(ctx, keyLastSync, result.CompletedAt, 0).Err(); err != nil {
		e.logger.Error("failed to persist last sync timestamp", slog.Any("error", err))
	}
	if result.SyncType == model.SyncDaily {
		if err := e.rdb.Set(ctx, keyLastFullSync, result.CompletedAt, 0).Err(); err != nil {
			e.logger.Error("failed to persist last full sync timestamp", slog.Any("error", err))
		}
	}
}

// History returns the most recent sweep results, newest first.
func (e *Engine) History(ctx context.Context) ([]model.SyncResult, error) {
	raw, err := e.rdb.LRange(ctx, keyHistory, 0, historyLimit-1).Result()
	if err != nil {
		return nil, errs.Broker("lrange sync history", err)
	}

	history := make([]model.SyncResult, 0, len(raw))
	for _, r := range raw {
		var result model.SyncResult
		if err := json.Unmarshal([]byte(r), &result); err == nil {
			history = append(history, result)
		}
	}
	return history, nil
}

func (e *Engine) readTimestamp(ctx context.Context, key string) (time.Time, bool) {
	val, err := e.rdb.Get(ctx, key).Result()
	if err != nil {
		return time.Time{}, false
	}
	t, err := parseTime(val)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func capErrors(errs []string) []string {
	if len(errs) <= maxStoredErrors {
		return errs
	}
	return errs[:maxStoredErrors]
}

// Package dispatch implements the receiver's background fan-out (C7,
// post-acknowledgement half): audit logging, best-effort order-detail
// assembly for chat context, submission to the notifier queue, and the
// queue producer call with synchronous HTTP fallback on circuit-breaker
// trip. None of this runs before the HTTP response is written; Dispatch is
// always invoked from a goroutine the handler does not wait on.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nuvio-labs/shopee-webhooks/internal/assembler"
	"github.com/nuvio-labs/shopee-webhooks/internal/audit"
	"github.com/nuvio-labs/shopee-webhooks/internal/forwarder"
	"github.com/nuvio-labs/shopee-webhooks/internal/metrics"
	"github.com/nuvio-labs/shopee-webhooks/internal/model"
	"github.com/nuvio-labs/shopee-webhooks/internal/notifier"
	"github.com/nuvio-labs/shopee-webhooks/internal/queue"
)

// Producer is the subset of queue.Producer the dispatcher depends on.
type Producer interface {
	Publish(ctx context.Context, event model.RawEvent, rawPayload []byte) queue.PublishResult
}

// Dispatcher wires together the audit log, order assembler, notifier
// queue, queue producer, and HTTP fallback forwarder behind one entry
// point the receiver's handler calls asynchronously after acking.
type Dispatcher struct {
	audit     *audit.Log
	assembler assembler.Client
	notifier  *notifier.Queue
	producer  Producer
	forwarder *forwarder.Forwarder
	chatID    string
	logger    *slog.Logger
	now       func() time.Time
	business  *metrics.BusinessMetrics
}

// SetBusinessMetrics attaches the domain counters Dispatch increments.
// Optional: without it (or with a nil m), Dispatch runs without metrics.
func (d *Dispatcher) SetBusinessMetrics(m *metrics.BusinessMetrics) {
	d.business = m
}

// New builds a Dispatcher. chatID is the destination chat for notifier
// messages; forward may be nil if no fallback URL is configured, in which
// case a failed or skipped queue publish is recorded in the audit status as
// a failed "queue" forward and no HTTP fallback is attempted.
func New(auditLog *audit.Log, client assembler.Client, notifierQueue *notifier.Queue, producer Producer, fwd *forwarder.Forwarder, chatID string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		audit:     auditLog,
		assembler: client,
		notifier:  notifierQueue,
		producer:  producer,
		forwarder: fwd,
		chatID:    chatID,
		logger:    logger,
		now:       time.Now,
	}
}

// Dispatch runs the full background fan-out for one validated webhook.
// authHeader and len(rawBody) are recorded in the audit entry's metadata;
// rawBody is the exact bytes received, reused verbatim for the producer
// envelope and the HTTP fallback.
func (d *Dispatcher) Dispatch(ctx context.Context, event model.RawEvent, rawBody []byte, authHeader string) {
	status := &model.ProcessingStatus{}

	var detail *model.OrderDetail
	if model.OrderEventCodes[event.Code] {
		if assembled, err := assembler.Assemble(ctx, d.assembler, event.Data.OrderSN); err == nil {
			detail = &assembled
		} else {
			d.logger.Warn("order assembly failed during dispatch", slog.String("order_sn", event.Data.OrderSN), slog.Any("error", err))
		}
	}

	d.notify(ctx, event, detail, status)
	d.publish(ctx, event, rawBody, status)

	d.appendAudit(event, rawBody, authHeader, status)
}

func (d *Dispatcher) notify(ctx context.Context, event model.RawEvent, detail *model.OrderDetail, status *model.ProcessingStatus) {
	if d.notifier == nil || d.chatID == "" {
		return
	}

	text := renderMessage(event, detail)
	d.notifier.Enqueue(notifier.Message{EventCode: event.Code, ChatID: d.chatID, Text: text})

	status.Telegram = &model.FanOutResult{Success: true, Timestamp: float64(d.now().Unix())}
}

func (d *Dispatcher) publish(ctx context.Context, event model.RawEvent, rawBody []byte, status *model.ProcessingStatus) {
	result := d.producer.Publish(ctx, event, rawBody)

	if result.Success {
		status.Forwarder = &model.FanOutResult{Success: true, Method: "queue", Timestamp: float64(d.now().Unix())}
		return
	}

	if !result.FallbackUsed || d.forwarder == nil {
		errMsg := ""
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
		status.Forwarder = &model.FanOutResult{Success: false, Error: errMsg, Method: "queue", Timestamp: float64(d.now().Unix())}
		return
	}

	if d.business != nil {
		d.business.QueuePublishFallback.Inc()
	}

	fwdResult := d.forwarder.Forward(ctx, rawBody)
	status.Forwarder = &model.FanOutResult{
		Success:   fwdResult.Success,
		Error:     fwdResult.Error,
		Attempts:  fwdResult.Attempts,
		Method:    "http_fallback",
		Timestamp: float64(d.now().Unix()),
	}
}

func (d *Dispatcher) appendAudit(event model.RawEvent, rawBody []byte, authHeader string, status *model.ProcessingStatus) {
	entry := model.AuditEntry{
		Timestamp:  float64(d.now().Unix()),
		EventCode:  event.Code,
		ShopID:     event.ShopID,
		EventData:  json.RawMessage(rawBody),
		Metadata: model.AuditMetadata{
			Authorization: truncate(authHeader, 20),
			BodySize:      len(rawBody),
		},
		ProcessingStatus: status,
	}

	if err := d.audit.Append(entry); err != nil {
		d.logger.Error("failed to append audit entry", slog.Any("error", err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func renderMessage(event model.RawEvent, detail *model.OrderDetail) string {
	if detail == nil {
		return fmt.Sprintf("Event code %d for shop %d, order %s", event.Code, event.ShopID, event.Data.OrderSN)
	}
	return fmt.Sprintf(
		"Order %s (%s)\nBuyer: %s\nItems: %d\nStatus: %s",
		detail.OrderSN, event.Data.Status, detail.BuyerUsername, len(detail.Items), detail.OrderStatus,
	)
}

// Package sink defines the external tabular sink contract order items are
// upserted into, plus a concrete Postgres-backed implementation.
package sink

import (
	"context"

	"github.com/nuvio-labs/shopee-webhooks/internal/model"
)

// OrderItemSink is the external collaborator named in the system's external
// interfaces: idempotent upsert keyed by (order_id, sku), a read path, and a
// health check.
type OrderItemSink interface {
	UpsertItems(ctx context.Context, items []model.OrderItem) error
	GetByOrderID(ctx context.Context, orderID string) ([]model.OrderItem, error)
	HealthCheck(ctx context.Context) error
}

package sink

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/nuvio-labs/shopee-webhooks/internal/model"
)

// PostgresSink implements OrderItemSink against a Postgres table, upserting
// by (order_id, sku) inside a single transaction per batch.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink opens a connection pool and verifies connectivity.
func NewPostgresSink(connectionString string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresSink{db: db}, nil
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}

// UpsertItems writes all items in a single transaction, (order_id, sku)
// conflicts overwriting every column — calling UpsertItems twice with the
// same set is a no-op on sink state.
func (s *PostgresSink) UpsertItems(ctx context.Context, items []model.OrderItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO order_items (
			order_id, date_time, buyer, platform, product_name, item_type,
			parent_sku, sku, quantity, total_sale, shopee_status, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (order_id, sku) DO UPDATE SET
			date_time = EXCLUDED.date_time,
			buyer = EXCLUDED.buyer,
			platform = EXCLUDED.platform,
			product_name = EXCLUDED.product_name,
			item_type = EXCLUDED.item_type,
			parent_sku = EXCLUDED.parent_sku,
			quantity = EXCLUDED.quantity,
			total_sale = EXCLUDED.total_sale,
			shopee_status = EXCLUDED.shopee_status,
			status = EXCLUDED.status
	`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		sku := item.SKU
		if sku == "" {
			sku = "NO_SKU_" + item.ProductName
		}
		if _, err := stmt.ExecContext(ctx,
			item.OrderID, item.DateTime, item.Buyer, item.Platform, item.ProductName,
			item.ItemType, item.ParentSKU, sku, item.Quantity, item.TotalSale,
			item.ShopeeStatus, item.Status,
		); err != nil {
			return fmt.Errorf("upsert item %s/%s: %w", item.OrderID, sku, err)
		}
	}

	return tx.Commit()
}

func (s *PostgresSink) GetByOrderID(ctx context.Context, orderID string) ([]model.OrderItem, error) {
	const query = `
		SELECT order_id, date_time, buyer, platform, product_name, item_type,
		       parent_sku, sku, quantity, total_sale, shopee_status, status
		FROM order_items WHERE order_id = $1 ORDER BY sku
	`
	rows, err := s.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	var items []model.OrderItem
	for rows.Next() {
		var item model.OrderItem
		if err := rows.Scan(
			&item.OrderID, &item.DateTime, &item.Buyer, &item.Platform, &item.ProductName,
			&item.ItemType, &item.ParentSKU, &item.SKU, &item.Quantity, &item.TotalSale,
			&item.ShopeeStatus, &item.Status,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

func (s *PostgresSink) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var _ OrderItemSink = (*PostgresSink)(nil)

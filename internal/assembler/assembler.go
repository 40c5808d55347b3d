// Package assembler implements the order-detail assembly step (C6): it
// joins order-detail and settlement responses fetched concurrently, and
// computes the pro-rata net income for each line item.
package assembler

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nuvio-labs/shopee-webhooks/internal/model"
	"github.com/nuvio-labs/shopee-webhooks/internal/upstream"
)

const platformConstant = "shopee"

// Client is the subset of upstream.Client the assembler depends on, so
// tests can substitute a fake.
type Client interface {
	GetOrderDetail(ctx context.Context, orderSN string) (upstream.OrderDetailRaw, error)
	GetEscrowDetail(ctx context.Context, orderSN string) (model.Settlement, error)
}

// Assemble fetches order detail and settlement concurrently for orderSN.
// Order-detail failure is fatal; settlement failure degrades to "no
// settlement" (all items get zero net income) per the join rule.
func Assemble(ctx context.Context, client Client, orderSN string) (model.OrderDetail, error) {
	type orderResult struct {
		order upstream.OrderDetailRaw
		err   error
	}
	type escrowResult struct {
		settlement model.Settlement
		err        error
	}

	orderCh := make(chan orderResult, 1)
	escrowCh := make(chan escrowResult, 1)

	go func() {
		order, err := client.GetOrderDetail(ctx, orderSN)
		orderCh <- orderResult{order, err}
	}()
	go func() {
		settlement, err := client.GetEscrowDetail(ctx, orderSN)
		escrowCh <- escrowResult{settlement, err}
	}()

	orderRes := <-orderCh
	escrowRes := <-escrowCh

	if orderRes.err != nil {
		return model.OrderDetail{}, fmt.Errorf("fetch order detail for %s: %w", orderSN, orderRes.err)
	}

	var settlement *model.Settlement
	if escrowRes.err == nil {
		settlement = &escrowRes.settlement
	}

	return build(orderRes.order, settlement), nil
}

func build(order upstream.OrderDetailRaw, settlement *model.Settlement) model.OrderDetail {
	createTime := time.Unix(order.CreateTime, 0).UTC().Format(time.RFC3339)

	totalMerch := 0.0
	if settlement != nil {
		for _, si := range settlement.Items {
			totalMerch += si.SellingPrice
		}
	}

	items := make([]model.OrderItem, 0, len(order.ItemList))
	for _, it := range order.ItemList {
		sku := it.ModelSKU
		if sku == "" {
			sku = it.ItemSKU
		}
		if sku == "" {
			sku = "NO_SKU_" + it.ItemName
		}

		net := 0.0
		if settlement != nil && settlement.EscrowAmount != 0 && totalMerch != 0 {
			if match, ok := findSettlementMatch(settlement.Items, it); ok {
				net = round2(settlement.EscrowAmount * (match.SellingPrice / totalMerch))
			}
		}

		items = append(items, model.OrderItem{
			OrderID:      order.OrderSN,
			DateTime:     createTime,
			Buyer:        order.BuyerUsername,
			Platform:     platformConstant,
			ProductName:  it.ItemName,
			ItemType:     it.ModelName,
			ParentSKU:    it.ItemSKU,
			SKU:          sku,
			Quantity:     it.ModelQuantity,
			TotalSale:    net,
			ShopeeStatus: order.OrderStatus,
			Status:       order.OrderStatus,
		})
	}

	return model.OrderDetail{
		OrderSN:       order.OrderSN,
		OrderStatus:   order.OrderStatus,
		CreateTime:    order.CreateTime,
		BuyerUsername: order.BuyerUsername,
		Items:         items,
	}
}

func findSettlementMatch(rows []model.SettlementItem, item upstream.OrderDetailItem) (model.SettlementItem, bool) {
	for _, row := range rows {
		if row.ModelSKU != "" && row.ModelSKU == item.ModelSKU {
			return row, true
		}
	}
	for _, row := range rows {
		if row.ItemSKU != "" && row.ItemSKU == item.ItemSKU {
			return row, true
		}
	}
	return model.SettlementItem{}, false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

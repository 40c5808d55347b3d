package assembler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuvio-labs/shopee-webhooks/internal/model"
	"github.com/nuvio-labs/shopee-webhooks/internal/upstream"
)

type fakeClient struct {
	order      upstream.OrderDetailRaw
	orderErr   error
	settlement model.Settlement
	escrowErr  error
}

func (f *fakeClient) GetOrderDetail(ctx context.Context, orderSN string) (upstream.OrderDetailRaw, error) {
	return f.order, f.orderErr
}

func (f *fakeClient) GetEscrowDetail(ctx context.Context, orderSN string) (model.Settlement, error) {
	return f.settlement, f.escrowErr
}

func TestAssemble_ProRataSplit(t *testing.T) {
	client := &fakeClient{
		order: upstream.OrderDetailRaw{
			OrderSN:       "A1",
			OrderStatus:   "READY_TO_SHIP",
			BuyerUsername: "buyer1",
			ItemList: []upstream.OrderDetailItem{
				{ItemName: "Widget X", ItemSKU: "X", ModelSKU: "X", ModelQuantity: 1},
				{ItemName: "Widget Y", ItemSKU: "Y", ModelSKU: "Y", ModelQuantity: 1},
			},
		},
		settlement: model.Settlement{
			EscrowAmount: 100.00,
			Items: []model.SettlementItem{
				{ModelSKU: "X", SellingPrice: 60},
				{ModelSKU: "Y", SellingPrice: 40},
			},
		},
	}

	detail, err := Assemble(context.Background(), client, "A1")
	require.NoError(t, err)
	require.Len(t, detail.Items, 2)
	assert.Equal(t, 60.00, detail.Items[0].TotalSale)
	assert.Equal(t, 40.00, detail.Items[1].TotalSale)
}

func TestAssemble_SettlementFailureZeroesNet(t *testing.T) {
	client := &fakeClient{
		order: upstream.OrderDetailRaw{
			OrderSN: "A2",
			ItemList: []upstream.OrderDetailItem{
				{ItemName: "Widget Z", ItemSKU: "Z"},
			},
		},
		escrowErr: errors.New("escrow unavailable"),
	}

	detail, err := Assemble(context.Background(), client, "A2")
	require.NoError(t, err)
	require.Len(t, detail.Items, 1)
	assert.Equal(t, 0.0, detail.Items[0].TotalSale)
}

func TestAssemble_OrderDetailFailureIsFatal(t *testing.T) {
	client := &fakeClient{orderErr: errors.New("boom")}

	_, err := Assemble(context.Background(), client, "A3")
	assert.Error(t, err)
}

func TestAssemble_NoSKUSynthesized(t *testing.T) {
	client := &fakeClient{
		order: upstream.OrderDetailRaw{
			OrderSN: "A4",
			ItemList: []upstream.OrderDetailItem{
				{ItemName: "Mystery Item"},
			},
		},
	}

	detail, err := Assemble(context.Background(), client, "A4")
	require.NoError(t, err)
	assert.Equal(t, "NO_SKU_Mystery Item", detail.Items[0].SKU)
}

func TestAssemble_SKUPrefersModelSKUOverItemSKU(t *testing.T) {
	client := &fakeClient{
		order: upstream.OrderDetailRaw{
			OrderSN: "A6",
			ItemList: []upstream.OrderDetailItem{
				{ItemName: "Shirt Red", ModelName: "Red / M", ItemSKU: "SHIRT", ModelSKU: "SHIRT-RED-M"},
				{ItemName: "Shirt Blue", ModelName: "Blue / M", ItemSKU: "SHIRT", ModelSKU: "SHIRT-BLUE-M"},
			},
		},
	}

	detail, err := Assemble(context.Background(), client, "A6")
	require.NoError(t, err)
	require.Len(t, detail.Items, 2)

	// Two distinct variants share item_sku but not model_sku: the upsert
	// key (order_id, sku) must keep them as separate rows.
	assert.Equal(t, "SHIRT-RED-M", detail.Items[0].SKU)
	assert.Equal(t, "SHIRT-BLUE-M", detail.Items[1].SKU)
	assert.NotEqual(t, detail.Items[0].SKU, detail.Items[1].SKU)

	assert.Equal(t, "SHIRT", detail.Items[0].ParentSKU)
	assert.Equal(t, "Red / M", detail.Items[0].ItemType)
}

func TestAssemble_ZeroEscrowAmountZeroesAllItems(t *testing.T) {
	client := &fakeClient{
		order: upstream.OrderDetailRaw{
			OrderSN: "A5",
			ItemList: []upstream.OrderDetailItem{
				{ItemName: "Widget", ItemSKU: "W", ModelSKU: "W"},
			},
		},
		settlement: model.Settlement{
			EscrowAmount: 0,
			Items:        []model.SettlementItem{{ModelSKU: "W", SellingPrice: 10}},
		},
	}

	detail, err := Assemble(context.Background(), client, "A5")
	require.NoError(t, err)
	assert.Equal(t, 0.0, detail.Items[0].TotalSale)
}

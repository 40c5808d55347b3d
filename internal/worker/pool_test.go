package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuvio-labs/shopee-webhooks/internal/errs"
	"github.com/nuvio-labs/shopee-webhooks/internal/model"
	"github.com/nuvio-labs/shopee-webhooks/internal/upstream"
)

type fakeClient struct {
	order    upstream.OrderDetailRaw
	orderErr error
}

func (f *fakeClient) GetOrderDetail(ctx context.Context, orderSN string) (upstream.OrderDetailRaw, error) {
	return f.order, f.orderErr
}

func (f *fakeClient) GetEscrowDetail(ctx context.Context, orderSN string) (model.Settlement, error) {
	return model.Settlement{}, errors.New("no settlement in this fake")
}

type memSink struct {
	mu    sync.Mutex
	items map[string][]model.OrderItem
}

func newMemSink() *memSink {
	return &memSink{items: map[string][]model.OrderItem{}}
}

func (s *memSink) UpsertItems(ctx context.Context, items []model.OrderItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		s.items[it.OrderID] = append(s.items[it.OrderID], it)
	}
	return nil
}

func (s *memSink) GetByOrderID(ctx context.Context, orderID string) ([]model.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[orderID], nil
}

func (s *memSink) HealthCheck(ctx context.Context) error { return nil }

func TestProcessWebhook_IgnoresUnpaidStatus(t *testing.T) {
	client := &fakeClient{}
	itemSink := newMemSink()

	event := model.RawEvent{Code: 3, Data: model.RawEventData{OrderSN: "C3", Status: "UNPAID"}}
	err := ProcessWebhook(context.Background(), client, itemSink, event)

	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindBusinessSkip))

	items, _ := itemSink.GetByOrderID(context.Background(), "C3")
	assert.Empty(t, items)
}

func TestProcessWebhook_IgnoresNonOrderEventCode(t *testing.T) {
	client := &fakeClient{}
	itemSink := newMemSink()

	event := model.RawEvent{Code: 99, Data: model.RawEventData{OrderSN: "D1"}}
	err := ProcessWebhook(context.Background(), client, itemSink, event)

	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindBusinessSkip))
}

func TestProcessWebhook_RequiresOrderSN(t *testing.T) {
	client := &fakeClient{}
	itemSink := newMemSink()

	event := model.RawEvent{Code: 3, Data: model.RawEventData{Status: "READY_TO_SHIP"}}
	err := ProcessWebhook(context.Background(), client, itemSink, event)

	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestProcessWebhook_UpsertsAssembledItems(t *testing.T) {
	client := &fakeClient{
		order: upstream.OrderDetailRaw{
			OrderSN:     "A1",
			OrderStatus: "READY_TO_SHIP",
			ItemList: []upstream.OrderDetailItem{
				{ItemName: "Widget", ItemSKU: "X"},
			},
		},
	}
	itemSink := newMemSink()

	event := model.RawEvent{Code: 3, Data: model.RawEventData{OrderSN: "A1", Status: "READY_TO_SHIP"}}
	err := ProcessWebhook(context.Background(), client, itemSink, event)
	require.NoError(t, err)

	items, _ := itemSink.GetByOrderID(context.Background(), "A1")
	require.Len(t, items, 1)
	assert.Equal(t, "X", items[0].SKU)
}

func TestProcessWebhook_OrderDetailFailurePropagates(t *testing.T) {
	client := &fakeClient{orderErr: errors.New("upstream down")}
	itemSink := newMemSink()

	event := model.RawEvent{Code: 3, Data: model.RawEventData{OrderSN: "A1", Status: "READY_TO_SHIP"}}
	err := ProcessWebhook(context.Background(), client, itemSink, event)
	assert.Error(t, err)
}

func TestProcessWebhook_SkipsUpsertWhenCurrentStatusIgnored(t *testing.T) {
	client := &fakeClient{
		order: upstream.OrderDetailRaw{
			OrderSN:     "A1",
			OrderStatus: "UNPAID",
			ItemList:    []upstream.OrderDetailItem{{ItemName: "Widget", ItemSKU: "X"}},
		},
	}
	itemSink := newMemSink()

	event := model.RawEvent{Code: 3, Data: model.RawEventData{OrderSN: "A1", Status: "READY_TO_SHIP"}}
	err := ProcessWebhook(context.Background(), client, itemSink, event)

	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindBusinessSkip))
	items, _ := itemSink.GetByOrderID(context.Background(), "A1")
	assert.Empty(t, items)
}

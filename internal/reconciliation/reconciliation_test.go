package reconciliation

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/nuvio-labs/shopee-webhooks/internal/model"
	"github.com/nuvio-labs/shopee-webhooks/internal/upstream"
)

type fakeLister struct {
	orders []upstream.OrderSummary
	err    error
}

func (f *fakeLister) GetOrderList(ctx context.Context, from, to time.Time, pageSize int) ([]upstream.OrderSummary, error) {
	return f.orders, f.err
}

type fakeClient struct {
	items map[string][]model.OrderItem
}

func (f *fakeClient) GetOrderDetail(ctx context.Context, orderSN string) (upstream.OrderDetailRaw, error) {
	return upstream.OrderDetailRaw{OrderSN: orderSN, ItemList: []upstream.OrderDetailItem{{ItemSKU: "X", ItemName: "widget", ModelQuantity: 1}}}, nil
}

func (f *fakeClient) GetEscrowDetail(ctx context.Context, orderSN string) (model.Settlement, error) {
	return model.Settlement{}, nil
}

type fakeSink struct {
	calls [][]model.OrderItem
}

func (f *fakeSink) UpsertItems(ctx context.Context, items []model.OrderItem) error {
	f.calls = append(f.calls, items)
	return nil
}
func (f *fakeSink) GetByOrderID(ctx context.Context, orderID string) ([]model.OrderItem, error) {
	return nil, nil
}
func (f *fakeSink) HealthCheck(ctx context.Context) error { return nil }

func newTestEngine(t *testing.T, lister OrderLister, snk *fakeSink) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := DefaultConfig()
	cfg.APICallDelaySeconds = 0
	logger := slog.New(slog.DiscardHandler)

	engine := New(rdb, lister, &fakeClient{}, snk, cfg, logger)
	return engine, mr
}

func TestSyncRange_SkipsIgnoredStatusAndUpsertsRest(t *testing.T) {
	lister := &fakeLister{orders: []upstream.OrderSummary{
		{OrderSN: "A1", Status: "READY_TO_SHIP"},
		{OrderSN: "A2", Status: "UNPAID"},
	}}
	snk := &fakeSink{}
	engine, _ := newTestEngine(t, lister, snk)

	result := engine.SyncRange(context.Background(), time.Now().Add(-time.Hour), time.Now(), model.SyncScheduled)

	require.True(t, result.Success)
	require.Equal(t, 2, result.OrdersFetched)
	require.Equal(t, 1, result.OrdersProcessed)
	require.Equal(t, 1, result.OrdersSkipped)
	require.Len(t, snk.calls, 1)
}

func TestSyncRange_RecordsHistoryCappedAtTen(t *testing.T) {
	lister := &fakeLister{}
	snk := &fakeSink{}
	engine, _ := newTestEngine(t, lister, snk)

	for i := 0; i < 12; i++ {
		engine.SyncRange(context.Background(), time.Now().Add(-time.Hour), time.Now(), model.SyncScheduled)
	}

	history, err := engine.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 10)
}

func TestSyncRange_ConcurrentCallsSingleFlight(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := DefaultConfig()
	logger := slog.New(slog.DiscardHandler)

	ok, err := rdb.SetNX(context.Background(), keyLock, "held", time.Minute).Result()
	require.NoError(t, err)
	require.True(t, ok)

	engine := New(rdb, &fakeLister{}, &fakeClient{}, &fakeSink{}, cfg, logger)
	result := engine.SyncRange(context.Background(), time.Now().Add(-time.Hour), time.Now(), model.SyncManual)

	require.False(t, result.Success)
	require.Contains(t, result.Errors, "sync already in progress")
}

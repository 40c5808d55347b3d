package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuvio-labs/shopee-webhooks/internal/model"
	"github.com/nuvio-labs/shopee-webhooks/internal/tokenstore"
)

func newTestStore(t *testing.T) *tokenstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token.json")
	return tokenstore.New(path)
}

func TestEnsureValidToken_ReturnsCachedWhenFresh(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	require.NoError(t, store.Save(model.TokenRecord{
		AccessToken:          "fresh-token",
		RefreshToken:         "refresh",
		AccessTokenExpiresAt: now.Add(1 * time.Hour).Unix(),
	}))

	var refreshCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
	}))
	defer server.Close()

	c := New(Config{PartnerID: 1, PartnerKey: "key", ShopID: 2, HostAPI: server.URL}, store)
	c.now = func() time.Time { return now }

	rec, err := c.ensureValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", rec.AccessToken)
	assert.Equal(t, int32(0), atomic.LoadInt32(&refreshCalls))
}

func TestEnsureValidToken_RefreshesWhenExpired(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	require.NoError(t, store.Save(model.TokenRecord{
		AccessToken:          "stale-token",
		RefreshToken:         "refresh-1",
		AccessTokenExpiresAt: now.Unix() - 10,
	}))

	var refreshCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-token",
			"refresh_token": "refresh-2",
			"expire_in":     7200,
		})
	}))
	defer server.Close()

	c := New(Config{PartnerID: 1, PartnerKey: "key", ShopID: 2, HostAPI: server.URL}, store)
	c.now = func() time.Time { return now }

	rec, err := c.ensureValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-token", rec.AccessToken)
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls))

	persisted, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "new-token", persisted.AccessToken)
}

func TestEnsureValidToken_ConcurrentRefreshesCollapseViaSingleflight(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	require.NoError(t, store.Save(model.TokenRecord{
		AccessToken:          "stale-token",
		RefreshToken:         "refresh-1",
		AccessTokenExpiresAt: now.Unix() - 10,
	}))

	var refreshCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		time.Sleep(50 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-token",
			"refresh_token": "refresh-2",
			"expire_in":     7200,
		})
	}))
	defer server.Close()

	c := New(Config{PartnerID: 1, PartnerKey: "key", ShopID: 2, HostAPI: server.URL}, store)
	c.now = func() time.Time { return now }

	const n = 5
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.ensureValidToken(context.Background())
			errCh <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errCh)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls))
}

func TestGetOrderList_PaginatesUntilMoreIsFalse(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	require.NoError(t, store.Save(model.TokenRecord{
		AccessToken:          "token",
		RefreshToken:         "refresh",
		AccessTokenExpiresAt: now.Add(1 * time.Hour).Unix(),
	}))

	var page int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := atomic.AddInt32(&page, 1)
		if p == 1 {
			json.NewEncoder(w).Encode(map[string]any{
				"response": map[string]any{
					"order_list": []map[string]any{{"order_sn": "A1", "order_status": "COMPLETED"}},
					"more":       true,
					"next_cursor": "cursor-2",
				},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{
				"order_list": []map[string]any{{"order_sn": "A2", "order_status": "COMPLETED"}},
				"more":       false,
			},
		})
	}))
	defer server.Close()

	c := New(Config{PartnerID: 1, PartnerKey: "key", ShopID: 2, HostAPI: server.URL}, store)
	c.now = func() time.Time { return now }

	summaries, err := c.GetOrderList(context.Background(), now.Add(-time.Hour), now, 50)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "A1", summaries[0].OrderSN)
	assert.Equal(t, "A2", summaries[1].OrderSN)
}

func TestGetOrderDetail_UpstreamDomainErrorOnEmptyList(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	require.NoError(t, store.Save(model.TokenRecord{
		AccessToken:          "token",
		RefreshToken:         "refresh",
		AccessTokenExpiresAt: now.Add(1 * time.Hour).Unix(),
	}))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"response": map[string]any{"order_list": []any{}}})
	}))
	defer server.Close()

	c := New(Config{PartnerID: 1, PartnerKey: "key", ShopID: 2, HostAPI: server.URL}, store)
	c.now = func() time.Time { return now }

	_, err := c.GetOrderDetail(context.Background(), "missing")
	assert.Error(t, err)
}

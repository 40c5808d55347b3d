// Package upstream implements the authenticated REST client for the
// e-commerce platform's API: signed requests, single-flighted token
// refresh, order detail, escrow/settlement detail, and the paginated order
// list used by reconciliation.
package upstream

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nuvio-labs/shopee-webhooks/internal/errs"
	"github.com/nuvio-labs/shopee-webhooks/internal/model"
	"github.com/nuvio-labs/shopee-webhooks/internal/tokenstore"
)

const defaultTokenExpirySeconds = 7200

// Config holds the partner/shop credentials and host needed to sign and
// issue requests.
type Config struct {
	PartnerID int64
	PartnerKey string
	ShopID     int64
	HostAPI    string
}

// Client is the signed HTTP client for the upstream platform API.
type Client struct {
	cfg    Config
	http   *http.Client
	tokens *tokenstore.Store
	sf     singleflight.Group
	now    func() time.Time
}

// New builds a Client. tokens must already be seeded with an initial
// access/refresh token pair (via Store.Save) before the first call.
func New(cfg Config, tokens *tokenstore.Store) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		tokens: tokens,
		now:    time.Now,
	}
}

func (c *Client) sign(base string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.PartnerKey))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

// ensureValidToken refreshes the token if it is within the 300s skew of
// expiry. Concurrent callers observing expiry collapse into a single
// refresh via singleflight; all callers then observe the refreshed token.
func (c *Client) ensureValidToken(ctx context.Context) (model.TokenRecord, error) {
	rec, err := c.tokens.Load()
	if err != nil {
		return model.TokenRecord{}, errs.Transport("load token", err)
	}
	if rec == nil {
		return model.TokenRecord{}, errs.Validation("no token on file", nil)
	}
	if !tokenstore.IsExpired(rec.AccessTokenExpiresAt, c.now()) {
		return *rec, nil
	}

	v, err, _ := c.sf.Do("refresh", func() (any, error) {
		return c.refreshAccessToken(ctx, *rec)
	})
	if err != nil {
		return model.TokenRecord{}, err
	}
	return v.(model.TokenRecord), nil
}

func (c *Client) refreshAccessToken(ctx context.Context, current model.TokenRecord) (model.TokenRecord, error) {
	// Re-check under the singleflight key: another caller may have already
	// refreshed while we waited for the lock.
	rec, err := c.tokens.Load()
	if err == nil && rec != nil && !tokenstore.IsExpired(rec.AccessTokenExpiresAt, c.now()) {
		return *rec, nil
	}

	path := "/api/v2/auth/access_token/get"
	timestamp := c.now().Unix()
	base := fmt.Sprintf("%d%s%d", c.cfg.PartnerID, path, timestamp)
	sign := c.sign(base)

	q := url.Values{}
	q.Set("partner_id", strconv.FormatInt(c.cfg.PartnerID, 10))
	q.Set("timestamp", strconv.FormatInt(timestamp, 10))
	q.Set("sign", sign)

	body, _ := json.Marshal(map[string]any{
		"refresh_token": current.RefreshToken,
		"partner_id":    c.cfg.PartnerID,
		"shop_id":       c.cfg.ShopID,
	})

	reqURL := c.cfg.HostAPI + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return model.TokenRecord{}, errs.Transport("build refresh request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return model.TokenRecord{}, errs.Transport("refresh request", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpireIn     int64  `json:"expire_in"`
		Response     *struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpireIn     int64  `json:"expire_in"`
		} `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return model.TokenRecord{}, errs.Transport("decode refresh response", err)
	}

	accessToken, refreshToken, expireIn := parsed.AccessToken, parsed.RefreshToken, parsed.ExpireIn
	if parsed.Response != nil {
		accessToken, refreshToken, expireIn = parsed.Response.AccessToken, parsed.Response.RefreshToken, parsed.Response.ExpireIn
	}
	if accessToken == "" || refreshToken == "" {
		return model.TokenRecord{}, errs.UpstreamDomain("token refresh missing tokens in response", nil)
	}
	if expireIn <= 0 {
		expireIn = defaultTokenExpirySeconds
	}

	newRec := model.TokenRecord{
		AccessToken:          accessToken,
		RefreshToken:         refreshToken,
		AccessTokenExpiresAt: c.now().Unix() + expireIn,
	}
	if err := c.tokens.Save(newRec); err != nil {
		return model.TokenRecord{}, errs.Transport("persist refreshed token", err)
	}
	return newRec, nil
}

// makeRequest issues a signed GET to path with the given query params,
// decoding the JSON response and surfacing API-level errors distinctly from
// transport errors.
func (c *Client) makeRequest(ctx context.Context, path string, params url.Values, out any) error {
	tok, err := c.ensureValidToken(ctx)
	if err != nil {
		return err
	}

	timestamp := c.now().Unix()
	base := fmt.Sprintf("%d%s%d%s%d", c.cfg.PartnerID, path, timestamp, tok.AccessToken, c.cfg.ShopID)
	sign := c.sign(base)

	q := url.Values{}
	q.Set("partner_id", strconv.FormatInt(c.cfg.PartnerID, 10))
	q.Set("timestamp", strconv.FormatInt(timestamp, 10))
	q.Set("access_token", tok.AccessToken)
	q.Set("shop_id", strconv.FormatInt(c.cfg.ShopID, 10))
	q.Set("sign", sign)
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}

	reqURL := c.cfg.HostAPI + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return errs.Transport("build request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Transport(fmt.Sprintf("request %s", path), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Transport("read response", err)
	}

	var envelope struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if envelope.Message == "error" || envelope.Error != "" {
			msg := envelope.Message
			if msg == "" {
				msg = envelope.Error
			}
			return errs.UpstreamDomain(fmt.Sprintf("%s: %s", path, msg), nil)
		}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return errs.Transport("decode response", err)
		}
	}
	return nil
}

// orderDetailResponse is the tolerant decode target for get_order_detail.
type orderDetailResponse struct {
	Response struct {
		OrderList []OrderDetailRaw `json:"order_list"`
	} `json:"response"`
}

// OrderDetailRaw is the tolerant decode of one upstream order-detail entry.
type OrderDetailRaw struct {
	OrderSN       string             `json:"order_sn"`
	OrderStatus   string             `json:"order_status"`
	CreateTime    int64              `json:"create_time"`
	BuyerUsername string             `json:"buyer_username"`
	ItemList      []OrderDetailItem  `json:"item_list"`
}

// OrderDetailItem is one line item within OrderDetailRaw.
type OrderDetailItem struct {
	ItemName      string `json:"item_name"`
	ModelName     string `json:"model_name"`
	ItemSKU       string `json:"item_sku"`
	ModelSKU      string `json:"model_sku"`
	ModelQuantity int    `json:"model_quantity_purchased"`
}

// GetOrderDetail fetches order detail for a single order sn.
func (c *Client) GetOrderDetail(ctx context.Context, orderSN string) (OrderDetailRaw, error) {
	var resp orderDetailResponse
	params := url.Values{
		"order_sn_list":             {orderSN},
		"response_optional_fields":  {"buyer_username,item_list,total_amount,order_status,order_income,create_time"},
	}
	if err := c.makeRequest(ctx, "/api/v2/order/get_order_detail", params, &resp); err != nil {
		return OrderDetailRaw{}, err
	}
	if len(resp.Response.OrderList) == 0 {
		return OrderDetailRaw{}, errs.UpstreamDomain("order detail empty for "+orderSN, nil)
	}
	return resp.Response.OrderList[0], nil
}

// escrowResponse is the tolerant decode target for get_escrow_detail.
type escrowResponse struct {
	Response struct {
		OrderIncome model.Settlement `json:"order_income"`
	} `json:"response"`
}

// GetEscrowDetail fetches settlement/escrow detail for a single order. A
// non-nil error here is treated by the assembler as "no settlement", not
// fatal to the overall fetch.
func (c *Client) GetEscrowDetail(ctx context.Context, orderSN string) (model.Settlement, error) {
	var resp escrowResponse
	params := url.Values{"order_sn": {orderSN}}
	if err := c.makeRequest(ctx, "/api/v2/payment/get_escrow_detail", params, &resp); err != nil {
		return model.Settlement{}, err
	}
	return resp.Response.OrderIncome, nil
}

// OrderSummary is one row of a paginated order list result, as consumed by
// the reconciliation engine.
type OrderSummary struct {
	OrderSN string `json:"order_sn"`
	Status  string `json:"order_status"`
}

type orderListResponse struct {
	Response struct {
		OrderList []OrderSummary `json:"order_list"`
		More      bool           `json:"more"`
		NextCursor string        `json:"next_cursor"`
	} `json:"response"`
}

// GetOrderList fetches every order updated in [from, to], paginating via the
// upstream's cursor until More is false. pageSize caps each page at
// ORDER_DETAIL_BATCH_SIZE.
func (c *Client) GetOrderList(ctx context.Context, from, to time.Time, pageSize int) ([]OrderSummary, error) {
	var all []OrderSummary
	cursor := ""

	for {
		params := url.Values{
			"time_range_field": {"update_time"},
			"time_from":        {strconv.FormatInt(from.Unix(), 10)},
			"time_to":          {strconv.FormatInt(to.Unix(), 10)},
			"page_size":        {strconv.Itoa(pageSize)},
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var resp orderListResponse
		if err := c.makeRequest(ctx, "/api/v2/order/get_order_list", params, &resp); err != nil {
			return all, err
		}
		all = append(all, resp.Response.OrderList...)

		if !resp.Response.More || resp.Response.NextCursor == "" {
			break
		}
		cursor = resp.Response.NextCursor
	}

	return all, nil
}

// Package model holds the data types shared across the ingestion, queueing,
// assembly, and reconciliation components.
package model

import "encoding/json"

// RawEvent is the opaque upstream webhook payload. Only the fields the
// pipeline actually interprets are named. Extra is not populated or
// written by encoding/json (it is tagged "-"), so unnamed fields are
// dropped when a RawEvent is decoded and re-encoded.
type RawEvent struct {
	Code      int            `json:"code"`
	ShopID    int64          `json:"shop_id"`
	Timestamp int64          `json:"timestamp"`
	Data      RawEventData   `json:"data"`
	Extra     map[string]any `json:"-"`
}

// RawEventData carries the subset of the nested "data" object the pipeline
// interprets directly.
type RawEventData struct {
	OrderSN string `json:"ordersn,omitempty"`
	Status  string `json:"status,omitempty"`
}

// UnmarshalJSON implements tolerant decoding: unknown top-level fields are
// preserved in Extra rather than rejected.
func (e *RawEvent) UnmarshalJSON(b []byte) error {
	type alias RawEvent
	aux := struct{ *alias }{(*alias)(e)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	delete(raw, "code")
	delete(raw, "shop_id")
	delete(raw, "timestamp")
	delete(raw, "data")

	if len(raw) > 0 {
		e.Extra = make(map[string]any, len(raw))
		for k, v := range raw {
			var val any
			if err := json.Unmarshal(v, &val); err == nil {
				e.Extra[k] = val
			}
		}
	}
	return nil
}

// OrderEventCodes is the set of webhook codes relevant to order processing.
var OrderEventCodes = map[int]bool{3: true, 4: true}

// IgnoreStatuses is the set of order statuses the worker skips without
// calling upstream.
var IgnoreStatuses = map[string]bool{"UNPAID": true}

// EnvelopeMetadata accompanies the raw payload through the queue.
type EnvelopeMetadata struct {
	EnqueuedAt    float64 `json:"enqueued_at"`
	RetryCount    int     `json:"retry_count"`
	MaxRetries    int     `json:"max_retries"`
	MovedToDLQAt  float64 `json:"moved_to_dlq_at,omitempty"`
	WorkerID      string  `json:"worker_id,omitempty"`
}

// Envelope is the queue message: {id, payload, metadata}.
type Envelope struct {
	ID       string           `json:"id"`
	Payload  json.RawMessage  `json:"payload"`
	Metadata EnvelopeMetadata `json:"metadata"`
}

// TokenRecord is the persisted upstream access/refresh token pair.
type TokenRecord struct {
	AccessToken         string `json:"access_token"`
	RefreshToken        string `json:"refresh_token"`
	AccessTokenExpiresAt int64 `json:"access_token_expires_at"`
}

// OrderItem is one normalized line item emitted by the order assembler and
// handed to the OrderItemSink. Uniqueness key for upsert is (OrderID, SKU).
type OrderItem struct {
	OrderID      string  `json:"order_id"`
	DateTime     string  `json:"date_time"`
	Buyer        string  `json:"buyer"`
	Platform     string  `json:"platform"`
	ProductName  string  `json:"product_name"`
	ItemType     string  `json:"item_type"`
	ParentSKU    string  `json:"parent_sku"`
	SKU          string  `json:"sku"`
	Quantity     int     `json:"quantity"`
	TotalSale    float64 `json:"total_sale"`
	ShopeeStatus string  `json:"shopee_status"`
	Status       string  `json:"status"`
}

// SettlementItem is one line in an escrow/settlement breakdown.
type SettlementItem struct {
	ItemSKU           string  `json:"item_sku"`
	ModelSKU          string  `json:"model_sku"`
	SellingPrice      float64 `json:"selling_price"`
	QuantityPurchased int     `json:"quantity_purchased"`
}

// Settlement is the escrow detail for one order.
type Settlement struct {
	EscrowAmount float64          `json:"escrow_amount"`
	Items        []SettlementItem `json:"items"`
}

// SyncType enumerates the trigger for a reconciliation sweep.
type SyncType string

const (
	SyncStartup   SyncType = "startup"
	SyncScheduled SyncType = "scheduled"
	SyncDaily     SyncType = "daily"
	SyncManual    SyncType = "manual"
)

// SyncResult is one entry in the bounded reconciliation history.
type SyncResult struct {
	SyncType       SyncType `json:"sync_type"`
	StartedAt      string   `json:"started_at"`
	CompletedAt    string   `json:"completed_at"`
	TimeFrom       string   `json:"time_from"`
	TimeTo         string   `json:"time_to"`
	OrdersFetched  int      `json:"orders_fetched"`
	OrdersProcessed int     `json:"orders_processed"`
	OrdersSkipped  int      `json:"orders_skipped"`
	Errors         []string `json:"errors"`
	Success        bool     `json:"success"`
}

// QueueStats mirrors the Redis stats hash fields.
type QueueStats struct {
	TotalEnqueued  int64 `json:"total_enqueued"`
	TotalProcessed int64 `json:"total_processed"`
	TotalFailed    int64 `json:"total_failed"`
}

// RuntimeConfigSection is one section of the runtime config file.
type RuntimeConfigSection struct {
	Enabled   bool              `json:"enabled"`
	Secrets   map[string]string `json:"secrets,omitempty"`
	UpdatedAt string            `json:"updated_at"`
	Extra     map[string]any    `json:"extra,omitempty"`
}

// ProcessingStatus is appended to an audit entry describing fan-out outcome.
type ProcessingStatus struct {
	Telegram  *FanOutResult `json:"telegram,omitempty"`
	Forwarder *FanOutResult `json:"forwarder,omitempty"`
}

// FanOutResult records the outcome of one downstream dispatch.
type FanOutResult struct {
	Success   bool    `json:"success"`
	Error     string  `json:"error,omitempty"`
	Attempts  int     `json:"attempts,omitempty"`
	Method    string  `json:"method,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// AuditEntry is one JSON-line record in the daily audit log.
type AuditEntry struct {
	Timestamp        float64            `json:"timestamp"`
	EventCode        int                `json:"event_code"`
	ShopID           int64              `json:"shop_id"`
	EventData        json.RawMessage    `json:"event_data"`
	Metadata         AuditMetadata      `json:"metadata"`
	ProcessingStatus *ProcessingStatus  `json:"processing_status,omitempty"`
}

// AuditMetadata carries the truncated auth header and body size.
type AuditMetadata struct {
	Authorization string `json:"authorization"`
	BodySize      int    `json:"body_size"`
}

// OrderDetail is the richer, superset-of-OrderItem view the assembler
// returns and dispatch uses to render notifier messages, without changing
// the OrderItem upsert contract. The assembler does not fill RecipientAddr
// or TrackingNumber, and the audit log does not record an OrderDetail.
type OrderDetail struct {
	OrderSN        string      `json:"order_sn"`
	OrderStatus    string      `json:"order_status"`
	CreateTime     int64       `json:"create_time"`
	BuyerUsername  string      `json:"buyer_username"`
	RecipientAddr  string      `json:"recipient_address,omitempty"`
	TrackingNumber string      `json:"tracking_number,omitempty"`
	Items          []OrderItem `json:"items"`
}

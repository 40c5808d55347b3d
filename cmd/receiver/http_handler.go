package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nuvio-labs/shopee-webhooks/internal/apikey"
	"github.com/nuvio-labs/shopee-webhooks/internal/breaker"
	"github.com/nuvio-labs/shopee-webhooks/internal/dispatch"
	"github.com/nuvio-labs/shopee-webhooks/internal/dlq"
	"github.com/nuvio-labs/shopee-webhooks/internal/health"
	"github.com/nuvio-labs/shopee-webhooks/internal/metrics"
	"github.com/nuvio-labs/shopee-webhooks/internal/model"
	"github.com/nuvio-labs/shopee-webhooks/internal/queue"
	"github.com/nuvio-labs/shopee-webhooks/internal/reconciliation"
	"github.com/nuvio-labs/shopee-webhooks/internal/runtimeconfig"
	"github.com/nuvio-labs/shopee-webhooks/internal/signature"
)

type handler struct {
	dispatcher    *dispatch.Dispatcher
	rdb           *redis.Client
	breaker       *breaker.Breaker
	dlqAdmin      *dlq.Admin
	reconciler    *reconciliation.Engine
	healthChecker *health.Checker
	runtimeConfig *runtimeconfig.Store
	businessMetrics *metrics.BusinessMetrics
	apiKey        string
	logger        *slog.Logger
}

func newHandler(d *dispatch.Dispatcher, rdb *redis.Client, b *breaker.Breaker, dlqAdmin *dlq.Admin, reconciler *reconciliation.Engine, healthChecker *health.Checker, runtimeConfig *runtimeconfig.Store, apiKey string, logger *slog.Logger) *handler {
	return &handler{
		dispatcher:    d,
		rdb:           rdb,
		breaker:       b,
		dlqAdmin:      dlqAdmin,
		reconciler:    reconciler,
		healthChecker: healthChecker,
		runtimeConfig: runtimeConfig,
		apiKey:        apiKey,
		logger:        logger,
	}
}

// registerRoutes wires every route once, composing auth via middleware
// rather than inline per-handler checks.
func (h *handler) registerRoutes(mux *http.ServeMux, verifier *signature.Verifier) {
	mux.Handle("POST /webhook/{platform}", signature.Middleware(verifier, http.HandlerFunc(h.handleWebhook)))
	mux.HandleFunc("GET /health", h.handleHealth)

	admin := http.NewServeMux()
	admin.HandleFunc("GET /status/queue", h.handleStatusQueue)
	admin.HandleFunc("GET /status/workers", h.handleStatusWorkers)
	admin.HandleFunc("GET /status/sync-history", h.handleStatusSyncHistory)
	admin.HandleFunc("GET /status/breaker", h.handleStatusBreaker)
	admin.HandleFunc("GET /admin/dlq/stats", h.handleDLQStats)
	admin.HandleFunc("GET /admin/dlq/list", h.handleDLQList)
	admin.HandleFunc("POST /admin/dlq/replay", h.handleDLQReplay)
	admin.HandleFunc("POST /admin/dlq/clear", h.handleDLQClear)
	admin.HandleFunc("POST /admin/dlq/reset-stats", h.handleDLQResetStats)
	admin.HandleFunc("POST /admin/reconciliation/sync", h.handleManualSync)
	admin.HandleFunc("GET /admin/config/{section}", h.handleGetConfigSection)
	admin.HandleFunc("PATCH /admin/config/{section}", h.handleUpdateConfigSection)

	mux.Handle("/status/", apikey.Middleware(h.apiKey, admin))
	mux.Handle("/admin/", apikey.Middleware(h.apiKey, admin))
}

// handleWebhook is the receiver's ack path (C7): it reads the body (done
// already by signature.Middleware), always responds 200-empty, and only
// schedules background fan-out when the signature verified.
func (h *handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body := signature.Body(r.Context())
	valid := signature.Valid(r.Context())
	authHeader := r.Header.Get("Authorization")

	w.WriteHeader(http.StatusOK)

	if !valid {
		h.logger.Warn("rejecting webhook with invalid signature", slog.String("platform", r.PathValue("platform")))
		return
	}

	var event model.RawEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Warn("discarding webhook with unparseable body", slog.Any("error", err))
		return
	}

	if h.businessMetrics != nil {
		h.businessMetrics.WebhooksReceived.WithLabelValues(strconv.Itoa(event.Code)).Inc()
	}

	go func() {
		// Long enough for order assembly plus the forwarder's three 90s
		// attempts and their backoff.
		ctx, cancel := context.WithTimeout(context.Background(), 6*time.Minute)
		defer cancel()
		h.dispatcher.Dispatch(ctx, event, body, authHeader)
	}()
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	doc := h.healthChecker.Check(r.Context())
	writeJSON(w, http.StatusOK, doc)
}

func (h *handler) handleStatusQueue(w http.ResponseWriter, r *http.Request) {
	stats, err := queue.ReadStats(r.Context(), h.rdb, h.breaker)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) handleStatusWorkers(w http.ResponseWriter, r *http.Request) {
	// Per-pool-instance counters live in the worker process; the receiver
	// only reports the shared Redis-backed view of worker throughput.
	stats, err := queue.ReadStats(r.Context(), h.rdb, h.breaker)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, stats.Counters)
}

func (h *handler) handleStatusSyncHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.reconciler.History(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *handler) handleStatusBreaker(w http.ResponseWriter, r *http.Request) {
	state, failures := h.breaker.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"state": state.String(), "failure_count": failures})
}

func (h *handler) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dlqAdmin.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) handleDLQList(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 20)

	entries, err := h.dlqAdmin.List(r.Context(), offset, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	result, err := h.dlqAdmin.ReplayAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) handleDLQClear(w http.ResponseWriter, r *http.Request) {
	if err := h.dlqAdmin.Clear(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleDLQResetStats(w http.ResponseWriter, r *http.Request) {
	if err := h.dlqAdmin.ResetStats(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleGetConfigSection(w http.ResponseWriter, r *http.Request) {
	section := r.PathValue("section")
	cfg, ok := h.runtimeConfig.Get(section)
	if !ok {
		http.Error(w, "section not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *handler) handleUpdateConfigSection(w http.ResponseWriter, r *http.Request) {
	section := r.PathValue("section")

	var partial model.RuntimeConfigSection
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	merged, err := h.runtimeConfig.Update(section, partial)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

func (h *handler) handleManualSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result := h.reconciler.Manual(r.Context(), req.Start, req.End)
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

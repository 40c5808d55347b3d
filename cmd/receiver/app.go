package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nuvio-labs/shopee-webhooks/internal/audit"
	"github.com/nuvio-labs/shopee-webhooks/internal/breaker"
	"github.com/nuvio-labs/shopee-webhooks/internal/config"
	"github.com/nuvio-labs/shopee-webhooks/internal/discovery"
	"github.com/nuvio-labs/shopee-webhooks/internal/discovery/consul"
	"github.com/nuvio-labs/shopee-webhooks/internal/dispatch"
	"github.com/nuvio-labs/shopee-webhooks/internal/dlq"
	"github.com/nuvio-labs/shopee-webhooks/internal/forwarder"
	"github.com/nuvio-labs/shopee-webhooks/internal/health"
	"github.com/nuvio-labs/shopee-webhooks/internal/logger"
	"github.com/nuvio-labs/shopee-webhooks/internal/metrics"
	"github.com/nuvio-labs/shopee-webhooks/internal/model"
	"github.com/nuvio-labs/shopee-webhooks/internal/notifier"
	"github.com/nuvio-labs/shopee-webhooks/internal/queue"
	"github.com/nuvio-labs/shopee-webhooks/internal/reconciliation"
	"github.com/nuvio-labs/shopee-webhooks/internal/runtimeconfig"
	"github.com/nuvio-labs/shopee-webhooks/internal/signature"
	"github.com/nuvio-labs/shopee-webhooks/internal/tokenstore"
	"github.com/nuvio-labs/shopee-webhooks/internal/upstream"
)

// Config carries the environment-derived settings wiring the receiver
// together, matching the names recognized by the system's configuration
// surface.
type Config struct {
	ServiceName string
	InstanceID  string
	HTTPAddr    string
	ConsulAddr  string

	PartnerID         int64
	PartnerKey        string
	WebhookPartnerKey string
	ShopID            int64
	HostAPI           string
	TokenFilePath     string
	Debug             bool

	RedisAddr string
	RedisDB   int

	RuntimeConfigPath string

	BotToken          string
	ChatID            string
	MessagesPerMinute int
	TopicMapPath      string

	ForwardWebhookURL string
	AuditLogDir       string
	DashboardAPIKey   string

	BreakerThreshold int
	BreakerTimeout   time.Duration
	MaxRetries       int
}

// LoadConfig reads every recognized environment key, applying the system's
// named defaults.
func LoadConfig() Config {
	return Config{
		ServiceName: config.GetEnv("SERVICE_NAME", "receiver"),
		InstanceID:  config.GetEnv("INSTANCE_ID", "receiver-1"),
		HTTPAddr:    config.GetEnv("HTTP_ADDR", ":8090"),
		ConsulAddr:  config.GetEnv("CONSUL_ADDR", ""),

		PartnerID:         int64(config.GetEnvInt("PARTNER_ID", 0)),
		PartnerKey:        config.GetEnv("PARTNER_KEY", ""),
		WebhookPartnerKey: config.GetEnv("WEBHOOK_PARTNER_KEY", ""),
		ShopID:            int64(config.GetEnvInt("SHOP_ID", 0)),
		HostAPI:           config.GetEnv("HOST_API", ""),
		TokenFilePath:     config.GetEnv("TOKEN_FILE_PATH", "data/token.json"),
		Debug:             config.GetEnvBool("DEBUG", false),

		RedisAddr: fmt.Sprintf("%s:%s", config.GetEnv("REDIS_HOST", "localhost"), config.GetEnv("REDIS_PORT", "6379")),
		RedisDB:   config.GetEnvInt("REDIS_DB", 0),

		RuntimeConfigPath: config.GetEnv("RUNTIME_CONFIG_PATH", "data/runtime_config.json"),

		BotToken:          config.GetEnv("BOT_TOKEN", ""),
		ChatID:            config.GetEnv("CHAT_ID", ""),
		MessagesPerMinute: config.GetEnvInt("NOTIFIER_MESSAGES_PER_MINUTE", notifier.DefaultMessagesPerMinute),
		TopicMapPath:      config.GetEnv("TOPIC_MAP_PATH", "data/topics.json"),

		ForwardWebhookURL: config.GetEnv("FORWARD_WEBHOOK_URL", ""),
		AuditLogDir:       config.GetEnv("AUDIT_LOG_DIR", "data/audit"),
		DashboardAPIKey:   config.GetEnv("DASHBOARD_API_KEY", ""),

		BreakerThreshold: config.GetEnvInt("BREAKER_THRESHOLD", 5),
		BreakerTimeout:   config.GetEnvDuration("BREAKER_TIMEOUT_SECONDS", 60),
		MaxRetries:       config.GetEnvInt("QUEUE_MAX_RETRIES", 3),
	}
}

// App wires every component named in the receiver's data flow: signature
// verification, audit logging, order assembly, the notifier queue, the
// circuit-breaker-gated queue producer with HTTP fallback, reconciliation
// telemetry, and the HTTP server exposing all of it.
type App struct {
	cfg        Config
	logger     *slog.Logger
	httpServer *http.Server
	rdb           *redis.Client
	auditLog      *audit.Log
	notifierQ     *notifier.Queue
	registry      discovery.Registry
	metrics       *metrics.HTTPMetrics
	business      *metrics.BusinessMetrics
	breaker       *breaker.Breaker
	runtimeConfig *runtimeconfig.Store
}

// emptySink satisfies sink.OrderItemSink for the receiver's read-only
// reconciliation.Engine: the receiver only serves History()/Manual() over
// HTTP, it never runs a scheduled sweep, so item upserts here would
// indicate a caller wiring mistake rather than real work.
type emptySink struct{}

func (emptySink) UpsertItems(ctx context.Context, items []model.OrderItem) error { return nil }
func (emptySink) GetByOrderID(ctx context.Context, orderID string) ([]model.OrderItem, error) {
	return nil, nil
}
func (emptySink) HealthCheck(ctx context.Context) error { return nil }

// NewApp constructs every collaborator but does not start background
// goroutines or bind the HTTP listener; call Start for that.
func NewApp(cfg Config) (*App, error) {
	log := logger.New(cfg.ServiceName)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})

	tokens := tokenstore.New(cfg.TokenFilePath)
	upstreamClient := upstream.New(upstream.Config{
		PartnerID:  cfg.PartnerID,
		PartnerKey: cfg.PartnerKey,
		ShopID:     cfg.ShopID,
		HostAPI:    cfg.HostAPI,
	}, tokens)

	auditLog, err := audit.New(cfg.AuditLogDir, time.Local)
	if err != nil {
		return nil, fmt.Errorf("init audit log: %w", err)
	}

	runtimeCfg, err := runtimeconfig.New(cfg.RuntimeConfigPath)
	if err != nil {
		return nil, fmt.Errorf("init runtime config store: %w", err)
	}
	botToken := resolveSecret(runtimeCfg, runtimeconfig.SectionNotifier, "bot_token", cfg.BotToken)
	forwardURL := resolveSecret(runtimeCfg, runtimeconfig.SectionForwarder, "url", cfg.ForwardWebhookURL)
	dashboardKey := resolveSecret(runtimeCfg, runtimeconfig.SectionMonitoring, "dashboard_api_key", cfg.DashboardAPIKey)

	topics, err := notifier.NewTopicMap(cfg.TopicMapPath)
	if err != nil {
		return nil, fmt.Errorf("init topic map: %w", err)
	}
	chatClient := notifier.NewHTTPChatClient(botToken)
	notifierQ := notifier.New(chatClient, topics, cfg.MessagesPerMinute, log)

	b := breaker.New(cfg.BreakerThreshold, cfg.BreakerTimeout)
	producer := queue.NewProducer(rdb, b, cfg.MaxRetries)

	var fwd *forwarder.Forwarder
	if forwardURL != "" {
		fwd = forwarder.New(forwardURL)
	}

	businessMetrics := metrics.NewBusinessMetrics(cfg.ServiceName)
	dispatcher := dispatch.New(auditLog, upstreamClient, notifierQ, producer, fwd, cfg.ChatID, log)
	dispatcher.SetBusinessMetrics(businessMetrics)

	dlqAdmin := dlq.New(rdb)
	reconciler := reconciliation.New(rdb, upstreamClient, upstreamClient, emptySink{}, reconciliation.DefaultConfig(), log)

	healthChecker := health.New(
		func(key string) string { return config.GetEnv(key, "") },
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		forwardURL,
	)

	registry, err := createRegistry(cfg.ConsulAddr, log)
	if err != nil {
		return nil, err
	}

	verifier := signature.New(cfg.Debug, cfg.PartnerKey, cfg.WebhookPartnerKey)

	mux := http.NewServeMux()
	h := newHandler(dispatcher, rdb, b, dlqAdmin, reconciler, healthChecker, runtimeCfg, dashboardKey, log)
	h.businessMetrics = businessMetrics
	h.registerRoutes(mux, verifier)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpMetrics := metrics.NewHTTPMetrics(cfg.ServiceName)

	app := &App{
		cfg:           cfg,
		logger:        log,
		rdb:           rdb,
		auditLog:      auditLog,
		notifierQ:     notifierQ,
		registry:      registry,
		metrics:       httpMetrics,
		business:      businessMetrics,
		breaker:       b,
		runtimeConfig: runtimeCfg,
	}

	app.httpServer = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: app.metricsMiddleware(mux),
	}

	return app, nil
}

// Start launches the notifier consumer and the HTTP server. It blocks
// until the server stops (normally via Shutdown being called from a
// signal handler in another goroutine).
func (a *App) Start(ctx context.Context) error {
	a.notifierQ.Start(ctx)
	go a.reportBreakerState(ctx)

	if a.registry != nil {
		if port, err := parsePort(a.cfg.HTTPAddr); err == nil {
			if err := a.registry.Register(ctx, a.cfg.InstanceID, a.cfg.ServiceName, fmt.Sprintf("localhost:%d", port)); err != nil {
				a.logger.Warn("service registration failed", slog.Any("error", err))
			}
		}
	}

	a.logger.Info("starting receiver http server", slog.String("addr", a.cfg.HTTPAddr))
	err := a.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the notifier queue, deregisters from discovery, closes
// the audit log file handle, and stops the HTTP server.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down receiver")

	a.notifierQ.Stop()

	if a.registry != nil {
		if err := a.registry.Deregister(ctx, a.cfg.InstanceID, a.cfg.ServiceName); err != nil {
			a.logger.Warn("deregistration failed", slog.Any("error", err))
		}
	}

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("http server shutdown error", slog.Any("error", err))
	}

	return a.auditLog.Close()
}

func (a *App) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		a.metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.statusCode), time.Since(start))
	})
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// reportBreakerState samples the producer's circuit breaker every few
// seconds and publishes it as a gauge; the breaker itself has no notion of
// metrics, so polling is simpler than threading a callback into every
// ShouldAttempt/RecordFailure call site.
func (a *App) reportBreakerState(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, _ := a.breaker.Snapshot()
			a.business.CircuitBreakerState.Set(float64(state))
		}
	}
}

// resolveSecret prefers a value persisted in the runtime config store over
// the environment-sourced default, so an operator can rotate a secret
// through the admin API without a redeploy once the store has been seeded.
func resolveSecret(store *runtimeconfig.Store, section, key, envDefault string) string {
	sec, ok := store.Get(section)
	if !ok {
		return envDefault
	}
	if v, ok := sec.Secrets[key]; ok && v != "" {
		return v
	}
	return envDefault
}

func createRegistry(addr string, log *slog.Logger) (discovery.Registry, error) {
	if addr == "" {
		log.Info("consul address not provided, service discovery disabled")
		return nil, nil
	}
	return consul.NewRegistry(addr)
}

func parsePort(addr string) (int, error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return strconv.Atoi(addr[i+1:])
		}
	}
	return 0, fmt.Errorf("no port in addr %q", addr)
}

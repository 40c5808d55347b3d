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

	"github.com/nuvio-labs/shopee-webhooks/internal/config"
	"github.com/nuvio-labs/shopee-webhooks/internal/discovery"
	"github.com/nuvio-labs/shopee-webhooks/internal/discovery/consul"
	"github.com/nuvio-labs/shopee-webhooks/internal/logger"
	"github.com/nuvio-labs/shopee-webhooks/internal/metrics"
	"github.com/nuvio-labs/shopee-webhooks/internal/reconciliation"
	"github.com/nuvio-labs/shopee-webhooks/internal/sink"
	"github.com/nuvio-labs/shopee-webhooks/internal/tokenstore"
	"github.com/nuvio-labs/shopee-webhooks/internal/upstream"
	"github.com/nuvio-labs/shopee-webhooks/internal/worker"
)

// Config carries the environment-derived settings wiring the worker
// together.
type Config struct {
	ServiceName string
	InstanceID  string
	HTTPAddr    string
	ConsulAddr  string

	PartnerID     int64
	PartnerKey    string
	ShopID        int64
	HostAPI       string
	TokenFilePath string

	RedisAddr string
	RedisDB   int

	DatabaseURL string

	NumWorkers   int
	BRPopTimeout time.Duration

	ReconciliationEnabled bool
}

// LoadConfig reads every recognized environment key, applying the system's
// named defaults.
func LoadConfig() Config {
	return Config{
		ServiceName: config.GetEnv("SERVICE_NAME", "worker"),
		InstanceID:  config.GetEnv("INSTANCE_ID", "worker-1"),
		HTTPAddr:    config.GetEnv("HTTP_ADDR", ":8091"),
		ConsulAddr:  config.GetEnv("CONSUL_ADDR", ""),

		PartnerID:     int64(config.GetEnvInt("PARTNER_ID", 0)),
		PartnerKey:    config.GetEnv("PARTNER_KEY", ""),
		ShopID:        int64(config.GetEnvInt("SHOP_ID", 0)),
		HostAPI:       config.GetEnv("HOST_API", ""),
		TokenFilePath: config.GetEnv("TOKEN_FILE_PATH", "data/token.json"),

		RedisAddr: fmt.Sprintf("%s:%s", config.GetEnv("REDIS_HOST", "localhost"), config.GetEnv("REDIS_PORT", "6379")),
		RedisDB:   config.GetEnvInt("REDIS_DB", 0),

		DatabaseURL: config.GetEnv("DATABASE_URL", ""),

		NumWorkers:   config.GetEnvInt("NUM_WORKERS", 3),
		BRPopTimeout: config.GetEnvDuration("BRPOP_TIMEOUT_SECONDS", 30),

		ReconciliationEnabled: config.GetEnvBool("RECONCILIATION_ENABLED", true),
	}
}

// App wires the consumer pool that drains the Redis queue, the
// reconciliation scheduler that sweeps the upstream order list on a
// schedule, and a small HTTP server exposing /health and /metrics for
// operator visibility.
type App struct {
	cfg        Config
	logger     *slog.Logger
	httpServer *http.Server
	pool       *worker.Pool
	scheduler  *reconciliation.Scheduler
	pgSink     *sink.PostgresSink
	registry   discovery.Registry
	metrics    *metrics.HTTPMetrics
}

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

	pgSink, err := sink.NewPostgresSink(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect order item sink: %w", err)
	}

	pool := worker.New(rdb, upstreamClient, pgSink, worker.Config{
		NumWorkers:   cfg.NumWorkers,
		BRPopTimeout: cfg.BRPopTimeout,
	}, log)

	var scheduler *reconciliation.Scheduler
	if cfg.ReconciliationEnabled {
		engine := reconciliation.New(rdb, upstreamClient, upstreamClient, pgSink, reconciliation.DefaultConfig(), log)
		scheduler = reconciliation.NewScheduler(engine, log)
	}

	registry, err := createRegistry(cfg.ConsulAddr, log)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	httpMetrics := metrics.NewHTTPMetrics(cfg.ServiceName)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /status/workers", func(w http.ResponseWriter, r *http.Request) {
		processed, failed := pool.Stats()
		writeJSONWorkerStats(w, processed, failed)
	})

	app := &App{
		cfg:       cfg,
		logger:    log,
		pool:      pool,
		scheduler: scheduler,
		pgSink:    pgSink,
		registry:  registry,
		metrics:   httpMetrics,
	}

	app.httpServer = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: app.metricsMiddleware(mux),
	}

	return app, nil
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

// Start launches the consumer pool, the reconciliation scheduler (which
// runs its startup catch-up synchronously before returning), registers
// with discovery, and serves HTTP until the context is cancelled.
func (a *App) Start(ctx context.Context) error {
	a.pool.Start(ctx)

	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			a.logger.Error("failed to start reconciliation scheduler", slog.Any("error", err))
		}
	}

	if a.registry != nil {
		if port, err := parsePort(a.cfg.HTTPAddr); err == nil {
			if err := a.registry.Register(ctx, a.cfg.InstanceID, a.cfg.ServiceName, fmt.Sprintf("localhost:%d", port)); err != nil {
				a.logger.Warn("service registration failed", slog.Any("error", err))
			}
		}
	}

	a.logger.Info("starting worker http server", slog.String("addr", a.cfg.HTTPAddr))
	err := a.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the scheduler, the consumer pool, deregisters from
// discovery, and closes the sink connection.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down worker")

	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	a.pool.Stop()

	if a.registry != nil {
		if err := a.registry.Deregister(ctx, a.cfg.InstanceID, a.cfg.ServiceName); err != nil {
			a.logger.Warn("deregistration failed", slog.Any("error", err))
		}
	}

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("http server shutdown error", slog.Any("error", err))
	}

	return a.pgSink.Close()
}

func writeJSONWorkerStats(w http.ResponseWriter, processed, failed int64) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"processed":%d,"failed":%d}`, processed, failed)
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

package reconciliation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/nuvio-labs/shopee-webhooks/internal/model"
)

// Scheduler wires an Engine to robfig/cron: an hourly scheduled sweep plus
// a fixed-hour daily full sweep.
type Scheduler struct {
	engine *Engine
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler builds a Scheduler. Call Start to register jobs and begin
// running them; Stop to drain in-flight jobs before returning.
func NewScheduler(engine *Engine, logger *slog.Logger) *Scheduler {
	return &Scheduler{engine: engine, cron: cron.New(), logger: logger}
}

// Start runs the startup catch-up synchronously, then registers the hourly
// and daily cron jobs and starts the scheduler goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("running reconciliation startup catch-up")
	result := s.engine.StartupCatchup(ctx)
	s.logJobResult(result)

	hourlySpec := fmt.Sprintf("0 */%d * * *", s.engine.cfg.SyncIntervalHours)
	if _, err := s.cron.AddFunc(hourlySpec, func() {
		s.logJobResult(s.engine.Scheduled(ctx))
	}); err != nil {
		return fmt.Errorf("register scheduled sync job: %w", err)
	}

	dailySpec := fmt.Sprintf("0 %d * * *", s.engine.cfg.DailySyncHour)
	if _, err := s.cron.AddFunc(dailySpec, func() {
		s.logJobResult(s.engine.DailyFull(ctx))
	}); err != nil {
		return fmt.Errorf("register daily sync job: %w", err)
	}

	s.cron.Start()
	return nil
}

// Stop waits for any running job to finish before returning.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) logJobResult(result model.SyncResult) {
	if result.Success {
		s.logger.Info("reconciliation sweep completed",
			slog.String("sync_type", string(result.SyncType)),
			slog.Int("orders_fetched", result.OrdersFetched),
			slog.Int("orders_processed", result.OrdersProcessed),
			slog.Int("orders_skipped", result.OrdersSkipped))
		return
	}
	s.logger.Warn("reconciliation sweep failed",
		slog.String("sync_type", string(result.SyncType)),
		slog.Any("errors", result.Errors))
}

package recon

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the periodic export scheduler.
type SchedulerConfig struct {
	Exporter *Exporter
	Interval time.Duration
	Logger   *slog.Logger
}

// Scheduler executes exports on a fixed cadence.
type Scheduler struct {
	exporter *Exporter
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler constructs a scheduler. A non-positive interval disables it.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		exporter: cfg.Exporter,
		interval: cfg.Interval,
		logger:   logger,
	}
}

// Start begins the scheduling loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.exporter == nil || s.interval <= 0 {
		return
	}
	for {
		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.exporter.Run(ctx); err != nil {
				s.logger.Error("scheduled report failed", "error", err)
			}
		}
	}
}

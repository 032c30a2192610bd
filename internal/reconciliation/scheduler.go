package reconciliation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reconciler is the unit of work a Scheduler repeats.
type Reconciler interface {
	Reconcile(ctx context.Context) (*Run, error)
}

// Scheduler runs Reconcile on a fixed interval.
type Scheduler struct {
	reconciler Reconciler
	interval   time.Duration
	logger     *zap.Logger
}

// NewScheduler runs r every interval once Run is called.
func NewScheduler(r Reconciler, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{reconciler: r, interval: interval, logger: logger.Named("scheduler")}
}

// Run reconciles once immediately and then on every tick until ctx is done. A failed
// pass is logged and does not stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	start := time.Now()
	run, err := s.reconciler.Reconcile(ctx)
	if err != nil {
		s.logger.Error("reconciliation pass failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return
	}
	s.logger.Debug("reconciliation pass done",
		zap.Int("snapshots", len(run.Snapshots)),
		zap.Duration("elapsed", time.Since(start)),
	)
}

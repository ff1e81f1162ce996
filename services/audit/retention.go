package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RetentionScheduler prunes old audit rows on a cron schedule
type RetentionScheduler struct {
	service   *AuditService
	retention time.Duration
	schedule  string
	cron      *cron.Cron
	mu        sync.Mutex
	logger    *zap.Logger
	running   bool
}

// NewRetentionScheduler creates a scheduler that keeps retentionDays of rows.
// A non-positive retentionDays disables pruning.
func NewRetentionScheduler(service *AuditService, retentionDays int, schedule string, logger *zap.Logger) *RetentionScheduler {
	return &RetentionScheduler{
		service:   service,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		schedule:  schedule,
		cron:      cron.New(),
		logger:    logger,
	}
}

// Start registers the pruning job.
// Common schedules: "@daily", "0 3 * * *" (daily at 3 AM), "0 */6 * * *".
func (r *RetentionScheduler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.retention <= 0 || r.schedule == "" {
		r.logger.Info("audit retention disabled")
		return nil
	}
	if r.running {
		return fmt.Errorf("retention scheduler already running")
	}

	if _, err := cron.ParseStandard(r.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", r.schedule, err)
	}

	if _, err := r.cron.AddFunc(r.schedule, func() {
		r.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule pruning: %w", err)
	}

	r.cron.Start()
	r.running = true

	r.logger.Info("audit retention scheduler started",
		zap.String("schedule", r.schedule),
		zap.Duration("retention", r.retention))

	return nil
}

// RunOnce executes a single pruning cycle
func (r *RetentionScheduler) RunOnce(ctx context.Context) int64 {
	deleted, err := r.service.Prune(ctx, r.retention)
	if err != nil {
		r.logger.Error("scheduled audit pruning failed", zap.Error(err))
		return 0
	}
	if deleted > 0 {
		r.logger.Info("scheduled audit pruning completed", zap.Int64("deleted_count", deleted))
	}
	return deleted
}

// Stop stops the scheduler and waits for a running job to finish
func (r *RetentionScheduler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		<-r.cron.Stop().Done()
		r.running = false
		r.logger.Info("audit retention scheduler stopped")
	}
}

// IsRunning reports whether the pruning job is registered
func (r *RetentionScheduler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// NextRun returns the next scheduled pruning time
func (r *RetentionScheduler) NextRun() *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}

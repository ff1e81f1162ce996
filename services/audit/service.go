package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/upb/prompt-firewall/models"
	"github.com/upb/prompt-firewall/repositories"
	"github.com/upb/prompt-firewall/services"
	"go.uber.org/zap"
)

const (
	// DefaultLimit is the page size when a query names none
	DefaultLimit = 50
	// MaxLimit caps the page size of a query
	MaxLimit = 500

	// historyWindow and historyLimit bound the per-user rows used for risk scoring
	historyWindow = 7 * 24 * time.Hour
	historyLimit  = 1000

	writeTimeout = 5 * time.Second
)

// Observer receives audit pipeline events
type Observer interface {
	ObserveAuditWrite(err error)
	ObserveAuditQueue(depth int)
}

type nopObserver struct{}

func (nopObserver) ObserveAuditWrite(error) {}
func (nopObserver) ObserveAuditQueue(int)   {}

// AuditService records decisions through a bounded worker pool and serves
// paged, newest-first log queries
type AuditService struct {
	auditRepo   repositories.AuditRepository
	logger      *zap.Logger
	observer    Observer
	eventChan   chan *models.AuditLog
	workerCount int
	bufferSize  int
	syncWrites  bool
	now         func() time.Time
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.RWMutex
	started     bool
	stopped     bool
}

// Config holds configuration for the AuditService
type Config struct {
	BufferSize  int  // Size of the event buffer channel
	WorkerCount int  // Number of concurrent workers
	SyncWrites  bool // Write on the caller's goroutine instead of queueing
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  1000,
		WorkerCount: 5,
	}
}

// Option configures an AuditService
type Option func(*AuditService)

// WithObserver reports writes and queue depth
func WithObserver(o Observer) Option {
	return func(s *AuditService) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithClock overrides the record-time clock
func WithClock(now func() time.Time) Option {
	return func(s *AuditService) { s.now = now }
}

// NewAuditService creates a new AuditService instance
func NewAuditService(auditRepo repositories.AuditRepository, logger *zap.Logger, config Config, opts ...Option) *AuditService {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultConfig().WorkerCount
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &AuditService{
		auditRepo:   auditRepo,
		logger:      logger,
		observer:    nopObserver{},
		eventChan:   make(chan *models.AuditLog, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		syncWrites:  config.SyncWrites,
		now:         func() time.Time { return time.Now().UTC() },
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the background workers
func (s *AuditService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}
	if s.syncWrites {
		s.started = true
		s.logger.Info("started audit service", zap.Bool("sync_writes", true))
		return nil
	}

	// Start worker goroutines
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize))

	return nil
}

// Stop gracefully stops the audit service
// Waits for all pending records to be written
func (s *AuditService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("audit service not started")
	}
	s.stopped = true
	// Record holds the read lock while sending, so no send can race the close
	close(s.eventChan)
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_events", len(s.eventChan)))

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		s.cancel()
		return nil
	case <-time.After(timeout):
		s.cancel()
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// Record stamps the row with the record time and hands it to the writers.
// It returns once the row is queued, blocking while the buffer is full until
// ctx ends. With synchronous writes the row is stored before Record returns.
func (s *AuditService) Record(ctx context.Context, log *models.AuditLog) error {
	log.Timestamp = s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started || s.stopped {
		return services.ErrAuditUnavailable.WithDetail("reason", "audit service not running")
	}

	if s.syncWrites {
		return s.write(ctx, log)
	}

	select {
	case s.eventChan <- log:
		s.observer.ObserveAuditQueue(len(s.eventChan))
		return nil
	case <-ctx.Done():
		s.logger.Warn("audit buffer full, record abandoned",
			zap.String("tenant_id", log.TenantID),
			zap.String("request_id", log.RequestID),
			zap.Error(ctx.Err()))
		return services.WrapError(services.ErrorTypeUnavailable, "audit buffer full", ctx.Err())
	}
}

// worker processes records from the channel
func (s *AuditService) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for log := range s.eventChan {
		ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
		if err := s.write(ctx, log); err != nil {
			s.logger.Error("failed to write audit record",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("tenant_id", log.TenantID),
				zap.String("request_id", log.RequestID))
		}
		cancel()
		s.observer.ObserveAuditQueue(len(s.eventChan))
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

func (s *AuditService) write(ctx context.Context, log *models.AuditLog) error {
	err := s.auditRepo.Insert(ctx, log)
	s.observer.ObserveAuditWrite(err)
	if err != nil {
		return services.WrapError(services.ErrorTypeUnavailable, "failed to insert audit log", err)
	}
	return nil
}

// Query returns one newest-first page of the tenant's rows.
// filterType accepts a verdict or a finding category; empty or "all" matches every row.
func (s *AuditService) Query(ctx context.Context, caller models.Caller, tenantID, filterType string, limit, offset int) (*models.LogPage, error) {
	if !caller.CanAccessTenant(tenantID) {
		return nil, services.ErrTenantMismatch
	}

	filter, err := ParseFilterType(filterType)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	filter.TenantID = tenantID
	filter.Offset = offset
	// One extra row tells whether another page exists
	filter.Limit = limit + 1

	rows, err := s.auditRepo.Query(ctx, filter)
	if err != nil {
		return nil, services.WrapError(services.ErrorTypeUnavailable, "audit log unavailable", err)
	}

	page := &models.LogPage{Logs: rows, HasMore: len(rows) > limit}
	if page.HasMore {
		page.Logs = rows[:limit]
	}
	return page, nil
}

// ParseFilterType maps the query-string filter onto a LogFilter
func ParseFilterType(filterType string) (models.LogFilter, error) {
	switch strings.ToLower(strings.TrimSpace(filterType)) {
	case "", "all":
		return models.LogFilter{}, nil
	case string(models.VerdictAllow):
		return models.LogFilter{Verdict: models.VerdictAllow}, nil
	case string(models.VerdictWarn):
		return models.LogFilter{Verdict: models.VerdictWarn}, nil
	case string(models.VerdictRedact):
		return models.LogFilter{Verdict: models.VerdictRedact}, nil
	case string(models.VerdictBlock):
		return models.LogFilter{Verdict: models.VerdictBlock}, nil
	case "pii":
		return models.LogFilter{Category: models.FindingTypePII}, nil
	case "injection", "prompt_injection":
		return models.LogFilter{Category: models.FindingTypeInjection}, nil
	case "custom":
		return models.LogFilter{Category: models.FindingTypeCustom}, nil
	case "anomaly":
		return models.LogFilter{Category: models.FindingTypeAnomaly}, nil
	}
	return models.LogFilter{}, services.NewValidationError("invalid filterType", map[string]string{
		"filterType": "filterType must be one of: all, allow, warn, redact, block, pii, injection, custom, anomaly",
	})
}

// RecentByUser returns the user's rows from the last seven days, newest first
func (s *AuditService) RecentByUser(ctx context.Context, userID string) ([]*models.AuditLog, error) {
	if userID == "" {
		return nil, nil
	}
	rows, err := s.auditRepo.ListByUser(ctx, userID, s.now().Add(-historyWindow), historyLimit)
	if err != nil {
		return nil, fmt.Errorf("list audit history: %w", err)
	}
	return rows, nil
}

// Prune deletes rows recorded more than retention ago
func (s *AuditService) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, errors.New("retention must be positive")
	}
	deleted, err := s.auditRepo.DeleteBefore(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("prune audit logs: %w", err)
	}
	return deleted, nil
}

// GetStats returns statistics about the audit service
func (s *AuditService) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		BufferSize:    s.bufferSize,
		PendingEvents: len(s.eventChan),
		WorkerCount:   s.workerCount,
		SyncWrites:    s.syncWrites,
		Started:       s.started && !s.stopped,
	}
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize    int
	PendingEvents int
	WorkerCount   int
	SyncWrites    bool
	Started       bool
}

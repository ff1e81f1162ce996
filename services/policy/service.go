package policy

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	policyset "github.com/upb/prompt-firewall/internal/policy"
	"github.com/upb/prompt-firewall/models"
	"github.com/upb/prompt-firewall/repositories"
	"github.com/upb/prompt-firewall/services"
	"github.com/upb/prompt-firewall/utils"
	"go.uber.org/zap"
)

// maxConflictRetries bounds how often a write that lost a version race is retried
const maxConflictRetries = 3

// defaultActor is recorded when a write names no user
const defaultActor = "system"

// Write operations reported to the Observer
const (
	OpCreate   = "create"
	OpUpdate   = "update"
	OpDelete   = "delete"
	OpRollback = "rollback"
)

// Observer receives policy store events
type Observer interface {
	ObservePolicyWrite(op string, err error)
	ObservePolicyCache(hit bool)
}

type nopObserver struct{}

func (nopObserver) ObservePolicyWrite(string, error) {}
func (nopObserver) ObservePolicyCache(bool)          {}

// Patch carries the fields of a partial update; nil fields keep their value
type Patch struct {
	Name     *string            `json:"name,omitempty"`
	Type     *models.PolicyType `json:"type,omitempty"`
	Pattern  *string            `json:"pattern,omitempty"`
	Action   *models.Action     `json:"action,omitempty"`
	Severity *models.Severity   `json:"severity,omitempty"`
	Enabled  *bool              `json:"enabled,omitempty"`
}

// Apply returns fields with the patch applied
func (p Patch) Apply(fields models.PolicyFields) models.PolicyFields {
	if p.Name != nil {
		fields.Name = *p.Name
	}
	if p.Type != nil {
		fields.Type = *p.Type
	}
	if p.Pattern != nil {
		fields.Pattern = *p.Pattern
	}
	if p.Action != nil {
		fields.Action = *p.Action
	}
	if p.Severity != nil {
		fields.Severity = *p.Severity
	}
	if p.Enabled != nil {
		fields.Enabled = *p.Enabled
	}
	return fields
}

// RollbackResult reports the version a rollback produced
type RollbackResult struct {
	Policy       *models.Policy
	RolledBackTo int
}

// PolicyService is the versioned, tenant-scoped policy store
type PolicyService struct {
	policyRepo repositories.PolicyRepository
	txManager  repositories.TransactionManager
	cache      *PolicyCache
	locks      *keyedMutex
	mode       policyset.DisabledMode
	observer   Observer
	logger     *zap.Logger
}

// Option configures a PolicyService
type Option func(*PolicyService)

// WithTransactionManager runs read-modify-write sequences in one transaction
func WithTransactionManager(tm repositories.TransactionManager) Option {
	return func(s *PolicyService) { s.txManager = tm }
}

// WithDisabledMode sets how disabled policies affect detection
func WithDisabledMode(mode policyset.DisabledMode) Option {
	return func(s *PolicyService) { s.mode = mode }
}

// WithObserver reports writes and cache lookups
func WithObserver(o Observer) Option {
	return func(s *PolicyService) {
		if o != nil {
			s.observer = o
		}
	}
}

// NewPolicyService creates a new PolicyService instance
func NewPolicyService(policyRepo repositories.PolicyRepository, cache *PolicyCache, logger *zap.Logger, opts ...Option) *PolicyService {
	s := &PolicyService{
		policyRepo: policyRepo,
		cache:      cache,
		locks:      newKeyedMutex(),
		mode:       policyset.DisabledModeAction,
		observer:   nopObserver{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns the tenant's current policies as an evaluation set.
// Reads never wait for writers.
func (s *PolicyService) Snapshot(ctx context.Context, tenantID string) (*policyset.Set, error) {
	policies, err := s.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return policyset.NewSet(policies, s.mode), nil
}

// List returns the tenant's current policies ordered by createdAt, id
func (s *PolicyService) List(ctx context.Context, caller models.Caller, tenantID string) ([]*models.Policy, error) {
	if !caller.CanAccessTenant(tenantID) {
		return nil, services.ErrTenantMismatch
	}
	policies, err := s.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Policy, len(policies))
	copy(out, policies)
	policyset.SortPolicies(out)
	return out, nil
}

func (s *PolicyService) load(ctx context.Context, tenantID string) ([]*models.Policy, error) {
	// The generation is read before loading so an invalidation that lands
	// while the repository is queried keeps this snapshot out of the cache.
	cached, generation, ok := s.cache.GetPolicies(tenantID)
	if ok {
		s.observer.ObservePolicyCache(true)
		return cached, nil
	}
	s.observer.ObservePolicyCache(false)

	policies, err := s.policyRepo.ListByTenant(ctx, tenantID)
	if err != nil {
		s.cache.Abandon(tenantID)
		return nil, services.WrapError(services.ErrorTypeUnavailable, "policy store unavailable", err)
	}
	s.cache.SetPolicies(tenantID, policies, generation)

	s.logger.Debug("cache miss for policies, fetched from repository",
		zap.String("tenant_id", tenantID),
		zap.Int("count", len(policies)))

	return policies, nil
}

// Get returns the current version of one policy
func (s *PolicyService) Get(ctx context.Context, caller models.Caller, tenantID string, id uuid.UUID) (*models.Policy, error) {
	p, err := s.policyRepo.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, services.ErrPolicyNotFound)
	}
	if err := authorize(caller, tenantID, p.TenantID); err != nil {
		return nil, err
	}
	return p, nil
}

// Create stores version 1 of a new policy
func (s *PolicyService) Create(ctx context.Context, caller models.Caller, tenantID string, fields models.PolicyFields) (p *models.Policy, err error) {
	defer func() { s.observer.ObservePolicyWrite(OpCreate, err) }()

	if !caller.CanAccessTenant(tenantID) {
		return nil, services.ErrTenantMismatch
	}
	fields, err = validateFields(fields)
	if err != nil {
		return nil, err
	}

	p = models.NewPolicy(tenantID, fields, actor(caller.UserID, defaultActor))
	if err := s.policyRepo.Create(ctx, p); err != nil {
		return nil, mapRepoError(err, services.ErrPolicyNotFound)
	}
	s.cache.Invalidate(tenantID)

	s.logger.Info("policy created",
		zap.String("policy_id", p.ID.String()),
		zap.String("tenant_id", tenantID),
		zap.String("type", string(p.Type)),
		zap.String("action", string(p.Action)))

	return p, nil
}

// Update applies a patch and stores it as the next version
func (s *PolicyService) Update(ctx context.Context, caller models.Caller, tenantID string, id uuid.UUID, patch Patch) (p *models.Policy, err error) {
	defer func() { s.observer.ObservePolicyWrite(OpUpdate, err) }()

	p, err = s.write(ctx, caller, tenantID, id, func(repo repositories.PolicyRepository, current *models.Policy) (models.PolicyFields, error) {
		return validateFields(patch.Apply(current.PolicyFields))
	}, actor(caller.UserID, defaultActor))
	if err != nil {
		return nil, err
	}

	s.logger.Info("policy updated",
		zap.String("policy_id", id.String()),
		zap.String("tenant_id", p.TenantID),
		zap.Int("version", p.Version))
	return p, nil
}

// Rollback writes a new version whose fields equal the target version's snapshot
func (s *PolicyService) Rollback(ctx context.Context, caller models.Caller, tenantID string, id uuid.UUID, targetVersion int) (res *RollbackResult, err error) {
	defer func() { s.observer.ObservePolicyWrite(OpRollback, err) }()

	if targetVersion < 1 {
		return nil, services.NewValidationError("invalid rollback target", map[string]string{
			"version": "version must be at least 1",
		})
	}

	p, err := s.write(ctx, caller, tenantID, id, func(repo repositories.PolicyRepository, current *models.Policy) (models.PolicyFields, error) {
		target, err := repo.HistoryEntry(ctx, id, targetVersion)
		if err != nil {
			return models.PolicyFields{}, mapRepoError(err, services.ErrPolicyVersionNotFound)
		}
		return target.Data, nil
	}, actor(caller.UserID, models.SystemRollbackUser))
	if err != nil {
		return nil, err
	}

	s.logger.Info("policy rolled back",
		zap.String("policy_id", id.String()),
		zap.String("tenant_id", p.TenantID),
		zap.Int("version", p.Version),
		zap.Int("rolled_back_to", targetVersion))

	return &RollbackResult{Policy: p, RolledBackTo: targetVersion}, nil
}

// fieldsFunc derives the next version's fields from the current row
type fieldsFunc func(repo repositories.PolicyRepository, current *models.Policy) (models.PolicyFields, error)

// write runs a serialized, version-guarded read-modify-write of one policy
func (s *PolicyService) write(ctx context.Context, caller models.Caller, tenantID string, id uuid.UUID, next fieldsFunc, updatedBy string) (*models.Policy, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	for attempt := 0; ; attempt++ {
		p, err := s.attemptWrite(ctx, caller, tenantID, id, next, updatedBy)
		if err == nil {
			s.cache.Invalidate(p.TenantID)
			return p, nil
		}
		if !errors.Is(err, repositories.ErrVersionConflict) {
			return nil, err
		}
		if attempt >= maxConflictRetries {
			s.logger.Warn("policy write lost every version race",
				zap.String("policy_id", id.String()),
				zap.Int("attempts", attempt+1))
			return nil, services.ErrConcurrentUpdate.WithDetail("policy_id", id.String())
		}
		s.logger.Debug("policy version conflict, retrying",
			zap.String("policy_id", id.String()),
			zap.Int("attempt", attempt+1))
	}
}

func (s *PolicyService) attemptWrite(ctx context.Context, caller models.Caller, tenantID string, id uuid.UUID, next fieldsFunc, updatedBy string) (*models.Policy, error) {
	return s.inTransaction(ctx, func(ctx context.Context, repo repositories.PolicyRepository) (*models.Policy, error) {
		current, err := repo.GetByID(ctx, id)
		if err != nil {
			return nil, mapRepoError(err, services.ErrPolicyNotFound)
		}
		if err := authorize(caller, tenantID, current.TenantID); err != nil {
			return nil, err
		}

		fields, err := next(repo, current)
		if err != nil {
			return nil, err
		}

		updated := current.Clone()
		updated.PolicyFields = fields
		updated.Version = current.Version + 1
		updated.UpdatedBy = updatedBy
		updated.UpdatedAt = time.Now().UTC()

		if err := repo.Update(ctx, updated, current.Version); err != nil {
			if errors.Is(err, repositories.ErrVersionConflict) {
				return nil, err
			}
			return nil, mapRepoError(err, services.ErrPolicyNotFound)
		}
		return updated, nil
	})
}

// Delete removes the current row; history stays queryable
func (s *PolicyService) Delete(ctx context.Context, caller models.Caller, tenantID string, id uuid.UUID) (err error) {
	defer func() { s.observer.ObservePolicyWrite(OpDelete, err) }()

	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.inTransaction(ctx, func(ctx context.Context, repo repositories.PolicyRepository) (*models.Policy, error) {
		current, err := repo.GetByID(ctx, id)
		if err != nil {
			return nil, mapRepoError(err, services.ErrPolicyNotFound)
		}
		if err := authorize(caller, tenantID, current.TenantID); err != nil {
			return nil, err
		}
		if err := repo.Delete(ctx, id); err != nil {
			return nil, mapRepoError(err, services.ErrPolicyNotFound)
		}
		return current, nil
	})
	if err != nil {
		return err
	}
	s.cache.Invalidate(p.TenantID)

	s.logger.Info("policy deleted",
		zap.String("policy_id", id.String()),
		zap.String("tenant_id", p.TenantID))
	return nil
}

// History returns every version of a policy, newest first
func (s *PolicyService) History(ctx context.Context, caller models.Caller, tenantID string, id uuid.UUID) ([]*models.HistoryEntry, error) {
	entries, err := s.policyRepo.History(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, services.ErrPolicyNotFound)
	}
	if len(entries) == 0 {
		return nil, services.ErrPolicyNotFound
	}
	if err := authorize(caller, tenantID, entries[0].TenantID); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetCacheStats returns cache statistics
func (s *PolicyService) GetCacheStats() CacheStats {
	return s.cache.Stats()
}

// StartCacheCleanup starts a background worker to clean up expired cache
// entries. The returned channel closes once the worker has exited after stopCh closes.
func (s *PolicyService) StartCacheCleanup(interval time.Duration, stopCh <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.cache.StartCleanupWorker(interval, stopCh)
	}()
	s.logger.Info("started cache cleanup worker",
		zap.Duration("interval", interval))
	return done
}

// inTransaction hands fn a repository bound to a transaction when a
// transaction manager is configured
func (s *PolicyService) inTransaction(ctx context.Context, fn func(ctx context.Context, repo repositories.PolicyRepository) (*models.Policy, error)) (*models.Policy, error) {
	if s.txManager == nil {
		return fn(ctx, s.policyRepo)
	}
	return services.WithTransactionResult(ctx, s.txManager, func(ctx context.Context, tx repositories.Transaction) (*models.Policy, error) {
		return fn(ctx, s.policyRepo.WithTx(tx))
	})
}

// authorize rejects by-id access to another tenant's policy
func authorize(caller models.Caller, tenantID, ownerTenantID string) error {
	if caller.IsSuperAdmin() {
		return nil
	}
	if !caller.CanAccessTenant(tenantID) || ownerTenantID != tenantID {
		return services.ErrTenantMismatch
	}
	return nil
}

// validateFields normalizes and validates user-editable fields
func validateFields(fields models.PolicyFields) (models.PolicyFields, error) {
	fields.Name = strings.TrimSpace(fields.Name)
	fields.Pattern = strings.TrimSpace(fields.Pattern)
	fields.Type = models.PolicyType(strings.ToLower(string(fields.Type)))
	fields.Action = models.Action(strings.ToLower(string(fields.Action)))
	fields.Severity = models.Severity(strings.ToLower(string(fields.Severity)))

	if err := utils.ValidateStruct(fields); err != nil {
		var ve *utils.ValidationError
		if errors.As(err, &ve) {
			return fields, services.NewValidationError("invalid policy", ve.Fields)
		}
		return fields, services.WrapError(services.ErrorTypeValidation, "invalid policy", err)
	}
	return fields, nil
}

// mapRepoError turns repository sentinels into domain errors
func mapRepoError(err error, notFound *services.DomainError) error {
	var domainErr *services.DomainError
	switch {
	case errors.As(err, &domainErr):
		return err
	case errors.Is(err, repositories.ErrNotFound):
		return notFound
	case errors.Is(err, repositories.ErrVersionConflict):
		return services.ErrConcurrentUpdate
	default:
		return services.WrapInternal("policy store error", err)
	}
}

func actor(userID, fallback string) string {
	if userID == "" {
		return fallback
	}
	return userID
}

package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/prompt-firewall/models"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict is returned when a guarded update lost a race
	ErrVersionConflict = errors.New("version conflict")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// PolicyRepository stores current policies and their version history.
// Every write appends the snapshot of the version it produces, so the
// history of a policy is always 1..current with no gaps.
type PolicyRepository interface {
	// ListByTenant returns the tenant's current policies ordered by created_at, id
	ListByTenant(ctx context.Context, tenantID string) ([]*models.Policy, error)

	// GetByID retrieves the current version of a policy
	GetByID(ctx context.Context, id uuid.UUID) (*models.Policy, error)

	// Create stores version 1 of a policy together with its history entry
	Create(ctx context.Context, policy *models.Policy) error

	// Update replaces the current row only if its version still equals
	// expectedVersion, and appends the new snapshot to the history
	Update(ctx context.Context, policy *models.Policy, expectedVersion int) error

	// Delete removes the current row; history is retained
	Delete(ctx context.Context, id uuid.UUID) error

	// History returns every snapshot of a policy, newest first
	History(ctx context.Context, id uuid.UUID) ([]*models.HistoryEntry, error)

	// HistoryEntry returns one snapshot
	HistoryEntry(ctx context.Context, id uuid.UUID, version int) (*models.HistoryEntry, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) PolicyRepository
}

// AuditRepository handles audit log data operations
type AuditRepository interface {
	// Insert appends an audit log entry
	Insert(ctx context.Context, log *models.AuditLog) error

	// Query returns rows newest first (created_at DESC, id DESC) honoring the
	// filter's Limit and Offset exactly
	Query(ctx context.Context, filter models.LogFilter) ([]*models.AuditLog, error)

	// ListByUser returns a user's rows recorded since the given time, newest first
	ListByUser(ctx context.Context, userID string, since time.Time, limit int) ([]*models.AuditLog, error)

	// DeleteBefore prunes rows older than cutoff and reports how many were removed
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) AuditRepository
}

// TenantRepository handles tenant data operations
type TenantRepository interface {
	// List returns every tenant ordered by id
	List(ctx context.Context) ([]*models.Tenant, error)

	// GetByID retrieves a tenant
	GetByID(ctx context.Context, id string) (*models.Tenant, error)

	// Upsert creates or replaces a tenant
	Upsert(ctx context.Context, tenant *models.Tenant) error
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Policies  PolicyRepository
	AuditLogs AuditRepository
	Tenants   TenantRepository
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/prompt-firewall/models"
	"github.com/upb/prompt-firewall/repositories"
	"go.uber.org/zap"
)

// uniqueViolation is the SQLSTATE raised when a primary key already exists
const uniqueViolation = "23505"

const policyColumns = `id, tenant_id, name, type, pattern, action, severity, enabled,
	version, created_by, created_at, updated_by, updated_at`

const historyColumns = `policy_id, tenant_id, version, name, type, pattern, action, severity,
	enabled, updated_by, updated_at`

// PolicyRepository implements the repositories.PolicyRepository interface
type PolicyRepository struct {
	db     *DB
	tx     *Transaction
	logger *zap.Logger
}

// NewPolicyRepository creates a new policy repository
func NewPolicyRepository(db *DB, logger *zap.Logger) repositories.PolicyRepository {
	return &PolicyRepository{
		db:     db,
		logger: logger,
	}
}

func (r *PolicyRepository) executor(ctx context.Context) Executor {
	return boundExecutor(ctx, r.db, r.tx)
}

// inTx runs fn inside the bound or context transaction, or opens one
func (r *PolicyRepository) inTx(ctx context.Context, fn func(ctx context.Context, exec Executor) error) error {
	if r.tx != nil {
		return fn(ctx, r.tx.tx)
	}
	if _, ok := GetTransactionFromContext(ctx); ok {
		return fn(ctx, GetExecutor(ctx, r.db))
	}
	return NewTransactionManager(r.db, r.logger).InTransaction(ctx, func(txCtx context.Context, _ repositories.Transaction) error {
		return fn(txCtx, GetExecutor(txCtx, r.db))
	})
}

// ListByTenant returns the tenant's current policies in creation order
func (r *PolicyRepository) ListByTenant(ctx context.Context, tenantID string) ([]*models.Policy, error) {
	query := `SELECT ` + policyColumns + `
		FROM policies
		WHERE tenant_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := r.executor(ctx).QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	policies := make([]*models.Policy, 0)
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, policy)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policy rows: %w", err)
	}

	return policies, nil
}

// GetByID retrieves the current version of a policy
func (r *PolicyRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE id = $1`

	policy, err := scanPolicy(r.executor(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("policy %s: %w", id, repositories.ErrNotFound)
		}
		return nil, err
	}
	return policy, nil
}

// Create inserts version 1 and its history entry in one transaction
func (r *PolicyRepository) Create(ctx context.Context, policy *models.Policy) error {
	query := `
		INSERT INTO policies (` + policyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	err := r.inTx(ctx, func(ctx context.Context, exec Executor) error {
		_, err := exec.ExecContext(ctx, query,
			policy.ID,
			policy.TenantID,
			policy.Name,
			policy.Type,
			policy.Pattern,
			policy.Action,
			policy.Severity,
			policy.Enabled,
			policy.Version,
			policy.CreatedBy,
			policy.CreatedAt,
			policy.UpdatedBy,
			policy.UpdatedAt,
		)
		if err != nil {
			return wrapWriteError("create policy", err)
		}
		return insertHistory(ctx, exec, policy.Snapshot())
	})
	if err != nil {
		return err
	}

	r.logger.Debug("policy created",
		zap.String("id", policy.ID.String()),
		zap.String("tenant_id", policy.TenantID))
	return nil
}

// Update writes the new version only if the stored version still equals expectedVersion
func (r *PolicyRepository) Update(ctx context.Context, policy *models.Policy, expectedVersion int) error {
	query := `
		UPDATE policies
		SET name = $3,
		    type = $4,
		    pattern = $5,
		    action = $6,
		    severity = $7,
		    enabled = $8,
		    version = $9,
		    updated_by = $10,
		    updated_at = $11
		WHERE id = $1 AND version = $2
	`

	err := r.inTx(ctx, func(ctx context.Context, exec Executor) error {
		result, err := exec.ExecContext(ctx, query,
			policy.ID,
			expectedVersion,
			policy.Name,
			policy.Type,
			policy.Pattern,
			policy.Action,
			policy.Severity,
			policy.Enabled,
			policy.Version,
			policy.UpdatedBy,
			policy.UpdatedAt,
		)
		if err != nil {
			return wrapWriteError("update policy", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}

		if rowsAffected == 0 {
			var current int
			err := exec.QueryRowContext(ctx, `SELECT version FROM policies WHERE id = $1`, policy.ID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("policy %s: %w", policy.ID, repositories.ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("failed to read policy version: %w", err)
			}
			return fmt.Errorf("policy %s at version %d, expected %d: %w",
				policy.ID, current, expectedVersion, repositories.ErrVersionConflict)
		}

		return insertHistory(ctx, exec, policy.Snapshot())
	})
	if err != nil {
		return err
	}

	r.logger.Debug("policy updated",
		zap.String("id", policy.ID.String()),
		zap.Int("version", policy.Version))
	return nil
}

// Delete removes the current row; history is retained
func (r *PolicyRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM policies WHERE id = $1`

	result, err := r.executor(ctx).ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("policy %s: %w", id, repositories.ErrNotFound)
	}

	r.logger.Debug("policy deleted", zap.String("id", id.String()))
	return nil
}

// History returns every snapshot of a policy, newest first
func (r *PolicyRepository) History(ctx context.Context, id uuid.UUID) ([]*models.HistoryEntry, error) {
	query := `SELECT ` + historyColumns + `
		FROM policy_history
		WHERE policy_id = $1
		ORDER BY version DESC`

	rows, err := r.executor(ctx).QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query policy history: %w", err)
	}
	defer rows.Close()

	entries := make([]*models.HistoryEntry, 0)
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policy history rows: %w", err)
	}

	return entries, nil
}

// HistoryEntry returns one snapshot
func (r *PolicyRepository) HistoryEntry(ctx context.Context, id uuid.UUID, version int) (*models.HistoryEntry, error) {
	query := `SELECT ` + historyColumns + `
		FROM policy_history
		WHERE policy_id = $1 AND version = $2`

	entry, err := scanHistory(r.executor(ctx).QueryRowContext(ctx, query, id, version))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("policy %s version %d: %w", id, version, repositories.ErrNotFound)
		}
		return nil, err
	}
	return entry, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *PolicyRepository) WithTx(tx repositories.Transaction) repositories.PolicyRepository {
	bound := &PolicyRepository{
		db:     r.db,
		logger: r.logger,
	}
	if pgTx, ok := tx.(*Transaction); ok {
		bound.tx = pgTx
	}
	return bound
}

func insertHistory(ctx context.Context, exec Executor, entry *models.HistoryEntry) error {
	query := `
		INSERT INTO policy_history (` + historyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := exec.ExecContext(ctx, query,
		entry.PolicyID,
		entry.TenantID,
		entry.Version,
		entry.Data.Name,
		entry.Data.Type,
		entry.Data.Pattern,
		entry.Data.Action,
		entry.Data.Severity,
		entry.Data.Enabled,
		entry.UpdatedBy,
		entry.UpdatedAt,
	)
	if err != nil {
		return wrapWriteError("insert policy history", err)
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row rowScanner) (*models.Policy, error) {
	policy := &models.Policy{}
	err := row.Scan(
		&policy.ID,
		&policy.TenantID,
		&policy.Name,
		&policy.Type,
		&policy.Pattern,
		&policy.Action,
		&policy.Severity,
		&policy.Enabled,
		&policy.Version,
		&policy.CreatedBy,
		&policy.CreatedAt,
		&policy.UpdatedBy,
		&policy.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan policy: %w", err)
	}
	return policy, nil
}

func scanHistory(row rowScanner) (*models.HistoryEntry, error) {
	entry := &models.HistoryEntry{}
	err := row.Scan(
		&entry.PolicyID,
		&entry.TenantID,
		&entry.Version,
		&entry.Data.Name,
		&entry.Data.Type,
		&entry.Data.Pattern,
		&entry.Data.Action,
		&entry.Data.Severity,
		&entry.Data.Enabled,
		&entry.UpdatedBy,
		&entry.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan policy history: %w", err)
	}
	return entry, nil
}

// wrapWriteError maps duplicate keys to ErrVersionConflict
func wrapWriteError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("failed to %s: %w", op, repositories.ErrVersionConflict)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/upb/prompt-firewall/models"
	"github.com/upb/prompt-firewall/repositories"
	"go.uber.org/zap"
)

// TenantRepository implements the repositories.TenantRepository interface
type TenantRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewTenantRepository creates a new tenant repository
func NewTenantRepository(db *DB, logger *zap.Logger) repositories.TenantRepository {
	return &TenantRepository{
		db:     db,
		logger: logger,
	}
}

// List returns every tenant ordered by id
func (r *TenantRepository) List(ctx context.Context) ([]*models.Tenant, error) {
	query := `SELECT id, name, color, enabled, created_at FROM tenants ORDER BY id ASC`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	tenants := make([]*models.Tenant, 0)
	for rows.Next() {
		tenant := &models.Tenant{}
		if err := rows.Scan(&tenant.ID, &tenant.Name, &tenant.Color, &tenant.Enabled, &tenant.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, tenant)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenant rows: %w", err)
	}

	return tenants, nil
}

// GetByID retrieves a tenant
func (r *TenantRepository) GetByID(ctx context.Context, id string) (*models.Tenant, error) {
	query := `SELECT id, name, color, enabled, created_at FROM tenants WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	tenant := &models.Tenant{}
	err := executor.QueryRowContext(ctx, query, id).Scan(
		&tenant.ID,
		&tenant.Name,
		&tenant.Color,
		&tenant.Enabled,
		&tenant.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("tenant %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}

	return tenant, nil
}

// Upsert creates or replaces a tenant, keeping the original created_at
func (r *TenantRepository) Upsert(ctx context.Context, tenant *models.Tenant) error {
	query := `
		INSERT INTO tenants (id, name, color, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    color = EXCLUDED.color,
		    enabled = EXCLUDED.enabled
	`

	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = time.Now().UTC()
	}

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		tenant.ID,
		tenant.Name,
		tenant.Color,
		tenant.Enabled,
		tenant.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}

	r.logger.Debug("tenant upserted", zap.String("id", tenant.ID))
	return nil
}

package postgres

import (
	"context"
	"fmt"

	"github.com/upb/prompt-firewall/config"
	"github.com/upb/prompt-firewall/repositories"
	"go.uber.org/zap"
)

// RepositoryFactory creates and manages all repositories
type RepositoryFactory struct {
	db      *DB
	auditDB *DB // Optional: separate DB for audit logs
	logger  *zap.Logger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := NewDB(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	f := &RepositoryFactory{db: db, logger: logger}

	if cfg.AuditDatabase != nil {
		auditDB, err := NewDB(*cfg.AuditDatabase, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		f.auditDB = auditDB
	}

	return f, nil
}

// InitSchema creates the tables on the primary database and, when configured,
// the audit table on the separate audit database.
func (f *RepositoryFactory) InitSchema(ctx context.Context) error {
	if err := f.db.InitSchema(ctx); err != nil {
		return err
	}
	return f.InitAuditSchema(ctx)
}

// InitAuditSchema initializes the audit database schema when using a separate audit DB.
func (f *RepositoryFactory) InitAuditSchema(ctx context.Context) error {
	if f.auditDB != nil {
		return f.auditDB.InitAuditSchema(ctx)
	}
	return nil
}

// HealthCheck pings every configured database
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if err := f.db.HealthCheck(ctx); err != nil {
		return err
	}
	if f.auditDB != nil {
		if err := f.auditDB.HealthCheck(ctx); err != nil {
			return fmt.Errorf("audit %w", err)
		}
	}
	return nil
}

// NewRepositories creates all repository instances
func (f *RepositoryFactory) NewRepositories() *repositories.Repositories {
	auditDB := f.db
	if f.auditDB != nil {
		auditDB = f.auditDB
	}
	return &repositories.Repositories{
		Policies:  NewPolicyRepository(f.db, f.logger),
		AuditLogs: NewAuditRepository(auditDB, f.logger),
		Tenants:   NewTenantRepository(f.db, f.logger),
	}
}

// GetTransactionManager returns a transaction manager
func (f *RepositoryFactory) GetTransactionManager() repositories.TransactionManager {
	return NewTransactionManager(f.db, f.logger)
}

// GetDB returns the database connection
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// Close closes the database connection(s)
func (f *RepositoryFactory) Close() error {
	if f.auditDB != nil {
		_ = f.auditDB.Close()
	}
	return f.db.Close()
}

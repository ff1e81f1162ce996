package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/prompt-firewall/config"
	"go.uber.org/zap"
)

const (
	connectTimeout = 5 * time.Second
	healthTimeout  = 2 * time.Second
)

// DB is a PostgreSQL pool holding policies, their history, tenants and audit rows
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB opens a pool sized from cfg and pings it once
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	pool, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	pool.SetMaxOpenConns(cfg.MaxOpenConns)
	pool.SetMaxIdleConns(cfg.MaxIdleConns)
	pool.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := pool.PingContext(ctx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.LogString(), err)
	}

	return &DB{DB: pool, logger: logger.With(zap.String("database", cfg.Database))}, nil
}

// Close closes the pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck pings the pool and runs a trivial query
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}
	return nil
}

const tenantSchema = `
	CREATE TABLE IF NOT EXISTS tenants (
		id VARCHAR(100) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		color VARCHAR(50) NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
`

const policySchema = `
	CREATE TABLE IF NOT EXISTS policies (
		id UUID PRIMARY KEY,
		tenant_id VARCHAR(100) NOT NULL,
		name VARCHAR(200) NOT NULL,
		type VARCHAR(20) NOT NULL,
		pattern TEXT NOT NULL,
		action VARCHAR(20) NOT NULL,
		severity VARCHAR(20) NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT true,
		version INTEGER NOT NULL DEFAULT 1,
		created_by VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_by VARCHAR(255) NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS policy_history (
		policy_id UUID NOT NULL,
		version INTEGER NOT NULL,
		tenant_id VARCHAR(100) NOT NULL,
		name VARCHAR(200) NOT NULL,
		type VARCHAR(20) NOT NULL,
		pattern TEXT NOT NULL,
		action VARCHAR(20) NOT NULL,
		severity VARCHAR(20) NOT NULL,
		enabled BOOLEAN NOT NULL,
		updated_by VARCHAR(255) NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (policy_id, version)
	);

	CREATE INDEX IF NOT EXISTS idx_policies_tenant_id ON policies(tenant_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_policy_history_tenant_id ON policy_history(tenant_id);
`

const auditSchema = `
	CREATE TABLE IF NOT EXISTS audit_logs (
		id UUID PRIMARY KEY,
		tenant_id VARCHAR(100) NOT NULL,
		user_id VARCHAR(255) NOT NULL DEFAULT '',
		request_id VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		decision VARCHAR(20) NOT NULL,
		severity VARCHAR(20) NOT NULL,
		risks JSONB NOT NULL DEFAULT '[]',
		explanations JSONB NOT NULL DEFAULT '[]',
		prompt_preview TEXT NOT NULL DEFAULT '',
		response_preview TEXT NOT NULL DEFAULT '',
		latency_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		model VARCHAR(100) NOT NULL DEFAULT '',
		risk_score INTEGER NOT NULL DEFAULT 0,
		metadata JSONB NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_tenant_created ON audit_logs(tenant_id, created_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id ON audit_logs(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_risks ON audit_logs USING GIN (risks jsonb_path_ops);
`

// migration is one forward-only schema step
type migration struct {
	version int
	name    string
	sql     string
}

// primaryMigrations build the policy database; the audit table lives there too
// unless a separate audit database is configured
var primaryMigrations = []migration{
	{version: 1, name: "tenants", sql: tenantSchema},
	{version: 2, name: "policies", sql: policySchema},
	{version: 3, name: "audit_logs", sql: auditSchema},
}

var auditMigrations = []migration{
	{version: 3, name: "audit_logs", sql: auditSchema},
}

const migrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version BIGINT PRIMARY KEY,
		name VARCHAR(100) NOT NULL DEFAULT '',
		applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
`

// migrate applies every step not yet recorded in schema_migrations, each in
// its own transaction
func (db *DB) migrate(ctx context.Context, steps []migration) error {
	if _, err := db.ExecContext(ctx, migrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, step := range steps {
		var applied bool
		if err := db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, step.version,
		).Scan(&applied); err != nil {
			return fmt.Errorf("failed to read migration %d: %w", step.version, err)
		}
		if applied {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", step.version, err)
		}
		if _, err := tx.ExecContext(ctx, step.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", step.version, step.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, step.version, step.name,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", step.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", step.version, err)
		}
		db.logger.Info("applied migration", zap.Int("version", step.version), zap.String("name", step.name))
	}
	return nil
}

// InitSchema migrates the primary database
func (db *DB) InitSchema(ctx context.Context) error {
	return db.migrate(ctx, primaryMigrations)
}

// InitAuditSchema migrates a database that only holds audit rows
func (db *DB) InitAuditSchema(ctx context.Context) error {
	return db.migrate(ctx, auditMigrations)
}

package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/upb/prompt-firewall/auth"
	"github.com/upb/prompt-firewall/config"
	"github.com/upb/prompt-firewall/internal/observability"
	"github.com/upb/prompt-firewall/internal/patterns"
	"github.com/upb/prompt-firewall/middleware"
	"github.com/upb/prompt-firewall/repositories"
	"github.com/upb/prompt-firewall/repositories/memory"
	"github.com/upb/prompt-firewall/repositories/postgres"
	"github.com/upb/prompt-firewall/services/anomaly"
	"github.com/upb/prompt-firewall/services/audit"
	"github.com/upb/prompt-firewall/services/decision"
	"github.com/upb/prompt-firewall/services/detector"
	"github.com/upb/prompt-firewall/services/firewall"
	"github.com/upb/prompt-firewall/services/llm"
	"github.com/upb/prompt-firewall/services/policy"
	"github.com/upb/prompt-firewall/services/tenant"
	"go.uber.org/zap"
)

// StaticModel routes a query to the built-in responder even when a provider is configured
const StaticModel = "static"

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// Persistence; RepoFactory and DB are nil with the memory store
	RepoFactory *postgres.RepositoryFactory
	DB          *postgres.DB
	Repos       *repositories.Repositories
	TxManager   repositories.TransactionManager

	// Detection
	Patterns   patterns.Source
	fileSource *patterns.FileSource
	Detector   *detector.Service
	Engine     *decision.Engine
	Responder  llm.Responder

	// Services
	Policies  *policy.PolicyService
	Audit     *audit.AuditService
	Retention *audit.RetentionScheduler
	Tenants   *tenant.TenantService
	Firewall  *firewall.Service

	// Auth
	AuthMiddleware *middleware.AuthMiddleware

	stopCleanup chan struct{}
	cleanupDone <-chan struct{}
}

// NewDependencies creates and wires up all application dependencies.
// Background workers (audit writers, cache cleanup, retention, pattern
// watcher) are started here and stopped by Close.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:      cfg,
		Logger:      logger,
		Metrics:     observability.NewMetrics(nil),
		stopCleanup: make(chan struct{}),
	}

	if err := deps.initStore(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	if err := deps.initPatterns(ctx, cfg); err != nil {
		deps.closeStore()
		return nil, fmt.Errorf("failed to initialize pattern library: %w", err)
	}

	if err := deps.initServices(ctx, cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, err
	}

	deps.initAuth(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.String("store", cfg.Store.Driver),
		zap.String("responder", deps.Responder.Name()))
	return deps, nil
}

// initStore opens PostgreSQL or falls back to the in-memory repositories
func (d *Dependencies) initStore(ctx context.Context, cfg *config.Config) error {
	if !cfg.UsesPostgres() {
		d.Repos = memory.NewRepositories()
		d.Logger.Info("using in-memory store")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if cfg.Database.InitSchema {
		if err := factory.InitSchema(ctx); err != nil {
			_ = factory.Close()
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	} else if err := factory.InitAuditSchema(ctx); err != nil {
		// Initialize audit schema when using separate audit DB
		_ = factory.Close()
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	d.Repos = factory.NewRepositories()
	d.TxManager = factory.GetTransactionManager()

	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()),
		zap.Bool("separate_audit_db", cfg.AuditDatabase != nil))
	return nil
}

// initPatterns builds the built-in library, extended and watched from the
// patterns file when one is configured
func (d *Dependencies) initPatterns(ctx context.Context, cfg *config.Config) error {
	base := patterns.New(patterns.WithLengthThreshold(cfg.Firewall.LengthThreshold))

	if cfg.Firewall.PatternsFile == "" {
		d.Patterns = patterns.NewStaticSource(base)
		return nil
	}

	source, err := patterns.NewFileSource(base, cfg.Firewall.PatternsFile, d.Logger)
	if err != nil {
		return err
	}
	if cfg.Firewall.WatchPatterns {
		if err := source.Start(ctx); err != nil {
			return err
		}
		d.fileSource = source
	}
	d.Patterns = source
	return nil
}

func (d *Dependencies) initServices(ctx context.Context, cfg *config.Config) error {
	// Policy store with snapshot cache
	cache := policy.NewPolicyCache(cfg.PolicyCache.Size, cfg.PolicyCache.TTL)
	policyOpts := []policy.Option{
		policy.WithDisabledMode(cfg.Firewall.DisabledPolicyMode),
		policy.WithObserver(d.Metrics),
	}
	if d.TxManager != nil {
		policyOpts = append(policyOpts, policy.WithTransactionManager(d.TxManager))
	}
	d.Policies = policy.NewPolicyService(d.Repos.Policies, cache, d.Logger, policyOpts...)
	if cfg.PolicyCache.CleanupInterval > 0 {
		d.cleanupDone = d.Policies.StartCacheCleanup(cfg.PolicyCache.CleanupInterval, d.stopCleanup)
	}

	// Audit writer and retention
	d.Audit = audit.NewAuditService(d.Repos.AuditLogs, d.Logger, audit.Config{
		BufferSize:  cfg.Audit.BufferSize,
		WorkerCount: cfg.Audit.Workers,
		SyncWrites:  cfg.Audit.SyncWrites,
	}, audit.WithObserver(d.Metrics))
	if err := d.Audit.Start(); err != nil {
		return fmt.Errorf("failed to start audit service: %w", err)
	}
	d.Retention = audit.NewRetentionScheduler(d.Audit, cfg.Audit.RetentionDays, cfg.Audit.RetentionSchedule, d.Logger)
	if err := d.Retention.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start audit retention: %w", err)
	}

	// Tenants
	d.Tenants = tenant.NewTenantService(d.Repos.Tenants, d.Logger)
	if err := d.Tenants.Seed(ctx, cfg.Tenants.SeedFile); err != nil {
		return fmt.Errorf("failed to seed tenants: %w", err)
	}

	// Detection pipeline
	d.Detector = detector.NewService(d.Patterns, d.Logger)
	d.Engine = decision.NewEngine(decision.Config{
		MaskToken:      cfg.Firewall.MaskToken,
		RefusalMessage: cfg.Firewall.RefusalMessage,
	})
	d.Responder = newResponder(cfg.LLM, d.Logger)

	d.Firewall = firewall.NewService(
		d.Policies,
		d.Detector,
		d.Engine,
		d.Responder,
		d.Patterns,
		d.Audit,
		firewall.Config{
			DefaultModel:    cfg.LLM.DefaultModel,
			LLMErrorMessage: cfg.Firewall.LLMErrorMessage,
		},
		d.Logger,
		firewall.WithObserver(d.Metrics),
		firewall.WithScorer(anomaly.NewScorer(d.Audit, d.Logger)),
	)

	return nil
}

// newResponder answers through OpenAI when a key is configured; the
// built-in responder serves everything otherwise and the "static" model always
func newResponder(cfg config.OpenAIConfig, logger *zap.Logger) llm.Responder {
	if cfg.APIKey == "" {
		logger.Warn("no LLM provider configured, using built-in responder")
		return llm.NewStatic()
	}

	openai := llm.NewOpenAIAdapter(llm.OpenAIConfig{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
	})
	logger.Info("registered OpenAI provider", zap.String("default_model", cfg.DefaultModel))
	return llm.NewRouter(openai).Register(StaticModel, llm.NewStatic())
}

func (d *Dependencies) initAuth(cfg *config.Config) {
	validator := auth.NewValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
	d.Logger.Info("bearer token auth initialized", zap.Bool("issuer_check", cfg.Auth.Issuer != ""))
}

// SQLDB returns the primary connection pool, or nil with the memory store
func (d *Dependencies) SQLDB() *sql.DB {
	if d.DB == nil {
		return nil
	}
	return d.DB.DB
}

// CheckAudit reports whether the audit writer accepts rows
func (d *Dependencies) CheckAudit(context.Context) error {
	if d.Audit == nil || !d.Audit.GetStats().Started {
		return errors.New("audit writer not running")
	}
	return nil
}

// CheckStore pings every configured database
func (d *Dependencies) CheckStore(ctx context.Context) error {
	if d.RepoFactory == nil {
		return nil
	}
	return d.RepoFactory.HealthCheck(ctx)
}

func (d *Dependencies) closeStore() {
	if d.RepoFactory != nil {
		_ = d.RepoFactory.Close()
	}
}

// Close gracefully shuts down all dependencies. The audit buffer is drained
// before the database closes.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.stopCleanup != nil {
		close(d.stopCleanup)
		d.stopCleanup = nil
		if d.cleanupDone != nil {
			<-d.cleanupDone
		}
	}

	if d.Policies != nil {
		stats := d.Policies.GetCacheStats()
		d.Logger.Info("policy cache stats",
			zap.Int("size", stats.Size),
			zap.Uint64("hits", stats.Hits),
			zap.Uint64("misses", stats.Misses),
			zap.Float64("hit_rate", stats.HitRate))
	}

	if d.Retention != nil {
		d.Retention.Stop()
	}

	if d.Audit != nil && d.Audit.GetStats().Started {
		timeout := d.Config.Server.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 {
				timeout = remaining
			}
		}
		if err := d.Audit.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}

	if d.fileSource != nil {
		if err := d.fileSource.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop pattern watcher: %w", err))
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	// Sync logger
	_ = d.Logger.Sync()

	return errors.Join(errs...)
}

package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/prompt-firewall/config"
	internalpolicy "github.com/upb/prompt-firewall/internal/policy"
	"github.com/upb/prompt-firewall/models"
	"github.com/upb/prompt-firewall/repositories/postgres"
	"github.com/upb/prompt-firewall/services/firewall"
	"github.com/upb/prompt-firewall/services/llm"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestNewDependencies(t *testing.T) {
	t.Run("memory store wires the whole pipeline", func(t *testing.T) {
		ctx := context.Background()
		deps, err := NewDependencies(ctx, testConfig(t), zaptest.NewLogger(t))
		require.NoError(t, err)
		defer deps.Close(ctx)

		assert.Nil(t, deps.DB)
		assert.Nil(t, deps.SQLDB())
		assert.NotNil(t, deps.Repos)
		assert.NotNil(t, deps.Policies)
		assert.NotNil(t, deps.Audit)
		assert.NotNil(t, deps.Firewall)
		assert.NotNil(t, deps.AuthMiddleware)
		assert.Equal(t, "static", deps.Responder.Name())
		assert.NoError(t, deps.CheckAudit(ctx))
		assert.NoError(t, deps.CheckStore(ctx))

		tenants, err := deps.Tenants.List(ctx)
		require.NoError(t, err)
		assert.Len(t, tenants, len(models.DefaultTenants()))
	})

	t.Run("custom policy blocks and is audited", func(t *testing.T) {
		ctx := context.Background()
		deps, err := NewDependencies(ctx, testConfig(t), zaptest.NewLogger(t))
		require.NoError(t, err)
		defer deps.Close(ctx)

		admin := models.Caller{UserID: "alice", TenantID: "tenant-a", Role: models.RoleAdmin}
		_, err = deps.Policies.Create(ctx, admin, "tenant-a", models.PolicyFields{
			Name:     "codename",
			Type:     models.PolicyTypeCustom,
			Pattern:  `(?i)project\s+falcon`,
			Action:   models.ActionBlock,
			Severity: models.SeverityHigh,
			Enabled:  true,
		})
		require.NoError(t, err)

		resp, err := deps.Firewall.Evaluate(ctx, &admin, &firewall.QueryRequest{Prompt: "Tell me about Project Falcon"}, "req-1")
		require.NoError(t, err)
		assert.Equal(t, models.VerdictBlock, resp.Decision)

		page, err := deps.Audit.Query(ctx, admin, "tenant-a", "block", 10, 0)
		require.NoError(t, err)
		require.Len(t, page.Logs, 1)
		assert.Equal(t, "req-1", page.Logs[0].RequestID)
	})

	t.Run("patterns file extends the library", func(t *testing.T) {
		ctx := context.Background()
		dir := t.TempDir()
		path := filepath.Join(dir, "patterns.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`detectors:
  - subtype: employee_id
    category: pii
    expressions: ['\bEMP-\d{6}\b']
    severity: medium
`), 0o600))

		cfg := testConfig(t)
		cfg.Firewall.PatternsFile = path
		cfg.Firewall.WatchPatterns = true

		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer deps.Close(ctx)

		resp, err := deps.Firewall.Evaluate(ctx, nil, &firewall.QueryRequest{Prompt: "my badge is EMP-123456"}, "req-2")
		require.NoError(t, err)
		// No policy governs the new subtype, so it only warns
		assert.Equal(t, models.VerdictWarn, resp.Decision)
		require.NotEmpty(t, resp.Risks)
		assert.Equal(t, "employee_id", resp.Risks[0].Subtype)
	})

	t.Run("missing patterns file", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Firewall.PatternsFile = filepath.Join(t.TempDir(), "missing.yaml")

		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
		assert.Nil(t, deps)
		assert.Contains(t, err.Error(), "failed to initialize pattern library")
	})

	t.Run("invalid retention schedule", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Audit.RetentionDays = 30
		cfg.Audit.RetentionSchedule = "whenever"

		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
		assert.Nil(t, deps)
		assert.Contains(t, err.Error(), "failed to start audit retention")
	})

	t.Run("database connection failure", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Store.Driver = config.StoreDriverPostgres
		cfg.Database.Host = "invalid-host-that-does-not-exist"

		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
		assert.Nil(t, deps)
		assert.Contains(t, err.Error(), "failed to initialize store")
	})

	t.Run("postgres store", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)
		cfg.Store.Driver = config.StoreDriverPostgres
		cfg.Database.InitSchema = true

		// Skip if database not available
		if !isDatabaseAvailable(t, cfg) {
			t.Skip("database not available")
		}

		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)

		assert.NotNil(t, deps.DB)
		assert.NotNil(t, deps.SQLDB())
		assert.NotNil(t, deps.TxManager)
		assert.NoError(t, deps.CheckStore(ctx))

		assert.NoError(t, deps.Close(ctx))
	})
}

func TestDependenciesClose(t *testing.T) {
	t.Run("graceful shutdown", func(t *testing.T) {
		ctx := context.Background()
		deps, err := NewDependencies(ctx, testConfig(t), zaptest.NewLogger(t))
		require.NoError(t, err)

		assert.NoError(t, deps.Close(ctx))
		assert.Error(t, deps.CheckAudit(ctx))
	})

	t.Run("cache cleanup runs in the background and stops on close", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)
		cfg.PolicyCache.CleanupInterval = time.Minute

		type result struct {
			deps *Dependencies
			err  error
		}
		ready := make(chan result, 1)
		go func() {
			deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
			ready <- result{deps, err}
		}()

		var deps *Dependencies
		select {
		case r := <-ready:
			require.NoError(t, r.err)
			deps = r.deps
		case <-time.After(3 * time.Second):
			t.Fatal("NewDependencies did not return with a cleanup interval configured")
		}
		require.NotNil(t, deps.cleanupDone)
		done := deps.cleanupDone

		assert.NoError(t, deps.Close(ctx))
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("cache cleanup worker still running after Close")
		}
	})
}

func TestNewResponder(t *testing.T) {
	logger := zap.NewNop()

	t.Run("built-in responder without a key", func(t *testing.T) {
		assert.Equal(t, "static", newResponder(config.OpenAIConfig{}, logger).Name())
	})

	t.Run("router with a key", func(t *testing.T) {
		r := newResponder(config.OpenAIConfig{APIKey: "sk-test", BaseURL: "http://127.0.0.1:1"}, logger)
		assert.Equal(t, "router", r.Name())

		text, err := r.Generate(context.Background(), llm.Request{Model: StaticModel, Prompt: "hello"})
		require.NoError(t, err)
		assert.NotEmpty(t, text)
	})
}

// Test helpers

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Store: config.StoreConfig{Driver: config.StoreDriverMemory},
		Database: config.DatabaseConfig{
			Host:            getEnvOrDefault("DB_HOST", "localhost"),
			Port:            5432,
			User:            getEnvOrDefault("DB_USER", "firewall"),
			Password:        getEnvOrDefault("DB_PASSWORD", "firewall"),
			Database:        getEnvOrDefault("DB_NAME", "firewall_test"),
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Auth: config.AuthConfig{JWTSecret: "test-secret"},
		Firewall: config.FirewallConfig{
			MaskToken:          "[REDACTED]",
			LengthThreshold:    5000,
			DisabledPolicyMode: internalpolicy.DisabledModeAction,
		},
		Audit: config.AuditConfig{
			BufferSize: 10,
			Workers:    1,
			SyncWrites: true,
		},
		PolicyCache: config.PolicyCacheConfig{
			Size: 10,
			TTL:  time.Minute,
		},
		LLM: config.OpenAIConfig{DefaultModel: "gpt-3.5-turbo"},
		Observability: config.ObservabilityConfig{
			LogLevel:  "debug",
			LogFormat: "json",
		},
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func isDatabaseAvailable(t *testing.T, cfg *config.Config) bool {
	t.Helper()
	factory, err := postgres.NewRepositoryFactory(cfg, zap.NewNop())
	if err != nil {
		return false
	}
	defer factory.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return factory.GetDB().PingContext(ctx) == nil
}

package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/upb/prompt-firewall/internal/policy"
)

// Store drivers
const (
	StoreDriverMemory   = "memory"
	StoreDriverPostgres = "postgres"
)

// developmentJWTSecret signs tokens when JWT_SECRET is unset outside production
const developmentJWTSecret = "development-only-secret-change-me"

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Store         StoreConfig
	Database      DatabaseConfig
	AuditDatabase *DatabaseConfig // Optional: separate DB for audit logs. When nil, audit uses main DB.
	Auth          AuthConfig
	Firewall      FirewallConfig
	Audit         AuditConfig
	PolicyCache   PolicyCacheConfig
	LLM           OpenAIConfig
	Tenants       TenantsConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Driver string // memory or postgres
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	InitSchema       bool
}

// AuthConfig holds bearer token verification settings
type AuthConfig struct {
	JWTSecret string
	Issuer    string // optional; checked when set
}

// FirewallConfig holds detection and decision settings
type FirewallConfig struct {
	MaskToken          string
	RefusalMessage     string
	LengthThreshold    int
	DisabledPolicyMode policy.DisabledMode
	PatternsFile       string // optional YAML with extra detectors
	WatchPatterns      bool
	LLMErrorMessage    string
}

// AuditConfig holds audit writer settings
type AuditConfig struct {
	BufferSize        int
	Workers           int
	SyncWrites        bool
	RetentionDays     int    // 0 disables pruning
	RetentionSchedule string // cron spec
}

// PolicyCacheConfig sizes the per-tenant policy snapshot cache
type PolicyCacheConfig struct {
	Size            int
	TTL             time.Duration
	CleanupInterval time.Duration
}

// OpenAIConfig holds the chat-completions responder configuration
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	MaxRetries   int
}

// TenantsConfig points at the tenant seed
type TenantsConfig struct {
	SeedFile string // optional YAML; built-in defaults when empty
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or text
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	mode, err := policy.ParseDisabledMode(getEnv("FIREWALL_DISABLED_POLICY_MODE", string(policy.DisabledModeAction)))
	if err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 90*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("STORE_DRIVER", StoreDriverMemory)),
		},
		Database:      loadDatabaseConfig(),
		AuditDatabase: loadAuditDatabaseConfig(),
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", ""),
		},
		Firewall: FirewallConfig{
			MaskToken:          getEnv("FIREWALL_MASK_TOKEN", "[REDACTED]"),
			RefusalMessage:     getEnv("FIREWALL_REFUSAL_MESSAGE", ""),
			LengthThreshold:    getEnvAsInt("FIREWALL_LENGTH_THRESHOLD", 5000),
			DisabledPolicyMode: mode,
			PatternsFile:       getEnv("FIREWALL_PATTERNS_FILE", ""),
			WatchPatterns:      getEnvAsBool("FIREWALL_WATCH_PATTERNS", true),
			LLMErrorMessage:    getEnv("FIREWALL_LLM_ERROR_MESSAGE", "The language model is currently unavailable. Please try again later."),
		},
		Audit: AuditConfig{
			BufferSize:        getEnvAsInt("AUDIT_BUFFER_SIZE", 1000),
			Workers:           getEnvAsInt("AUDIT_WORKERS", 5),
			SyncWrites:        getEnvAsBool("AUDIT_SYNC_WRITES", false),
			RetentionDays:     getEnvAsInt("AUDIT_RETENTION_DAYS", 0),
			RetentionSchedule: getEnv("AUDIT_RETENTION_SCHEDULE", "@daily"),
		},
		PolicyCache: PolicyCacheConfig{
			Size:            getEnvAsInt("POLICY_CACHE_SIZE", 1000),
			TTL:             getEnvAsDuration("POLICY_CACHE_TTL", 5*time.Minute),
			CleanupInterval: getEnvAsDuration("POLICY_CACHE_CLEANUP_INTERVAL", time.Minute),
		},
		LLM: OpenAIConfig{
			APIKey:       getEnv("OPENAI_API_KEY", ""),
			BaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			DefaultModel: getEnv("OPENAI_DEFAULT_MODEL", "gpt-3.5-turbo"),
			Timeout:      getEnvAsDuration("OPENAI_TIMEOUT", 60*time.Second),
			MaxRetries:   getEnvAsInt("OPENAI_MAX_RETRIES", 3),
		},
		Tenants: TenantsConfig{
			SeedFile: getEnv("TENANTS_FILE", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	if cfg.Auth.JWTSecret == "" && !cfg.IsProduction() {
		cfg.Auth.JWTSecret = developmentJWTSecret
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverPostgres:
		// Database validation (DATABASE_URL or DB_* vars)
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	default:
		return fmt.Errorf("unknown store driver %q (want memory or postgres)", c.Store.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	if c.IsProduction() && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 bytes in production")
	}

	if c.Firewall.LengthThreshold <= 0 {
		return fmt.Errorf("length threshold must be positive")
	}

	if c.Audit.BufferSize <= 0 || c.Audit.Workers <= 0 {
		return fmt.Errorf("audit buffer size and workers must be positive")
	}
	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit retention days cannot be negative")
	}

	if c.PolicyCache.Size <= 0 {
		return fmt.Errorf("policy cache size must be positive")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// UsesPostgres reports whether the postgres store is selected
func (c *Config) UsesPostgres() bool {
	return c.Store.Driver == StoreDriverPostgres
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			InitSchema:       getEnvAsBool("DB_INIT_SCHEMA", true),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "firewall"),
		Password:        getEnv("DB_PASSWORD", "firewall"),
		Database:        getEnv("DB_NAME", "firewall"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		InitSchema:      getEnvAsBool("DB_INIT_SCHEMA", true),
	}
}

// loadAuditDatabaseConfig loads audit DB config from DATABASE_URL_AUDIT.
// Returns nil when not set (audit uses main DB).
func loadAuditDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL_AUDIT", "")
	if dbURL == "" {
		return nil
	}
	return &DatabaseConfig{
		ConnectionString: dbURL,
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		InitSchema:       getEnvAsBool("DB_INIT_SCHEMA", true),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8000)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8000
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated value, dropping empty items
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

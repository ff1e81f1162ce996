// Package tenant serves the tenant directory and loads its seed.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/upb/prompt-firewall/models"
	"github.com/upb/prompt-firewall/repositories"
	"github.com/upb/prompt-firewall/services"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// seedFile is the on-disk tenant list
type seedFile struct {
	Tenants []seedTenant `yaml:"tenants"`
}

type seedTenant struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Color   string `yaml:"color"`
	Enabled *bool  `yaml:"enabled"`
}

// TenantService lists and resolves tenants
type TenantService struct {
	tenantRepo repositories.TenantRepository
	logger     *zap.Logger
}

// NewTenantService creates a new TenantService instance
func NewTenantService(tenantRepo repositories.TenantRepository, logger *zap.Logger) *TenantService {
	return &TenantService{
		tenantRepo: tenantRepo,
		logger:     logger,
	}
}

// Seed upserts the tenants read from path, or the built-in defaults when path is empty
func (s *TenantService) Seed(ctx context.Context, path string) error {
	tenants := models.DefaultTenants()
	if path != "" {
		loaded, err := LoadSeed(path)
		if err != nil {
			return err
		}
		tenants = loaded
	}

	for _, t := range tenants {
		if err := s.tenantRepo.Upsert(ctx, t); err != nil {
			return fmt.Errorf("seed tenant %s: %w", t.ID, err)
		}
	}

	s.logger.Info("tenants seeded",
		zap.Int("count", len(tenants)),
		zap.String("source", seedSource(path)))
	return nil
}

// List returns the enabled tenants ordered by id
func (s *TenantService) List(ctx context.Context) ([]*models.Tenant, error) {
	all, err := s.tenantRepo.List(ctx)
	if err != nil {
		return nil, services.WrapError(services.ErrorTypeUnavailable, "tenant directory unavailable", err)
	}

	enabled := make([]*models.Tenant, 0, len(all))
	for _, t := range all {
		if t.Enabled {
			enabled = append(enabled, t)
		}
	}
	return enabled, nil
}

// Get returns one tenant
func (s *TenantService) Get(ctx context.Context, id string) (*models.Tenant, error) {
	t, err := s.tenantRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrTenantNotFound.WithDetail("tenant_id", id)
		}
		return nil, services.WrapError(services.ErrorTypeUnavailable, "tenant directory unavailable", err)
	}
	return t, nil
}

// LoadSeed parses a tenant seed file. Tenants default to enabled.
func LoadSeed(path string) ([]*models.Tenant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenant seed: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed parses tenant seed YAML
func ParseSeed(data []byte) ([]*models.Tenant, error) {
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tenant seed: %w", err)
	}

	seen := make(map[string]bool, len(file.Tenants))
	tenants := make([]*models.Tenant, 0, len(file.Tenants))
	for i, st := range file.Tenants {
		id := strings.TrimSpace(st.ID)
		if id == "" {
			return nil, fmt.Errorf("tenant seed entry %d: id is required", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("tenant seed entry %d: duplicate id %q", i, id)
		}
		seen[id] = true

		name := strings.TrimSpace(st.Name)
		if name == "" {
			name = id
		}
		enabled := true
		if st.Enabled != nil {
			enabled = *st.Enabled
		}
		tenants = append(tenants, &models.Tenant{
			ID:      id,
			Name:    name,
			Color:   strings.TrimSpace(st.Color),
			Enabled: enabled,
		})
	}
	return tenants, nil
}

func seedSource(path string) string {
	if path == "" {
		return "defaults"
	}
	return path
}

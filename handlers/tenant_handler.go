package handlers

import (
	"context"
	"net/http"

	"github.com/upb/prompt-firewall/models"
	"go.uber.org/zap"
)

// TenantLister lists the enabled tenants
type TenantLister interface {
	List(ctx context.Context) ([]*models.Tenant, error)
}

// TenantHandler handles GET /v1/tenants
type TenantHandler struct {
	tenants TenantLister
	logger  *zap.Logger
}

// NewTenantHandler creates a new TenantHandler
func NewTenantHandler(tenants TenantLister, logger *zap.Logger) *TenantHandler {
	return &TenantHandler{tenants: tenants, logger: logger}
}

// HandleListTenants returns the enabled tenants
func (h *TenantHandler) HandleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.tenants.List(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if tenants == nil {
		tenants = []*models.Tenant{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"tenants": tenants}, h.logger)
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/prompt-firewall/middleware"
	"github.com/upb/prompt-firewall/models"
	"github.com/upb/prompt-firewall/services/policy"
	"github.com/upb/prompt-firewall/utils"
	"go.uber.org/zap"
)

// CreatePolicyRequest represents a request to create a policy
type CreatePolicyRequest struct {
	Name     string            `json:"name"`
	Type     models.PolicyType `json:"type"`
	Pattern  string            `json:"pattern"`
	Action   models.Action     `json:"action"`
	Severity models.Severity   `json:"severity"`
	Enabled  *bool             `json:"enabled,omitempty"`
}

// Fields converts the request into policy fields; policies start enabled
func (r CreatePolicyRequest) Fields() models.PolicyFields {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return models.PolicyFields{
		Name:     r.Name,
		Type:     r.Type,
		Pattern:  r.Pattern,
		Action:   r.Action,
		Severity: r.Severity,
		Enabled:  enabled,
	}
}

// RollbackRequest names the version to restore
type RollbackRequest struct {
	Version int `json:"version"`
}

// PolicyStore defines the policy operations the handler needs
type PolicyStore interface {
	List(ctx context.Context, caller models.Caller, tenantID string) ([]*models.Policy, error)
	Get(ctx context.Context, caller models.Caller, tenantID string, id uuid.UUID) (*models.Policy, error)
	Create(ctx context.Context, caller models.Caller, tenantID string, fields models.PolicyFields) (*models.Policy, error)
	Update(ctx context.Context, caller models.Caller, tenantID string, id uuid.UUID, patch policy.Patch) (*models.Policy, error)
	Delete(ctx context.Context, caller models.Caller, tenantID string, id uuid.UUID) error
	History(ctx context.Context, caller models.Caller, tenantID string, id uuid.UUID) ([]*models.HistoryEntry, error)
	Rollback(ctx context.Context, caller models.Caller, tenantID string, id uuid.UUID, targetVersion int) (*policy.RollbackResult, error)
}

// PolicyHandler handles policy-related HTTP requests
type PolicyHandler struct {
	policies PolicyStore
	logger   *zap.Logger
}

// NewPolicyHandler creates a new PolicyHandler
func NewPolicyHandler(policies PolicyStore, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{
		policies: policies,
		logger:   logger,
	}
}

// HandleListPolicies handles GET /v1/policy
func (h *PolicyHandler) HandleListPolicies(w http.ResponseWriter, r *http.Request) {
	caller, tenantID, ok := h.scope(w, r)
	if !ok {
		return
	}

	policies, err := h.policies.List(r.Context(), caller, tenantID)
	if err != nil {
		HandleServiceError(w, err, h.requestLogger(r))
		return
	}
	if policies == nil {
		policies = []*models.Policy{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"policies": policies}, h.logger)
}

// HandleGetPolicy handles GET /v1/policy/{id}
func (h *PolicyHandler) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	caller, tenantID, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := h.policyID(w, r)
	if !ok {
		return
	}

	p, err := h.policies.Get(r.Context(), caller, tenantID, id)
	if err != nil {
		HandleServiceError(w, err, h.requestLogger(r))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"policy": p}, h.logger)
}

// HandleCreatePolicy handles POST /v1/policy
func (h *PolicyHandler) HandleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	caller, tenantID, ok := h.scope(w, r)
	if !ok {
		return
	}

	var req CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		decodeError(w, h.logger)
		return
	}

	p, err := h.policies.Create(r.Context(), caller, tenantID, req.Fields())
	if err != nil {
		HandleServiceError(w, err, h.requestLogger(r))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"policyId": p.ID,
		"status":   "created",
	}, h.logger)
}

// HandleUpdatePolicy handles PUT /v1/policy/{id}
func (h *PolicyHandler) HandleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	caller, tenantID, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := h.policyID(w, r)
	if !ok {
		return
	}

	var patch policy.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		decodeError(w, h.logger)
		return
	}

	p, err := h.policies.Update(r.Context(), caller, tenantID, id, patch)
	if err != nil {
		HandleServiceError(w, err, h.requestLogger(r))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "updated",
		"version": p.Version,
	}, h.logger)
}

// HandleDeletePolicy handles DELETE /v1/policy/{id}
func (h *PolicyHandler) HandleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	caller, tenantID, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := h.policyID(w, r)
	if !ok {
		return
	}

	if err := h.policies.Delete(r.Context(), caller, tenantID, id); err != nil {
		HandleServiceError(w, err, h.requestLogger(r))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"}, h.logger)
}

// HandlePolicyHistory handles GET /v1/policy/{id}/history
func (h *PolicyHandler) HandlePolicyHistory(w http.ResponseWriter, r *http.Request) {
	caller, tenantID, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := h.policyID(w, r)
	if !ok {
		return
	}

	history, err := h.policies.History(r.Context(), caller, tenantID, id)
	if err != nil {
		HandleServiceError(w, err, h.requestLogger(r))
		return
	}
	if history == nil {
		history = []*models.HistoryEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"history": history}, h.logger)
}

// HandleRollbackPolicy handles POST /v1/policy/{id}/rollback
func (h *PolicyHandler) HandleRollbackPolicy(w http.ResponseWriter, r *http.Request) {
	caller, tenantID, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := h.policyID(w, r)
	if !ok {
		return
	}

	var req RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		decodeError(w, h.logger)
		return
	}

	res, err := h.policies.Rollback(r.Context(), caller, tenantID, id, req.Version)
	if err != nil {
		HandleServiceError(w, err, h.requestLogger(r))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "rolled_back",
		"version":      res.Policy.Version,
		"rolledBackTo": res.RolledBackTo,
	}, h.logger)
}

// scope returns the authenticated caller and the tenant resolved by middleware
func (h *PolicyHandler) scope(w http.ResponseWriter, r *http.Request) (models.Caller, string, bool) {
	caller := middleware.GetCallerFromContext(r.Context())
	if caller == nil {
		if err := utils.WriteUnauthorized(w, "Authentication required"); err != nil {
			h.logger.Error("failed to write unauthorized response", zap.Error(err))
		}
		return models.Caller{}, "", false
	}
	return *caller, middleware.GetTenantIDFromContext(r.Context()), true
}

func (h *PolicyHandler) policyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := utils.ParseUUID(chi.URLParam(r, "id"))
	if err != nil {
		if err := utils.WriteBadRequest(w, "Invalid policy ID", nil); err != nil {
			h.logger.Error("failed to write bad request response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}

func (h *PolicyHandler) requestLogger(r *http.Request) *zap.Logger {
	return h.logger.With(zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())))
}

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/prompt-firewall/middleware"
	"github.com/upb/prompt-firewall/models"
	"github.com/upb/prompt-firewall/services"
	"github.com/upb/prompt-firewall/services/policy"
	"go.uber.org/zap"
)

// MockPolicyStore is a mock implementation of PolicyStore
type MockPolicyStore struct {
	mock.Mock
}

func (m *MockPolicyStore) List(ctx context.Context, caller models.Caller, tenantID string) ([]*models.Policy, error) {
	args := m.Called(ctx, caller, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Policy), args.Error(1)
}

func (m *MockPolicyStore) Get(ctx context.Context, caller models.Caller, tenantID string, id uuid.UUID) (*models.Policy, error) {
	args := m.Called(ctx, caller, tenantID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Policy), args.Error(1)
}

func (m *MockPolicyStore) Create(ctx context.Context, caller models.Caller, tenantID string, fields models.PolicyFields) (*models.Policy, error) {
	args := m.Called(ctx, caller, tenantID, fields)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Policy), args.Error(1)
}

func (m *MockPolicyStore) Update(ctx context.Context, caller models.Caller, tenantID string, id uuid.UUID, patch policy.Patch) (*models.Policy, error) {
	args := m.Called(ctx, caller, tenantID, id, patch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Policy), args.Error(1)
}

func (m *MockPolicyStore) Delete(ctx context.Context, caller models.Caller, tenantID string, id uuid.UUID) error {
	args := m.Called(ctx, caller, tenantID, id)
	return args.Error(0)
}

func (m *MockPolicyStore) History(ctx context.Context, caller models.Caller, tenantID string, id uuid.UUID) ([]*models.HistoryEntry, error) {
	args := m.Called(ctx, caller, tenantID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.HistoryEntry), args.Error(1)
}

func (m *MockPolicyStore) Rollback(ctx context.Context, caller models.Caller, tenantID string, id uuid.UUID, targetVersion int) (*policy.RollbackResult, error) {
	args := m.Called(ctx, caller, tenantID, id, targetVersion)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*policy.RollbackResult), args.Error(1)
}

var testAdmin = models.Caller{UserID: "alice", TenantID: "tenant-a", Role: models.RoleAdmin}

// adminRequest builds a request the auth middleware has already accepted
func adminRequest(method, target string, body interface{}, id string) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")

	caller := testAdmin
	ctx := middleware.WithCaller(req.Context(), &caller)
	ctx = middleware.WithTenantID(ctx, caller.TenantID)
	if id != "" {
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("id", id)
		ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
	}
	return req.WithContext(ctx)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response
}

func samplePolicy(version int) *models.Policy {
	now := time.Now().UTC()
	return &models.Policy{
		ID:       uuid.New(),
		TenantID: "tenant-a",
		PolicyFields: models.PolicyFields{
			Name:     "Block project codenames",
			Type:     models.PolicyTypeCustom,
			Pattern:  `(?i)project\s+falcon`,
			Action:   models.ActionBlock,
			Severity: models.SeverityHigh,
			Enabled:  true,
		},
		Version:   version,
		CreatedBy: "alice",
		CreatedAt: now,
		UpdatedBy: "alice",
		UpdatedAt: now,
	}
}

func TestHandleListPolicies(t *testing.T) {
	logger := zap.NewNop()

	t.Run("lists tenant policies", func(t *testing.T) {
		store := new(MockPolicyStore)
		handler := NewPolicyHandler(store, logger)

		store.On("List", mock.Anything, testAdmin, "tenant-a").
			Return([]*models.Policy{samplePolicy(1), samplePolicy(3)}, nil)

		w := httptest.NewRecorder()
		handler.HandleListPolicies(w, adminRequest(http.MethodGet, "/v1/policy", nil, ""))

		assert.Equal(t, http.StatusOK, w.Code)
		policies := decodeBody(t, w)["policies"].([]interface{})
		assert.Len(t, policies, 2)
		first := policies[0].(map[string]interface{})
		assert.Equal(t, "custom", first["type"])
		assert.Equal(t, "tenant-a", first["tenantId"])

		store.AssertExpectations(t)
	})

	t.Run("empty list encodes as array", func(t *testing.T) {
		store := new(MockPolicyStore)
		handler := NewPolicyHandler(store, logger)
		store.On("List", mock.Anything, testAdmin, "tenant-a").Return(nil, nil)

		w := httptest.NewRecorder()
		handler.HandleListPolicies(w, adminRequest(http.MethodGet, "/v1/policy", nil, ""))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"policies":[]}`, w.Body.String())
	})

	t.Run("missing caller", func(t *testing.T) {
		store := new(MockPolicyStore)
		handler := NewPolicyHandler(store, logger)

		w := httptest.NewRecorder()
		handler.HandleListPolicies(w, httptest.NewRequest(http.MethodGet, "/v1/policy", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		store.AssertNotCalled(t, "List", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("store unavailable", func(t *testing.T) {
		store := new(MockPolicyStore)
		handler := NewPolicyHandler(store, logger)
		store.On("List", mock.Anything, testAdmin, "tenant-a").
			Return(nil, services.WrapError(services.ErrorTypeUnavailable, "policy store unavailable", assert.AnError))

		w := httptest.NewRecorder()
		handler.HandleListPolicies(w, adminRequest(http.MethodGet, "/v1/policy", nil, ""))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestHandleGetPolicy(t *testing.T) {
	store := new(MockPolicyStore)
	handler := NewPolicyHandler(store, zap.NewNop())
	p := samplePolicy(2)

	store.On("Get", mock.Anything, testAdmin, "tenant-a", p.ID).Return(p, nil)

	w := httptest.NewRecorder()
	handler.HandleGetPolicy(w, adminRequest(http.MethodGet, "/v1/policy/"+p.ID.String(), nil, p.ID.String()))

	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)["policy"].(map[string]interface{})
	assert.Equal(t, p.ID.String(), body["id"])
	assert.Equal(t, float64(2), body["version"])
}

func TestHandleCreatePolicy(t *testing.T) {
	logger := zap.NewNop()

	t.Run("successful creation", func(t *testing.T) {
		store := new(MockPolicyStore)
		handler := NewPolicyHandler(store, logger)
		created := samplePolicy(1)

		store.On("Create", mock.Anything, testAdmin, "tenant-a", mock.MatchedBy(func(f models.PolicyFields) bool {
			return f.Name == "Block project codenames" && f.Type == models.PolicyTypeCustom && f.Enabled
		})).Return(created, nil)

		reqBody := map[string]interface{}{
			"name":     "Block project codenames",
			"type":     "custom",
			"pattern":  `(?i)project\s+falcon`,
			"action":   "block",
			"severity": "high",
		}

		w := httptest.NewRecorder()
		handler.HandleCreatePolicy(w, adminRequest(http.MethodPost, "/v1/policy", reqBody, ""))

		assert.Equal(t, http.StatusCreated, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, created.ID.String(), body["policyId"])
		assert.Equal(t, "created", body["status"])

		store.AssertExpectations(t)
	})

	t.Run("explicitly disabled policy", func(t *testing.T) {
		store := new(MockPolicyStore)
		handler := NewPolicyHandler(store, logger)

		store.On("Create", mock.Anything, testAdmin, "tenant-a", mock.MatchedBy(func(f models.PolicyFields) bool {
			return !f.Enabled
		})).Return(samplePolicy(1), nil)

		w := httptest.NewRecorder()
		handler.HandleCreatePolicy(w, adminRequest(http.MethodPost, "/v1/policy",
			`{"name":"n","type":"custom","pattern":"x","action":"warn","severity":"low","enabled":false}`, ""))

		assert.Equal(t, http.StatusCreated, w.Code)
		store.AssertExpectations(t)
	})

	t.Run("validation error", func(t *testing.T) {
		store := new(MockPolicyStore)
		handler := NewPolicyHandler(store, logger)

		store.On("Create", mock.Anything, testAdmin, "tenant-a", mock.Anything).
			Return(nil, services.NewValidationError("invalid policy", map[string]string{"pattern": "pattern is required"}))

		w := httptest.NewRecorder()
		handler.HandleCreatePolicy(w, adminRequest(http.MethodPost, "/v1/policy", `{"name":"n","type":"custom"}`, ""))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		details := decodeBody(t, w)["details"].(map[string]interface{})
		assert.Equal(t, "pattern is required", details["pattern"])
	})

	t.Run("invalid JSON", func(t *testing.T) {
		store := new(MockPolicyStore)
		handler := NewPolicyHandler(store, logger)

		w := httptest.NewRecorder()
		handler.HandleCreatePolicy(w, adminRequest(http.MethodPost, "/v1/policy", `{"name":`, ""))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		store.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestHandleUpdatePolicy(t *testing.T) {
	logger := zap.NewNop()

	t.Run("partial update bumps version", func(t *testing.T) {
		store := new(MockPolicyStore)
		handler := NewPolicyHandler(store, logger)
		updated := samplePolicy(2)

		store.On("Update", mock.Anything, testAdmin, "tenant-a", updated.ID, mock.MatchedBy(func(p policy.Patch) bool {
			return p.Severity != nil && *p.Severity == models.SeverityCritical && p.Name == nil
		})).Return(updated, nil)

		w := httptest.NewRecorder()
		handler.HandleUpdatePolicy(w, adminRequest(http.MethodPut, "/v1/policy/"+updated.ID.String(),
			`{"severity":"critical"}`, updated.ID.String()))

		assert.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "updated", body["status"])
		assert.Equal(t, float64(2), body["version"])
		store.AssertExpectations(t)
	})

	t.Run("invalid policy ID", func(t *testing.T) {
		store := new(MockPolicyStore)
		handler := NewPolicyHandler(store, logger)

		w := httptest.NewRecorder()
		handler.HandleUpdatePolicy(w, adminRequest(http.MethodPut, "/v1/policy/nope", `{}`, "nope"))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("not found", func(t *testing.T) {
		store := new(MockPolicyStore)
		handler := NewPolicyHandler(store, logger)
		id := uuid.New()

		store.On("Update", mock.Anything, testAdmin, "tenant-a", id, mock.Anything).Return(nil, services.ErrPolicyNotFound)

		w := httptest.NewRecorder()
		handler.HandleUpdatePolicy(w, adminRequest(http.MethodPut, "/v1/policy/"+id.String(), `{"enabled":false}`, id.String()))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("concurrent update", func(t *testing.T) {
		store := new(MockPolicyStore)
		handler := NewPolicyHandler(store, logger)
		id := uuid.New()

		store.On("Update", mock.Anything, testAdmin, "tenant-a", id, mock.Anything).Return(nil, services.ErrConcurrentUpdate)

		w := httptest.NewRecorder()
		handler.HandleUpdatePolicy(w, adminRequest(http.MethodPut, "/v1/policy/"+id.String(), `{"enabled":false}`, id.String()))

		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestHandleDeletePolicy(t *testing.T) {
	store := new(MockPolicyStore)
	handler := NewPolicyHandler(store, zap.NewNop())
	id := uuid.New()

	store.On("Delete", mock.Anything, testAdmin, "tenant-a", id).Return(nil)

	w := httptest.NewRecorder()
	handler.HandleDeletePolicy(w, adminRequest(http.MethodDelete, "/v1/policy/"+id.String(), nil, id.String()))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"deleted"}`, w.Body.String())
	store.AssertExpectations(t)
}

func TestHandlePolicyHistory(t *testing.T) {
	store := new(MockPolicyStore)
	handler := NewPolicyHandler(store, zap.NewNop())
	p := samplePolicy(2)

	history := []*models.HistoryEntry{
		{PolicyID: p.ID, TenantID: "tenant-a", Version: 1, Data: p.PolicyFields, UpdatedBy: "alice", UpdatedAt: p.CreatedAt},
		{PolicyID: p.ID, TenantID: "tenant-a", Version: 2, Data: p.PolicyFields, UpdatedBy: "bob", UpdatedAt: p.UpdatedAt},
	}
	store.On("History", mock.Anything, testAdmin, "tenant-a", p.ID).Return(history, nil)

	w := httptest.NewRecorder()
	handler.HandlePolicyHistory(w, adminRequest(http.MethodGet, "/v1/policy/"+p.ID.String()+"/history", nil, p.ID.String()))

	assert.Equal(t, http.StatusOK, w.Code)
	entries := decodeBody(t, w)["history"].([]interface{})
	require.Len(t, entries, 2)
	assert.Equal(t, float64(2), entries[1].(map[string]interface{})["version"])
}

func TestHandleRollbackPolicy(t *testing.T) {
	logger := zap.NewNop()

	t.Run("rollback writes a new version", func(t *testing.T) {
		store := new(MockPolicyStore)
		handler := NewPolicyHandler(store, logger)
		p := samplePolicy(4)

		store.On("Rollback", mock.Anything, testAdmin, "tenant-a", p.ID, 1).
			Return(&policy.RollbackResult{Policy: p, RolledBackTo: 1}, nil)

		w := httptest.NewRecorder()
		handler.HandleRollbackPolicy(w, adminRequest(http.MethodPost, "/v1/policy/"+p.ID.String()+"/rollback",
			`{"version":1}`, p.ID.String()))

		assert.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "rolled_back", body["status"])
		assert.Equal(t, float64(4), body["version"])
		assert.Equal(t, float64(1), body["rolledBackTo"])
	})

	t.Run("unknown version", func(t *testing.T) {
		store := new(MockPolicyStore)
		handler := NewPolicyHandler(store, logger)
		id := uuid.New()

		store.On("Rollback", mock.Anything, testAdmin, "tenant-a", id, 9).Return(nil, services.ErrPolicyVersionNotFound)

		w := httptest.NewRecorder()
		handler.HandleRollbackPolicy(w, adminRequest(http.MethodPost, "/v1/policy/"+id.String()+"/rollback",
			`{"version":9}`, id.String()))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

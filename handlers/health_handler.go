package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"sort"
	"time"

	"github.com/upb/prompt-firewall/utils"
	"go.uber.org/zap"
)

// readinessTimeout bounds all readiness checks together
const readinessTimeout = 5 * time.Second

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Check reports whether one dependency is ready
type Check func(ctx context.Context) error

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	db     *sql.DB
	checks map[string]Check
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. A nil db means the in-memory store.
func NewHealthHandler(db *sql.DB, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:     db,
		checks: make(map[string]Check),
		logger: logger,
	}
}

// WithCheck adds a named readiness check
func (h *HealthHandler) WithCheck(name string, check Check) *HealthHandler {
	h.checks[name] = check
	return h
}

// HandleHealth handles GET /health
// Basic health check - always returns 200 if service is running
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	writeJSON(w, http.StatusOK, response, h.logger)
}

// HandleReadiness handles GET /health/ready
// Readiness check - validates that all dependencies are available
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	switch err := h.checkDatabase(ctx); {
	case h.db == nil:
		checks["database"] = "memory"
	case err != nil:
		h.logger.Warn("database health check failed", zap.Error(err))
		checks["database"] = "unhealthy"
		allHealthy = false
	default:
		checks["database"] = "healthy"
	}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "unhealthy"
			allHealthy = false
			continue
		}
		checks[name] = "healthy"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if err := utils.WriteJSON(w, httpStatus, response); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

// checkDatabase checks database connectivity
func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	if h.db == nil {
		return nil
	}

	if err := h.db.PingContext(ctx); err != nil {
		return err
	}

	var result int
	return h.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}

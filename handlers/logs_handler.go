package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/upb/prompt-firewall/middleware"
	"github.com/upb/prompt-firewall/models"
	"github.com/upb/prompt-firewall/utils"
	"go.uber.org/zap"
)

// LogReader pages through the audit log
type LogReader interface {
	Query(ctx context.Context, caller models.Caller, tenantID, filterType string, limit, offset int) (*models.LogPage, error)
}

// LogsHandler handles GET /v1/logs
type LogsHandler struct {
	logs   LogReader
	logger *zap.Logger
}

// NewLogsHandler creates a new LogsHandler
func NewLogsHandler(logs LogReader, logger *zap.Logger) *LogsHandler {
	return &LogsHandler{
		logs:   logs,
		logger: logger,
	}
}

// HandleListLogs returns one newest-first page of the tenant's audit rows
func (h *LogsHandler) HandleListLogs(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With(zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())))

	caller := middleware.GetCallerFromContext(r.Context())
	if caller == nil {
		if err := utils.WriteUnauthorized(w, "Authentication required"); err != nil {
			logger.Error("failed to write unauthorized response", zap.Error(err))
		}
		return
	}

	query := r.URL.Query()
	details := map[string]interface{}{}
	limit, err := intParam(query.Get("limit"))
	if err != nil {
		details["limit"] = "limit must be an integer"
	}
	offset, err := intParam(query.Get("offset"))
	if err != nil {
		details["offset"] = "offset must be an integer"
	}
	if len(details) > 0 {
		if err := utils.WriteBadRequest(w, "Invalid query parameters", details); err != nil {
			logger.Error("failed to write bad request response", zap.Error(err))
		}
		return
	}

	page, err := h.logs.Query(r.Context(), *caller, middleware.GetTenantIDFromContext(r.Context()),
		query.Get("filterType"), limit, offset)
	if err != nil {
		HandleServiceError(w, err, logger)
		return
	}
	if page.Logs == nil {
		page.Logs = []*models.AuditLog{}
	}

	writeJSON(w, http.StatusOK, page, logger)
}

// intParam parses an optional integer query parameter; empty means zero
func intParam(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}

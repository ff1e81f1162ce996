package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/upb/prompt-firewall/middleware"
	"github.com/upb/prompt-firewall/models"
	"github.com/upb/prompt-firewall/services/firewall"
	"github.com/upb/prompt-firewall/utils"
	"go.uber.org/zap"
)

// maxQueryBodyBytes caps the request body read for a query
const maxQueryBodyBytes = 1 << 20

// QueryEvaluator runs a query through the firewall pipeline
type QueryEvaluator interface {
	Evaluate(ctx context.Context, caller *models.Caller, req *firewall.QueryRequest, requestID string) (*firewall.QueryResponse, error)
}

// QueryHandler handles POST /v1/query
type QueryHandler struct {
	evaluator QueryEvaluator
	logger    *zap.Logger
}

// NewQueryHandler creates a new QueryHandler
func NewQueryHandler(evaluator QueryEvaluator, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{
		evaluator: evaluator,
		logger:    logger,
	}
}

// HandleQuery screens the prompt, forwards it and screens the answer.
// Blocked content is still a 200: the verdict lives in the body.
func (h *QueryHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestIDFromContext(r.Context())
	logger := h.logger.With(zap.String("request_id", requestID))

	var req firewall.QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBodyBytes)).Decode(&req); err != nil {
		decodeError(w, logger)
		return
	}

	resp, err := h.evaluator.Evaluate(r.Context(), middleware.GetCallerFromContext(r.Context()), &req, requestID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("query abandoned", zap.Error(err))
			if err := utils.WriteServiceUnavailable(w, "Request cancelled"); err != nil {
				logger.Error("failed to write response", zap.Error(err))
			}
			return
		}
		HandleServiceError(w, err, logger)
		return
	}

	writeJSON(w, http.StatusOK, resp, logger)
}

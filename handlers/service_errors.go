package handlers

import (
	"net/http"

	"github.com/upb/prompt-firewall/services"
	"github.com/upb/prompt-firewall/utils"
	"go.uber.org/zap"
)

// statusByType maps a domain error type to its HTTP status
var statusByType = map[services.ErrorType]int{
	services.ErrorTypeValidation:   http.StatusBadRequest,
	services.ErrorTypeUnauthorized: http.StatusUnauthorized,
	services.ErrorTypeForbidden:    http.StatusForbidden,
	services.ErrorTypeNotFound:     http.StatusNotFound,
	services.ErrorTypeConflict:     http.StatusConflict,
	services.ErrorTypeUnavailable:  http.StatusServiceUnavailable,
	services.ErrorTypeInternal:     http.StatusInternalServerError,
}

// HandleServiceError writes the response for an error returned by a service.
// 4xx bodies carry the error message and details; 5xx bodies never leak the cause.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	errType := services.GetErrorType(err)
	status, ok := statusByType[errType]
	if !ok {
		status = http.StatusInternalServerError
	}

	message := err.Error()
	var details map[string]interface{}
	switch {
	case status == http.StatusServiceUnavailable:
		logger.Warn("dependency unavailable", zap.Error(err))
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", zap.Error(err), zap.String("error_type", string(errType)))
		message = "An internal error occurred"
	case status == http.StatusBadRequest || status == http.StatusConflict:
		if d := services.GetErrorDetails(err); len(d) > 0 {
			details = d
		}
	}

	if writeErr := utils.WriteError(w, status, message, details); writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}
}

// HandleValidationError writes the 400 for a request that failed struct validation
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	message := err.Error()
	var details map[string]interface{}
	if utils.IsValidationError(err) {
		message = "Validation failed"
		details = make(map[string]interface{})
		for field, msg := range utils.GetValidationFields(err) {
			details[field] = msg
		}
	}
	if writeErr := utils.WriteBadRequest(w, message, details); writeErr != nil {
		logger.Error("failed to write validation error response", zap.Error(writeErr))
	}
}

// decodeError writes the 400 for an unreadable request body
func decodeError(w http.ResponseWriter, logger *zap.Logger) {
	if err := utils.WriteBadRequest(w, "Invalid request body", nil); err != nil {
		logger.Error("failed to write bad request response", zap.Error(err))
	}
}

// writeJSON writes a flat 2xx body and logs encoding failures
func writeJSON(w http.ResponseWriter, status int, body interface{}, logger *zap.Logger) {
	if err := utils.WriteJSON(w, status, body); err != nil {
		logger.Error("failed to write response", zap.Error(err))
	}
}

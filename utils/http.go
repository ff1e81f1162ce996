package utils

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// errorCodes maps a status to the machine-readable error field; anything
// missing is reported as internal_error
var errorCodes = map[int]string{
	http.StatusBadRequest:         "bad_request",
	http.StatusUnauthorized:       "unauthorized",
	http.StatusForbidden:          "forbidden",
	http.StatusNotFound:           "not_found",
	http.StatusMethodNotAllowed:   "method_not_allowed",
	http.StatusConflict:           "conflict",
	http.StatusServiceUnavailable: "service_unavailable",
}

// defaultMessages fill in an empty message
var defaultMessages = map[int]string{
	http.StatusUnauthorized:        "Authentication required",
	http.StatusForbidden:           "Access forbidden",
	http.StatusNotFound:            "Resource not found",
	http.StatusServiceUnavailable:  "Service unavailable",
	http.StatusInternalServerError: "Internal server error",
}

// WriteJSON writes data as JSON with the given status. A nil body writes only the header.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes an ErrorResponse whose error code is derived from status
func WriteError(w http.ResponseWriter, status int, message string, details map[string]interface{}) error {
	code, ok := errorCodes[status]
	if !ok {
		code = "internal_error"
	}
	if message == "" {
		message = defaultMessages[status]
	}
	return WriteJSON(w, status, ErrorResponse{Error: code, Message: message, Details: details})
}

// WriteBadRequest writes a 400 with optional per-field details
func WriteBadRequest(w http.ResponseWriter, message string, details map[string]interface{}) error {
	return WriteError(w, http.StatusBadRequest, message, details)
}

// WriteUnauthorized writes a 401
func WriteUnauthorized(w http.ResponseWriter, message string) error {
	return WriteError(w, http.StatusUnauthorized, message, nil)
}

// WriteForbidden writes a 403
func WriteForbidden(w http.ResponseWriter, message string) error {
	return WriteError(w, http.StatusForbidden, message, nil)
}

// WriteNotFound writes a 404
func WriteNotFound(w http.ResponseWriter, message string) error {
	return WriteError(w, http.StatusNotFound, message, nil)
}

// WriteConflict writes a 409; the client may retry
func WriteConflict(w http.ResponseWriter, message string, details map[string]interface{}) error {
	return WriteError(w, http.StatusConflict, message, details)
}

// WriteServiceUnavailable writes a 503
func WriteServiceUnavailable(w http.ResponseWriter, message string) error {
	return WriteError(w, http.StatusServiceUnavailable, message, nil)
}

// WriteInternalServerError writes a 500. Callers pass a generic message, never err.Error().
func WriteInternalServerError(w http.ResponseWriter, message string) error {
	return WriteError(w, http.StatusInternalServerError, message, nil)
}

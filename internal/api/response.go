// Package api implements the public HTTP surface. It uses Chi as the router
// and exposes all resources under /api/v1. Authentication is enforced via the
// API-key gate on every route except /health; scope, IP allowlist, and rate
// limiting are applied per route group.
package api

import (
	"encoding/json"
	"net/http"
)

// Stable machine-readable error codes. Clients switch on these; the human
// text may change, the codes never do.
const (
	CodeMissingAPIKey     = "MISSING_API_KEY"
	CodeInvalidAPIKey     = "INVALID_API_KEY"
	CodeForbidden         = "FORBIDDEN"
	CodeIPNotAllowed      = "IP_NOT_ALLOWED"
	CodeValidation        = "VALIDATION_ERROR"
	CodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	CodeCircuitBreaker    = "CIRCUIT_BREAKER"
	CodeJobNotFound       = "JOB_NOT_FOUND"
	CodeKeyNotFound       = "KEY_NOT_FOUND"
	CodeKeyAlreadyRevoked = "KEY_ALREADY_REVOKED"
	CodeExportNotReady    = "EXPORT_NOT_READY"
	CodeFileExpired       = "FILE_EXPIRED"
	CodeEmailMismatch     = "EMAIL_MISMATCH"
	CodeCustomerNotFound  = "CUSTOMER_NOT_FOUND"
	CodeDeletionFailed    = "DELETION_FAILED"
	CodeScheduleNotFound  = "SCHEDULE_NOT_FOUND"
	CodeRouteNotFound     = "ROUTE_NOT_FOUND"
	CodeInternal          = "INTERNAL_ERROR"
)

// errorBody is the error envelope on every non-2xx response:
//
//	{"error": "<human>", "code": "<machine>", "message": "<extra, optional>"}
type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// JSON writes a JSON-encoded response with the given status code.
// It sets Content-Type to application/json automatically.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Err writes the error envelope. message carries optional extra detail and
// may be empty.
func Err(w http.ResponseWriter, status int, human, code, message string) {
	JSON(w, status, errorBody{Error: human, Code: code, Message: message})
}

// ErrValidation writes a 400 with VALIDATION_ERROR and the failure detail.
func ErrValidation(w http.ResponseWriter, message string) {
	Err(w, http.StatusBadRequest, "request validation failed", CodeValidation, message)
}

// ErrInternal writes a 500. Internal detail is deliberately suppressed; the
// correlation id header lets operators cross-reference logs.
func ErrInternal(w http.ResponseWriter) {
	Err(w, http.StatusInternalServerError, "an internal error occurred", CodeInternal, "")
}

// decodeJSON decodes the request body into dst. Returns false and writes a
// validation error if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrValidation(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

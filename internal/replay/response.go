package replay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"mailflow/internal/types"
)

// APIResponse wraps successful responses.
type APIResponse struct {
	Data any `json:"data,omitempty"`
}

// APIErrorResponse wraps error responses.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the structured error returned to clients.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON writes data with the given status. A marshal failure becomes a 500.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(APIErrorResponse{Error: ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "failed to marshal response",
			RequestID: types.GetRequestID(r.Context()),
		}})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error writes err as an APIErrorResponse. AppErrors keep their code,
// message and details; anything else is reported as an unexpected 500
// without its text.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := types.GetRequestID(r.Context())

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		JSON(w, r, StatusFor(appErr.Code), APIErrorResponse{Error: ErrorDetail{
			Code:      string(appErr.Code),
			Message:   appErr.Message,
			Details:   appErr.Details,
			RequestID: requestID,
		}})
		return
	}

	JSON(w, r, http.StatusInternalServerError, APIErrorResponse{Error: ErrorDetail{
		Code:      string(types.ErrCodeInternalUnexpected),
		Message:   "an unexpected error occurred",
		RequestID: requestID,
	}})
}

// StatusFor maps an error code to an HTTP status by its class.
func StatusFor(code types.ErrorCode) int {
	s := string(code)
	switch {
	case code == types.ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case code == types.ErrCodeValidationObjectMissing:
		return http.StatusNotFound
	case strings.HasPrefix(s, "validation_"), strings.HasPrefix(s, "parse_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "routing_"):
		return http.StatusUnprocessableEntity
	case code == types.ErrCodeInternalUnexpected, strings.HasPrefix(s, "config_"):
		return http.StatusInternalServerError
	default:
		return http.StatusServiceUnavailable
	}
}

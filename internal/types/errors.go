package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// The prefix of each code determines its retry class (see Retriable).
const (
	// Parsing (permanent)
	ErrCodeParseMalformed ErrorCode = "parse_malformed_message"
	ErrCodeParseEvent     ErrorCode = "parse_invalid_event"

	// Validation (permanent)
	ErrCodeValidationSenderDomain   ErrorCode = "validation_sender_domain"
	ErrCodeValidationVerdict        ErrorCode = "validation_auth_verdict"
	ErrCodeValidationVirus          ErrorCode = "validation_virus_detected"
	ErrCodeValidationSizeLimit      ErrorCode = "validation_size_limit"
	ErrCodeValidationAttachment     ErrorCode = "validation_attachment_rejected"
	ErrCodeValidationFileType       ErrorCode = "validation_file_type"
	ErrCodeValidationPath           ErrorCode = "validation_unsafe_path"
	ErrCodeValidationSchema         ErrorCode = "validation_schema"
	ErrCodeValidationInvalidEmail   ErrorCode = "validation_invalid_email"
	ErrCodeValidationSenderIdentity ErrorCode = "validation_sender_identity"
	ErrCodeValidationHeader         ErrorCode = "validation_invalid_header"
	ErrCodeValidationRejected       ErrorCode = "validation_message_rejected"
	ErrCodeValidationObjectMissing  ErrorCode = "validation_object_missing"

	// Routing (permanent)
	ErrCodeRoutingNoDestination ErrorCode = "routing_no_destination"

	// Configuration (permanent)
	ErrCodeConfigInvalid ErrorCode = "config_invalid"

	// Rate limiting (permanent: the sender must wait for the window to roll)
	ErrCodeRateLimit ErrorCode = "rate_limit_exceeded"

	// Infrastructure (retriable)
	ErrCodeStorage              ErrorCode = "storage_unavailable"
	ErrCodeQueue                ErrorCode = "queue_unavailable"
	ErrCodeUpstreamUnavailable  ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited  ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamMailProvider ErrorCode = "upstream_mail_provider_error"
	ErrCodeIdempotencyStore     ErrorCode = "idempotency_store_unavailable"
	ErrCodeIdempotencyInFlight  ErrorCode = "idempotency_in_flight"
	ErrCodeQuotaExceeded        ErrorCode = "quota_exceeded"
	ErrCodeRetryExhausted       ErrorCode = "retry_exhausted"

	// Internal (retriable; an unexpected failure must not silently drop mail)
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// permanentPrefixes lists the code prefixes whose failures will not succeed
// on redelivery.
var permanentPrefixes = []string{"parse_", "validation_", "routing_", "config_"}

// Retriable reports whether an error carrying this code may succeed if the
// operation is attempted again.
func (c ErrorCode) Retriable() bool {
	s := string(c)
	if c == ErrCodeRateLimit {
		return false
	}
	for _, p := range permanentPrefixes {
		if strings.HasPrefix(s, p) {
			return false
		}
	}
	return true
}

// AppError is the standard application error type used throughout mailflow.
// All domain and adapter errors should be expressed as AppError so the
// orchestrators can classify them without string matching.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Retriable reports whether this error's code is in a retriable class.
func (e *AppError) Retriable() bool {
	return e.Code.Retriable()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// IsRetriable classifies an arbitrary error. The outermost AppError in the
// chain decides. Errors that carry no AppError are treated as retriable.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retriable()
	}
	return true
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrCodeInternalUnexpected when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}

// Error type labels used in dead-letter envelopes and metrics.
const (
	ErrorTypeRetriable = "retriable"
	ErrorTypePermanent = "permanent"
)

// ErrorType returns "retriable" or "permanent" for err.
func ErrorType(err error) string {
	if IsRetriable(err) {
		return ErrorTypeRetriable
	}
	return ErrorTypePermanent
}

// Package pipeline implements the request-handling stages shared by both
// transports: correlation, validation, per-tool transform, cache
// interception, dispatch, response shaping and the error taxonomy.
package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prodpipe/prodpipe/internal/cache"
	"github.com/prodpipe/prodpipe/internal/resilience"
	"github.com/prodpipe/prodpipe/internal/tools"
)

// Error codes surfaced in the response envelope.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeBadRequest         = "BAD_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeNotFound           = "NOT_FOUND"
	CodeRequestTooLarge    = "REQUEST_TOO_LARGE"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternalServer     = "INTERNAL_SERVER_ERROR"
	CodeResponseTransform  = "RESPONSE_TRANSFORMATION_ERROR"
	CodeMCPTool            = "MCP_TOOL_ERROR"
	CodeOperationFailed    = "OPERATION_FAILED"
)

// Error is the pipeline's structured error. Every stage that can classify a
// failure wraps it in one of these; unclassified errors bubble to the outer
// boundary and become INTERNAL_SERVER_ERROR.
type Error struct {
	Code         string                 `json:"code"`
	Message      string                 `json:"message"`
	Severity     string                 `json:"severity"`
	RetryAfterMS int64                  `json:"retry_after_ms,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	cause        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus maps the error code onto an HTTP status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeMCPTool, CodeOperationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewValidationError wraps a list of violation messages.
func NewValidationError(violations []string) *Error {
	return &Error{
		Code:     CodeValidation,
		Message:  "request validation failed",
		Severity: "low",
		Details: map[string]interface{}{
			"validation_errors": violations,
		},
	}
}

// NewBadRequestError flags malformed input outside schema validation.
func NewBadRequestError(message string) *Error {
	return &Error{Code: CodeBadRequest, Message: message, Severity: "low"}
}

// NewUnauthorizedError flags a missing or invalid bearer token.
func NewUnauthorizedError() *Error {
	return &Error{Code: CodeUnauthorized, Message: "missing or invalid authorization", Severity: "low"}
}

// NewRateLimitedError flags a client over its request budget.
func NewRateLimitedError() *Error {
	return &Error{
		Code:         CodeRateLimited,
		Message:      "rate limit exceeded",
		Severity:     "low",
		RetryAfterMS: 1_000,
	}
}

// NewNotFoundError flags a missing resource.
func NewNotFoundError(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message, Severity: "low"}
}

// NewRequestTooLargeError flags a request body over the size limit.
func NewRequestTooLargeError(sizeBytes, maxBytes int64) *Error {
	return &Error{
		Code:     CodeRequestTooLarge,
		Message:  "request body exceeds the size limit",
		Severity: "low",
		Details: map[string]interface{}{
			"size_bytes": sizeBytes,
			"max_bytes":  maxBytes,
		},
	}
}

// Classify maps an arbitrary dispatch error onto the taxonomy. Already
// classified errors pass through unchanged.
func Classify(err error) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return &Error{
			Code:         CodeServiceUnavailable,
			Message:      "upstream circuit is open, try again later",
			Severity:     "high",
			RetryAfterMS: 30_000,
			cause:        err,
		}

	case errors.Is(err, resilience.ErrCallTimeout),
		errors.Is(err, errTimeout):
		return &Error{
			Code:         CodeServiceUnavailable,
			Message:      "upstream call timed out",
			Severity:     "high",
			RetryAfterMS: 5_000,
			cause:        err,
		}

	case errors.Is(err, tools.ErrUnknownTool):
		return &Error{
			Code:     CodeNotFound,
			Message:  err.Error(),
			Severity: "low",
			cause:    err,
		}

	case errors.Is(err, tools.ErrAllSourcesFailed):
		return &Error{
			Code:         CodeMCPTool,
			Message:      "every source adapter failed for this call",
			Severity:     "high",
			RetryAfterMS: 10_000,
			cause:        err,
		}

	case errors.Is(err, cache.ErrNotConnected):
		return &Error{
			Code:     CodeServiceUnavailable,
			Message:  "cache backend unavailable",
			Severity: "medium",
			cause:    err,
		}

	case strings.Contains(err.Error(), "not found"):
		return &Error{
			Code:     CodeNotFound,
			Message:  err.Error(),
			Severity: "low",
			cause:    err,
		}

	default:
		return &Error{
			Code:     CodeInternalServer,
			Message:  "internal server error",
			Severity: "high",
			cause:    err,
		}
	}
}

// errTimeout tags request-level deadline expiry.
var errTimeout = errors.New("request timed out")

// NewTimeoutError flags a request that blew its severity-tiered deadline.
func NewTimeoutError(timeout time.Duration) *Error {
	return &Error{
		Code:         CodeServiceUnavailable,
		Message:      fmt.Sprintf("request timed out after %s", timeout),
		Severity:     "high",
		RetryAfterMS: timeout.Milliseconds(),
		cause:        errTimeout,
	}
}

// sensitiveFieldNames are stripped from context maps and error details
// before emission.
var sensitiveFieldNames = []string{"password", "token", "key", "secret", "auth", "credential"}

// isSensitiveField reports whether the field name embeds a credential word.
func isSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, word := range sensitiveFieldNames {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// StripSensitive removes credential-bearing keys from a map, recursing into
// nested maps. The input is not mutated.
func StripSensitive(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		if isSensitiveField(k) {
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = StripSensitive(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// Sanitized returns a copy of the error safe for emission: sensitive keys
// stripped from context and details.
func (e *Error) Sanitized() *Error {
	return &Error{
		Code:         e.Code,
		Message:      e.Message,
		Severity:     e.Severity,
		RetryAfterMS: e.RetryAfterMS,
		Context:      StripSensitive(e.Context),
		Details:      StripSensitive(e.Details),
	}
}

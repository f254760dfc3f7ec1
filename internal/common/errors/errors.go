// Package errors provides the orchestrator error taxonomy. Every error the
// core surfaces to callers is an *AppError carrying a stable code; the HTTP
// layer maps codes to status codes without inspecting messages.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeStateConflict   = "STATE_CONFLICT"
	ErrCodeOptimisticLock  = "OPTIMISTIC_LOCK"
	ErrCodeBudgetExceeded  = "BUDGET_EXCEEDED"
	ErrCodeRetryExhausted  = "RETRY_EXHAUSTED"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeConnection      = "CONNECTION_ERROR"
	ErrCodeAuthentication  = "AUTHENTICATION_ERROR"
	ErrCodePartialScale    = "PARTIAL_SCALE"
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeValidationError = "VALIDATION_ERROR"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// AppError represents an orchestrator error with a stable code and optional
// structured details (e.g. version numbers for optimistic lock failures).
type AppError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"http_status"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error for an entity.
func NotFound(entity string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", entity, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// StateConflict creates an error for an illegal transition or an operation
// attempted in a state that does not permit it.
func StateConflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeStateConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// OptimisticLock creates an error for a version compare failure after the
// retry budget is exhausted.
func OptimisticLock(entity, id string, expected, actual int64) *AppError {
	return &AppError{
		Code:       ErrCodeOptimisticLock,
		Message:    fmt.Sprintf("version conflict on %s '%s'", entity, id),
		HTTPStatus: http.StatusConflict,
		Details: map[string]interface{}{
			"expected": expected,
			"actual":   actual,
		},
	}
}

// BudgetExceeded creates an error for a write that would breach the team's
// cost or token ceiling.
func BudgetExceeded(teamID, message string) *AppError {
	return &AppError{
		Code:       ErrCodeBudgetExceeded,
		Message:    message,
		HTTPStatus: http.StatusPaymentRequired,
		Details:    map[string]interface{}{"team_id": teamID},
	}
}

// RetryExhausted creates an error for an agent that cannot be retried again.
func RetryExhausted(agentID string, retryCount, maxRetries int) *AppError {
	return &AppError{
		Code:       ErrCodeRetryExhausted,
		Message:    fmt.Sprintf("agent '%s' exhausted %d of %d retries", agentID, retryCount, maxRetries),
		HTTPStatus: http.StatusConflict,
		Details: map[string]interface{}{
			"retry_count": retryCount,
			"max_retries": maxRetries,
		},
	}
}

// Timeout creates an error for a deadline that elapsed.
func Timeout(operation string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    fmt.Sprintf("operation '%s' timed out", operation),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// Connection creates an error for an unreachable or closed gateway.
func Connection(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeConnection,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// Authentication creates an error for rejected gateway credentials.
func Authentication(message string) *AppError {
	return &AppError{
		Code:       ErrCodeAuthentication,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// PartialScale creates an error for a scale operation where some spawns or
// kills succeeded and others did not. Created lists the agent ids that were
// successfully created; errs carries one message per failure.
func PartialScale(teamID string, created []string, errs []string) *AppError {
	return &AppError{
		Code:       ErrCodePartialScale,
		Message:    fmt.Sprintf("scale of team '%s' partially failed: %d created, %d errors", teamID, len(created), len(errs)),
		HTTPStatus: http.StatusMultiStatus,
		Details: map[string]interface{}{
			"created": created,
			"errors":  errs,
		},
	}
}

// BadRequest creates a bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// ValidationError creates a validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Internal creates an internal error with a wrapped underlying error. The
// caller is expected to checkpoint before surfacing it.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, preserving the code
// and status of an existing AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Details:    appErr.Details,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Code returns the error code, or INTERNAL_ERROR for non-AppError values.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return Code(err) == code
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

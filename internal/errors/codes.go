package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents internal error codes for settings operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument    ErrorCode = 1000
	ErrCodeInvalidKey         ErrorCode = 1001
	ErrCodeUnknownRow         ErrorCode = 1002
	ErrCodeTransactionPending ErrorCode = 1003

	// Server errors (5xx equivalent)
	ErrCodeInternal            ErrorCode = 2000
	ErrCodeStoreUnavailable    ErrorCode = 2001
	ErrCodeReconcileFailed     ErrorCode = 2002
	ErrCodeUpstreamUnavailable ErrorCode = 2003
	ErrCodeVPNRemovalFailed    ErrorCode = 2004
	ErrCodeResourceExhausted   ErrorCode = 2005
	ErrCodeStopped             ErrorCode = 2006
	ErrCodeCorruptedData       ErrorCode = 2007
)

// APICode is the string form of an ErrorCode used in HTTP error envelopes.
type APICode string

const (
	APICodeInvalidRequest     APICode = "INVALID_REQUEST"
	APICodeTransactionPending APICode = "TRANSACTION_PENDING"
	APICodeInternalError      APICode = "INTERNAL_ERROR"
	APICodeStoreUnavailable   APICode = "STORE_UNAVAILABLE"
	APICodeReconcileFailed    APICode = "RECONCILE_FAILED"
	APICodeServiceDown        APICode = "SERVICE_UNAVAILABLE"
	APICodeVPNRemovalFailed   APICode = "VPN_REMOVAL_FAILED"
	APICodeRateLimited        APICode = "RATE_LIMITED"
)

// SettingsError represents a structured error with code and context
type SettingsError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SettingsError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SettingsError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the internal error code to an HTTP status code
func (e *SettingsError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument, ErrCodeInvalidKey, ErrCodeUnknownRow:
		return http.StatusBadRequest
	case ErrCodeTransactionPending:
		return http.StatusConflict
	case ErrCodeResourceExhausted:
		return http.StatusTooManyRequests
	case ErrCodeStoreUnavailable, ErrCodeUpstreamUnavailable, ErrCodeStopped:
		return http.StatusServiceUnavailable
	case ErrCodeReconcileFailed, ErrCodeVPNRemovalFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// APICode maps the internal error code to the code reported to API clients
func (e *SettingsError) APICode() APICode {
	switch e.Code {
	case ErrCodeInvalidArgument, ErrCodeInvalidKey, ErrCodeUnknownRow:
		return APICodeInvalidRequest
	case ErrCodeTransactionPending:
		return APICodeTransactionPending
	case ErrCodeStoreUnavailable:
		return APICodeStoreUnavailable
	case ErrCodeReconcileFailed:
		return APICodeReconcileFailed
	case ErrCodeUpstreamUnavailable, ErrCodeStopped:
		return APICodeServiceDown
	case ErrCodeVPNRemovalFailed:
		return APICodeVPNRemovalFailed
	case ErrCodeResourceExhausted:
		return APICodeRateLimited
	default:
		return APICodeInternalError
	}
}

// NewSettingsError creates a new SettingsError
func NewSettingsError(code ErrorCode, message string, cause error) *SettingsError {
	return &SettingsError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SettingsError) WithDetail(key string, value interface{}) *SettingsError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *SettingsError {
	return NewSettingsError(ErrCodeInvalidArgument, message, cause)
}

func InvalidKey(key, reason string) *SettingsError {
	return NewSettingsError(ErrCodeInvalidKey, fmt.Sprintf("invalid key '%s': %s", key, reason), nil).
		WithDetail("key", key).
		WithDetail("reason", reason)
}

func UnknownRow(row string) *SettingsError {
	return NewSettingsError(ErrCodeUnknownRow, fmt.Sprintf("row '%s' cannot be toggled", row), nil).
		WithDetail("row", row)
}

func TransactionPending(key string) *SettingsError {
	return NewSettingsError(ErrCodeTransactionPending, fmt.Sprintf("a change for '%s' is already in flight", key), nil).
		WithDetail("key", key)
}

func StoreUnavailable(op, key string, cause error) *SettingsError {
	return NewSettingsError(ErrCodeStoreUnavailable, fmt.Sprintf("flag store %s '%s' failed", op, key), cause).
		WithDetail("op", op).
		WithDetail("key", key)
}

func ReconcileFailed(key string, cause error) *SettingsError {
	return NewSettingsError(ErrCodeReconcileFailed, fmt.Sprintf("reconciliation for '%s' failed", key), cause).
		WithDetail("key", key)
}

func UpstreamUnavailable(service string, cause error) *SettingsError {
	return NewSettingsError(ErrCodeUpstreamUnavailable, fmt.Sprintf("%s unavailable", service), cause).
		WithDetail("service", service)
}

func VPNRemovalFailed(cause error) *SettingsError {
	return NewSettingsError(ErrCodeVPNRemovalFailed, "removing VPN profile failed", cause)
}

func ResourceExhausted(resource string, cause error) *SettingsError {
	return NewSettingsError(ErrCodeResourceExhausted, fmt.Sprintf("%s exhausted", resource), cause).
		WithDetail("resource", resource)
}

func Stopped(component string) *SettingsError {
	return NewSettingsError(ErrCodeStopped, fmt.Sprintf("%s is stopped", component), nil).
		WithDetail("component", component)
}

func CorruptedData(message string, cause error) *SettingsError {
	return NewSettingsError(ErrCodeCorruptedData, message, cause)
}

func InternalError(message string, cause error) *SettingsError {
	return NewSettingsError(ErrCodeInternal, message, cause)
}

// AsSettingsError finds the first SettingsError in err's chain
func AsSettingsError(err error) (*SettingsError, bool) {
	var se *SettingsError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	if se, ok := AsSettingsError(err); ok {
		return se.Code
	}
	return ErrCodeInternal
}

// IsReconcileFailure reports whether err is a recovered reconciliation failure
func IsReconcileFailure(err error) bool {
	return GetCode(err) == ErrCodeReconcileFailed
}

// IsStoreFailure reports whether err came from the flag store
func IsStoreFailure(err error) bool {
	return GetCode(err) == ErrCodeStoreUnavailable
}

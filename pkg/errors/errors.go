package errors

import "fmt"

// ErrorType represents different types of errors that can occur
type ErrorType string

const (
	ErrorTypeNetwork        ErrorType = "network"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeHTTPStatus     ErrorType = "http_status"
	ErrorTypeBlocked        ErrorType = "blocked"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeProxyExhausted ErrorType = "proxy_exhausted"
	ErrorTypeExtract        ErrorType = "extract"
	ErrorTypeRepository     ErrorType = "repository"
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	ErrorTypeUnknown        ErrorType = "unknown"
)

// Error represents a scraping error with type information.
// Code carries the HTTP status for http_status errors and is zero otherwise.
type Error struct {
	Type    ErrorType
	Message string
	Code    int
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

// New creates a typed error without a status code.
func New(t ErrorType, message string) *Error {
	return &Error{Type: t, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(t ErrorType, format string, args ...interface{}) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable checks if an error type should be retried. Retryable failures
// are transient: a later attempt, possibly via a different route, may succeed.
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit,
		ErrorTypeProxyExhausted, ErrorTypeBlocked, ErrorTypeHTTPStatus:
		return true
	case ErrorTypeExtract, ErrorTypeRepository, ErrorTypeInvalidRequest:
		return false
	default:
		return false
	}
}

// IsRetryableStatusCode checks if an HTTP status code indicates a retryable error
func IsRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 0: // Network error
		return true
	case 429: // Too Many Requests
		return true
	case 500, 502, 503, 504: // Server errors
		return true
	case 401, 403, 404: // Client errors that won't change
		return false
	default:
		return statusCode >= 500 // Retry all 5xx errors
	}
}

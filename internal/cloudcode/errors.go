package cloudcode

import (
	"fmt"
	"time"

	"gateway/internal/ratelimit"
)

// ErrorKind classifies a dispatch failure so the pipeline can map it to
// the right Anthropic error type.
type ErrorKind int

const (
	ErrKindUnknown ErrorKind = iota
	ErrKindAuth
	ErrKindInvalidRequest
	ErrKindRateLimited
	ErrKindQuotaExhausted
	ErrKindCapacityExhausted
	ErrKindServerError
	ErrKindTimeout
)

// Error is a classified upstream failure.
type Error struct {
	Kind       ErrorKind
	Model      string
	Message    string
	ResetTime  string
	StatusCode int
	// RetryAfter is how long a client should wait before trying again, when
	// known. Zero means no recommendation is available.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.ResetTime != "" {
		return fmt.Sprintf("cloudcode: %s (reset: %s)", e.Message, e.ResetTime)
	}
	return fmt.Sprintf("cloudcode: %s", e.Message)
}

func mapHTTPError(status int, message, model string, resetTime string) *Error {
	switch {
	case status == 401:
		return &Error{Kind: ErrKindAuth, Message: "access token expired or invalid", StatusCode: status}
	case status == 429:
		return &Error{Kind: ErrKindQuotaExhausted, Model: model, Message: message, ResetTime: resetTime, StatusCode: status, RetryAfter: ratelimit.BackoffRateLimitExceeded}
	case status == 400:
		return &Error{Kind: ErrKindInvalidRequest, Message: message, StatusCode: status}
	case status == 404 || status == 403:
		return &Error{Kind: ErrKindServerError, Message: message, StatusCode: status}
	case status >= 500:
		return &Error{Kind: ErrKindServerError, Message: message, StatusCode: status}
	default:
		return &Error{Kind: ErrKindUnknown, Message: message, StatusCode: status}
	}
}

func mapGoogleError(code int, message, model string) *Error {
	switch {
	case code == 401:
		return &Error{Kind: ErrKindAuth, Message: message, StatusCode: code}
	case code == 429:
		return &Error{Kind: ErrKindQuotaExhausted, Model: model, Message: message, StatusCode: code, RetryAfter: ratelimit.BackoffRateLimitExceeded}
	case code == 400:
		return &Error{Kind: ErrKindInvalidRequest, Message: message, StatusCode: code}
	case code == 503:
		return &Error{Kind: ErrKindCapacityExhausted, Message: message, StatusCode: code, RetryAfter: ratelimit.BackoffModelCapacityExhausted}
	default:
		return &Error{Kind: ErrKindServerError, Message: message, StatusCode: code}
	}
}

// isFailoverEligible reports whether err should cause the client to try
// the next endpoint in the list rather than surfacing immediately.
func isFailoverEligible(err *Error) bool {
	switch err.Kind {
	case ErrKindAuth, ErrKindInvalidRequest:
		return false
	default:
		return true
	}
}

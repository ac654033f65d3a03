package liblib

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can tell bad input from transient and
// service-side failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindService
	KindTransport
	KindGenerationFailed
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindService:
		return "service"
	case KindTransport:
		return "transport"
	case KindGenerationFailed:
		return "generation_failed"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeNetwork          = "NETWORK_ERROR"
	CodeInvalidResponse  = "INVALID_RESPONSE"
	CodeUnknown          = "UNKNOWN_ERROR"
	CodeGenerationFailed = "GENERATION_FAILED"
	CodePollingFailed    = "POLLING_FAILED"
	CodePollingTimeout   = "POLLING_TIMEOUT"
)

// Error is the single error shape returned by the client and the poller.
// StatusCode is zero when no HTTP response was received.
type Error struct {
	Kind       Kind
	Message    string
	Code       string
	StatusCode int
	Details    any
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: http %d", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return "liblib: " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError reports bad caller input. It is raised before any
// network call and never retried.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a transport failure worth retrying.
// Errors that never went through the client are treated as transport
// failures too.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	e, ok := AsError(err)
	if !ok {
		return true
	}
	return e.Kind == KindTransport
}

package contracts

import (
	"errors"
	"fmt"
)

// ErrorCode classifies every failure the growth core can report.
type ErrorCode string

const (
	// CodeValidation marks a malformed request (missing required fields).
	CodeValidation ErrorCode = "VALIDATION"
	// CodeIneligible marks a business rule decline. Not an error condition.
	CodeIneligible ErrorCode = "INELIGIBLE"
	// CodeAgentUnavailable marks a degraded agent call (circuit open or retries exhausted).
	CodeAgentUnavailable ErrorCode = "AGENT_UNAVAILABLE"
	CodeLinkInvalid      ErrorCode = "LINK_INVALID"
	CodeLinkExpired      ErrorCode = "LINK_EXPIRED"
	CodeBudgetExceeded   ErrorCode = "BUDGET_EXCEEDED"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
	CodeAbuseDetected    ErrorCode = "ABUSE_DETECTED"
	// CodeInternal marks an unexpected failure caught at a boundary.
	CodeInternal ErrorCode = "INTERNAL"
)

// IsPolicyDecline reports whether the code is a policy rejection with an explicit reason.
func (c ErrorCode) IsPolicyDecline() bool {
	switch c {
	case CodeIneligible, CodeBudgetExceeded, CodeRateLimited, CodeAbuseDetected, CodeLinkExpired, CodeLinkInvalid:
		return true
	}
	return false
}

// Error is the structured error carried in agent responses and API problems.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewError builds a structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds a structured error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf extracts the ErrorCode from err, defaulting to CodeInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// AsError converts any error into a structured Error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

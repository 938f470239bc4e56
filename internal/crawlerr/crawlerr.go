// Package crawlerr defines the error taxonomy shared by every component:
// a fixed kind plus a severity, wrapping the underlying cause. This is the
// typed replacement for the source system's ad-hoc error-kind strings,
// per the "no runtime reflection" redesign guidance.
package crawlerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the subsystem that produced it.
type Kind string

const (
	KindConnection        Kind = "connection"
	KindMessageParsing    Kind = "message_parsing"
	KindMessageValidation Kind = "message_validation"
	KindDatabase          Kind = "database"
	KindJobProcessing     Kind = "job_processing"
	KindAuthentication    Kind = "authentication"
	KindRateLimiting      Kind = "rate_limiting"
	KindNetwork           Kind = "network"
	KindTimeout           Kind = "timeout"
	KindResource          Kind = "resource"
	KindConfiguration     Kind = "configuration"
	KindInternal          Kind = "internal"
)

// Severity grades how seriously an error should be treated by callers
// deciding whether to log-and-continue, fail a job, or tear down a connection.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error wraps a cause with a Kind and Severity so callers can dispatch on
// the error's nature without type assertions or reflection.
type Error struct {
	Kind     Kind
	Severity Severity
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs a crawlerr.Error with no wrapped cause.
func New(kind Kind, severity Severity, message string) *Error {
	return &Error{Kind: kind, Severity: severity, Message: message}
}

// Wrap constructs a crawlerr.Error wrapping an existing error.
func Wrap(kind Kind, severity Severity, message string, cause error) *Error {
	return &Error{Kind: kind, Severity: severity, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, else
// KindInternal.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// SeverityOf extracts the Severity from err if it is (or wraps) a *Error,
// else SeverityMedium.
func SeverityOf(err error) Severity {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Severity
	}
	return SeverityMedium
}

// IsKind reports whether err is (or wraps) a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

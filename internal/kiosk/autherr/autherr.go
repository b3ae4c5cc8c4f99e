// Package autherr defines the authentication error taxonomy shared by the
// kiosk components and the retry classification each code carries.
package autherr

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unclassified error.
	CodeUnknown Code = "UNKNOWN"

	// CodeDecode marks malformed transport encoding in options or payloads.
	CodeDecode Code = "DECODE_ERROR"

	// Ceremony outcomes
	CodeRegistrationDenied    Code = "REGISTRATION_DENIED"
	CodeAuthenticationDenied  Code = "AUTHENTICATION_DENIED"
	CodeAuthenticationAborted Code = "AUTHENTICATION_ABORTED"
	CodeDuplicateCredential   Code = "DUPLICATE_CREDENTIAL"
	CodeTimeout               Code = "TIMEOUT"

	// CodeCapabilityUnavailable marks an authenticator that cannot perform
	// the requested ceremony at all, as opposed to a declined prompt.
	CodeCapabilityUnavailable Code = "CAPABILITY_UNAVAILABLE"

	// Capture and transport faults
	CodeSensorFault Code = "SENSOR_FAULT"
	CodeNetwork     Code = "NETWORK_ERROR"
)

// RetryClass describes how a caller should react to a failed cycle.
type RetryClass int

const (
	// RetryNone: surface to the user, do not retry automatically.
	RetryNone RetryClass = iota
	// RetrySilent: retry without any visible message.
	RetrySilent
	// RetryCooldown: retry after a suppression window.
	RetryCooldown
	// RetryTransient: show a transient message and keep the loop running.
	RetryTransient
)

// Retry maps codes to their retry classification.
func (c Code) Retry() RetryClass {
	switch c {
	case CodeAuthenticationAborted:
		return RetrySilent
	case CodeAuthenticationDenied, CodeTimeout:
		return RetryCooldown
	case CodeSensorFault, CodeNetwork:
		return RetryTransient
	default:
		return RetryNone
	}
}

// Error pairs a code with the operation that failed.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a code and operation name.
func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf extracts the code from an error chain, or CodeUnknown.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeUnknown
}

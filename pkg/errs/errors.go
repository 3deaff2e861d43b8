package errs

import (
	"context"
	"errors"
	"fmt"
)

// Reason classifies a failure so operators can tell a bad profile from an
// unreachable peer from a broken benchmark binary.
type Reason string

const (
	InstructionsNotValid                     Reason = "InstructionsNotValid"
	EnvironmentLayoutNotDefined              Reason = "EnvironmentLayoutNotDefined"
	EnvironmentLayoutClientInstancesNotFound Reason = "EnvironmentLayoutClientInstancesNotFound"
	WaitTimeout                              Reason = "WaitTimeout"
	HttpNonSuccessResponse                   Reason = "HttpNonSuccessResponse"
	WorkloadFailed                           Reason = "WorkloadFailed"
	WorkloadResultsNotFound                  Reason = "WorkloadResultsNotFound"
	DependencyInstallationFailed             Reason = "DependencyInstallationFailed"
)

// Sentinels for errors.Is matching. Only the Reason is compared.
var (
	ErrInstructionsNotValid          = &Error{Reason: InstructionsNotValid}
	ErrLayoutNotDefined              = &Error{Reason: EnvironmentLayoutNotDefined}
	ErrLayoutClientInstancesNotFound = &Error{Reason: EnvironmentLayoutClientInstancesNotFound}
	ErrWaitTimeout                   = &Error{Reason: WaitTimeout}
	ErrHttpNonSuccess                = &Error{Reason: HttpNonSuccessResponse}
	ErrWorkloadFailed                = &Error{Reason: WorkloadFailed}
	ErrWorkloadResultsNotFound       = &Error{Reason: WorkloadResultsNotFound}
	ErrDependencyInstallationFailed  = &Error{Reason: DependencyInstallationFailed}
)

// Error is a failure tagged with a Reason.
type Error struct {
	Reason  Reason
	Message string
	Err     error
}

// New creates an Error with a formatted message.
func New(reason Reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that carries err as its cause.
func Wrap(reason Reason, err error, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

// ReasonOf returns the outermost Reason found in err's chain, or "".
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Retryable reports whether a coordination attempt that failed with err is
// worth repeating. Configuration and topology errors and cancellation are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch ReasonOf(err) {
	case InstructionsNotValid, EnvironmentLayoutNotDefined, EnvironmentLayoutClientInstancesNotFound:
		return false
	}
	return true
}

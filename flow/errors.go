package flow

import "fmt"

// Machine-readable error codes recorded on failing logs and executions.
// The set is open-ended; these are the codes the core itself produces.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeTriggerNotMatched = "TRIGGER_NOT_MATCHED"
	CodeNodeTimeout       = "NODE_TIMEOUT"
	CodeSubprocessTimeout = "SUBPROCESS_TIMEOUT"
	CodeSecurityViolation = "SECURITY_VIOLATION"
	CodeProviderError     = "PROVIDER_ERROR"
	CodeChildFailed       = "CHILD_FAILED"
	CodeZombie            = "ZOMBIE"
	CodeUnrecoverable     = "UNRECOVERABLE"
)

// Error is the structured error carried across the core. Code is machine
// readable; Message is for humans; Cause preserves the chain for errors.As.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap supports errors.Is/As over the cause chain.
func (e *Error) Unwrap() error { return e.Cause }

// Errf builds an *Error with a code and formatted message.
func Errf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error preserving cause.
func Wrap(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Retryable classifies an error as transient. Errors without an explicit
// code are treated as transient (network-ish failures surface as plain
// errors); the terminal codes below always fail fast.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if fe, ok := err.(*Error); ok {
		switch fe.Code {
		case CodeValidation, CodeSecurityViolation, CodeUnrecoverable:
			return false
		}
	}
	return true
}

// ErrorCode extracts the machine code from an error chain, defaulting to
// UNRECOVERABLE when the error carries none.
func ErrorCode(err error) string {
	for e := err; e != nil; {
		if fe, ok := e.(*Error); ok && fe.Code != "" {
			return fe.Code
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return CodeUnrecoverable
}

// Package errors provides error types shared across the engine: panic
// capture for task execution, shutdown aggregation, and the
// transient/configuration split the retry machinery depends on.
package errors

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// PanicError wraps a recovered panic with its stack trace.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Recover runs fn and converts a panic into a *PanicError. It exists for
// the one place a panic must not take the process down: external task
// execution. Subscriber fan-out on the bus is deliberately NOT wrapped
// (fail-loud policy).
func Recover(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{
				Value:      r,
				StackTrace: string(debug.Stack()),
			}
		}
	}()
	return fn()
}

// TransientError marks a failure as retryable. The retry loop in the agent
// treats any error as transient unless it is a *ConfigError; this type
// exists to carry the operation name for logs and failure records.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as a transient failure of the named operation.
func NewTransientError(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

// ConfigError is a fatal configuration error: unknown hook action,
// unresolved template placeholder, invalid operation name. Never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Reason
}

// NewConfigError creates a ConfigError with a formatted reason.
func NewConfigError(format string, v ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, v...)}
}

// IsConfig reports whether err is (or wraps) a configuration error.
func IsConfig(err error) bool {
	var ce *ConfigError
	return As(err, &ce)
}

// MultiError collects errors from multi-step operations such as shutdown,
// where every step should run even if earlier ones fail.
type MultiError struct {
	Errors []error
}

// Append adds an error to the collection. Nil errors are ignored.
func (m *MultiError) Append(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// ErrorOrNil returns nil when no errors were collected, the single error
// when there is exactly one, and the MultiError itself otherwise.
func (m *MultiError) ErrorOrNil() error {
	switch len(m.Errors) {
	case 0:
		return nil
	case 1:
		return m.Errors[0]
	default:
		return m
	}
}

func (m *MultiError) Error() string {
	msgs := make([]string, len(m.Errors))
	for i, err := range m.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d errors: %s", len(m.Errors), strings.Join(msgs, "; "))
}

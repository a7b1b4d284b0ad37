package errors

import (
	sterrors "errors"
	"fmt"
	"runtime"
)

var (
	ErrRegistryRequired     = sterrors.New("leopard: registry is required")
	ErrHandlerRequired      = sterrors.New("leopard: handler function is required")
	ErrEndpointNameRequired = sterrors.New("leopard: endpoint name is required")
	ErrGroupNameRequired    = sterrors.New("leopard: group name is required")
	ErrDialerRequired       = sterrors.New("leopard: transport dialer is required")
	ErrServiceNameRequired  = sterrors.New("leopard: service name is required")
	ErrAlreadyResponded     = sterrors.New("leopard: message already responded")
)

// TruncationMarker terminates a stack trace that was cut short.
const TruncationMarker = "... (truncated by leopard)"

// maxStackEntries bounds the recorded stack, marker included.
const maxStackEntries = 5

// ConfigurationError reports bad registration data or run options. Subject names
// the offending item, for example `group "feline"`.
type ConfigurationError struct {
	Subject string
	Err     error
	stack   []string
}

// NewConfigurationError wraps err, returning nil when err is nil.
func NewConfigurationError(subject string, err error) error {
	if err == nil {
		return nil
	}
	return &ConfigurationError{Subject: subject, Err: err, stack: captureStack(3)}
}

func (e *ConfigurationError) Error() string {
	if e.Subject == "" {
		return "leopard: configuration error: " + e.Err.Error()
	}
	return "leopard: configuration error: " + e.Subject + ": " + e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// StackTrace returns the call sites recorded when the error was created.
func (e *ConfigurationError) StackTrace() []string { return e.stack }

// ResultError reports a handler that returned neither a success nor a failure.
type ResultError struct {
	Endpoint string
	Value    any
	stack    []string
}

// NewResultError records the endpoint whose handler broke the outcome contract.
func NewResultError(endpoint string, value any) *ResultError {
	return &ResultError{Endpoint: endpoint, Value: value, stack: captureStack(3)}
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("leopard: handler for endpoint %q returned %#v, want Success or Failure", e.Endpoint, e.Value)
}

func (e *ResultError) StackTrace() []string { return e.stack }

// ConnectionError is returned when a worker cannot reach or register with the transport.
type ConnectionError struct {
	Target string
	Err    error
}

func NewConnectionError(target string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnectionError{Target: target, Err: err}
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("leopard: transport %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PanicError carries a value recovered from a panicking handler or middleware.
type PanicError struct {
	Value any
	stack []string
}

// NewPanicError wraps a recovered value.
func NewPanicError(value any) *PanicError {
	return &PanicError{Value: value, stack: captureStack(4)}
}

// Error returns the panic value's text so it can be sent as an error
// description unchanged.
func (e *PanicError) Error() string {
	switch v := e.Value.(type) {
	case error:
		return v.Error()
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func (e *PanicError) StackTrace() []string { return e.stack }

// IsConfiguration reports whether err is, or wraps, a ConfigurationError.
func IsConfiguration(err error) bool {
	var cfgErr *ConfigurationError
	return sterrors.As(err, &cfgErr)
}

// IsResult reports whether err is, or wraps, a ResultError.
func IsResult(err error) bool {
	var resErr *ResultError
	return sterrors.As(err, &resErr)
}

func captureStack(skip int) []string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	truncated := false
	for {
		frame, more := frames.Next()
		if len(stack) == maxStackEntries-1 {
			truncated = more || frame.Function != ""
			break
		}
		stack = append(stack, fmt.Sprintf("%s:%d in %s", frame.File, frame.Line, frame.Function))
		if !more {
			break
		}
	}
	if truncated {
		stack = append(stack, TruncationMarker)
	}
	return stack
}

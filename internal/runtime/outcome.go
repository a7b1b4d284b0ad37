package runtime

import "fmt"

type outcomeKind uint8

const (
	outcomeNone outcomeKind = iota
	outcomeSuccess
	outcomeFailure
)

// Outcome is what a handler returns: a Success carrying the response value or
// a Failure carrying the error value. The zero Outcome is neither and is
// rejected by the dispatcher.
type Outcome struct {
	kind  outcomeKind
	value any
}

// Success wraps the value sent back as the response payload.
func Success(v any) Outcome { return Outcome{kind: outcomeSuccess, value: v} }

// Failure wraps the value sent back as the error description.
func Failure(v any) Outcome { return Outcome{kind: outcomeFailure, value: v} }

// IsSuccess reports whether o was built by Success.
func (o Outcome) IsSuccess() bool { return o.kind == outcomeSuccess }

// IsFailure reports whether o was built by Failure.
func (o Outcome) IsFailure() bool { return o.kind == outcomeFailure }

// Valid reports whether the outcome is a Success or a Failure.
func (o Outcome) Valid() bool { return o.kind != outcomeNone }

// Value returns the wrapped value.
func (o Outcome) Value() any { return o.value }

func (o Outcome) String() string {
	switch o.kind {
	case outcomeSuccess:
		return fmt.Sprintf("Success(%v)", o.value)
	case outcomeFailure:
		return fmt.Sprintf("Failure(%v)", o.value)
	default:
		return "Outcome(invalid)"
	}
}

// Result records how the dispatcher finished a message.
type Result string

const (
	// ResultPending means the message has not reached the handler boundary yet.
	ResultPending Result = ""
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	// ResultError covers handler errors and panics.
	ResultError Result = "error"
	// ResultInvalid means the handler returned neither Success nor Failure.
	ResultInvalid Result = "invalid"
	// ResultRejected is set by middleware that answers without calling the handler.
	ResultRejected Result = "rejected"
)

// Failed reports whether the result should count as an unsuccessful request.
func (r Result) Failed() bool {
	return r != ResultPending && r != ResultSuccess
}

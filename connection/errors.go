package connection

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTimeout matches failures the engine reported as a TimeoutError.
	ErrTimeout = errors.New("timeout")
	// ErrTargetClosed matches failures caused by the engine closing the target, or by this connection closing.
	ErrTargetClosed = errors.New("target closed")
	// ErrReleased is returned, without a round trip, for calls on an object that has already been disposed.
	ErrReleased = errors.New("object has been released")
	// ErrProtocol marks a message that is inconsistent with the local object tree. It is fatal to the connection.
	ErrProtocol = errors.New("protocol violation")
)

const (
	errorNameTimeout      = "TimeoutError"
	errorNameTargetClosed = "TargetClosedError"
)

// Error is a failure reported by the engine, or a local close translated into the same shape.
type Error struct {
	Name    string
	Message string
	Stack   string
	// Value holds the raw payload when the engine threw something that is not an error object.
	Value []byte
	// Log holds the call log lines the engine attached to the response.
	Log []string

	cause error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Name == errorNameTimeout
	case ErrTargetClosed:
		return e.Name == errorNameTargetClosed
	}
	return false
}

func (e *Error) Unwrap() error {
	return e.cause
}

// parseError translates a serialized engine failure, appending the call log to the message.
func parseError(se *serializedError, log []string) error {
	var e *Error
	switch {
	case se == nil:
		e = &Error{Name: "Error", Message: "engine returned an empty error"}
	case se.Error != nil:
		e = &Error{Name: se.Error.Name, Message: se.Error.Message, Stack: se.Error.Stack}
	default:
		e = &Error{Name: "Error", Message: string(se.Value), Value: se.Value}
		if len(se.Value) == 0 {
			e.Message = "engine returned an empty error"
		}
	}
	if len(log) > 0 {
		e.Log = log
		e.Message += formatCallLog(log)
	}
	return e
}

func formatCallLog(log []string) string {
	var b strings.Builder
	b.WriteString("\nCall log:\n")
	for i, line := range log {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("  - ")
		b.WriteString(line)
	}
	return b.String()
}

// targetClosed is the failure for calls that can no longer complete because the connection closed.
func targetClosed(cause error) *Error {
	msg := "connection closed"
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return &Error{Name: errorNameTargetClosed, Message: msg, cause: cause}
}

func protocolErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// CallError decorates a failure with the title and location of the API call that produced it.
type CallError struct {
	Title    string
	Location *Location
	Err      error
}

func (e *CallError) Error() string {
	msg := e.Title + ": " + e.Err.Error()
	if e.Location != nil {
		msg += fmt.Sprintf("\n    at %s:%d", e.Location.File, e.Location.Line)
	}
	return msg
}

func (e *CallError) Unwrap() error {
	return e.Err
}

package flightrpc

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode classifies an application or protocol error carried over the wire.
// Codes travel verbatim between peers; they are never collapsed into
// transport errors.
type ErrorCode string

const (
	CodeInternal         ErrorCode = "INTERNAL"
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeUnimplemented    ErrorCode = "UNIMPLEMENTED"
	CodeUnauthenticated  ErrorCode = "UNAUTHENTICATED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeCancelled        ErrorCode = "CANCELLED"
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	// CodeProtocol marks framing errors: malformed envelopes, a data message
	// before any schema, an unknown dictionary id. These are fatal to the
	// stream they occur on.
	CodeProtocol ErrorCode = "PROTOCOL_ERROR"
)

// ErrFlight is a sentinel for use with errors.Is to check whether any error in
// a chain is a *FlightError.
var ErrFlight = &FlightError{}

// FlightError represents an error in the flight_rpc protocol.
type FlightError struct {
	Code      ErrorCode
	Message   string
	RequestID string
}

func (e *FlightError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is supports errors.Is by matching any *FlightError target, or a target with
// the same code.
func (e *FlightError) Is(target error) bool {
	fe, ok := target.(*FlightError)
	if !ok {
		return false
	}
	return fe.Code == "" || fe.Code == e.Code
}

// Errorf builds a FlightError with the given code.
func Errorf(code ErrorCode, format string, args ...any) *FlightError {
	return &FlightError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func InvalidArgumentf(format string, args ...any) *FlightError {
	return Errorf(CodeInvalidArgument, format, args...)
}

func NotFoundf(format string, args ...any) *FlightError {
	return Errorf(CodeNotFound, format, args...)
}

func Unimplementedf(format string, args ...any) *FlightError {
	return Errorf(CodeUnimplemented, format, args...)
}

func Protocolf(format string, args ...any) *FlightError {
	return Errorf(CodeProtocol, format, args...)
}

// asFlightError normalizes an arbitrary handler error for wire transmission.
// Context cancellation and deadline errors keep their own codes so the remote
// peer can tell them from server faults.
func asFlightError(err error) *FlightError {
	var fe *FlightError
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &FlightError{Code: CodeCancelled, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &FlightError{Code: CodeDeadlineExceeded, Message: err.Error()}
	}
	return &FlightError{Code: CodeInternal, Message: err.Error()}
}

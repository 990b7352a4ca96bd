/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callsdk

import (
	"errors"
	"fmt"
)

// ErrorType classifies a CallError. The numeric value is the error code handed
// to completions and to onCallError listeners.
type ErrorType int

const (
	// TypeUnknown is used for errors that do not fit any other class.
	TypeUnknown ErrorType = 0
	// TypeConfig is a bad or missing identity, credential or capability.
	TypeConfig ErrorType = 1001
	// TypeRtmSetupFailed means subscribing to the signaling channel failed.
	TypeRtmSetupFailed ErrorType = 1002
	// TypeRtmLost means the signaling channel dropped while in use.
	TypeRtmLost ErrorType = 1003
	// TypeMessageFailed means a signaling message could not be published.
	TypeMessageFailed ErrorType = 1004
	// TypeMissingReceipts means no receipt arrived after every retry.
	TypeMissingReceipts ErrorType = 1005
	// TypeJoinRTCFailed means the media engine could not join the room.
	TypeJoinRTCFailed ErrorType = 1006
	// TypeRtcOccurError is a fatal media engine error after joining.
	TypeRtcOccurError ErrorType = 1007
	// TypeStateMismatch is a trigger that is invalid for the current state.
	TypeStateMismatch ErrorType = 1008
	// TypeCallingTimeout means nobody answered within the calling deadline.
	TypeCallingTimeout ErrorType = 1009
	// TypeDeinitialized means the operation was cut short by deinitialize.
	TypeDeinitialized ErrorType = 1010
)

// String returns the string representation of the error type
func (t ErrorType) String() string {
	switch t {
	case TypeConfig:
		return "ConfigError"
	case TypeRtmSetupFailed:
		return "RtmSetupFailed"
	case TypeRtmLost:
		return "RtmLost"
	case TypeMessageFailed:
		return "MessageFailed"
	case TypeMissingReceipts:
		return "MissingReceipts"
	case TypeJoinRTCFailed:
		return "JoinRTCFailed"
	case TypeRtcOccurError:
		return "RtcOccurError"
	case TypeStateMismatch:
		return "StateMismatch"
	case TypeCallingTimeout:
		return "CallingTimeout"
	case TypeDeinitialized:
		return "Deinitialized"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// CallError is the error type handed to every completion of the SDK.
// It carries a stable code, a human readable message and an optional
// wrapped cause, so consumers can use errors.As(err, &callErr) or
// errors.Is(err, callsdk.ErrStateMismatch).
type CallError struct {
	// Type is the error class.
	Type ErrorType

	// Message describes what went wrong.
	Message string

	// Err is an optional wrapped error for errors.Unwrap support.
	Err error
}

// Sentinels for errors.Is matching. Only the Type is compared.
var (
	ErrConfig          = &CallError{Type: TypeConfig}
	ErrRtmSetupFailed  = &CallError{Type: TypeRtmSetupFailed}
	ErrRtmLost         = &CallError{Type: TypeRtmLost}
	ErrMessageFailed   = &CallError{Type: TypeMessageFailed}
	ErrMissingReceipts = &CallError{Type: TypeMissingReceipts}
	ErrJoinRTCFailed   = &CallError{Type: TypeJoinRTCFailed}
	ErrRtcOccurError   = &CallError{Type: TypeRtcOccurError}
	ErrStateMismatch   = &CallError{Type: TypeStateMismatch}
	ErrCallingTimeout  = &CallError{Type: TypeCallingTimeout}
	ErrDeinitialized   = &CallError{Type: TypeDeinitialized}
)

// NewError creates a CallError of the given type.
func NewError(t ErrorType, format string, args ...any) *CallError {
	return &CallError{Type: t, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a CallError of the given type wrapping err.
func WrapError(t ErrorType, err error, format string, args ...any) *CallError {
	return &CallError{Type: t, Message: fmt.Sprintf(format, args...), Err: err}
}

// Code returns the numeric error code.
func (e *CallError) Code() int {
	return int(e.Type)
}

// Error implements the error interface.
func (e *CallError) Error() string {
	msg := e.Type.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped error, if any.
func (e *CallError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a CallError of the same type.
func (e *CallError) Is(target error) bool {
	var t *CallError
	if !errors.As(target, &t) {
		return false
	}
	return t.Type == e.Type
}

// TypeOf returns the ErrorType of err, or TypeUnknown if err is not a CallError.
func TypeOf(err error) ErrorType {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return TypeUnknown
}

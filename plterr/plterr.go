// SPDX-License-Identifier: AGPL-3.0-or-later

// Package plterr defines the error taxonomy shared by the transport, the GRBL
// protocol client and the plot executor. Every error carries a machine-checkable
// Kind and a stable user-visible code string.
package plterr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota

	// Connectivity
	KindNoDeviceFound
	KindPortInUse
	KindPermissionDenied
	KindDeviceDisconnected
	KindNotResponding

	// Communication
	KindResponseTimeout
	KindInvalidResponse
	KindCommandRejected

	// Motion / GRBL
	KindAlarm
	KindHomingFailed
	KindMotionTimeout

	// User
	KindPausePressed
	KindUserCancelled

	// Host environment
	KindBrowserNotSupported
)

// Stable user-visible code strings. The outer UI maps these to remediation
// actions; they must never change once shipped.
const (
	CodeNoDeviceFound      = "PLT-C001"
	CodePortInUse          = "PLT-C002"
	CodePermissionDenied   = "PLT-C003"
	CodeDeviceDisconnected = "PLT-C004"
	CodeNotResponding      = "PLT-C005"

	CodeResponseTimeout = "PLT-X001"
	CodeInvalidResponse = "PLT-X002"
	CodeCommandRejected = "PLT-X003"

	CodeAlarm = "PLT-G001"

	CodeHomingFailed  = "PLT-M001"
	CodeMotionTimeout = "PLT-M002"

	CodePausePressed = "PLT-U001"
)

var kindCodes = map[Kind]string{
	KindNoDeviceFound:      CodeNoDeviceFound,
	KindPortInUse:          CodePortInUse,
	KindPermissionDenied:   CodePermissionDenied,
	KindDeviceDisconnected: CodeDeviceDisconnected,
	KindNotResponding:      CodeNotResponding,
	KindResponseTimeout:    CodeResponseTimeout,
	KindInvalidResponse:    CodeInvalidResponse,
	KindCommandRejected:    CodeCommandRejected,
	KindAlarm:              CodeAlarm,
	KindHomingFailed:       CodeHomingFailed,
	KindMotionTimeout:      CodeMotionTimeout,
	KindPausePressed:       CodePausePressed,
}

// Error is a structured plotter error.
type Error struct {
	Kind  Kind
	Op    string // operation that failed (e.g. "open", "stream", "home")
	Msg   string // short human message
	Cmd   string // offending command, if any
	Extra string // partial response, alarm position, etc.
	Inner error
}

func (e *Error) Error() string {
	code := CodeOf(e)
	msg := e.Msg
	if msg == "" && e.Inner != nil {
		msg = e.Inner.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", code, e.Op, msg)
	}
	return fmt.Sprintf("%s: %s", code, msg)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches errors of the same Kind, so callers can write
// errors.Is(err, &plterr.Error{Kind: plterr.KindDeviceDisconnected}).
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == te.Kind
}

// New creates a structured error.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf creates a structured error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and op to an underlying error.
func Wrap(kind Kind, op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Inner: inner}
}

// IsKind reports whether err is (or wraps) a plotter error of the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// CodeOf returns the stable code string for err, or "" when the error carries
// no code (unknown kinds, foreign errors).
func CodeOf(err error) string {
	var pe *Error
	if !errors.As(err, &pe) {
		return ""
	}
	return kindCodes[pe.Kind]
}

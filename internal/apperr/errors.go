// internal/apperr/errors.go

// Package apperr defines the typed errors surfaced to lobby clients.
// Every error carries a stable code plus a human readable message; the
// client protocol serializes both.
package apperr

import (
	"errors"
	"fmt"
)

// Kind groups codes into the broad failure categories.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindProtocol   Kind = "protocol"
	KindRoom       Kind = "room"
	KindUpstream   Kind = "upstream"
	KindProcess    Kind = "process"
	KindValidation Kind = "validation"
	KindInternal   Kind = "internal"
)

// Error codes sent on the wire.
const (
	CodeAuth              = "AUTH_ERROR"
	CodeNotLoggedIn       = "NOT_LOGGED_IN"
	CodeAlreadyLoggedIn   = "ALREADY_LOGGED_IN"
	CodeUsernameTaken     = "USERNAME_TAKEN"
	CodeMalformedFrame    = "MALFORMED_FRAME"
	CodeRoomFull          = "ROOM_FULL"
	CodeRoomNotWaiting    = "ROOM_NOT_WAITING"
	CodeRoomNotFound      = "ROOM_NOT_FOUND"
	CodeNotHost           = "NOT_HOST"
	CodeNotInRoom         = "NOT_IN_ROOM"
	CodeAlreadyInRoom     = "ALREADY_IN_ROOM"
	CodeVersionMismatch   = "VERSION_MISMATCH"
	CodeNoPortsAvailable  = "NO_PORTS_AVAILABLE"
	CodeAlreadyStarting   = "ALREADY_STARTING"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeGameNotFound      = "GAME_NOT_FOUND"
	CodeUpstream          = "UPSTREAM_ERROR"
	CodeProcess           = "PROCESS_ERROR"
	CodeInvalidInput      = "INVALID_INPUT"
	CodeInternal          = "INTERNAL"
)

// Error is the application error type.
type Error struct {
	Kind      Kind   `json:"-"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	Err       error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so sentinel values below work
// with errors.Is regardless of message or wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New builds an error of the given kind and code.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf is New with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return New(kind, code, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause.
func Wrap(err error, kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Sentinels for errors.Is checks.
var (
	ErrAuth              = New(KindAuth, CodeAuth, "invalid username or password")
	ErrNotLoggedIn       = New(KindAuth, CodeNotLoggedIn, "not logged in")
	ErrAlreadyLoggedIn   = New(KindAuth, CodeAlreadyLoggedIn, "already logged in")
	ErrUsernameTaken     = New(KindValidation, CodeUsernameTaken, "username already exists")
	ErrMalformedFrame    = New(KindProtocol, CodeMalformedFrame, "malformed frame")
	ErrRoomFull          = New(KindRoom, CodeRoomFull, "room is full")
	ErrRoomNotWaiting    = New(KindRoom, CodeRoomNotWaiting, "room is not accepting players")
	ErrRoomNotFound      = New(KindRoom, CodeRoomNotFound, "room not found")
	ErrNotHost           = New(KindRoom, CodeNotHost, "only the host can do that")
	ErrNotInRoom         = New(KindRoom, CodeNotInRoom, "not in any room")
	ErrAlreadyInRoom     = New(KindRoom, CodeAlreadyInRoom, "already in a room")
	ErrVersionMismatch   = New(KindRoom, CodeVersionMismatch, "game version mismatch")
	ErrNoPortsAvailable  = New(KindRoom, CodeNoPortsAvailable, "no game server ports available")
	ErrAlreadyStarting   = New(KindRoom, CodeAlreadyStarting, "game already starting")
	ErrInvalidTransition = New(KindRoom, CodeInvalidTransition, "invalid room transition")
	ErrGameNotFound      = New(KindValidation, CodeGameNotFound, "game not found")
	ErrUpstream          = &Error{Kind: KindUpstream, Code: CodeUpstream, Message: "upstream service unavailable", Retryable: true}
	ErrProcess           = New(KindProcess, CodeProcess, "game server failed")
	ErrInvalidInput      = New(KindValidation, CodeInvalidInput, "invalid input")
	ErrInternal          = New(KindInternal, CodeInternal, "internal error")
)

// Upstream wraps a collaborator failure as a retryable upstream error.
func Upstream(err error, message string) *Error {
	return &Error{Kind: KindUpstream, Code: CodeUpstream, Message: message, Retryable: true, Err: err}
}

// Process wraps a game server launch or supervision failure.
func Process(err error, message string) *Error {
	return Wrap(err, KindProcess, CodeProcess, message)
}

// InvalidInput builds a validation error with a specific message.
func InvalidInput(message string) *Error {
	return New(KindValidation, CodeInvalidInput, message)
}

// VersionMismatch reports the version a room requires.
func VersionMismatch(required, latest string) *Error {
	return Newf(KindRoom, CodeVersionMismatch, "room requires version %s, catalog offers %s", required, latest)
}

// From converts any error into an *Error, defaulting to an internal error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(err, KindInternal, CodeInternal, "internal error")
}

// HasCode reports whether err is an *Error with the given code.
func HasCode(err error, code string) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsRetryable reports whether the client may retry the request as is.
func IsRetryable(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

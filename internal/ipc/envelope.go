// Package ipc implements the C7 IPC server: a plain net.Listener
// (unix socket, optionally also loopback TCP) speaking newline-
// delimited JSON request/response envelopes, with streaming upgrades
// for event subscriptions and terminal attachment (spec.md §4.7).
package ipc

import "encoding/json"

// EnvelopeVersion is the fixed request/response envelope version.
const EnvelopeVersion = 1

// Request is one line of client input: {v, op, args}.
type Request struct {
	V    int             `json:"v"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response is one line of server output: {v, ok, result, error}.
type Response struct {
	V      int             `json:"v"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Code is a stable IPC error code (spec.md §4.7/§7).
type Code string

const (
	CodeInvalidRequest    Code = "invalid_request"
	CodePermissionDenied  Code = "permission_denied"
	CodeGroupNotFound     Code = "group_not_found"
	CodeActorNotFound     Code = "actor_not_found"
	CodeActorNotRunning   Code = "actor_not_running"
	CodeEventNotFound     Code = "event_not_found"
	CodeMissingGroupID    Code = "missing_group_id"
	CodeMissingActorID    Code = "missing_actor_id"
	CodeMissingProjectRoot Code = "missing_project_root"
	CodeUnknownOp         Code = "unknown_op"
	CodeResourceError     Code = "resource_error"
)

// Error is the envelope's error shape and implements the error
// interface so handlers can return it (or any error, see WrapError)
// directly.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Details != "" {
		return e.Code.String() + ": " + e.Message + " (" + e.Details + ")"
	}
	return e.Code.String() + ": " + e.Message
}

func (c Code) String() string { return string(c) }

// NewError constructs an *Error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details string) *Error {
	out := *e
	out.Details = details
	return &out
}

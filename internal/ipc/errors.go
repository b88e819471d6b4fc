package ipc

import "strings"

// knownCodes lists every stable code in the order checked by WrapError.
// Longest/most specific prefixes are unambiguous since each is followed
// by ": " in the convention the rest of the daemon uses
// (fmt.Errorf("code: message")).
var knownCodes = []Code{
	CodeInvalidRequest,
	CodePermissionDenied,
	CodeGroupNotFound,
	CodeActorNotFound,
	CodeActorNotRunning,
	CodeEventNotFound,
	CodeMissingGroupID,
	CodeMissingActorID,
	CodeMissingProjectRoot,
	CodeUnknownOp,
	CodeResourceError,
}

// WrapError turns any error into an *Error for the response envelope.
// Internal packages (ledger, group, delivery, ...) signal stable codes
// by prefixing their error strings with "code: ..."; WrapError detects
// that prefix and preserves the code, otherwise it falls back to
// invalid_request (the IPC boundary is expected to only see errors
// that trace back to caller input at this layer; anything else is a
// programming mistake, not a client-facing condition).
func WrapError(err error) *Error {
	if err == nil {
		return nil
	}
	if ipcErr, ok := err.(*Error); ok {
		return ipcErr
	}
	msg := err.Error()
	for _, code := range knownCodes {
		prefix := string(code) + ": "
		if strings.HasPrefix(msg, prefix) {
			return &Error{Code: code, Message: strings.TrimPrefix(msg, prefix)}
		}
	}
	return &Error{Code: CodeInvalidRequest, Message: msg}
}

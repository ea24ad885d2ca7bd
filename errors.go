package vox

import (
	"fmt"
)

// An ErrorKind classifies every failure the client can produce. The kinds are
// stable: callers switch on them, the wire layer maps server error numbers
// into them, and error events carry them as the verb.
type ErrorKind string

// The error taxonomy.
const (
	KindTransport     ErrorKind = "transport"     // socket open/read/write failure
	KindAuth          ErrorKind = "auth"          // bad credentials, banned, server full, duplicate login
	KindChannel       ErrorKind = "channel"       // wrong password, not found, exists, occupied on delete
	KindRights        ErrorKind = "rights"        // command not permitted for the account
	KindRateLimited   ErrorKind = "ratelimited"   // flood guard rejected the command locally
	KindConfiguration ErrorKind = "configuration" // codec/bandwidth parameters invalid before send
	KindTransfer      ErrorKind = "transfer"      // file or media-file chunk failure
	KindProtocol      ErrorKind = "protocol"      // malformed or unexpected server data
)

// Sentinels for errors.Is; each matches any *Error of the same kind.
var (
	ErrTransport     = &Error{Kind: KindTransport}
	ErrAuth          = &Error{Kind: KindAuth}
	ErrChannel       = &Error{Kind: KindChannel}
	ErrRights        = &Error{Kind: KindRights}
	ErrRateLimited   = &Error{Kind: KindRateLimited}
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrTransfer      = &Error{Kind: KindTransfer}
	ErrProtocol      = &Error{Kind: KindProtocol}
)

// Server error numbers carried by `error` events. The ranges group by kind so
// unknown-but-in-range numbers still classify.
const (
	CodeInvalidCredentials = 2001
	CodeBanned             = 2002
	CodeServerFull         = 2003
	CodeAlreadyLoggedIn    = 2004

	CodeChannelNotFound   = 3001
	CodeWrongPassword     = 3002
	CodeChannelExists     = 3003
	CodeAlreadyInChannel  = 3004
	CodeChannelHasUsers   = 3005

	CodeNotAuthorized = 4001

	CodeCommandFlood = 5001

	CodeInvalidCodec = 6001

	CodeTransferFailed = 7001
)

// An Error is any failure surfaced by the client, local or server-reported.
// Code is the server's error number, or 0 for errors raised locally.
type Error struct {
	Kind    ErrorKind
	Code    int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "vox: " + string(e.Kind)
	}
	if e.Code != 0 {
		return fmt.Sprintf("vox: %s (%d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("vox: %s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error with the same kind, so the package sentinels work
// with errors.Is without callers caring about codes or messages.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}

	return other.Kind == e.Kind
}

func newError(kind ErrorKind, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, a...)}
}

func wrapError(kind ErrorKind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// serverError builds an *Error from a server error number and message.
func serverError(code int, message string) *Error {
	return &Error{Kind: kindForCode(code), Code: code, Message: message}
}

func kindForCode(code int) ErrorKind {
	switch {
	case code >= 2000 && code < 3000:
		return KindAuth
	case code >= 3000 && code < 4000:
		return KindChannel
	case code >= 4000 && code < 5000:
		return KindRights
	case code >= 5000 && code < 6000:
		return KindRateLimited
	case code >= 6000 && code < 7000:
		return KindConfiguration
	case code >= 7000 && code < 8000:
		return KindTransfer
	default:
		return KindProtocol
	}
}

package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a provider failure.
type Kind int

const (
	KindAuthenticationFailed Kind = iota + 1
	KindSessionExpired
	KindChannelNotFound
	KindMalformedResponse
	KindProviderRejected
	KindSegmentDenied
	KindUnexpectedStatus
	KindTransport
	KindNotFound
)

var kindNames = map[Kind]string{
	KindAuthenticationFailed: "authentication failed",
	KindSessionExpired:       "session expired",
	KindChannelNotFound:      "channel not found",
	KindMalformedResponse:    "malformed response",
	KindProviderRejected:     "provider rejected",
	KindSegmentDenied:        "segment denied",
	KindUnexpectedStatus:     "unexpected status",
	KindTransport:            "transport",
	KindNotFound:             "not found",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a classified provider failure.
//
// Code is the provider message code (now-playing) or exchange status (login,
// resume); Status is the HTTP status when one was received.
type Error struct {
	Kind    Kind
	Op      string
	Code    int
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (http %d)", e.Status)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the Err* sentinels by kind, so errors.Is(err, ErrSessionExpired)
// holds for any session-expired failure in the chain.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrAuthenticationFailed = &Error{Kind: KindAuthenticationFailed}
	ErrSessionExpired       = &Error{Kind: KindSessionExpired}
	ErrChannelNotFound      = &Error{Kind: KindChannelNotFound}
	ErrMalformedResponse    = &Error{Kind: KindMalformedResponse}
	ErrProviderRejected     = &Error{Kind: KindProviderRejected}
	ErrSegmentDenied        = &Error{Kind: KindSegmentDenied}
	ErrUnexpectedStatus     = &Error{Kind: KindUnexpectedStatus}
	ErrTransport            = &Error{Kind: KindTransport}
	ErrNotFound             = &Error{Kind: KindNotFound}
)

// IsKind reports whether any *Error in err's chain has kind k.
func IsKind(err error, k Kind) bool {
	return errors.Is(err, &Error{Kind: k})
}

// Retryable reports whether a bounded local retry may clear err: connection
// failures, session expiry, and provider 503s.
func Retryable(err error) bool {
	if IsKind(err, KindTransport) || IsKind(err, KindSessionExpired) {
		return true
	}
	var e *Error
	return errors.As(err, &e) && e.Kind == KindUnexpectedStatus && e.Status == http.StatusServiceUnavailable
}

// ResumeRejected reports whether err is the provider refusing to resume a
// session on the current login. A stale login cookie causes it, and only a
// fresh login clears it.
func ResumeRejected(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindAuthenticationFailed && e.Op == "resume"
}

// Absent reports whether err only says the requested thing does not exist, as
// opposed to a failure to reach or understand the provider. A channel lookup that
// failed because the directory could not be fetched is not Absent.
func Absent(err error) bool {
	found := false
	for e := err; e != nil; e = errors.Unwrap(e) {
		pe, ok := e.(*Error)
		if !ok {
			continue
		}
		switch pe.Kind {
		case KindChannelNotFound, KindNotFound:
			found = true
		default:
			return false
		}
		if pe.Err != nil {
			// The not-found carries a cause: something failed underneath.
			return false
		}
	}
	return found
}

func transportErr(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func statusErr(op string, status int) *Error {
	return &Error{Kind: KindUnexpectedStatus, Op: op, Status: status}
}

func malformed(op, msg string, err error) *Error {
	return &Error{Kind: KindMalformedResponse, Op: op, Message: msg, Err: err}
}

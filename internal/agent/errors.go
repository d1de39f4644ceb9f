package agent

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies agent-server failures. Transport and Server errors
// are retriable; Auth and BadRequest are fatal.
type ErrorKind string

const (
	KindTransport  ErrorKind = "transport"
	KindAuth       ErrorKind = "auth"
	KindNotFound   ErrorKind = "not_found"
	KindServer     ErrorKind = "server"
	KindBadRequest ErrorKind = "bad_request"
)

// Error is a typed agent-server failure carrying the HTTP status and a body
// excerpt for diagnostics.
type Error struct {
	Kind   ErrorKind
	Op     string
	Status int
	Body   string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("agent: %s: %s: %v", e.Op, e.Kind, e.cause)
	}
	return fmt.Sprintf("agent: %s: %s (status %d): %s", e.Op, e.Kind, e.Status, e.Body)
}

func (e *Error) Unwrap() error { return e.cause }

// Retriable reports whether the failure is worth retrying.
func (e *Error) Retriable() bool {
	return e.Kind == KindTransport || e.Kind == KindServer
}

// IsKind reports whether err is an agent Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

// IsRetriable reports whether err is a retriable agent Error.
func IsRetriable(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Retriable()
}

func transportError(op string, cause error) *Error {
	return &Error{Kind: KindTransport, Op: op, cause: cause}
}

func statusError(op string, status int, body string) *Error {
	kind := KindServer
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status >= 400 && status < 500:
		kind = KindBadRequest
	}
	const maxExcerpt = 512
	if len(body) > maxExcerpt {
		body = body[:maxExcerpt]
	}
	return &Error{Kind: kind, Op: op, Status: status, Body: body}
}

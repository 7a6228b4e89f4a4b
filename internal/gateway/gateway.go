// Package gateway declares the outbound WebSocket gateway contract this
// adapter consumes. The gateway itself (e.g. API Gateway Management API)
// is out of scope; only the capability interface and the
// "gone connection" error shape live here.
package gateway

import (
	"context"
	"errors"
	"net/http"
)

// Client can push bytes to a connection and tear one down. Both methods
// return a *StatusError when the transport reports an HTTP status, so
// callers can distinguish "gone" (410) from any other failure.
type Client interface {
	PostToConnection(ctx context.Context, connectionID string, data []byte) error
	DeleteConnection(ctx context.Context, connectionID string) error
}

// StatusError wraps a transport failure that carries an HTTP status
// code.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return http.StatusText(e.Status)
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusCode implements the StatusCode() int contract IsGone relies on
// to recognize a gone connection.
func (e *StatusError) StatusCode() int { return e.Status }

// IsGone reports whether err represents a permanently closed connection
// (HTTP 410).
func IsGone(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == http.StatusGone
	}
	return false
}

// ErrGone is a convenience sentinel for callers that want to construct a
// gone error without a wrapped cause.
var ErrGone = &StatusError{Status: http.StatusGone, Err: errors.New("connection is gone")}

package core

import (
	"context"
	"errors"
	"net/url"
)

// Header names attached to delivery requests.
const (
	HeaderSignature     = "X-Signature"
	HeaderAppID         = "X-App-ID"
	HeaderDeviceID      = "X-Device-ID"
	HeaderAuthorization = "Authorization"
	HeaderContentType   = "Content-Type"
)

// Request is the transport-agnostic HTTP-like request shape the core builds.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    []byte
}

// Response carries status and body back from the transport collaborator.
type Response struct {
	StatusCode int
	Body       []byte
}

// ErrTransient marks transport errors expected to succeed on retry (network
// unreachable, timeouts). Transports wrap such failures so the delivery
// layer can classify with errors.Is.
var ErrTransient = errors.New("transient transport error")

// Transport is the network collaborator. Implementations perform the request
// and return the response, or an error for failures below the HTTP layer.
// Errors wrapping ErrTransient are retried; all others are permanent.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// IsSuccessStatus reports whether the status code counts as delivered.
func IsSuccessStatus(code int) bool { return code >= 200 && code < 300 }

// IsTransientStatus reports whether the status code is worth retrying.
// Server errors, timeouts and throttling qualify.
func IsTransientStatus(code int) bool {
	return code >= 500 || code == 408 || code == 429
}

// IsUnauthorizedStatus reports whether the status code indicates a rejected
// credential. These are not retried; a fresh token may resolve them but the
// core never refreshes tokens on its own.
func IsUnauthorizedStatus(code int) bool { return code == 401 || code == 403 }

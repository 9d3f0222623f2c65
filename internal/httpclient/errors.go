package httpclient

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// StatusError describes a failed HTTP exchange. Status 0 means the request
// never produced a response: DNS failure, connection reset, timeout.
type StatusError struct {
	Status  int
	Method  string
	URL     string
	Headers http.Header
	cause   error
}

func (e *StatusError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s %s: transport failure: %v", e.Method, e.URL, e.cause)
	}
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Status)
}

func (e *StatusError) Unwrap() error {
	return e.cause
}

// StatusOf extracts the HTTP status carried by err; ok is false when err
// has no StatusError in its chain.
func StatusOf(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return 0, false
}

// HeadersOf extracts the response headers carried by err, if any
func HeadersOf(err error) http.Header {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Headers
	}
	return nil
}

// IsRetryable reports whether err is worth retrying: rate limiting, server
// errors and transport failures qualify. Other client errors are fatal to
// the current call.
func IsRetryable(err error) bool {
	s, ok := StatusOf(err)
	if !ok {
		return false
	}
	return s == 0 || s == http.StatusTooManyRequests || s >= 500
}

package httpclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds returned by Client. Match them with errors.Is.
var (
	ErrConnection     = errors.New("error occurred while connecting to the target server")
	ErrNotFound       = errors.New("the requested target server endpoint was not found")
	ErrUnauthorized   = errors.New("unauthorized target server request")
	ErrTimeout        = errors.New("the target server request timed out")
	ErrRateLimited    = errors.New("target server rate limit exceeded")
	ErrUnavailable    = errors.New("the target server is currently unavailable")
	ErrRetryExhausted = errors.New("target server retry limit exhausted")
	ErrResponse       = errors.New("unexpected target server response")
)

// APIError carries the kind of failure plus whatever response was seen.
// StatusCode is zero when no response was received.
type APIError struct {
	Kind       error
	StatusCode int
	URL        string
	Body       []byte
	Err        error
}

// Error formats the failure for logs.
func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.URL != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.URL)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is matches the error kind sentinel.
func (e *APIError) Is(target error) bool {
	return e != nil && e.Kind == target
}

// Unwrap exposes the underlying transport or decode error.
func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// HasResponse reports whether the failing attempt got an HTTP response.
func (e *APIError) HasResponse() bool {
	return e != nil && e.StatusCode != 0
}

// classifyStatus maps a non-2xx status code to its error kind.
func classifyStatus(code int) error {
	switch code {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusRequestTimeout:
		return ErrTimeout
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusServiceUnavailable:
		return ErrUnavailable
	default:
		return ErrResponse
	}
}

package cloudflare

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNotFound means the API answered but nothing matched: no zone with that
// name, or no zone the token can see.
var ErrNotFound = errors.New("cloudflare: not found")

// TransportError wraps failures to reach the API at all (DNS, refused
// connection, timeout).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("cloudflare %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// APIError is a response the API returned with a failure status or
// success=false.
type APIError struct {
	Op         string
	StatusCode int
	Messages   []string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloudflare %s: HTTP %d: %s", e.Op, e.StatusCode, e.Detail())
}

// Detail is the provider's own explanation, suitable for returning to the user
func (e *APIError) Detail() string {
	if len(e.Messages) > 0 {
		return strings.Join(e.Messages, "; ")
	}
	if text := http.StatusText(e.StatusCode); text != "" {
		return text
	}
	return "request unsuccessful"
}

// Outcome classifies err for the outcome metric label
func Outcome(err error) string {
	var apiErr *APIError
	var transportErr *TransportError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &transportErr):
		return "transport_error"
	case errors.As(err, &apiErr):
		return "api_error"
	default:
		return "error"
	}
}

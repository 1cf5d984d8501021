package remote

import (
	"errors"
	"fmt"
	"net/url"
)

// Error kinds surfaced by range readers. Match them with errors.Is.
var (
	ErrNotFound         = errors.New("remote resource not found")
	ErrRangeUnsupported = errors.New("server does not support range requests")
	ErrTransport        = errors.New("transport error")
	ErrTimeout          = errors.New("remote read timed out")
	ErrAuthRequired     = errors.New("authentication required")
)

// StatusError reports an HTTP response status that maps to one of the error kinds.
type StatusError struct {
	URL        string
	StatusCode int
	Kind       error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %v (HTTP %d)", redact(e.URL), e.Kind, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return e.Kind
}

// TransportError reports a failed exchange with the remote server:
// DNS, connection, TLS, truncated bodies and timeouts.
type TransportError struct {
	Op      string
	URL     string
	Err     error
	Timeout bool
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s %s: timeout: %v", e.Op, redact(e.URL), e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, redact(e.URL), e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is makes every TransportError match ErrTransport, and timeouts also match ErrTimeout.
func (e *TransportError) Is(target error) bool {
	switch target {
	case ErrTransport:
		return true
	case ErrTimeout:
		return e.Timeout
	}
	return false
}

// IsTransient reports whether err is worth retrying by a caller.
// Only transport failures qualify; the other kinds are deterministic.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransport)
}

func statusKind(code int) error {
	switch code {
	case 401, 403:
		return ErrAuthRequired
	case 404, 410:
		return ErrNotFound
	default:
		return ErrTransport
	}
}

func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Redacted()
}

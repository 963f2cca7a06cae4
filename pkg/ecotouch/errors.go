package ecotouch

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidResponse is returned when a response body does not follow the protocol grammar at all
	ErrInvalidResponse = errors.New("invalid response")
	// ErrInvalidValue is returned when a raw value is out of domain or a read-only tag is written
	ErrInvalidValue = errors.New("invalid value")
	// ErrTooManyUsers signals the device side session limit; callers must back off
	ErrTooManyUsers = errors.New("too many users logged in")
	// ErrInvalidPassword is returned when the device rejects the credentials
	ErrInvalidPassword = errors.New("invalid username or password")
	// ErrNeedLogin is returned when the device keeps asking for a login after a re-login
	ErrNeedLogin = errors.New("device requests login")
	// ErrTimeout is returned when a request hit the per-request timeout. It is retryable.
	ErrTimeout = errors.New("request timed out")
	// ErrUnknownTag is returned when a tag name is not part of the registry
	ErrUnknownTag = errors.New("unknown tag")
)

// StatusError holds an unexpected status line returned by the device
type StatusError struct {
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected device status %q", e.Status)
}

// HTTPError is returned for non-200 HTTP responses, e.g. a 404 for an unsupported query shape
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d for %s", e.StatusCode, e.URL)
}

// TransportError wraps connection level failures
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func readOnlyError(name string) error {
	return errors.Wrapf(ErrInvalidValue, "tag %s is readonly", name)
}

package sources

import (
	"context"
	"errors"
	"fmt"
)

// NetworkError covers connection failures, timeouts, an open circuit breaker
// and non-2xx responses.
type NetworkError struct {
	Source string
	URL    string
	Status int // zero when no response was received
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Source, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout reports whether the request ran out of time.
func (e *NetworkError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// ParseError means the payload did not have the expected shape.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string { return fmt.Sprintf("%s: parse: %v", e.Source, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// NotFoundError means the source does not know the locator.
type NotFoundError struct {
	Source  string
	Locator string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %q not found", e.Source, e.Locator)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

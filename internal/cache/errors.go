package cache

import (
	"fmt"
	"time"
)

// StaleOnlyError is returned when a fetch failed, a stale entry exists, and the
// caller did not opt into stale-on-error. Err is the fetch failure.
type StaleOnlyError struct {
	Cache     string
	Key       string
	FetchedAt time.Time
	Err       error
}

func (e *StaleOnlyError) Error() string {
	return fmt.Sprintf("%s %q: only stale data from %s: %v", e.Cache, e.Key, e.FetchedAt.Format(time.RFC3339), e.Err)
}

func (e *StaleOnlyError) Unwrap() error { return e.Err }

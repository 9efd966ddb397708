package gitlabapi

import (
	"errors"
	"fmt"
)

// Sentinel errors classify terminal GitLab API failures. 401 means the token
// is bad for the whole run; 403/404 are scoped to one resource and callers
// skip that resource and continue.
var (
	// ErrAuth indicates the private token was rejected (HTTP 401).
	ErrAuth = errors.New("gitlab: authentication failed")
	// ErrForbidden indicates access to a resource is denied (HTTP 403).
	ErrForbidden = errors.New("gitlab: access forbidden")
	// ErrNotFound indicates the resource does not exist or is hidden (HTTP 404).
	ErrNotFound = errors.New("gitlab: resource not found")
	// ErrRateLimited indicates rate limiting persisted through all retry attempts.
	ErrRateLimited = errors.New("gitlab: rate limited")
)

// HTTPError is a non-2xx response that survived all retry attempts and does
// not map onto one of the sentinel classes.
type HTTPError struct {
	StatusCode  int
	BodyExcerpt string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gitlab: unexpected status %d: %s", e.StatusCode, e.BodyExcerpt)
}

// MalformedResponseError is a 2xx response whose body failed to decode as the
// expected JSON shape. Pagination treats it as end-of-data for that resource.
type MalformedResponseError struct {
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("gitlab: malformed response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// IsTerminal reports whether the error should not be retried and, for 403/404,
// should cause the caller to skip the resource rather than fail the run.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrNotFound)
}

package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a typed failure returned by the remote store.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote store error: %s - %s", e.Status, e.Body)
}

// NotFound reports whether the remote store had no such record.
func (e *APIError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// Retryable reports whether retrying the operation can succeed.
// Server-side failures are retryable; rejections are not.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500
}

// IsNotFound reports whether err is a remote "no such record" response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.NotFound()
}

// IsRetryable classifies a failure. Errors carrying a Retryable method
// answer for themselves; everything else never reached the remote store
// (DNS, refused connection, client timeout) and is transient.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

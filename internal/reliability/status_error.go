package reliability

import (
	"errors"
	"fmt"
	"strings"
)

// StatusError reports a non-2xx answer from an upstream HTTP API.
type StatusError struct {
	Provider   string
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s %s: http status %d", e.Provider, e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: http status %d: %s", e.Provider, e.Operation, e.StatusCode, body)
}

func (e *StatusError) Retryable() bool {
	return IsRetryableHTTPStatus(e.StatusCode)
}

// IsRetryable reports whether err wraps a StatusError with a retryable status.
func IsRetryable(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Retryable()
}

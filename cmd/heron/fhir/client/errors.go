package client

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying: network trouble, request
// timeouts, throttling, or a server-side error.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient server error (status %d)", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure retrying cannot fix. Outcome carries the
// diagnostic text the server returned, if any.
type PermanentError struct {
	Op         string
	StatusCode int
	Outcome    string
}

func (e *PermanentError) Error() string {
	if e.Outcome != "" {
		return fmt.Sprintf("%s: server rejected request (status %d): %s", e.Op, e.StatusCode, e.Outcome)
	}
	return fmt.Sprintf("%s: server rejected request (status %d)", e.Op, e.StatusCode)
}

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

func transientStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}

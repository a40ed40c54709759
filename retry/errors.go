// Package retry retries transient failures such as a database that is
// still starting up.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Retryable is implemented by errors that know whether repeating the failed
// call may succeed.
type Retryable interface {
	error
	Retryable() bool
}

type classified struct {
	err       error
	retryable bool
}

func (e *classified) Error() string   { return e.err.Error() }
func (e *classified) Unwrap() error   { return e.err }
func (e *classified) Retryable() bool { return e.retryable }

// Transient marks err as worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, retryable: true}
}

// Permanent marks err as final, e.g. a rejected password or a database that
// does not exist.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, retryable: false}
}

// transientPatterns match the messages of connection and database startup
// failures that usually clear on their own.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"database is locked",
	"the database system is starting up",
	"too many clients",
}

// IsRetryable reports whether a call failing with err may succeed when
// repeated. Errors marked with Transient or Permanent decide for themselves.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}

	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

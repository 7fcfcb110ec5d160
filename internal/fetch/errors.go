package fetch

import (
	"context"
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying: timeouts, connection
// resets, 5xx-class and rate-limit responses. The client retries these
// with backoff up to the configured attempt cap before surfacing one.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient fetch error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix: auth
// rejection, malformed source config, 4xx-class responses. The run
// fails immediately without retry.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent fetch error during %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// HTTPError represents a non-2xx HTTP response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited returns true for 429 responses.
func (e *HTTPError) IsRateLimited() bool { return e.StatusCode == 429 }

// IsServerError returns true for 5xx responses.
func (e *HTTPError) IsServerError() bool { return e.StatusCode >= 500 }

// IsAuthFailure returns true for 401/403 responses.
func (e *HTTPError) IsAuthFailure() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// IsTransient reports whether err (or anything it wraps) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err (or anything it wraps) is a
// PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// classify wraps a single-attempt error as transient or permanent.
// HTTP 429 and 5xx retry; other HTTP statuses do not. Transport-level
// failures (DNS, reset, timeout) retry unless the context itself was
// cancelled.
func classify(op string, err error) error {
	// Already classified (e.g. by an Authenticator).
	if IsTransient(err) || IsPermanent(err) {
		return err
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.IsRateLimited() || httpErr.IsServerError() {
			return &TransientError{Op: op, Err: err}
		}
		return &PermanentError{Op: op, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

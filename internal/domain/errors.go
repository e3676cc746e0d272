package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSignatureMissing = errors.New("signature header missing")
	ErrSignatureInvalid = errors.New("signature verification failed")
)

// TransientProviderError covers network failures, timeouts and rate limits. Callers
// retry with backoff and leave cursors and state unchanged.
type TransientProviderError struct {
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("transient provider error during %s: %v", e.Op, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// FatalConfigurationError means the stream cannot make progress without operator action.
type FatalConfigurationError struct {
	Op  string
	Err error
}

func (e *FatalConfigurationError) Error() string {
	return fmt.Sprintf("fatal configuration error during %s: %v", e.Op, e.Err)
}

func (e *FatalConfigurationError) Unwrap() error { return e.Err }

// AuthenticationError rejects a webhook before it reaches the state machine.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("webhook authentication failed: %s", e.Reason)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ValidationMismatchError is recorded on a custody transaction that is moved to failed.
type ValidationMismatchError struct {
	Field    string
	Expected string
	Observed string
}

func (e *ValidationMismatchError) Error() string {
	return fmt.Sprintf("%s mismatch: expected %s, observed %s", e.Field, e.Expected, e.Observed)
}

// ConcurrencyConflictError is returned when compare-and-swap retries are exhausted.
type ConcurrencyConflictError struct {
	ID       string
	Attempts int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("custody transaction %s changed concurrently after %d attempts", e.ID, e.Attempts)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var transient *TransientProviderError
	return errors.As(err, &transient)
}

// IsFatal reports whether err must halt the stream that produced it.
func IsFatal(err error) bool {
	var fatal *FatalConfigurationError
	return errors.As(err, &fatal)
}

// RetryAfterHint extracts a provider supplied retry delay, if any.
func RetryAfterHint(err error) time.Duration {
	var transient *TransientProviderError
	if errors.As(err, &transient) {
		return transient.RetryAfter
	}
	return 0
}

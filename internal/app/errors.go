package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/transfa/payout-service/pkg/railclient"
)

var (
	ErrUnsupportedCorridor = errors.New("no rail serves this currency and country")
	ErrProviderTransient   = errors.New("provider temporarily unavailable")
	ErrProviderTerminal    = errors.New("provider rejected the request")
	ErrSignatureInvalid    = errors.New("webhook signature invalid")
	ErrDuplicateEvent      = errors.New("webhook event already processed")
	ErrPayoutNotFound      = errors.New("payout not found")
	ErrNotRetryable        = errors.New("payout is not retryable")
	ErrAlreadyRetried      = errors.New("payout has already been retried")
	ErrNotTerminal         = errors.New("payout has not reached a terminal state")
)

// ValidationError reports a request that can never succeed as submitted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// CorridorError reports a currency/country pair that no rail serves.
type CorridorError struct {
	Currency string
	Country  string
}

func (e *CorridorError) Error() string {
	return fmt.Sprintf("unsupported corridor %s/%s", e.Currency, e.Country)
}

func (e *CorridorError) Unwrap() error { return ErrUnsupportedCorridor }

// ProviderFailure is returned when a provider step failed and the payout was marked failed.
type ProviderFailure struct {
	Step      string
	Retryable bool
	Err       error
}

func (e *ProviderFailure) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *ProviderFailure) Unwrap() []error {
	if e.Retryable {
		return []error{e.Err, ErrProviderTransient}
	}
	return []error{e.Err, ErrProviderTerminal}
}

// RetryExhaustedError wraps the last transient error after every attempt was used.
type RetryExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

func (e *RetryExhaustedError) Retryable() bool { return true }

// transientError marks a local failure (usually persistence) as safe to retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Retryable() bool { return true }

func markTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsRetryable reports whether err describes a condition that may clear on a later attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var marked interface{ Retryable() bool }
	if errors.As(err, &marked) {
		return marked.Retryable()
	}

	var providerErr *railclient.ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Temporary()
	}

	if errors.Is(err, ErrProviderTransient) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

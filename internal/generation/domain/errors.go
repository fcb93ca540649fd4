package domain

import (
	"errors"
	"fmt"
)

var (
	ErrProviderNotFound  = errors.New("provider_not_found")
	ErrInvalidConfig     = errors.New("invalid_provider_config")
	ErrInvalidRequest    = errors.New("invalid_generation_request")
	ErrInvalidFeature    = errors.New("invalid_feature")
	ErrNoProviders       = errors.New("no_providers_configured")
	ErrProviderTransient = errors.New("provider_transient")
	ErrProviderExhausted = errors.New("provider_exhausted")
	ErrJobTimedOut       = errors.New("job_timed_out")
	ErrJobTerminal       = errors.New("job_terminal")
	ErrInvalidTransition = errors.New("invalid_job_transition")
	ErrJobNotFound       = errors.New("job_not_found")
	ErrRefundFailed      = errors.New("refund_failed")
	ErrRateLimited       = errors.New("rate_limited")
)

// ErrorKind tells the fallback chain what to do with a submit failure.
type ErrorKind string

const (
	// KindTransient is retried against the same provider.
	KindTransient ErrorKind = "transient"
	// KindUnavailable means the provider cannot serve this account right now
	// (auth, billing, quota). The chain moves on.
	KindUnavailable ErrorKind = "unavailable"
	// KindRejected means the provider refused the request itself.
	KindRejected ErrorKind = "rejected"
)

type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	msg := "unknown error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (%d): %s", e.Provider, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProviderTransient && e.Kind == KindTransient
}

// Classify returns the kind of a submit or poll failure. Errors that did not
// come from an adapter are treated as transient.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.Kind != "" {
		return providerErr.Kind
	}
	return KindTransient
}

// IsRetryable reports whether err may succeed when retried against the same
// provider.
func IsRetryable(err error) bool {
	return err != nil && Classify(err) == KindTransient
}

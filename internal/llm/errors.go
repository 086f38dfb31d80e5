package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies a provider failure for the router.
type ErrorKind int

const (
	// KindTransient covers timeouts and 5xx responses. Retried once with
	// backoff before the provider is treated as unavailable.
	KindTransient ErrorKind = iota
	// KindPermanent covers auth and validation failures (4xx). Never
	// retried; the router advances the fallback chain immediately.
	KindPermanent
	// KindUnavailable covers over-quota (429) and unreachable backends.
	KindUnavailable
)

// String returns a human-readable kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ProviderError wraps a backend failure with its classification.
type ProviderError struct {
	Provider string
	Model    string
	Kind     ErrorKind
	Status   int // HTTP status, 0 when not applicable
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// classifyStatus maps an HTTP status code to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindUnavailable
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindPermanent
	default:
		return KindTransient
	}
}

// classifyErr wraps a transport-level error. Timeouts and connection
// failures are transient; a cancelled context is permanent since retrying
// a dead request helps nobody.
func classifyErr(provider, model string, err error) *ProviderError {
	kind := KindTransient
	if errors.Is(err, context.Canceled) {
		kind = KindPermanent
	}
	var netErr net.Error
	if errors.As(err, &netErr) && !netErr.Timeout() {
		kind = KindUnavailable
	}
	return &ProviderError{Provider: provider, Model: model, Kind: kind, Err: err}
}

// IsTransient reports whether err is a transient-classified provider error.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == KindTransient
}

// IsPermanent reports whether err is a permanent-classified provider error.
func IsPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == KindPermanent
}

// IsUnavailable reports whether err marks the provider unavailable or
// over quota.
func IsUnavailable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == KindUnavailable
}

package router

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAllProvidersExhausted is returned when every model in the fallback
// chain failed or was unavailable.
var ErrAllProvidersExhausted = errors.New("all providers exhausted")

// ErrNoModels is returned when neither the request nor the registry yields
// any candidate model.
var ErrNoModels = errors.New("no candidate models")

// ValidationError reports a bad routing request. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// ExhaustedError carries the per-model causes behind a chain exhaustion.
type ExhaustedError struct {
	Causes map[string]error // model id -> last error
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Causes))
	for model, cause := range e.Causes {
		parts = append(parts, fmt.Sprintf("%s: %v", model, cause))
	}
	return fmt.Sprintf("all providers exhausted: [%s]", strings.Join(parts, "; "))
}

// Unwrap lets errors.Is match ErrAllProvidersExhausted.
func (e *ExhaustedError) Unwrap() error { return ErrAllProvidersExhausted }

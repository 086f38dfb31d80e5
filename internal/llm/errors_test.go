package llm

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusInternalServerError, KindTransient},
		{http.StatusBadGateway, KindTransient},
		{http.StatusServiceUnavailable, KindTransient},
		{http.StatusTooManyRequests, KindUnavailable},
		{http.StatusUnauthorized, KindPermanent},
		{http.StatusBadRequest, KindPermanent},
		{http.StatusNotFound, KindPermanent},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.status), func(t *testing.T) {
			if got := classifyStatus(tt.status); got != tt.want {
				t.Errorf("classifyStatus(%d) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestErrorPredicates(t *testing.T) {
	transient := &ProviderError{Provider: "ollama", Kind: KindTransient, Err: errors.New("timeout")}
	permanent := &ProviderError{Provider: "openai", Kind: KindPermanent, Err: errors.New("bad key")}
	unavailable := &ProviderError{Provider: "openai", Kind: KindUnavailable, Err: errors.New("quota")}

	if !IsTransient(transient) || IsTransient(permanent) || IsTransient(unavailable) {
		t.Error("IsTransient misclassified")
	}
	if !IsPermanent(permanent) || IsPermanent(transient) {
		t.Error("IsPermanent misclassified")
	}
	if !IsUnavailable(unavailable) || IsUnavailable(transient) {
		t.Error("IsUnavailable misclassified")
	}

	// Predicates must see through wrapping.
	wrapped := fmt.Errorf("route model: %w", transient)
	if !IsTransient(wrapped) {
		t.Error("IsTransient must unwrap")
	}

	if IsTransient(errors.New("plain")) {
		t.Error("plain errors are not provider errors")
	}
}

func TestProviderError_Message(t *testing.T) {
	err := &ProviderError{
		Provider: "openai",
		Model:    "gpt-4o",
		Kind:     KindPermanent,
		Status:   401,
		Err:      errors.New("invalid api key"),
	}
	want := "openai: permanent error (status 401): invalid api key"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

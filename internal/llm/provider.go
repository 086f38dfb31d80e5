// Package llm provides the model provider adapters for taskmesh.
// Each backend (the local Ollama runtime, remote OpenAI-compatible APIs)
// implements the same capability set: generate, list models, embed. Errors
// are classified transient/permanent/unavailable so the router's retry and
// fallback logic can react correctly.
package llm

import (
	"context"
	"io"
	"time"

	"github.com/mkrader/taskmesh/pkg/types"
)

// MaxErrorBodySize limits how much of an error response body we read.
// Prevents memory exhaustion from malformed error responses.
const MaxErrorBodySize = 1 * 1024 * 1024

// readLimitedBody reads up to maxBytes from r.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// Provider is the uniform adapter interface implemented once per backend.
type Provider interface {
	// Generate produces text for a prompt against one of the provider's models.
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)

	// ListModels reports the models this backend currently serves.
	ListModels(ctx context.Context) ([]types.ModelDescriptor, error)

	// Embed returns an embedding vector for the given text.
	Embed(ctx context.Context, text, modelID string) ([]float32, error)

	// Name returns the provider identifier.
	Name() string

	// Kind reports whether this is a local runtime or a remote API.
	Kind() types.ProviderKind
}

// GenerateRequest is a single generation call.
type GenerateRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// GenerateResponse is the provider's answer.
type GenerateResponse struct {
	Content          string        `json:"content"`
	Model            string        `json:"model"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// ProviderConfig configures one adapter.
type ProviderConfig struct {
	// Name identifies the provider (ollama, openai).
	Name string

	// Endpoint is the API base URL.
	Endpoint string

	// APIKey for authentication (remote providers only).
	APIKey string

	// Timeout for API calls.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults for a known provider.
func DefaultConfig(name string) *ProviderConfig {
	switch name {
	case "openai":
		return &ProviderConfig{
			Name:     "openai",
			Endpoint: "https://api.openai.com/v1",
			Timeout:  2 * time.Minute,
		}
	default:
		return &ProviderConfig{
			Name:     "ollama",
			Endpoint: "http://127.0.0.1:11434",
			Timeout:  2 * time.Minute,
		}
	}
}

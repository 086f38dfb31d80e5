package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mkrader/taskmesh/pkg/types"
)

// OllamaProvider adapts the local Ollama runtime.
type OllamaProvider struct {
	config *ProviderConfig
	client *http.Client
}

// NewOllamaProvider creates an adapter for a local Ollama instance.
func NewOllamaProvider(cfg *ProviderConfig) *OllamaProvider {
	if cfg == nil {
		cfg = DefaultConfig("ollama")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://127.0.0.1:11434"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &OllamaProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider identifier.
func (p *OllamaProvider) Name() string { return "ollama" }

// Kind reports that Ollama is a local runtime.
func (p *OllamaProvider) Kind() types.ProviderKind { return types.ProviderLocalRuntime }

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Generate calls /api/generate without streaming.
func (p *OllamaProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	start := time.Now()

	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:   req.Model,
		Prompt:  req.Prompt,
		System:  req.System,
		Options: options,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyErr(p.Name(), req.Model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, &ProviderError{
			Provider: p.Name(),
			Model:    req.Model,
			Kind:     classifyStatus(resp.StatusCode),
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("%s", errBody),
		}
	}

	var out ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &GenerateResponse{
		Content:          out.Response,
		Model:            out.Model,
		PromptTokens:     out.PromptEvalCount,
		CompletionTokens: out.EvalCount,
		Duration:         time.Since(start),
	}, nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels calls /api/tags and maps each installed model to a descriptor.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]types.ModelDescriptor, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.Endpoint+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyErr(p.Name(), "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, &ProviderError{
			Provider: p.Name(),
			Kind:     classifyStatus(resp.StatusCode),
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("%s", errBody),
		}
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	descriptors := make([]types.ModelDescriptor, 0, len(tags.Models))
	for _, m := range tags.Models {
		descriptors = append(descriptors, types.ModelDescriptor{
			ID:          m.Name,
			Provider:    p.Name(),
			Kind:        types.ProviderLocalRuntime,
			Type:        types.ModelText,
			CostClass:   types.CostFree,
			IsAvailable: true,
		})
	}
	return descriptors, nil
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed calls /api/embeddings.
func (p *OllamaProvider) Embed(ctx context.Context, text, modelID string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: modelID, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyErr(p.Name(), modelID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, &ProviderError{
			Provider: p.Name(),
			Model:    modelID,
			Kind:     classifyStatus(resp.StatusCode),
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("%s", errBody),
		}
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Embedding, nil
}

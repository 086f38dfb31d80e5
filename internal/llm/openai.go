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

// OpenAIProvider adapts any OpenAI-compatible remote API.
type OpenAIProvider struct {
	config *ProviderConfig
	client *http.Client
}

// NewOpenAIProvider creates an adapter for an OpenAI-compatible endpoint.
func NewOpenAIProvider(cfg *ProviderConfig) *OpenAIProvider {
	if cfg == nil {
		cfg = DefaultConfig("openai")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &OpenAIProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string { return "openai" }

// Kind reports that this is a remote API.
func (p *OpenAIProvider) Kind() types.ProviderKind { return types.ProviderRemoteAPI }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate calls /chat/completions with the prompt as a single user message.
func (p *OpenAIProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	if p.config.APIKey == "" {
		return nil, &ProviderError{
			Provider: p.Name(),
			Model:    req.Model,
			Kind:     KindPermanent,
			Err:      fmt.Errorf("API key not configured"),
		}
	}

	start := time.Now()

	chatReq := openAIChatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		chatReq.Messages = append(chatReq.Messages, openAIMessage{Role: "system", Content: req.System})
	}
	chatReq.Messages = append(chatReq.Messages, openAIMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

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

	var chatResp openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return &GenerateResponse{
		Content:          chatResp.Choices[0].Message.Content,
		Model:            chatResp.Model,
		PromptTokens:     chatResp.Usage.PromptTokens,
		CompletionTokens: chatResp.Usage.CompletionTokens,
		Duration:         time.Since(start),
	}, nil
}

type openAIModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels calls /models.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]types.ModelDescriptor, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.Endpoint+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

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

	var models openAIModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	descriptors := make([]types.ModelDescriptor, 0, len(models.Data))
	for _, m := range models.Data {
		descriptors = append(descriptors, types.ModelDescriptor{
			ID:          m.ID,
			Provider:    p.Name(),
			Kind:        types.ProviderRemoteAPI,
			Type:        types.ModelText,
			CostClass:   types.CostFrontier,
			IsAvailable: true,
		})
	}
	return descriptors, nil
}

type openAIEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed calls /embeddings.
func (p *OpenAIProvider) Embed(ctx context.Context, text, modelID string) ([]float32, error) {
	body, err := json.Marshal(openAIEmbedRequest{Model: modelID, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

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

	var out openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("no embedding in response")
	}
	return out.Data[0].Embedding, nil
}

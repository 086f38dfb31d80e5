package llm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mkrader/taskmesh/pkg/types"
)

// StaticProvider is an in-memory Provider used by tests and by `serve
// --offline` runs where no backend is reachable. Responses are canned,
// failures are injectable per model, and every Generate call is counted so
// tests can assert that the cache short-circuited the adapter.
type StaticProvider struct {
	name string
	kind types.ProviderKind

	mu        sync.Mutex
	models    []types.ModelDescriptor
	responses map[string]string // model id -> canned content
	failures  map[string]error  // model id -> injected error
	listErr   error

	generateCalls atomic.Int64
}

// NewStaticProvider creates a static provider serving the given model ids.
func NewStaticProvider(name string, kind types.ProviderKind, modelIDs ...string) *StaticProvider {
	p := &StaticProvider{
		name:      name,
		kind:      kind,
		responses: make(map[string]string),
		failures:  make(map[string]error),
	}
	for _, id := range modelIDs {
		cost := types.CostFree
		if kind == types.ProviderRemoteAPI {
			cost = types.CostFrontier
		}
		p.models = append(p.models, types.ModelDescriptor{
			ID:          id,
			Provider:    name,
			Kind:        kind,
			Type:        types.ModelText,
			CostClass:   cost,
			IsAvailable: true,
		})
	}
	return p
}

// Name returns the provider identifier.
func (p *StaticProvider) Name() string { return p.name }

// Kind returns the configured provider kind.
func (p *StaticProvider) Kind() types.ProviderKind { return p.kind }

// SetResponse sets the canned content returned for a model.
func (p *StaticProvider) SetResponse(modelID, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[modelID] = content
}

// FailWith injects an error for a model. Pass nil to clear.
func (p *StaticProvider) FailWith(modelID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, modelID)
		return
	}
	p.failures[modelID] = err
}

// FailListModels makes ListModels return err until cleared with nil.
func (p *StaticProvider) FailListModels(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listErr = err
}

// GenerateCalls returns how many times Generate was invoked.
func (p *StaticProvider) GenerateCalls() int64 {
	return p.generateCalls.Load()
}

// Generate returns the canned response for the model, or the injected error.
func (p *StaticProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	p.generateCalls.Add(1)

	if err := ctx.Err(); err != nil {
		return nil, classifyErr(p.name, req.Model, err)
	}

	p.mu.Lock()
	failure := p.failures[req.Model]
	content, ok := p.responses[req.Model]
	p.mu.Unlock()

	if failure != nil {
		return nil, failure
	}
	if !ok {
		content = fmt.Sprintf("static response from %s", req.Model)
	}
	return &GenerateResponse{Content: content, Model: req.Model}, nil
}

// ListModels returns the configured descriptors.
func (p *StaticProvider) ListModels(ctx context.Context) ([]types.ModelDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	return append([]types.ModelDescriptor(nil), p.models...), nil
}

// Embed returns a fixed-size zero vector.
func (p *StaticProvider) Embed(ctx context.Context, text, modelID string) ([]float32, error) {
	p.mu.Lock()
	failure := p.failures[modelID]
	p.mu.Unlock()
	if failure != nil {
		return nil, failure
	}
	return make([]float32, 8), nil
}

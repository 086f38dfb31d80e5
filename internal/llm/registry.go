package llm

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mkrader/taskmesh/internal/logging"
	"github.com/mkrader/taskmesh/pkg/types"
)

// DefaultHealthInterval is how often the registry re-polls providers.
const DefaultHealthInterval = 30 * time.Second

// Registry tracks every provider adapter and the live model descriptors
// they serve. Descriptors are refreshed by polling ListModels on each
// provider; between refreshes the IsAvailable flags may be stale by at most
// one health-check interval, which callers accept.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	models    map[string]types.ModelDescriptor // model id -> descriptor
	interval  time.Duration
}

// NewRegistry creates a registry over the given providers.
func NewRegistry(interval time.Duration, providers ...Provider) *Registry {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	r := &Registry{
		providers: make(map[string]Provider, len(providers)),
		models:    make(map[string]types.ModelDescriptor),
		interval:  interval,
	}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Provider returns the adapter registered under name.
func (r *Registry) Provider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// ProviderFor returns the adapter serving the given model id.
func (r *Registry) ProviderFor(modelID string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.models[modelID]
	if !ok {
		return nil, false
	}
	p, ok := r.providers[desc.Provider]
	return p, ok
}

// Model returns the descriptor for a model id.
func (r *Registry) Model(modelID string) (types.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.models[modelID]
	return desc, ok
}

// IsAvailable reports the live health flag for a model. Unknown models are
// unavailable.
func (r *Registry) IsAvailable(modelID string) bool {
	desc, ok := r.Model(modelID)
	return ok && desc.IsAvailable
}

// Models returns a snapshot of all known descriptors, local runtimes first,
// then by id. That ordering is what the router's default fallback chain
// relies on: no external cost before metered APIs.
func (r *Registry) Models() []types.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	models := make([]types.ModelDescriptor, 0, len(r.models))
	for _, desc := range r.models {
		models = append(models, desc)
	}
	sort.Slice(models, func(i, j int) bool {
		if models[i].Kind != models[j].Kind {
			return models[i].Kind == types.ProviderLocalRuntime
		}
		return models[i].ID < models[j].ID
	})
	return models
}

// Refresh polls every provider in parallel and rebuilds the descriptor set.
// A provider that fails to answer keeps its previously known models, marked
// unavailable, so the fallback chain can still reason about them.
func (r *Registry) Refresh(ctx context.Context) {
	log := logging.For("llm.registry")

	results := make(map[string][]types.ModelDescriptor)
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	r.mu.RLock()
	for name, p := range r.providers {
		g.Go(func() error {
			descs, err := p.ListModels(gctx)
			resultsMu.Lock()
			defer resultsMu.Unlock()
			if err != nil {
				log.Debug().Err(err).Str("provider", name).Msg("health check failed")
				results[name] = nil
				return nil // one dead provider must not cancel the others
			}
			results[name] = descs
			return nil
		})
	}
	r.mu.RUnlock()
	_ = g.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	fresh := make(map[string]types.ModelDescriptor, len(r.models))
	for name, descs := range results {
		if descs == nil {
			// Provider down: carry forward its models as unavailable.
			for id, desc := range r.models {
				if desc.Provider == name {
					desc.IsAvailable = false
					fresh[id] = desc
				}
			}
			continue
		}
		for _, desc := range descs {
			fresh[desc.ID] = desc
		}
	}
	r.models = fresh
}

// Start refreshes immediately and then at the configured interval until ctx
// is cancelled.
func (r *Registry) Start(ctx context.Context) {
	r.Refresh(ctx)

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Refresh(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

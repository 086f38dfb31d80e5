package router

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkrader/taskmesh/internal/bus"
	"github.com/mkrader/taskmesh/internal/cache"
	"github.com/mkrader/taskmesh/internal/fingerprint"
	"github.com/mkrader/taskmesh/internal/llm"
	"github.com/mkrader/taskmesh/internal/logging"
)

// Default tuning. Overridable via options.
const (
	DefaultRequestTimeout = 2 * time.Minute
	DefaultRetryBackoff   = 500 * time.Millisecond

	// DefaultTTLShort applies to non-deterministic generations.
	DefaultTTLShort = 5 * time.Minute
	// DefaultTTLLong applies to deterministic (low temperature) results.
	DefaultTTLLong = time.Hour

	// deterministicTemperature is the cutoff below which a generation is
	// cached with the long TTL.
	deterministicTemperature = 0.2
)

// Router selects a provider+model per request, applies the result cache,
// and enforces retry and fallback policy. It holds no task or agent locks:
// provider calls are the primary suspension points and must never block
// orchestration state.
type Router struct {
	registry *llm.Registry
	cache    *cache.ResultCache
	events   *bus.Bus
	log      zerolog.Logger

	requestTimeout time.Duration
	retryBackoff   time.Duration
	ttlShort       time.Duration
	ttlLong        time.Duration

	requests  atomic.Int64
	cacheHits atomic.Int64
	fallbacks atomic.Int64
	retries   atomic.Int64
	exhausted atomic.Int64
}

// Option configures a Router.
type Option func(*Router)

// WithRequestTimeout sets the implicit per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Router) { r.requestTimeout = d }
}

// WithRetryBackoff sets the delay before the single transient retry.
func WithRetryBackoff(d time.Duration) Option {
	return func(r *Router) { r.retryBackoff = d }
}

// WithTTLs sets the cache TTLs for volatile and deterministic results.
func WithTTLs(short, long time.Duration) Option {
	return func(r *Router) { r.ttlShort, r.ttlLong = short, long }
}

// WithBus publishes route.completed / route.failed events.
func WithBus(b *bus.Bus) Option {
	return func(r *Router) { r.events = b }
}

// New creates a Router over the given registry and cache.
func New(registry *llm.Registry, resultCache *cache.ResultCache, opts ...Option) *Router {
	r := &Router{
		registry:       registry,
		cache:          resultCache,
		log:            logging.For("router"),
		requestTimeout: DefaultRequestTimeout,
		retryBackoff:   DefaultRetryBackoff,
		ttlShort:       DefaultTTLShort,
		ttlLong:        DefaultTTLLong,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route resolves one request: cache first, then the preferred model, then
// the fallback chain in order. Transient provider errors are retried once
// with backoff; permanent errors advance the chain immediately.
func (r *Router) Route(ctx context.Context, req *Request) (*Result, error) {
	if req.Prompt == "" {
		return nil, &ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	r.requests.Add(1)

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.requestTimeout)
		defer cancel()
	}

	chain := r.buildChain(req)
	if len(chain) == 0 {
		return nil, ErrNoModels
	}

	causes := make(map[string]error, len(chain))
	for i, modelID := range chain {
		if i > 0 {
			r.fallbacks.Add(1)
		}

		fp := fingerprint.Compute(req.Prompt, modelID, req.params())
		if !req.NoCache {
			if entry, ok := r.cache.Get(fp); ok {
				r.cacheHits.Add(1)
				r.log.Debug().Str("model", modelID).Msg("cache hit")
				return &Result{
					ModelID:     entry.ModelID,
					Content:     entry.Content,
					Cached:      true,
					Fingerprint: fp,
				}, nil
			}
		}

		// Health flags may be stale by one check interval; dead models
		// are skipped without spending a call on them.
		if desc, known := r.registry.Model(modelID); known && !desc.IsAvailable {
			causes[modelID] = errUnavailableModel(desc.Provider, modelID)
			continue
		}

		provider, ok := r.registry.ProviderFor(modelID)
		if !ok {
			causes[modelID] = errUnknownModel(modelID)
			continue
		}

		result, err := r.invoke(ctx, provider, modelID, req)
		if err != nil {
			causes[modelID] = err
			r.log.Warn().Err(err).Str("model", modelID).Msg("provider failed, advancing chain")
			if ctx.Err() != nil {
				break // deadline spent, no point walking further
			}
			continue
		}

		if !req.NoCache {
			r.cache.Put(fp, result.Content, modelID, r.ttlFor(req))
		}
		result.Fingerprint = fp
		r.publish(bus.NewEvent(bus.EventRouteCompleted).WithModel(modelID))
		return result, nil
	}

	r.exhausted.Add(1)
	r.publish(bus.NewEvent(bus.EventRouteFailed).WithDetail("all providers exhausted"))
	return nil, &ExhaustedError{Causes: causes}
}

// invoke calls one provider, retrying once with backoff on a
// transient-classified error.
func (r *Router) invoke(ctx context.Context, provider llm.Provider, modelID string, req *Request) (*Result, error) {
	genReq := &llm.GenerateRequest{
		Model:       modelID,
		Prompt:      req.Prompt,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	start := time.Now()
	resp, err := provider.Generate(ctx, genReq)
	if err != nil && llm.IsTransient(err) {
		r.retries.Add(1)
		select {
		case <-time.After(r.retryBackoff):
		case <-ctx.Done():
			return nil, err
		}
		resp, err = provider.Generate(ctx, genReq)
	}
	if err != nil {
		return nil, err
	}

	return &Result{
		ModelID: modelID,
		Content: resp.Content,
		Latency: time.Since(start),
	}, nil
}

// buildChain produces the ordered candidate list: preferred model first,
// then the explicit fallback chain, deduplicated. With no explicit choice
// at all, the default chain is every known model, local runtimes before
// remote APIs.
func (r *Router) buildChain(req *Request) []string {
	var chain []string
	seen := make(map[string]bool)

	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			chain = append(chain, id)
		}
	}

	add(req.PreferredModelID)
	for _, id := range req.FallbackChain {
		add(id)
	}

	if len(chain) == 0 {
		for _, desc := range r.registry.Models() {
			add(desc.ID)
		}
	}
	return chain
}

// ttlFor picks the cache TTL: deterministic low-temperature generations
// keep the long TTL, everything else the short one.
func (r *Router) ttlFor(req *Request) time.Duration {
	if req.Temperature <= deterministicTemperature {
		return r.ttlLong
	}
	return r.ttlShort
}

func (r *Router) publish(event bus.Event) {
	if r.events != nil {
		_ = r.events.Publish(event)
	}
}

// Stats returns a snapshot of the router counters.
func (r *Router) Stats() Stats {
	return Stats{
		Requests:  r.requests.Load(),
		CacheHits: r.cacheHits.Load(),
		Fallbacks: r.fallbacks.Load(),
		Retries:   r.retries.Load(),
		Exhausted: r.exhausted.Load(),
	}
}

// Registry exposes the underlying model registry for status queries.
func (r *Router) Registry() *llm.Registry { return r.registry }

func errUnavailableModel(provider, modelID string) error {
	return &llm.ProviderError{
		Provider: provider,
		Model:    modelID,
		Kind:     llm.KindUnavailable,
		Err:      errModelDown,
	}
}

func errUnknownModel(modelID string) error {
	return &llm.ProviderError{
		Provider: "unknown",
		Model:    modelID,
		Kind:     llm.KindUnavailable,
		Err:      errNoAdapter,
	}
}

var (
	errModelDown = errors.New("model reported unavailable by health check")
	errNoAdapter = errors.New("no provider adapter serves this model")
)

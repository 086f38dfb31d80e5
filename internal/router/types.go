// Package router implements model routing: given a generation request, it
// consults the result cache, selects a provider+model, and walks the
// fallback chain when the preferred model is unavailable or over quota.
package router

import (
	"time"

	"github.com/mkrader/taskmesh/internal/fingerprint"
)

// Stage identifies the pipeline stage a request belongs to. Each stage
// fingerprints independently, so a cached reasoning result survives a
// generation-model change.
type Stage string

const (
	StageSingle     Stage = "single"
	StageReasoning  Stage = "reasoning"
	StageGeneration Stage = "generation"
)

// Request is one routing decision. Ephemeral: it exists only for the
// duration of the call and is never persisted beyond the cache entry it
// produces.
type Request struct {
	Prompt           string
	System           string
	PreferredModelID string
	// FallbackChain is tried in order after the preferred model. When
	// empty, the router builds a default chain: local runtimes first,
	// then remote APIs.
	FallbackChain []string
	Stage         Stage
	MaxTokens     int
	Temperature   float64
	// NoCache bypasses the result cache for this request.
	NoCache bool
}

// params maps the request onto the fingerprint parameter set.
func (r *Request) params() fingerprint.Params {
	stage := r.Stage
	if stage == "" {
		stage = StageSingle
	}
	return fingerprint.Params{
		System:      r.System,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		Stage:       string(stage),
	}
}

// Result is a routed generation.
type Result struct {
	ModelID     string
	Content     string
	Latency     time.Duration
	Cached      bool
	Fingerprint string
}

// Stats are cumulative router counters.
type Stats struct {
	Requests  int64 `json:"requests"`
	CacheHits int64 `json:"cache_hits"`
	Fallbacks int64 `json:"fallbacks"`
	Retries   int64 `json:"retries"`
	Exhausted int64 `json:"exhausted"`
}

// Package pipeline implements the two-stage reasoning/generation hybrid:
// stage 1 asks a reasoning model to think about the prompt, stage 2 asks a
// generation model for the final artifact conditioned on the extracted
// reasoning. Each stage routes and caches independently, so a cached
// reasoning result survives a generation-model change.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkrader/taskmesh/internal/logging"
	"github.com/mkrader/taskmesh/internal/router"
)

// State is the explicit per-request state machine. Failed is an absorbing
// state reachable from any non-terminal state.
type State string

const (
	StateStart               State = "start"
	StateReasoningRequested  State = "reasoning_requested"
	StateReasoningExtracted  State = "reasoning_extracted"
	StateGenerationRequested State = "generation_requested"
	StateDone                State = "done"
	StateFailed              State = "failed"
)

// ErrReasoningUnavailable is returned when stage 1 exhausts its fallback
// chain. The pipeline fails fast rather than generating without reasoning.
var ErrReasoningUnavailable = errors.New("reasoning stage unavailable")

// ErrGenerationUnavailable is returned when stage 2 fails after reasoning
// succeeded. The partial result still carries the extracted reasoning.
var ErrGenerationUnavailable = errors.New("generation stage unavailable")

// Config selects the two stage models and their fallbacks.
type Config struct {
	ReasoningModel     string
	ReasoningFallback  []string
	GenerationModel    string
	GenerationFallback []string
	Temperature        float64
	MaxTokens          int
}

// Result is the pipeline output. Reasoning is always populated when stage 1
// succeeded, including on a stage-2 failure, so callers can surface the
// rationale separately from the answer.
type Result struct {
	State             State
	Content           string
	Reasoning         string
	ReasoningModelID  string
	GenerationModelID string
	Latency           time.Duration
}

// Pipeline drives the two-stage flow over a model router.
type Pipeline struct {
	router *router.Router
	config Config
	log    zerolog.Logger
}

// New creates a pipeline over the given router.
func New(r *router.Router, cfg Config) *Pipeline {
	return &Pipeline{
		router: r,
		config: cfg,
		log:    logging.For("pipeline"),
	}
}

// Run executes both stages for a prompt.
func (p *Pipeline) Run(ctx context.Context, prompt string) (*Result, error) {
	start := time.Now()
	result := &Result{State: StateStart}

	// Stage 1: reasoning.
	result.State = StateReasoningRequested
	reasoningResult, err := p.router.Route(ctx, &router.Request{
		Prompt:           prompt,
		PreferredModelID: p.config.ReasoningModel,
		FallbackChain:    p.config.ReasoningFallback,
		Stage:            router.StageReasoning,
		Temperature:      p.config.Temperature,
		MaxTokens:        p.config.MaxTokens,
	})
	if err != nil {
		result.State = StateFailed
		return result, fmt.Errorf("%w: %w", ErrReasoningUnavailable, err)
	}
	result.ReasoningModelID = reasoningResult.ModelID

	reasoning, found := ExtractReasoning(reasoningResult.Content)
	if !found {
		p.log.Debug().Str("model", reasoningResult.ModelID).
			Msg("no discernible reasoning section, using raw output verbatim")
	}
	result.Reasoning = reasoning
	result.State = StateReasoningExtracted

	// Stage 2: generation, conditioned on the extracted reasoning.
	result.State = StateGenerationRequested
	generationResult, err := p.router.Route(ctx, &router.Request{
		Prompt:           augmentPrompt(prompt, reasoning),
		PreferredModelID: p.config.GenerationModel,
		FallbackChain:    p.config.GenerationFallback,
		Stage:            router.StageGeneration,
		Temperature:      p.config.Temperature,
		MaxTokens:        p.config.MaxTokens,
	})
	if err != nil {
		// Partial output: the caller decides whether to show the
		// reasoning without an answer.
		result.State = StateFailed
		result.Latency = time.Since(start)
		return result, fmt.Errorf("%w: %w", ErrGenerationUnavailable, err)
	}

	result.Content = generationResult.Content
	result.GenerationModelID = generationResult.ModelID
	result.State = StateDone
	result.Latency = time.Since(start)
	return result, nil
}

// augmentPrompt builds the stage-2 prompt from the original prompt and the
// extracted reasoning.
func augmentPrompt(prompt, reasoning string) string {
	return fmt.Sprintf("%s\n\nHere is some reasoning about this request:\n%s\n\nUse the reasoning above to produce the final answer.", prompt, reasoning)
}

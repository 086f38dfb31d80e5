package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrader/taskmesh/internal/cache"
	"github.com/mkrader/taskmesh/internal/llm"
	"github.com/mkrader/taskmesh/internal/router"
	"github.com/mkrader/taskmesh/pkg/types"
)

func newTestPipeline(t *testing.T, provider *llm.StaticProvider) *Pipeline {
	t.Helper()
	reg := llm.NewRegistry(time.Minute, provider)
	reg.Refresh(context.Background())

	resultCache, err := cache.New(64)
	require.NoError(t, err)

	r := router.New(reg, resultCache, router.WithRetryBackoff(time.Millisecond))
	return New(r, Config{
		ReasoningModel:  "reasoner",
		GenerationModel: "generator",
	})
}

func TestRun_HappyPath(t *testing.T) {
	p := llm.NewStaticProvider("ollama", types.ProviderLocalRuntime, "reasoner", "generator")
	p.SetResponse("reasoner", "<think>the user needs a sort</think>ignore")
	p.SetResponse("generator", "use sort.Slice")
	pipe := newTestPipeline(t, p)

	result, err := pipe.Run(context.Background(), "how do I sort in Go")
	require.NoError(t, err)
	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, "the user needs a sort", result.Reasoning)
	assert.Equal(t, "use sort.Slice", result.Content)
	assert.Equal(t, "reasoner", result.ReasoningModelID)
	assert.Equal(t, "generator", result.GenerationModelID)
}

func TestRun_NoExtractableReasoningUsesRawText(t *testing.T) {
	p := llm.NewStaticProvider("ollama", types.ProviderLocalRuntime, "reasoner", "generator")
	p.SetResponse("reasoner", "raw deliberation with no markers")
	p.SetResponse("generator", "final")
	pipe := newTestPipeline(t, p)

	result, err := pipe.Run(context.Background(), "prompt")
	require.NoError(t, err)
	// No information loss: the full raw text conditioned stage 2.
	assert.Equal(t, "raw deliberation with no markers", result.Reasoning)
}

func TestRun_ReasoningFailureFailsFast(t *testing.T) {
	p := llm.NewStaticProvider("ollama", types.ProviderLocalRuntime, "reasoner", "generator")
	p.FailWith("reasoner", &llm.ProviderError{Provider: "ollama", Model: "reasoner", Kind: llm.KindUnavailable, Err: errors.New("down")})
	pipe := newTestPipeline(t, p)

	result, err := pipe.Run(context.Background(), "prompt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReasoningUnavailable))
	assert.Equal(t, StateFailed, result.State)
	// Stage 2 never ran: reasoner call (plus chain walk) only.
	assert.Empty(t, result.Content)
}

func TestRun_GenerationFailureReturnsPartialResult(t *testing.T) {
	p := llm.NewStaticProvider("ollama", types.ProviderLocalRuntime, "reasoner", "generator")
	p.SetResponse("reasoner", "<think>partial wisdom</think>")
	p.FailWith("generator", &llm.ProviderError{Provider: "ollama", Model: "generator", Kind: llm.KindUnavailable, Err: errors.New("down")})
	pipe := newTestPipeline(t, p)

	result, err := pipe.Run(context.Background(), "prompt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGenerationUnavailable))
	assert.Equal(t, StateFailed, result.State)
	// The extracted reasoning survives for the caller to display.
	assert.Equal(t, "partial wisdom", result.Reasoning)
}

func TestRun_StagesCacheIndependently(t *testing.T) {
	p := llm.NewStaticProvider("ollama", types.ProviderLocalRuntime, "reasoner", "generator")
	p.SetResponse("reasoner", "<think>cached thought</think>")
	p.SetResponse("generator", "answer")
	pipe := newTestPipeline(t, p)

	_, err := pipe.Run(context.Background(), "prompt")
	require.NoError(t, err)
	callsAfterFirst := p.GenerateCalls()

	_, err = pipe.Run(context.Background(), "prompt")
	require.NoError(t, err)
	// Both stages hit the cache on the second run.
	assert.Equal(t, callsAfterFirst, p.GenerateCalls())
}

func TestAugmentPrompt(t *testing.T) {
	got := augmentPrompt("original", "because")
	if !strings.Contains(got, "original") || !strings.Contains(got, "because") {
		t.Errorf("augmented prompt must contain both prompt and reasoning: %q", got)
	}
}

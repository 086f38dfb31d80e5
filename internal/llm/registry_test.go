package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrader/taskmesh/pkg/types"
)

func TestRegistry_RefreshAndLookup(t *testing.T) {
	local := NewStaticProvider("ollama", types.ProviderLocalRuntime, "llama3", "deepseek-r1")
	remote := NewStaticProvider("openai", types.ProviderRemoteAPI, "gpt-4o")
	reg := NewRegistry(time.Minute, local, remote)

	reg.Refresh(context.Background())

	assert.True(t, reg.IsAvailable("llama3"))
	assert.True(t, reg.IsAvailable("gpt-4o"))
	assert.False(t, reg.IsAvailable("unknown-model"))

	p, ok := reg.ProviderFor("llama3")
	require.True(t, ok)
	assert.Equal(t, "ollama", p.Name())

	desc, ok := reg.Model("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, types.ProviderRemoteAPI, desc.Kind)
}

func TestRegistry_ModelsOrderedLocalFirst(t *testing.T) {
	local := NewStaticProvider("ollama", types.ProviderLocalRuntime, "llama3")
	remote := NewStaticProvider("openai", types.ProviderRemoteAPI, "gpt-4o")
	reg := NewRegistry(time.Minute, remote, local)

	reg.Refresh(context.Background())

	models := reg.Models()
	require.Len(t, models, 2)
	assert.Equal(t, types.ProviderLocalRuntime, models[0].Kind)
	assert.Equal(t, types.ProviderRemoteAPI, models[1].Kind)
}

func TestRegistry_DeadProviderKeepsModelsUnavailable(t *testing.T) {
	local := NewStaticProvider("ollama", types.ProviderLocalRuntime, "llama3")
	reg := NewRegistry(time.Minute, local)

	reg.Refresh(context.Background())
	require.True(t, reg.IsAvailable("llama3"))

	local.FailListModels(errors.New("connection refused"))
	reg.Refresh(context.Background())

	// Model is still known but flagged unavailable.
	desc, ok := reg.Model("llama3")
	require.True(t, ok)
	assert.False(t, desc.IsAvailable)

	// Backend recovers.
	local.FailListModels(nil)
	reg.Refresh(context.Background())
	assert.True(t, reg.IsAvailable("llama3"))
}

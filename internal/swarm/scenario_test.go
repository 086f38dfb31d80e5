package swarm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrader/taskmesh/internal/bus"
	"github.com/mkrader/taskmesh/internal/cache"
	"github.com/mkrader/taskmesh/internal/llm"
	"github.com/mkrader/taskmesh/internal/router"
	"github.com/mkrader/taskmesh/internal/task"
	"github.com/mkrader/taskmesh/pkg/types"
)

// TestScenario_FallbackRouting wires the real components end to end: a
// high-priority coder task is submitted, a coder agent picks it up, the
// agent's preferred model fails, and the fallback model completes the task
// with its id recorded.
func TestScenario_FallbackRouting(t *testing.T) {
	ctx := context.Background()

	provider := llm.NewStaticProvider("static", types.ProviderLocalRuntime, "primary", "fallback")
	provider.SetResponse("fallback", "refactored the parser")
	provider.FailWith("primary", &llm.ProviderError{
		Provider: "static",
		Model:    "primary",
		Kind:     llm.KindUnavailable,
		Err:      errors.New("model over quota"),
	})

	registry := llm.NewRegistry(time.Hour, provider)
	registry.Refresh(ctx)

	resultCache, err := cache.New(16)
	require.NoError(t, err)

	events := bus.NewWithHistory(64)
	routes := router.New(registry, resultCache,
		router.WithRetryBackoff(time.Millisecond),
		router.WithBus(events),
	)

	exec := ExecutorFunc(func(ctx context.Context, agent *types.Agent, tk *types.Task) (Outcome, error) {
		start := time.Now()
		result, err := routes.Route(ctx, &router.Request{
			Prompt:           tk.Description,
			PreferredModelID: agent.ModelID,
			FallbackChain:    []string{"fallback"},
		})
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{
			Success: true,
			Result:  result.Content,
			ModelID: result.ModelID,
			Latency: time.Since(start),
		}, nil
	})

	tasks := task.NewManager(nil, events)
	m := NewManager(tasks, events, WithExecutor(exec))
	m.Start()
	t.Cleanup(func() {
		m.Close()
		events.Close()
	})

	submitted, err := tasks.Submit(ctx, task.Draft{
		Title:       "T1",
		Description: "refactor the parser",
		Priority:    types.PriorityHigh,
		DueDate:     time.Now().Add(time.Hour),
		Tags:        []string{"coder"},
	})
	require.NoError(t, err)

	_, err = m.Register(ctx, Descriptor{
		ID:           "A1",
		Name:         "coder-one",
		Type:         "coder",
		ModelID:      "primary",
		Capabilities: []string{"coder"},
	})
	require.NoError(t, err)

	got := waitForStatus(t, tasks, submitted.ID, types.TaskCompleted)
	assert.Equal(t, "A1", got.AssignedAgentID)
	assert.Equal(t, "refactored the parser", got.ResultPayload)

	// Fallback model produced the recorded result.
	waitForAgentStatus(t, m, "A1", types.AgentIdle)
	var completed []bus.Event
	for _, event := range events.History(64) {
		if event.Type == bus.EventRouteCompleted {
			completed = append(completed, event)
		}
	}
	require.NotEmpty(t, completed)
	assert.Equal(t, "fallback", completed[len(completed)-1].ModelID)
}

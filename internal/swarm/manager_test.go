package swarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrader/taskmesh/internal/bus"
	"github.com/mkrader/taskmesh/internal/data"
	"github.com/mkrader/taskmesh/internal/feedback"
	"github.com/mkrader/taskmesh/internal/task"
	"github.com/mkrader/taskmesh/pkg/types"
)

func newHarness(t *testing.T, opts ...Option) (*Manager, *task.Manager, *bus.Bus) {
	t.Helper()
	events := bus.New()
	tasks := task.NewManager(nil, events)
	m := NewManager(tasks, events, opts...)
	m.Start()
	t.Cleanup(func() {
		m.Close()
		events.Close()
	})
	return m, tasks, events
}

func coderDraft() task.Draft {
	return task.Draft{
		Title:       "refactor parser",
		Description: "split the lexer out",
		Priority:    types.PriorityHigh,
		DueDate:     time.Now().Add(time.Hour),
		Tags:        []string{"coder"},
	}
}

func waitForStatus(t *testing.T, tasks *task.Manager, id string, want types.TaskStatus) *types.Task {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		got, err := tasks.Get(id)
		require.NoError(t, err)
		if got.Status == want {
			return got
		}
		select {
		case <-deadline:
			t.Fatalf("task %s never reached %s, last status %s", id, want, got.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func waitForAgentStatus(t *testing.T, m *Manager, id string, want types.AgentStatus) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		agent, err := m.Agent(id)
		require.NoError(t, err)
		if agent.Status == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("agent %s never reached %s, last status %s", id, want, agent.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRegister_Duplicate(t *testing.T) {
	m, _, _ := newHarness(t)

	_, err := m.Register(context.Background(), Descriptor{ID: "a1", Name: "alpha"})
	require.NoError(t, err)

	_, err = m.Register(context.Background(), Descriptor{ID: "a1", Name: "alpha-again"})
	var dup *DuplicateAgentError
	assert.True(t, errors.As(err, &dup))
}

func TestAssignment_CapabilityMatch(t *testing.T) {
	m, tasks, _ := newHarness(t)
	ctx := context.Background()

	_, err := m.Register(ctx, Descriptor{ID: "res", Name: "researcher", Capabilities: []string{"researcher"}})
	require.NoError(t, err)
	_, err = m.Register(ctx, Descriptor{ID: "cod", Name: "coder", Capabilities: []string{"coder", "reviewer"}})
	require.NoError(t, err)

	submitted, err := tasks.Submit(ctx, coderDraft())
	require.NoError(t, err)

	got := waitForStatus(t, tasks, submitted.ID, types.TaskAssigned)
	assert.Equal(t, "cod", got.AssignedAgentID)
	waitForAgentStatus(t, m, "cod", types.AgentBusy)

	// The non-matching agent stays idle.
	researcher, _ := m.Agent("res")
	assert.Equal(t, types.AgentIdle, researcher.Status)
}

func TestAssignment_FIFOTieBreak(t *testing.T) {
	m, tasks, _ := newHarness(t)
	ctx := context.Background()

	_, err := m.Register(ctx, Descriptor{ID: "first", Name: "first", Capabilities: []string{"coder"}})
	require.NoError(t, err)
	_, err = m.Register(ctx, Descriptor{ID: "second", Name: "second", Capabilities: []string{"coder"}})
	require.NoError(t, err)

	submitted, err := tasks.Submit(ctx, coderDraft())
	require.NoError(t, err)

	got := waitForStatus(t, tasks, submitted.ID, types.TaskAssigned)
	assert.Equal(t, "first", got.AssignedAgentID)
}

func TestAssignment_AgentHint(t *testing.T) {
	m, tasks, _ := newHarness(t)
	ctx := context.Background()

	_, err := m.Register(ctx, Descriptor{ID: "first", Name: "first", Capabilities: []string{"coder"}})
	require.NoError(t, err)
	_, err = m.Register(ctx, Descriptor{ID: "preferred", Name: "preferred", Capabilities: []string{"coder"}})
	require.NoError(t, err)

	d := coderDraft()
	d.AgentHint = "preferred"
	submitted, err := tasks.Submit(ctx, d)
	require.NoError(t, err)

	got := waitForStatus(t, tasks, submitted.ID, types.TaskAssigned)
	assert.Equal(t, "preferred", got.AssignedAgentID)
}

func TestAssignment_RetriesWhenAgentTurnsIdle(t *testing.T) {
	m, tasks, _ := newHarness(t)
	ctx := context.Background()

	// Task first: nothing can take it.
	submitted, err := tasks.Submit(ctx, coderDraft())
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	got, _ := tasks.Get(submitted.ID)
	require.Equal(t, types.TaskQueued, got.Status)

	// Registration makes an idle capable agent appear.
	_, err = m.Register(ctx, Descriptor{ID: "late", Name: "late", Capabilities: []string{"coder"}})
	require.NoError(t, err)

	got = waitForStatus(t, tasks, submitted.ID, types.TaskAssigned)
	assert.Equal(t, "late", got.AssignedAgentID)
}

func TestCompleteAssignment_Idempotent(t *testing.T) {
	m, tasks, _ := newHarness(t)
	ctx := context.Background()

	_, err := m.Register(ctx, Descriptor{ID: "a1", Name: "alpha", Capabilities: []string{"coder"}})
	require.NoError(t, err)

	submitted, err := tasks.Submit(ctx, coderDraft())
	require.NoError(t, err)
	waitForStatus(t, tasks, submitted.ID, types.TaskAssigned)

	_, err = tasks.Transition(ctx, submitted.ID, types.TaskRunning, task.TransitionOpts{})
	require.NoError(t, err)

	outcome := Outcome{Success: true, Result: "done", ModelID: "llama3"}
	require.NoError(t, m.CompleteAssignment(ctx, "a1", submitted.ID, outcome))

	got, _ := tasks.Get(submitted.ID)
	assert.Equal(t, types.TaskCompleted, got.Status)
	waitForAgentStatus(t, m, "a1", types.AgentIdle)

	// Second completion for the same pair is absorbed.
	require.NoError(t, m.CompleteAssignment(ctx, "a1", submitted.ID, Outcome{Success: false, Reason: "late duplicate"}))
	got, _ = tasks.Get(submitted.ID)
	assert.Equal(t, types.TaskCompleted, got.Status)
}

func TestCompleteAssignment_TaskFinishedElsewhere(t *testing.T) {
	block := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, agent *types.Agent, tk *types.Task) (Outcome, error) {
		<-block
		return Outcome{Success: true, Result: "late result"}, nil
	})
	m, tasks, _ := newHarness(t, WithExecutor(exec))
	ctx := context.Background()

	_, err := m.Register(ctx, Descriptor{ID: "a1", Name: "alpha", Capabilities: []string{"coder"}})
	require.NoError(t, err)

	submitted, err := tasks.Submit(ctx, coderDraft())
	require.NoError(t, err)
	waitForStatus(t, tasks, submitted.ID, types.TaskRunning)

	// An operator cancels the task while the agent is still working on it.
	_, err = tasks.Transition(ctx, submitted.ID, types.TaskFailed, task.TransitionOpts{Reason: "cancelled by operator"})
	require.NoError(t, err)

	// When the agent finally reports, its outcome is discarded but the
	// agent itself goes back into the idle pool.
	close(block)
	waitForAgentStatus(t, m, "a1", types.AgentIdle)

	got, _ := tasks.Get(submitted.ID)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, "cancelled by operator", got.FailureReason)
	assert.Empty(t, got.ResultPayload)
}

func TestCompleteAssignment_RecordsOutcomeOnce(t *testing.T) {
	store, err := data.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	events := bus.New()
	tasks := task.NewManager(nil, events)
	rec := feedback.NewRecorder(store, events, 16)

	exec := ExecutorFunc(func(ctx context.Context, agent *types.Agent, tk *types.Task) (Outcome, error) {
		return Outcome{Success: true, Result: "built", ModelID: agent.ModelID, Latency: 50 * time.Millisecond}, nil
	})
	m := NewManager(tasks, events, WithExecutor(exec), WithRecorder(rec))
	m.Start()
	t.Cleanup(func() {
		m.Close()
		events.Close()
	})
	ctx := context.Background()

	_, err = m.Register(ctx, Descriptor{ID: "a1", Name: "alpha", ModelID: "llama3", Capabilities: []string{"coder"}})
	require.NoError(t, err)

	submitted, err := tasks.Submit(ctx, coderDraft())
	require.NoError(t, err)
	waitForStatus(t, tasks, submitted.ID, types.TaskCompleted)
	waitForAgentStatus(t, m, "a1", types.AgentIdle)

	// Close flushes the recorder queue before we count rows.
	rec.Close()

	_, count, _, err := store.ModelOutcomeStats(ctx, "llama3")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestExecutor_DrivesTaskToCompletion(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, agent *types.Agent, tk *types.Task) (Outcome, error) {
		return Outcome{Success: true, Result: "built", ModelID: agent.ModelID}, nil
	})
	m, tasks, _ := newHarness(t, WithExecutor(exec))
	ctx := context.Background()

	_, err := m.Register(ctx, Descriptor{ID: "a1", Name: "alpha", ModelID: "llama3", Capabilities: []string{"coder"}})
	require.NoError(t, err)

	submitted, err := tasks.Submit(ctx, coderDraft())
	require.NoError(t, err)

	got := waitForStatus(t, tasks, submitted.ID, types.TaskCompleted)
	assert.Equal(t, "built", got.ResultPayload)
	waitForAgentStatus(t, m, "a1", types.AgentIdle)
}

func TestExecutor_ErrorFailsTask(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, agent *types.Agent, tk *types.Task) (Outcome, error) {
		return Outcome{}, fmt.Errorf("model melted")
	})
	m, tasks, _ := newHarness(t, WithExecutor(exec))
	ctx := context.Background()

	_, err := m.Register(ctx, Descriptor{ID: "a1", Name: "alpha", Capabilities: []string{"coder"}})
	require.NoError(t, err)

	submitted, err := tasks.Submit(ctx, coderDraft())
	require.NoError(t, err)

	got := waitForStatus(t, tasks, submitted.ID, types.TaskFailed)
	assert.Equal(t, "model melted", got.FailureReason)
	// A plain error is not an agent fault; the agent is reusable.
	waitForAgentStatus(t, m, "a1", types.AgentIdle)
}

func TestFailAgent(t *testing.T) {
	block := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, agent *types.Agent, tk *types.Task) (Outcome, error) {
		<-block
		return Outcome{Success: true}, nil
	})
	m, tasks, _ := newHarness(t, WithExecutor(exec))
	defer close(block)
	ctx := context.Background()

	_, err := m.Register(ctx, Descriptor{ID: "a1", Name: "alpha", Capabilities: []string{"coder"}})
	require.NoError(t, err)

	submitted, err := tasks.Submit(ctx, coderDraft())
	require.NoError(t, err)
	waitForStatus(t, tasks, submitted.ID, types.TaskRunning)

	require.NoError(t, m.FailAgent(ctx, "a1"))

	got, _ := tasks.Get(submitted.ID)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, "agent-fault", got.FailureReason)

	agent, _ := m.Agent("a1")
	assert.Equal(t, types.AgentError, agent.Status)

	// Faulted agents take no further work until reset.
	second, err := tasks.Submit(ctx, coderDraft())
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	got, _ = tasks.Get(second.ID)
	assert.Equal(t, types.TaskQueued, got.Status)

	require.NoError(t, m.ResetAgent(ctx, "a1"))
	waitForStatus(t, tasks, second.ID, types.TaskRunning)
}

func TestDeregister_RequiresIdle(t *testing.T) {
	block := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, agent *types.Agent, tk *types.Task) (Outcome, error) {
		<-block
		return Outcome{Success: true}, nil
	})
	m, tasks, _ := newHarness(t, WithExecutor(exec))
	defer close(block)
	ctx := context.Background()

	_, err := m.Register(ctx, Descriptor{ID: "a1", Name: "alpha", Capabilities: []string{"coder"}})
	require.NoError(t, err)

	submitted, err := tasks.Submit(ctx, coderDraft())
	require.NoError(t, err)
	waitForStatus(t, tasks, submitted.ID, types.TaskRunning)

	err = m.Deregister(ctx, "a1")
	var state *AgentStateError
	assert.True(t, errors.As(err, &state))
}

func TestRoute_FIFOPerPair(t *testing.T) {
	m, _, _ := newHarness(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	handler := func(msg Message) {
		mu.Lock()
		got = append(got, msg.Payload)
		mu.Unlock()
	}

	_, err := m.Register(ctx, Descriptor{ID: "sender", Name: "sender"})
	require.NoError(t, err)
	_, err = m.Register(ctx, Descriptor{ID: "receiver", Name: "receiver", Handler: handler})
	require.NoError(t, err)

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, m.Route("sender", "receiver", fmt.Sprintf("msg-%03d", i)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, payload := range got {
		assert.Equal(t, fmt.Sprintf("msg-%03d", i), payload)
	}
}

func TestRoute_UnknownAgent(t *testing.T) {
	m, _, _ := newHarness(t)

	_, err := m.Register(context.Background(), Descriptor{ID: "a1", Name: "alpha"})
	require.NoError(t, err)

	var unknown *UnknownAgentError
	assert.True(t, errors.As(m.Route("a1", "ghost", "hello"), &unknown))
	assert.True(t, errors.As(m.Route("ghost", "a1", "hello"), &unknown))
}

func TestAssignment_PriorityOrder(t *testing.T) {
	m, tasks, _ := newHarness(t)
	ctx := context.Background()

	low := coderDraft()
	low.Priority = types.PriorityLow
	lowTask, err := tasks.Submit(ctx, low)
	require.NoError(t, err)
	highTask, err := tasks.Submit(ctx, coderDraft())
	require.NoError(t, err)

	// One agent: the high-priority task must win the single slot.
	_, err = m.Register(ctx, Descriptor{ID: "a1", Name: "alpha", Capabilities: []string{"coder"}})
	require.NoError(t, err)

	got := waitForStatus(t, tasks, highTask.ID, types.TaskAssigned)
	assert.Equal(t, "a1", got.AssignedAgentID)

	queued, _ := tasks.Get(lowTask.ID)
	assert.Equal(t, types.TaskQueued, queued.Status)
}

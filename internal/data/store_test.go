package data

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrader/taskmesh/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTaskRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	task := &types.Task{
		ID:          "t1",
		Title:       "index repo",
		Description: "build the search index",
		Status:      types.TaskQueued,
		Priority:    types.PriorityHigh,
		Tags:        []string{"coder"},
		CreatedAt:   now,
		DueDate:     now.Add(time.Hour),
	}
	require.NoError(t, store.SaveTask(ctx, task))

	got, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.Title, got.Title)
	assert.Equal(t, types.TaskQueued, got.Status)
	assert.Equal(t, []string{"coder"}, got.Tags)
	assert.Nil(t, got.CompletedAt)

	// Update path: same id overwrites.
	done := now.Add(2 * time.Minute)
	task.Status = types.TaskCompleted
	task.AssignedAgentID = "a1"
	task.ResultPayload = "ok"
	task.CompletedAt = &done
	require.NoError(t, store.SaveTask(ctx, task))

	got, err = store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.Equal(t, "a1", got.AssignedAgentID)
	require.NotNil(t, got.CompletedAt)
}

func TestGetTask_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetTask(context.Background(), "missing")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestAgentRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	agent := &types.Agent{
		ID:           "a1",
		Name:         "coder-1",
		Type:         "coder",
		Status:       types.AgentIdle,
		ModelID:      "llama3",
		Capabilities: []string{"coder", "reviewer"},
		RegisteredAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.SaveAgent(ctx, agent))

	got, err := store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "coder-1", got.Name)
	assert.Equal(t, []string{"coder", "reviewer"}, got.Capabilities)

	require.NoError(t, store.DeleteAgent(ctx, "a1"))
	_, err = store.GetAgent(ctx, "a1")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestFeedbackAppendAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, model := range []string{"llama3", "gpt-4o", "llama3"} {
		r := &types.FeedbackRecord{
			ID:        string(rune('a' + i)),
			Prompt:    "p",
			Response:  "r",
			ModelID:   model,
			Rating:    i + 3,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.AppendFeedback(ctx, r))
	}

	all, err := store.FeedbackSince(ctx, base, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	llama, err := store.FeedbackSince(ctx, base, "llama3")
	require.NoError(t, err)
	assert.Len(t, llama, 2)

	late, err := store.FeedbackSince(ctx, base.Add(90*time.Second), "")
	require.NoError(t, err)
	assert.Len(t, late, 1)
}

func TestModelOutcomeStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	outcomes := []struct {
		success bool
		latency time.Duration
	}{
		{true, 100 * time.Millisecond},
		{true, 200 * time.Millisecond},
		{false, 300 * time.Millisecond},
	}
	for _, o := range outcomes {
		require.NoError(t, store.AppendOutcome(ctx, &types.TaskOutcome{
			TaskID:    "t1",
			ModelID:   "llama3",
			Success:   o.success,
			Latency:   o.latency,
			CreatedAt: time.Now(),
		}))
	}

	rate, count, avgMs, err := store.ModelOutcomeStats(ctx, "llama3")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.InDelta(t, 2.0/3.0, rate, 0.001)
	assert.InDelta(t, 200, avgMs, 0.001)

	rate, count, _, err = store.ModelOutcomeStats(ctx, "unknown")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, rate)
}

// Package task implements the task manager: lifecycle owner for every task
// in the system. Tasks are created queued, assigned by the swarm manager,
// and driven to a terminal state through a guarded transition graph.
// Transitions on the same task are serialized by a per-task lock;
// transitions on different tasks proceed independently.
package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mkrader/taskmesh/internal/bus"
	"github.com/mkrader/taskmesh/internal/data"
	"github.com/mkrader/taskmesh/internal/logging"
	"github.com/mkrader/taskmesh/pkg/types"
)

// Draft is the inbound task submission payload.
type Draft struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    types.Priority `json:"priority"`
	DueDate     time.Time      `json:"due_date"`
	Tags        []string       `json:"tags,omitempty"`
	// AgentHint optionally names a preferred agent; the swarm manager may
	// ignore it if that agent is busy or lacks the required capabilities.
	AgentHint string `json:"agent_hint,omitempty"`
}

// TransitionOpts carries the payload of a status change.
type TransitionOpts struct {
	// AgentID must be set on the queued -> assigned edge.
	AgentID string
	// Result is recorded on the completed edge.
	Result string
	// Reason is stored on the task on the failed edge. On other edges it
	// only annotates the lifecycle event.
	Reason string
}

// Filter selects tasks for List. Zero values match everything.
type Filter struct {
	Status  types.TaskStatus
	Tag     string
	AgentID string
}

// Manager owns task state. Tasks live in memory with optional write-through
// persistence; the store never becomes the source of truth for transitions.
type Manager struct {
	mu    sync.RWMutex
	tasks map[string]*types.Task
	locks map[string]*sync.Mutex // per-task transition locks

	store  *data.Store // optional write-through persistence
	events *bus.Bus
	log    zerolog.Logger
	now    func() time.Time
}

// NewManager creates a task manager. store may be nil for in-memory-only
// operation; events may be nil to disable lifecycle events.
func NewManager(store *data.Store, events *bus.Bus) *Manager {
	return &Manager{
		tasks:  make(map[string]*types.Task),
		locks:  make(map[string]*sync.Mutex),
		store:  store,
		events: events,
		log:    logging.For("task"),
		now:    time.Now,
	}
}

// Submit validates a draft and creates a queued task.
func (m *Manager) Submit(ctx context.Context, draft Draft) (*types.Task, error) {
	if draft.Title == "" {
		return nil, &ValidationError{Field: "title", Reason: "is required"}
	}
	if draft.Description == "" {
		return nil, &ValidationError{Field: "description", Reason: "is required"}
	}
	if draft.DueDate.IsZero() {
		return nil, &ValidationError{Field: "due_date", Reason: "is required"}
	}
	if !draft.DueDate.After(m.now()) {
		return nil, &ValidationError{Field: "due_date", Reason: "must be in the future"}
	}
	priority := draft.Priority
	if priority == "" {
		priority = types.PriorityMedium
	}
	if !priority.IsValid() {
		return nil, &ValidationError{Field: "priority", Reason: "must be low, medium, or high"}
	}

	t := &types.Task{
		ID:          uuid.New().String(),
		Title:       draft.Title,
		Description: draft.Description,
		Status:      types.TaskQueued,
		Priority:    priority,
		Tags:        append([]string(nil), draft.Tags...),
		AgentHint:   draft.AgentHint,
		CreatedAt:   m.now(),
		DueDate:     draft.DueDate,
	}

	snapshot := t.Clone()

	m.mu.Lock()
	m.tasks[t.ID] = t
	m.locks[t.ID] = &sync.Mutex{}
	m.mu.Unlock()

	if err := m.persist(ctx, snapshot); err != nil {
		return nil, err
	}

	m.log.Info().Str("task", t.ID).Str("title", t.Title).Msg("task submitted")
	m.publish(bus.NewEvent(bus.EventTaskSubmitted).WithTask(t.ID))
	return snapshot, nil
}

// Transition moves a task along the legal status graph:
//
//	queued -> assigned -> running -> {completed, failed}
//	running <-> blocked
//	any non-terminal state -> failed (abort path)
//
// The per-task lock makes the check-and-set atomic, so a queued task can
// only ever be assigned once even under concurrent callers.
func (m *Manager) Transition(ctx context.Context, id string, to types.TaskStatus, opts TransitionOpts) (*types.Task, error) {
	m.mu.RLock()
	t, ok := m.tasks[id]
	lock := m.locks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	from := t.Status
	if !legalEdge(from, to) {
		return nil, &InvalidTransitionError{TaskID: id, From: from, To: to}
	}
	if to == types.TaskAssigned && opts.AgentID == "" {
		return nil, &ValidationError{Field: "agent_id", Reason: "is required for assignment"}
	}

	// The per-task lock serializes transitions; the registry write lock
	// keeps the mutation invisible to concurrent List/Get snapshots until
	// it is complete.
	m.mu.Lock()
	t.Status = to
	switch to {
	case types.TaskAssigned:
		t.AssignedAgentID = opts.AgentID
	case types.TaskCompleted:
		t.ResultPayload = opts.Result
		now := m.now()
		t.CompletedAt = &now
	case types.TaskFailed:
		t.FailureReason = opts.Reason
		now := m.now()
		t.CompletedAt = &now
	}
	m.mu.Unlock()

	m.mu.RLock()
	snapshot := t.Clone()
	m.mu.RUnlock()

	if err := m.persist(ctx, snapshot); err != nil {
		return nil, err
	}

	m.log.Debug().Str("task", id).
		Str("from", string(from)).Str("to", string(to)).
		Msg("task transition")
	m.publish(bus.NewEvent(eventFor(to)).WithTask(id).WithAgent(snapshot.AssignedAgentID).WithDetail(opts.Reason))

	return snapshot, nil
}

// legalEdge encodes the transition graph.
func legalEdge(from, to types.TaskStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == types.TaskFailed {
		return true // abort path from any non-terminal state
	}
	switch from {
	case types.TaskQueued:
		return to == types.TaskAssigned
	case types.TaskAssigned:
		return to == types.TaskRunning
	case types.TaskRunning:
		return to == types.TaskCompleted || to == types.TaskBlocked
	case types.TaskBlocked:
		return to == types.TaskRunning
	}
	return false
}

// Get returns a snapshot of one task.
func (m *Manager) Get(id string) (*types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// List returns a snapshot of tasks matching the filter, oldest first. A
// snapshot, not a live view: later transitions do not mutate the returned
// tasks.
func (m *Manager) List(filter Filter) []*types.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Task
	for _, t := range m.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.AgentID != "" && t.AssignedAgentID != filter.AgentID {
			continue
		}
		if filter.Tag != "" && !hasTag(t.Tags, filter.Tag) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Archive removes a terminal task. The caller owns retention policy.
func (m *Manager) Archive(ctx context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !t.Status.Terminal() {
		m.mu.Unlock()
		return &InvalidTransitionError{TaskID: id, From: t.Status, To: "archived"}
	}
	delete(m.tasks, id)
	delete(m.locks, id)
	m.mu.Unlock()

	if m.store != nil {
		return m.store.DeleteTask(ctx, id)
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, t *types.Task) error {
	if m.store == nil {
		return nil
	}
	return m.store.SaveTask(ctx, t)
}

func (m *Manager) publish(event bus.Event) {
	if m.events != nil {
		_ = m.events.Publish(event)
	}
}

func eventFor(status types.TaskStatus) bus.EventType {
	switch status {
	case types.TaskAssigned:
		return bus.EventTaskAssigned
	case types.TaskRunning:
		return bus.EventTaskRunning
	case types.TaskBlocked:
		return bus.EventTaskBlocked
	case types.TaskCompleted:
		return bus.EventTaskCompleted
	default:
		return bus.EventTaskFailed
	}
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}

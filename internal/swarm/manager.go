// Package swarm owns the agent registry and the matching of queued tasks to
// idle agents. Assignment is event driven: a new task, a newly registered
// agent, or an agent turning idle each trigger at most one matching scan.
// The package also routes inter-agent messages with per-pair FIFO delivery.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mkrader/taskmesh/internal/bus"
	"github.com/mkrader/taskmesh/internal/data"
	"github.com/mkrader/taskmesh/internal/feedback"
	"github.com/mkrader/taskmesh/internal/logging"
	"github.com/mkrader/taskmesh/internal/task"
	"github.com/mkrader/taskmesh/pkg/types"
)

// Descriptor is the caller-supplied description of an agent at registration.
type Descriptor struct {
	// ID is optional; a uuid is generated when empty.
	ID           string
	Name         string
	Type         string
	ModelID      string
	Capabilities []string

	// Handler receives inter-agent messages. Messages to an agent without a
	// handler are logged and dropped.
	Handler MessageHandler
}

// Message is an inter-agent payload. Delivery between the same ordered
// (From, To) pair preserves send order; no ordering holds across pairs.
type Message struct {
	From    string
	To      string
	Payload string
	SentAt  time.Time
}

// MessageHandler consumes messages delivered to one agent. It runs on the
// agent's single inbox goroutine, so a slow handler delays only that agent.
type MessageHandler func(Message)

// Outcome reports the result of an assignment.
type Outcome struct {
	Success bool
	Result  string
	Reason  string

	// ModelID records which model produced the result, when known.
	ModelID string
	Latency time.Duration
}

// Executor runs an assigned task on behalf of an agent. Implementations
// typically call the router or pipeline. A returned error fails the task
// with the error text as reason; the agent goes back to idle either way.
type Executor interface {
	Execute(ctx context.Context, agent *types.Agent, t *types.Task) (Outcome, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, agent *types.Agent, t *types.Task) (Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, agent *types.Agent, t *types.Task) (Outcome, error) {
	return f(ctx, agent, t)
}

const inboxSize = 64

type agentEntry struct {
	agent *types.Agent
	seq   uint64

	// currentTask is the id of the task this agent is busy with.
	currentTask string

	inbox   chan Message
	handler MessageHandler

	// quit stops the inbox goroutine. The inbox channel itself is never
	// closed so a concurrent Route can never panic on send.
	quit chan struct{}
}

type assignmentKey struct {
	agentID string
	taskID  string
}

// Manager is the swarm manager. All agent status transitions go through it.
type Manager struct {
	tasks    *task.Manager
	events   *bus.Bus
	store    *data.Store
	recorder *feedback.Recorder
	exec     Executor
	log      zerolog.Logger

	mu      sync.RWMutex
	agents  map[string]*agentEntry
	nextSeq uint64

	// done records (agent, task) pairs whose completion was already
	// processed, making CompleteAssignment idempotent.
	done map[assignmentKey]struct{}

	// notify coalesces scan triggers: at most one pending scan per burst
	// of state changes.
	notify chan struct{}
	stop   chan struct{}
	subs   []bus.SubscriptionID
	wg     sync.WaitGroup
}

// Option configures the manager.
type Option func(*Manager)

// WithStore enables agent persistence.
func WithStore(store *data.Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithRecorder feeds completed assignments into the learning loop. The
// recorder is the single outcome-recording path so each task counts once.
func WithRecorder(recorder *feedback.Recorder) Option {
	return func(m *Manager) { m.recorder = recorder }
}

// WithExecutor sets the callback that runs assigned tasks.
func WithExecutor(exec Executor) Option {
	return func(m *Manager) { m.exec = exec }
}

// NewManager builds a swarm manager on top of the task manager and bus.
func NewManager(tasks *task.Manager, events *bus.Bus, opts ...Option) *Manager {
	m := &Manager{
		tasks:  tasks,
		events: events,
		log:    logging.For("swarm"),
		agents: make(map[string]*agentEntry),
		done:   make(map[assignmentKey]struct{}),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the assignment loop and subscribes to the task and agent
// events that can unblock a match.
func (m *Manager) Start() {
	if m.events != nil {
		m.subs = append(m.subs,
			m.events.Subscribe(bus.EventTaskSubmitted, func(bus.Event) { m.poke() }),
			m.events.Subscribe(bus.EventAgentIdle, func(bus.Event) { m.poke() }),
		)
	}
	m.wg.Add(1)
	go m.run()
}

// Close stops the assignment loop and all agent inboxes.
func (m *Manager) Close() {
	close(m.stop)
	if m.events != nil {
		for _, id := range m.subs {
			m.events.Unsubscribe(id)
		}
	}

	m.mu.Lock()
	for _, entry := range m.agents {
		close(entry.quit)
	}
	m.agents = make(map[string]*agentEntry)
	m.mu.Unlock()

	m.wg.Wait()
}

// poke requests one assignment scan. A scan already pending absorbs the
// request, so a burst of state changes produces a single scan.
func (m *Manager) poke() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case <-m.notify:
			m.scanAndAssign()
		}
	}
}

// Register adds an agent to the swarm. The new agent starts idle and is
// immediately considered for queued tasks.
func (m *Manager) Register(ctx context.Context, desc Descriptor) (*types.Agent, error) {
	if desc.Name == "" {
		return nil, fmt.Errorf("register agent: name is required")
	}
	id := desc.ID
	if id == "" {
		id = uuid.NewString()
	}

	agent := &types.Agent{
		ID:           id,
		Name:         desc.Name,
		Type:         desc.Type,
		Status:       types.AgentIdle,
		ModelID:      desc.ModelID,
		Capabilities: append([]string(nil), desc.Capabilities...),
		RegisteredAt: time.Now().UTC(),
	}

	m.mu.Lock()
	if _, ok := m.agents[id]; ok {
		m.mu.Unlock()
		return nil, &DuplicateAgentError{AgentID: id}
	}
	m.nextSeq++
	entry := &agentEntry{
		agent:   agent,
		seq:     m.nextSeq,
		inbox:   make(chan Message, inboxSize),
		handler: desc.Handler,
		quit:    make(chan struct{}),
	}
	m.agents[id] = entry
	snapshot := agent.Clone()
	m.mu.Unlock()

	m.wg.Add(1)
	go m.deliverLoop(entry)

	if m.store != nil {
		if err := m.store.SaveAgent(ctx, snapshot); err != nil {
			m.log.Warn().Err(err).Str("agent", id).Msg("persist agent")
		}
	}
	m.publish(bus.NewEvent(bus.EventAgentRegistered).WithAgent(id).WithDetail(desc.Name))
	m.poke()

	m.log.Info().Str("agent", id).Str("name", desc.Name).Strs("capabilities", desc.Capabilities).Msg("agent registered")
	return snapshot, nil
}

// Deregister removes an idle agent from the swarm. Tasks that still
// reference the agent keep a dangling id; readers treat it as unknown.
func (m *Manager) Deregister(ctx context.Context, agentID string) error {
	m.mu.Lock()
	entry, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return &UnknownAgentError{AgentID: agentID}
	}
	if entry.agent.Status != types.AgentIdle {
		m.mu.Unlock()
		return &AgentStateError{AgentID: agentID, State: string(entry.agent.Status), Op: "deregister"}
	}
	delete(m.agents, agentID)
	close(entry.quit)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeleteAgent(ctx, agentID); err != nil {
			m.log.Warn().Err(err).Str("agent", agentID).Msg("delete agent")
		}
	}
	m.publish(bus.NewEvent(bus.EventAgentDeregistered).WithAgent(agentID))
	return nil
}

// Agent returns a snapshot of one agent.
func (m *Manager) Agent(id string) (*types.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.agents[id]
	if !ok {
		return nil, &UnknownAgentError{AgentID: id}
	}
	return entry.agent.Clone(), nil
}

// Agents returns snapshots of all registered agents in registration order.
func (m *Manager) Agents() []*types.Agent {
	m.mu.RLock()
	entries := make([]*agentEntry, 0, len(m.agents))
	for _, e := range m.agents {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]*types.Agent, len(entries))
	for i, e := range entries {
		out[i] = e.agent.Clone()
	}
	m.mu.RUnlock()
	return out
}

// assign matches one queued task against the idle agents and hands it off.
// It returns ErrNoAgentAvailable when no idle agent covers the task's tags;
// the task stays queued and the next agent state change retries. Only the
// run loop calls assign, so pick and hand-off never race each other.
func (m *Manager) assign(ctx context.Context, t *types.Task) (string, error) {
	entry := m.pickAgent(t)
	if entry == nil {
		return "", ErrNoAgentAvailable
	}
	if err := m.handOff(ctx, entry, t); err != nil {
		return "", err
	}
	return entry.agent.ID, nil
}

// pickAgent selects the idle agent for a task: the hinted agent when idle
// and capable, otherwise the earliest-registered idle agent whose
// capability set covers the task tags.
func (m *Manager) pickAgent(t *types.Task) *agentEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if t.AgentHint != "" {
		if entry, ok := m.agents[t.AgentHint]; ok &&
			entry.agent.Status == types.AgentIdle && entry.agent.HasCapabilities(t.Tags) {
			return entry
		}
	}

	var best *agentEntry
	for _, entry := range m.agents {
		if entry.agent.Status != types.AgentIdle || !entry.agent.HasCapabilities(t.Tags) {
			continue
		}
		if best == nil || entry.seq < best.seq {
			best = entry
		}
	}
	return best
}

// handOff performs the queued -> assigned transition and flips the agent
// busy. The task transition is the compare-and-swap: if another scan won
// the race the transition fails and the agent stays idle.
func (m *Manager) handOff(ctx context.Context, entry *agentEntry, t *types.Task) error {
	agentID := entry.agent.ID
	assigned, err := m.tasks.Transition(ctx, t.ID, types.TaskAssigned, task.TransitionOpts{AgentID: agentID})
	if err != nil {
		return err
	}

	m.setStatus(ctx, agentID, types.AgentBusy, assigned.ID)
	m.log.Info().Str("task", assigned.ID).Str("agent", agentID).Msg("task assigned")

	if m.exec != nil {
		m.wg.Add(1)
		go m.execute(entry, assigned)
	}
	return nil
}

// execute runs the assigned task through the executor on the agent's behalf.
// A panic in the executor is an agent fault; a returned error fails only
// the task.
func (m *Manager) execute(entry *agentEntry, t *types.Task) {
	defer m.wg.Done()
	ctx := context.Background()
	agentID := entry.agent.ID

	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("agent", agentID).Str("task", t.ID).Interface("panic", r).Msg("executor panicked")
			m.FailAgent(ctx, agentID)
		}
	}()

	if _, err := m.tasks.Transition(ctx, t.ID, types.TaskRunning, task.TransitionOpts{}); err != nil {
		m.log.Warn().Err(err).Str("task", t.ID).Msg("start task")
		m.setStatus(ctx, agentID, types.AgentIdle, "")
		return
	}

	agentSnap, err := m.Agent(agentID)
	if err != nil {
		return
	}
	outcome, err := m.exec.Execute(ctx, agentSnap, t.Clone())
	if err != nil {
		outcome = Outcome{Success: false, Reason: err.Error()}
	}
	if cerr := m.CompleteAssignment(ctx, agentID, t.ID, outcome); cerr != nil {
		m.log.Warn().Err(cerr).Str("task", t.ID).Str("agent", agentID).Msg("complete assignment")
	}
}

// CompleteAssignment finishes an assignment: the task transitions to its
// terminal state and the agent goes back to idle. Calling it again for the
// same (agent, task) pair is a no-op. When the task already reached a
// terminal state through another path (an external abort, say), the
// in-flight outcome is discarded but the agent is still returned to the
// pool: losing a result must never cost an agent.
func (m *Manager) CompleteAssignment(ctx context.Context, agentID, taskID string, outcome Outcome) error {
	key := assignmentKey{agentID: agentID, taskID: taskID}

	m.mu.Lock()
	if _, seen := m.done[key]; seen {
		m.mu.Unlock()
		return nil
	}
	entry, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return &UnknownAgentError{AgentID: agentID}
	}
	wasBusy := entry.agent.Status == types.AgentBusy && entry.currentTask == taskID
	m.mu.Unlock()

	status := types.TaskCompleted
	opts := task.TransitionOpts{Result: outcome.Result}
	if !outcome.Success {
		status = types.TaskFailed
		opts = task.TransitionOpts{Reason: outcome.Reason}
	}
	if _, err := m.tasks.Transition(ctx, taskID, status, opts); err != nil {
		var illegal *task.InvalidTransitionError
		if errors.As(err, &illegal) && illegal.From.Terminal() {
			m.markDone(key)
			if wasBusy {
				m.setStatus(ctx, agentID, types.AgentIdle, "")
			}
			m.log.Info().Str("task", taskID).Str("agent", agentID).
				Str("status", string(illegal.From)).Msg("task finished elsewhere, outcome discarded")
			return nil
		}
		return fmt.Errorf("complete assignment: %w", err)
	}
	m.markDone(key)

	if m.recorder != nil {
		if err := m.recorder.RecordOutcome(taskID, outcome.ModelID, outcome.Success, outcome.Latency); err != nil {
			m.log.Warn().Err(err).Str("task", taskID).Msg("record outcome")
		}
	}

	if wasBusy {
		m.setStatus(ctx, agentID, types.AgentIdle, "")
	}
	return nil
}

func (m *Manager) markDone(key assignmentKey) {
	m.mu.Lock()
	m.done[key] = struct{}{}
	m.mu.Unlock()
}

// FailAgent marks an agent faulted: its current task fails with reason
// "agent-fault" and the agent is excluded from assignment until ResetAgent.
func (m *Manager) FailAgent(ctx context.Context, agentID string) error {
	m.mu.Lock()
	entry, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return &UnknownAgentError{AgentID: agentID}
	}
	taskID := entry.currentTask
	entry.agent.Status = types.AgentError
	entry.currentTask = ""
	snapshot := entry.agent.Clone()
	if taskID != "" {
		m.done[assignmentKey{agentID: agentID, taskID: taskID}] = struct{}{}
	}
	m.mu.Unlock()

	if taskID != "" {
		if _, err := m.tasks.Transition(ctx, taskID, types.TaskFailed, task.TransitionOpts{Reason: "agent-fault"}); err != nil {
			m.log.Warn().Err(err).Str("task", taskID).Msg("fail task on agent fault")
		}
	}
	m.persistAgent(ctx, snapshot)
	m.publish(bus.NewEvent(bus.EventAgentError).WithAgent(agentID).WithTask(taskID).WithDetail("agent-fault"))
	m.log.Error().Str("agent", agentID).Str("task", taskID).Msg("agent faulted")
	return nil
}

// ResetAgent returns a faulted agent to idle, making it assignable again.
func (m *Manager) ResetAgent(ctx context.Context, agentID string) error {
	m.mu.Lock()
	entry, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return &UnknownAgentError{AgentID: agentID}
	}
	if entry.agent.Status != types.AgentError {
		m.mu.Unlock()
		return &AgentStateError{AgentID: agentID, State: string(entry.agent.Status), Op: "reset"}
	}
	m.mu.Unlock()

	m.setStatus(ctx, agentID, types.AgentIdle, "")
	return nil
}

// Route delivers a message from one agent to another. Messages between the
// same ordered pair arrive in send order.
func (m *Manager) Route(from, to string, payload string) error {
	m.mu.RLock()
	if _, ok := m.agents[from]; !ok {
		m.mu.RUnlock()
		return &UnknownAgentError{AgentID: from}
	}
	entry, ok := m.agents[to]
	if !ok {
		m.mu.RUnlock()
		return &UnknownAgentError{AgentID: to}
	}
	m.mu.RUnlock()

	msg := Message{From: from, To: to, Payload: payload, SentAt: time.Now().UTC()}

	// Blocking send keeps per-pair FIFO order under backpressure.
	select {
	case entry.inbox <- msg:
		return nil
	case <-entry.quit:
		return &UnknownAgentError{AgentID: to}
	case <-m.stop:
		return fmt.Errorf("route %s -> %s: swarm closed", from, to)
	}
}

func (m *Manager) deliverLoop(entry *agentEntry) {
	defer m.wg.Done()
	for {
		select {
		case <-entry.quit:
			return
		case msg := <-entry.inbox:
			if entry.handler == nil {
				m.log.Debug().Str("from", msg.From).Str("to", msg.To).Msg("message dropped, no handler")
				continue
			}
			entry.handler(msg)
		}
	}
}

// scanAndAssign matches every queued task it can. Tasks are taken in
// priority order, then submission order.
func (m *Manager) scanAndAssign() {
	ctx := context.Background()
	queued := m.tasks.List(task.Filter{Status: types.TaskQueued})
	if len(queued) == 0 {
		return
	}
	sort.SliceStable(queued, func(i, j int) bool {
		if queued[i].Priority.Rank() != queued[j].Priority.Rank() {
			return queued[i].Priority.Rank() > queued[j].Priority.Rank()
		}
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})

	for _, t := range queued {
		if _, err := m.assign(ctx, t); err != nil {
			continue
		}
	}
}

// setStatus updates one agent's lifecycle status and publishes the change.
// Turning idle triggers an assignment scan.
func (m *Manager) setStatus(ctx context.Context, agentID string, status types.AgentStatus, taskID string) {
	m.mu.Lock()
	entry, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	entry.agent.Status = status
	entry.currentTask = taskID
	snapshot := entry.agent.Clone()
	m.mu.Unlock()

	m.persistAgent(ctx, snapshot)

	switch status {
	case types.AgentIdle:
		m.publish(bus.NewEvent(bus.EventAgentIdle).WithAgent(agentID))
		m.poke()
	case types.AgentBusy:
		m.publish(bus.NewEvent(bus.EventAgentBusy).WithAgent(agentID).WithTask(taskID))
	}
}

func (m *Manager) persistAgent(ctx context.Context, agent *types.Agent) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveAgent(ctx, agent); err != nil {
		m.log.Warn().Err(err).Str("agent", agent.ID).Msg("persist agent")
	}
}

func (m *Manager) publish(event bus.Event) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(event); err != nil {
		m.log.Debug().Err(err).Str("type", string(event.Type)).Msg("publish event")
	}
}

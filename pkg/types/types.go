// Package types defines the shared domain types used across all taskmesh
// modules: tasks, agents, model descriptors, and feedback records.
package types

import (
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TASK TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskBlocked   TaskStatus = "blocked"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// IsValid checks whether s is a known task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskQueued, TaskAssigned, TaskRunning, TaskBlocked, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Priority orders tasks for assignment.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// IsValid checks whether p is a known priority.
func (p Priority) IsValid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// Rank returns the priority as an orderable integer, higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Task is a unit of work flowing through the orchestration engine.
//
// Invariants, enforced by the task manager:
//   - CompletedAt is set iff Status is completed or failed.
//   - AssignedAgentID is set iff Status is not queued.
type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Status          TaskStatus `json:"status"`
	Priority        Priority   `json:"priority"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	// AgentHint is the submitter's preferred agent. Advisory only: the
	// swarm manager honors it when that agent is idle and capable.
	AgentHint     string     `json:"agent_hint,omitempty"`
	ResultPayload string     `json:"result_payload,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	DueDate       time.Time  `json:"due_date"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy, so callers can hand out snapshots without
// exposing internal state to mutation.
func (t *Task) Clone() *Task {
	c := *t
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// ═══════════════════════════════════════════════════════════════════════════════
// AGENT TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentIdle     AgentStatus = "idle"
	AgentBusy     AgentStatus = "busy"
	AgentTraining AgentStatus = "training"
	AgentError    AgentStatus = "error"
)

// Agent is a registered worker in the swarm.
type Agent struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Type         string      `json:"type"`
	Status       AgentStatus `json:"status"`
	ModelID      string      `json:"model_id,omitempty"`
	Capabilities []string    `json:"capabilities,omitempty"`
	RegisteredAt time.Time   `json:"registered_at"`
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	c := *a
	if a.Capabilities != nil {
		c.Capabilities = append([]string(nil), a.Capabilities...)
	}
	return &c
}

// HasCapabilities reports whether the agent's capability set covers every
// required tag.
func (a *Agent) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	caps := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		caps[c] = true
	}
	for _, r := range required {
		if !caps[r] {
			return false
		}
	}
	return true
}

// ═══════════════════════════════════════════════════════════════════════════════
// MODEL TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// ProviderKind distinguishes local inference runtimes from remote APIs.
// Local providers carry no external cost and are preferred by the router's
// default fallback ordering.
type ProviderKind string

const (
	ProviderLocalRuntime ProviderKind = "local-runtime"
	ProviderRemoteAPI    ProviderKind = "remote-api"
)

// ModelType is the modality of a model.
type ModelType string

const (
	ModelText       ModelType = "text"
	ModelMultimodal ModelType = "multimodal"
)

// CostClass is a coarse cost bucket for a model.
type CostClass string

const (
	CostFree     CostClass = "free"
	CostCheap    CostClass = "cheap"
	CostFrontier CostClass = "frontier"
)

// ModelDescriptor describes one usable model. Populated by polling the
// provider adapters; read-only to every other component.
type ModelDescriptor struct {
	ID          string       `json:"id"`
	Provider    string       `json:"provider"`
	Kind        ProviderKind `json:"kind"`
	Type        ModelType    `json:"type"`
	CostClass   CostClass    `json:"cost_class"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	IsAvailable bool         `json:"is_available"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// FEEDBACK TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// FeedbackRecord is an append-only (prompt, response, rating) tuple used by
// the learning loop. Never mutated after creation.
type FeedbackRecord struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	ModelID   string    `json:"model_id"`
	Rating    int       `json:"rating,omitempty"` // 1-5, 0 means unrated
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskOutcome records which model produced a task's result and whether the
// routed call succeeded.
type TaskOutcome struct {
	TaskID    string        `json:"task_id"`
	ModelID   string        `json:"model_id"`
	Success   bool          `json:"success"`
	Latency   time.Duration `json:"latency"`
	CreatedAt time.Time     `json:"created_at"`
}

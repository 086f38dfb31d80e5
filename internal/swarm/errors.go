package swarm

import (
	"errors"
	"fmt"
)

// ErrNoAgentAvailable is returned by assign when no idle agent covers the
// task's required capabilities. The task stays queued; the next agent state
// change retries the match.
var ErrNoAgentAvailable = errors.New("swarm: no agent available")

// DuplicateAgentError reports a registration with an id that is already
// present in the registry.
type DuplicateAgentError struct {
	AgentID string
}

func (e *DuplicateAgentError) Error() string {
	return fmt.Sprintf("swarm: agent %q already registered", e.AgentID)
}

// UnknownAgentError reports an operation against an agent id that is not
// registered.
type UnknownAgentError struct {
	AgentID string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("swarm: unknown agent %q", e.AgentID)
}

// AgentStateError reports an operation that requires the agent to be in a
// different lifecycle state, such as deregistering a busy agent.
type AgentStateError struct {
	AgentID string
	State   string
	Op      string
}

func (e *AgentStateError) Error() string {
	return fmt.Sprintf("swarm: cannot %s agent %q while %s", e.Op, e.AgentID, e.State)
}

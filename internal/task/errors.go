package task

import (
	"errors"
	"fmt"

	"github.com/mkrader/taskmesh/pkg/types"
)

// ErrNotFound is returned for an unknown task id.
var ErrNotFound = errors.New("task not found")

// ValidationError reports a bad task draft. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s %s", e.Field, e.Reason)
}

// InvalidTransitionError reports an illegal edge in the status graph.
// Surfaced to the caller, not retried.
type InvalidTransitionError struct {
	TaskID string
	From   types.TaskStatus
	To     types.TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}

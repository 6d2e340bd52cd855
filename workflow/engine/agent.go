// Package engine drives a workflow state through the pipeline: it selects
// the stage node, invokes the stage's agent, applies manager transitions,
// and persists the snapshot after every step.
package engine

import (
	"context"
	"fmt"

	"github.com/c360studio/prospectflow/workflow"
)

// Agent executes one pipeline stage. Implementations receive a state
// snapshot and return an updated snapshot with their result slot
// populated, or a typed failure. They must not mutate the input in a way
// that violates state invariants.
type Agent interface {
	// Name identifies the agent in error logs and metrics.
	Name() string

	// Invoke runs the stage against the given state.
	Invoke(ctx context.Context, state *workflow.WorkflowState) (*workflow.WorkflowState, error)
}

// AgentFailure is the typed failure agents raise. The engine converts it
// into a recorded AgentError; it never propagates past the stage step.
type AgentFailure struct {
	Kind    workflow.ErrorKind
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (f *AgentFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Failf creates an AgentFailure with a formatted message.
func Failf(kind workflow.ErrorKind, format string, args ...any) *AgentFailure {
	return &AgentFailure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AgentSet maps pipeline stages to their agents.
type AgentSet map[workflow.Stage]Agent

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/prospectflow/metrics"
	"github.com/c360studio/prospectflow/storage"
	"github.com/c360studio/prospectflow/workflow"
)

// defaultMaxSteps bounds a single Run call. Backward edges make cycles
// possible (conversation -> outreach -> conversation); the budget turns a
// runaway loop into an escalation instead of a hang.
const defaultMaxSteps = 50

// Disposition classifies how a Run ended.
type Disposition string

const (
	// DispositionCompleted means the workflow reached the completed stage.
	DispositionCompleted Disposition = "completed"
	// DispositionSuspended means the workflow reached a suspended stage and
	// awaits an external trigger.
	DispositionSuspended Disposition = "suspended"
	// DispositionEscalated means the workflow failed and needs a human.
	DispositionEscalated Disposition = "escalated"
)

// RunOutcome is the result of driving a workflow until it completes,
// suspends, or escalates.
type RunOutcome struct {
	Disposition Disposition
	State       *workflow.WorkflowState
}

// Engine is the pipeline state-machine driver. Stage transitions for a
// single workflow are strictly sequential; distinct workflows may run as
// independent tasks since they share nothing but the store.
// TransitionHook observes stage transitions. Hooks run synchronously
// after the transition is applied but before it is persisted; they must
// not mutate the state.
type TransitionHook func(state *workflow.WorkflowState, from, to workflow.Stage)

type Engine struct {
	store    storage.StateStore
	manager  *workflow.Manager
	agents   AgentSet
	logger   *slog.Logger
	metrics  *metrics.Metrics
	hook     TransitionHook
	maxSteps int
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithMaxSteps overrides the per-run step budget.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		e.maxSteps = n
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithTransitionHook registers a stage transition observer. The campaign
// coordinator uses this to keep its phase projection and metrics in sync
// without coupling the engine to campaign concerns.
func WithTransitionHook(hook TransitionHook) Option {
	return func(e *Engine) {
		e.hook = hook
	}
}

// New creates an engine over the given store and agents.
func New(store storage.StateStore, manager *workflow.Manager, agents AgentSet, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		manager:  manager,
		agents:   agents,
		logger:   slog.Default(),
		metrics:  metrics.NewNop(),
		maxSteps: defaultMaxSteps,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives the workflow forward until it completes, suspends, or
// escalates. The snapshot is persisted after every mutation and before
// each agent invocation, so a crash always leaves a resumable state.
//
// Agent failures are caught and converted to recorded errors; the one
// error class allowed to propagate is state validation failure, since a
// corrupt snapshot must not be persisted or retried.
func (e *Engine) Run(ctx context.Context, state *workflow.WorkflowState) (*RunOutcome, error) {
	if err := e.manager.Validate(state); err != nil {
		return nil, err
	}

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if step >= e.maxSteps {
			return e.escalate(ctx, state, fmt.Sprintf("step budget of %d exceeded", e.maxSteps))
		}

		if state.Cancelled && !state.CurrentStage.IsTerminal() {
			return e.escalate(ctx, state, "workflow cancelled")
		}

		stage := state.CurrentStage
		switch {
		case stage == workflow.StageCompleted:
			return &RunOutcome{Disposition: DispositionCompleted, State: state}, nil
		case stage == workflow.StageFailed:
			return &RunOutcome{Disposition: DispositionEscalated, State: state}, nil
		case stage.IsSuspended():
			if err := e.persist(ctx, state); err != nil {
				return nil, err
			}
			return &RunOutcome{Disposition: DispositionSuspended, State: state}, nil
		}

		if state.ShouldSkip(stage) {
			e.logger.Info("skipping stage by operator request",
				"workflow_id", state.WorkflowID, "stage", stage)
			if err := e.transition(ctx, state, canonicalNext(stage)); err != nil {
				return nil, err
			}
			continue
		}

		agent, ok := e.agents[stage]
		if !ok {
			return nil, fmt.Errorf("no agent registered for stage %s", stage)
		}

		if err := e.persist(ctx, state); err != nil {
			return nil, err
		}

		next, err := agent.Invoke(ctx, state)
		if err != nil {
			outcome, handled, herr := e.handleFailure(ctx, state, agent.Name(), err)
			if herr != nil {
				return nil, herr
			}
			if handled {
				return outcome, nil
			}
			// Retries remain: the error handler routes back to the same
			// stage node, not to the start of the pipeline.
			continue
		}
		state = next

		decision := e.route(state, stage)
		switch decision.action {
		case actionEscalate:
			return e.escalate(ctx, state, decision.reason)
		case actionComplete:
			return e.complete(ctx, state)
		case actionAdvance:
			if err := e.transition(ctx, state, decision.next); err != nil {
				return nil, err
			}
		}
	}
}

// handleFailure records an agent failure and decides whether the run
// terminates. Returns handled=true with an outcome when the workflow
// escalated; handled=false when retries remain.
func (e *Engine) handleFailure(ctx context.Context, state *workflow.WorkflowState, agentName string, err error) (*RunOutcome, bool, error) {
	kind := workflow.ErrorKindAPIFailure
	message := err.Error()
	var details map[string]any

	var failure *AgentFailure
	if errors.As(err, &failure) {
		kind = failure.Kind
		message = failure.Message
		details = failure.Details
	}

	e.logger.Warn("agent failed",
		"workflow_id", state.WorkflowID,
		"agent", agentName,
		"kind", kind,
		"error", message,
		"retry_count", state.RetryCount)
	e.metrics.AgentErrors.WithLabelValues(agentName, string(kind)).Inc()

	e.manager.AddError(state, agentName, kind, message, details)
	if perr := e.persist(ctx, state); perr != nil {
		return nil, false, perr
	}

	// Data-quality and validation failures are not worth retrying; spend
	// the remaining budget only on transient failures.
	retryable := kind == workflow.ErrorKindAPIFailure || kind == workflow.ErrorKindRateLimit

	if state.HumanInterventionNeeded || !retryable {
		outcome, herr := e.escalate(ctx, state, message)
		return outcome, true, herr
	}
	return nil, false, nil
}

// transition applies a stage change through the manager and persists it.
func (e *Engine) transition(ctx context.Context, state *workflow.WorkflowState, next workflow.Stage) error {
	prev := state.CurrentStage
	e.manager.UpdateStage(state, next, true)
	e.metrics.StageTransitions.WithLabelValues(string(next)).Inc()
	if secs, ok := state.StageDurations[prev.String()]; ok {
		e.metrics.StageDuration.WithLabelValues(prev.String()).Observe(secs)
	}
	e.logger.Info("stage transition",
		"workflow_id", state.WorkflowID, "from", prev, "to", next)
	if e.hook != nil {
		e.hook(state, prev, next)
	}
	return e.persist(ctx, state)
}

// escalate is the human-escalation node: force failed, flag for human
// follow-up, persist, and terminate the run. Resumption is an external,
// out-of-band action.
func (e *Engine) escalate(ctx context.Context, state *workflow.WorkflowState, reason string) (*RunOutcome, error) {
	state.HumanInterventionNeeded = true
	if state.CurrentStage != workflow.StageFailed {
		e.manager.UpdateStage(state, workflow.StageFailed, true)
	}
	e.metrics.Escalations.Inc()
	e.logger.Warn("workflow escalated",
		"workflow_id", state.WorkflowID, "reason", reason)
	if err := e.persist(ctx, state); err != nil {
		return nil, err
	}
	return &RunOutcome{Disposition: DispositionEscalated, State: state}, nil
}

// complete is the terminal node: mark completed, record total duration,
// persist the final snapshot.
func (e *Engine) complete(ctx context.Context, state *workflow.WorkflowState) (*RunOutcome, error) {
	prev := state.CurrentStage
	e.manager.UpdateStage(state, workflow.StageCompleted, true)
	state.TotalDurationSeconds = e.now().Sub(state.WorkflowStartedAt).Seconds()
	e.metrics.StageTransitions.WithLabelValues(string(workflow.StageCompleted)).Inc()
	if e.hook != nil {
		e.hook(state, prev, workflow.StageCompleted)
	}
	e.logger.Info("workflow completed",
		"workflow_id", state.WorkflowID,
		"total_duration_seconds", state.TotalDurationSeconds)
	if err := e.persist(ctx, state); err != nil {
		return nil, err
	}
	return &RunOutcome{Disposition: DispositionCompleted, State: state}, nil
}

// persist validates and writes the snapshot. Validation errors propagate.
func (e *Engine) persist(ctx context.Context, state *workflow.WorkflowState) error {
	if err := e.manager.Validate(state); err != nil {
		return err
	}
	data, err := e.manager.Marshal(state)
	if err != nil {
		return err
	}
	if err := e.store.Save(ctx, state.WorkflowID, data); err != nil {
		return fmt.Errorf("persist workflow %s: %w", state.WorkflowID, err)
	}
	e.metrics.SnapshotPersists.Inc()
	return nil
}

// Cancel marks the workflow cancelled and forces it into the failed
// stage. An in-flight agent call is not pre-empted; cancellation only
// prevents the next stage transition.
func (e *Engine) Cancel(ctx context.Context, state *workflow.WorkflowState) error {
	state.Cancelled = true
	state.HumanInterventionNeeded = true
	if state.CurrentStage != workflow.StageFailed {
		e.manager.UpdateStage(state, workflow.StageFailed, true)
	}
	return e.persist(ctx, state)
}

// ResumeFromApproval routes an approved workflow back to the stage that
// requested approval (recorded as the last completed stage) and resumes
// the run. It is the approval node's return edge.
func (e *Engine) ResumeFromApproval(ctx context.Context, state *workflow.WorkflowState) (*RunOutcome, error) {
	if state.CurrentStage != workflow.StagePendingApproval {
		return nil, fmt.Errorf("workflow %s is in %s, not pending approval", state.WorkflowID, state.CurrentStage)
	}
	if state.ApprovalPending {
		return nil, fmt.Errorf("workflow %s still has an unresolved approval request", state.WorkflowID)
	}
	e.manager.UpdateStage(state, approvalReturnAddress(state), true)
	if err := e.persist(ctx, state); err != nil {
		return nil, err
	}
	return e.Run(ctx, state)
}

// approvalReturnAddress is the stage to return to after approval: the
// most recently completed stage, or hunting for a brand-new workflow.
func approvalReturnAddress(state *workflow.WorkflowState) workflow.Stage {
	if n := len(state.CompletedStages); n > 0 {
		return state.CompletedStages[n-1]
	}
	return workflow.StageHunting
}

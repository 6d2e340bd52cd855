package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/prospectflow/metrics"
	"github.com/c360studio/prospectflow/storage"
	"github.com/c360studio/prospectflow/workflow"
	"github.com/c360studio/prospectflow/workflow/engine"
)

// Coordinator maps one campaign plan onto workflow runs, aggregates
// cross-workflow metrics, and broadcasts status updates. All mutation of
// the execution state happens under the coordinator mutex; the engine
// run itself is single-threaded per workflow.
type Coordinator struct {
	plan        CampaignPlan
	agents      engine.AgentSet
	manager     *workflow.Manager
	workflows   storage.StateStore
	campaigns   storage.StateStore
	broadcaster *Broadcaster
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	engineOpts   []engine.Option
	demoFallback bool

	mu        sync.Mutex
	exec      *ExecutionState
	executing bool
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the coordinator logger.
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithCoordinatorMetrics sets the metrics collectors.
func WithCoordinatorMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithCoordinatorClock overrides the time source. Used in tests.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithDemoFallback controls whether a hunt that succeeds but finds no
// prospects is padded with a sample prospect instead of failing the run.
// Enabled by default.
func WithDemoFallback(enabled bool) CoordinatorOption {
	return func(c *Coordinator) {
		c.demoFallback = enabled
	}
}

// WithEngineOptions passes extra options to the engines the coordinator
// builds per run.
func WithEngineOptions(opts ...engine.Option) CoordinatorOption {
	return func(c *Coordinator) {
		c.engineOpts = append(c.engineOpts, opts...)
	}
}

// NewCoordinator creates a coordinator for one plan. The workflows store
// holds per-workflow snapshots; the campaigns store holds the
// coordinator's own execution state keyed by plan id.
func NewCoordinator(plan CampaignPlan, agents engine.AgentSet, manager *workflow.Manager,
	workflows, campaigns storage.StateStore, broadcaster *Broadcaster, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		plan:        plan,
		agents:      agents,
		manager:     manager,
		workflows:   workflows,
		campaigns:   campaigns,
		broadcaster: broadcaster,
		logger:       slog.Default(),
		metrics:      metrics.NewNop(),
		now:          time.Now,
		demoFallback: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Plan returns the plan this coordinator executes.
func (c *Coordinator) Plan() CampaignPlan {
	return c.plan
}

type strategyFunc func(ctx context.Context) error

// strategies is the campaign-type dispatch table. Discovery is the only
// fully implemented strategy; the rest accept the plan and park it in
// the prepared status until their pipelines exist.
func (c *Coordinator) strategies() map[CampaignType]strategyFunc {
	return map[CampaignType]strategyFunc{
		CampaignTypeDiscovery:  c.runDiscovery,
		CampaignTypeNurturing:  c.prepareOnly,
		CampaignTypeConversion: c.prepareOnly,
		CampaignTypeHybrid:     c.prepareOnly,
	}
}

// Execute runs the plan's strategy to its first resting point (completed,
// suspended, prepared, or error). Execute is idempotent while a run is in
// flight: a second call observes the in-progress execution state instead
// of starting a duplicate run.
func (c *Coordinator) Execute(ctx context.Context) (*ExecutionState, error) {
	strategy, ok := c.strategies()[c.plan.ExecutionStrategy.CampaignType]
	if !ok {
		return nil, fmt.Errorf("unknown campaign type %q", c.plan.ExecutionStrategy.CampaignType)
	}

	c.mu.Lock()
	if c.executing {
		snapshot := *c.exec
		c.mu.Unlock()
		c.logger.Info("execute ignored, campaign already running", "plan_id", c.plan.PlanID)
		return &snapshot, nil
	}
	c.executing = true
	c.exec = &ExecutionState{
		PlanID:       c.plan.PlanID,
		Status:       ExecutionStatusExecuting,
		CurrentPhase: PhaseDiscovery,
		LastUpdated:  c.now(),
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.executing = false
		c.mu.Unlock()
	}()

	c.logger.Info("executing campaign",
		"plan_id", c.plan.PlanID,
		"campaign_type", c.plan.ExecutionStrategy.CampaignType)

	if err := strategy(ctx); err != nil {
		c.finish(ctx, ExecutionStatusError, err.Error())
		return nil, err
	}

	c.mu.Lock()
	snapshot := *c.exec
	c.mu.Unlock()
	return &snapshot, nil
}

// runDiscovery is the discovery strategy: hunt prospects matching the
// target profile, then drive the standard pipeline until it suspends,
// completes, or escalates.
func (c *Coordinator) runDiscovery(ctx context.Context) error {
	state := c.manager.NewState(workflow.ProspectRecord{
		Name:   c.plan.Name,
		Type:   workflow.ProspectTypeCompany,
		Status: "new",
	})

	c.mu.Lock()
	c.exec.WorkflowID = state.WorkflowID
	c.mu.Unlock()
	c.publish(true)

	agents := make(engine.AgentSet, len(c.agents))
	for stage, agent := range c.agents {
		agents[stage] = agent
	}
	if hunter, ok := agents[workflow.StageHunting]; ok {
		agents[workflow.StageHunting] = &targetedHunter{
			inner:    hunter,
			profile:  c.plan.TargetProfile,
			logger:   c.logger,
			fallback: c.demoFallback,
		}
	}

	opts := append([]engine.Option{
		engine.WithLogger(c.logger),
		engine.WithMetrics(c.metrics),
		engine.WithTransitionHook(c.onTransition),
	}, c.engineOpts...)
	eng := engine.New(c.workflows, c.manager, agents, opts...)

	outcome, err := eng.Run(ctx, state)
	if err != nil {
		return fmt.Errorf("run discovery workflow: %w", err)
	}

	switch outcome.Disposition {
	case engine.DispositionCompleted:
		c.finish(ctx, ExecutionStatusCompleted, "")
	case engine.DispositionSuspended:
		c.finish(ctx, ExecutionStatusSuspended, "")
	case engine.DispositionEscalated:
		reason := "workflow escalated to human intervention"
		if last := outcome.State.LatestError(); last != nil {
			reason = last.Message
		}
		c.finish(ctx, ExecutionStatusError, reason)
	}
	return nil
}

// prepareOnly accepts the plan and parks the execution in the prepared
// status. Nurturing, conversion, and hybrid pipelines plug in here once
// their stage agents exist.
func (c *Coordinator) prepareOnly(ctx context.Context) error {
	c.mu.Lock()
	c.exec.Status = ExecutionStatusPrepared
	c.exec.CurrentPhase = PhasePrepared
	c.exec.LastUpdated = c.now()
	c.mu.Unlock()

	c.logger.Info("campaign strategy prepared",
		"plan_id", c.plan.PlanID,
		"campaign_type", c.plan.ExecutionStrategy.CampaignType)
	c.persistExec(ctx)
	c.publish(true)
	return nil
}

// finish records the terminal execution status, persists it, and issues
// a forced broadcast so subscribers always see lifecycle boundaries.
func (c *Coordinator) finish(ctx context.Context, status ExecutionStatus, lastError string) {
	c.mu.Lock()
	c.exec.Status = status
	c.exec.LastError = lastError
	if status == ExecutionStatusCompleted {
		c.exec.CurrentPhase = PhaseCompleted
	}
	if status == ExecutionStatusError {
		c.exec.CurrentPhase = PhaseFailed
	}
	c.exec.LastUpdated = c.now()
	c.mu.Unlock()

	c.persistExec(ctx)
	c.publish(true)
}

// onTransition folds engine stage transitions into the campaign-level
// projection: aggregate metrics, phase cache, completed agent list.
// Runs on the engine goroutine; broadcasts from here are throttled.
func (c *Coordinator) onTransition(state *workflow.WorkflowState, from, to workflow.Stage) {
	c.mu.Lock()
	switch from {
	case workflow.StageHunting:
		if state.HunterResults != nil {
			c.exec.Metrics.Discovered = state.HunterResults.ProspectsFound
		}
	case workflow.StageEnriching:
		enriched := c.exec.Metrics.Discovered
		if limit := c.plan.ExecutionStrategy.MaxProspects; limit > 0 && enriched > limit {
			enriched = limit
		}
		c.exec.Metrics.Enriched = enriched
	case workflow.StageOutreach:
		c.exec.Metrics.OutreachSent = len(state.OutreachCampaigns)
	case workflow.StageProposal:
		if state.ProposalData != nil {
			c.exec.Metrics.ProposalsGenerated++
		}
	}
	if to == workflow.StageCompleted && state.MeetingDetails != nil {
		c.exec.Metrics.MeetingsScheduled++
	}

	c.exec.CompletedAgents = appendAgent(c.exec.CompletedAgents, from.String())
	c.exec.CurrentPhase = PhaseForStage(to)
	switch {
	case to.IsSuspended():
		c.exec.Status = ExecutionStatusSuspended
	case to == workflow.StageFailed:
		c.exec.Status = ExecutionStatusError
	case to == workflow.StageCompleted:
		c.exec.Status = ExecutionStatusCompleted
	default:
		c.exec.Status = ExecutionStatusExecuting
	}
	c.exec.LastUpdated = c.now()
	c.mu.Unlock()

	c.persistExec(context.Background())
	c.publish(false)
}

func appendAgent(agents []string, name string) []string {
	for _, a := range agents {
		if a == name {
			return agents
		}
	}
	return append(agents, name)
}

// Status returns the current UI status. A plan that has never executed
// reports the synthetic ready_to_execute status rather than an error.
func (c *Coordinator) Status() StatusUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Coordinator) statusLocked() StatusUpdate {
	if c.exec == nil {
		return StatusUpdate{
			Status:             ExecutionStatusReady,
			CurrentPhase:       PhaseReady,
			ProgressPercentage: ProgressForPhase(PhaseReady),
		}
	}
	return StatusUpdate{
		Status:             c.exec.Status,
		CurrentPhase:       c.exec.CurrentPhase,
		ProgressPercentage: ProgressForPhase(c.exec.CurrentPhase),
		Metrics:            c.exec.Metrics,
		WorkflowID:         c.exec.WorkflowID,
	}
}

// ForceSync reconciles the cached phase against the persisted workflow
// snapshot, which is authoritative. Drift can accumulate when the
// workflow advances through an out-of-band control-plane action; a
// detected drift triggers a forced broadcast.
func (c *Coordinator) ForceSync(ctx context.Context) (StatusUpdate, error) {
	c.mu.Lock()
	if c.exec == nil || c.exec.WorkflowID == "" {
		status := c.statusLocked()
		c.mu.Unlock()
		return status, nil
	}
	workflowID := c.exec.WorkflowID
	cachedPhase := c.exec.CurrentPhase
	c.mu.Unlock()

	data, err := c.workflows.Load(ctx, workflowID)
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
	state, report, err := c.manager.Unmarshal(data)
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("decode workflow %s: %w", workflowID, err)
	}
	if report.Outcome != workflow.DecodeClean {
		c.logger.Warn("reconciled from degraded snapshot",
			"workflow_id", workflowID,
			"dropped_keys", report.DroppedKeys,
			"dropped_stages", report.DroppedStages)
	}

	authoritative := PhaseForStage(state.CurrentStage)
	drifted := authoritative != cachedPhase

	c.mu.Lock()
	c.exec.CurrentPhase = authoritative
	switch {
	case state.CurrentStage.IsSuspended():
		c.exec.Status = ExecutionStatusSuspended
	case state.CurrentStage == workflow.StageFailed:
		c.exec.Status = ExecutionStatusError
	case state.CurrentStage == workflow.StageCompleted:
		c.exec.Status = ExecutionStatusCompleted
	default:
		c.exec.Status = ExecutionStatusExecuting
	}
	if drifted {
		c.exec.LastUpdated = c.now()
	}
	status := c.statusLocked()
	c.mu.Unlock()

	if drifted {
		c.logger.Info("phase cache drifted from persisted snapshot",
			"plan_id", c.plan.PlanID,
			"cached", cachedPhase,
			"authoritative", authoritative)
		c.persistExec(ctx)
		c.publish(true)
	}
	return status, nil
}

// persistExec writes the execution state to the campaigns store, keyed
// by plan id. Best-effort: a failed write is logged, not propagated,
// since the workflow snapshot remains the durable source of truth.
func (c *Coordinator) persistExec(ctx context.Context) {
	c.mu.Lock()
	snapshot := *c.exec
	c.mu.Unlock()

	data, err := json.Marshal(&snapshot)
	if err != nil {
		c.logger.Error("marshal execution state", "plan_id", c.plan.PlanID, "error", err)
		return
	}
	if err := c.campaigns.Save(ctx, c.plan.PlanID, data); err != nil {
		c.logger.Warn("persist execution state", "plan_id", c.plan.PlanID, "error", err)
	}
}

// publish broadcasts the current status through the broadcaster.
func (c *Coordinator) publish(forced bool) {
	if c.broadcaster == nil {
		return
	}
	c.broadcaster.Broadcast(c.plan.PlanID, c.Status(), forced)
}

// targetedHunter wraps the hunting agent with campaign targeting: it
// drops candidates matching the plan's excluded domain patterns, and on
// an empty (but successful) hunt injects a single sample prospect so a
// demo campaign can exercise the rest of the pipeline instead of
// escalating at the first stage.
type targetedHunter struct {
	inner    engine.Agent
	profile  TargetProfile
	logger   *slog.Logger
	fallback bool
}

func (h *targetedHunter) Name() string {
	return h.inner.Name()
}

func (h *targetedHunter) Invoke(ctx context.Context, state *workflow.WorkflowState) (*workflow.WorkflowState, error) {
	next, err := h.inner.Invoke(ctx, state)
	if err != nil {
		return next, err
	}

	if next.HunterResults != nil && len(h.profile.ExcludeDomains) > 0 {
		kept := next.HunterResults.Candidates[:0]
		for _, candidate := range next.HunterResults.Candidates {
			if h.excluded(candidate.Website) {
				h.logger.Info("dropping excluded prospect",
					"workflow_id", next.WorkflowID, "website", candidate.Website)
				continue
			}
			kept = append(kept, candidate)
		}
		next.HunterResults.Candidates = kept
		next.HunterResults.ProspectsFound = len(kept)
	}

	if h.fallback && (next.HunterResults == nil || next.HunterResults.ProspectsFound == 0) {
		h.logger.Warn("hunter returned no prospects, using sample prospect",
			"workflow_id", next.WorkflowID)
		next.HunterResults = &workflow.HunterResults{
			ProspectsFound: 1,
			Confidence:     0.1,
			Signals:        []string{"sample"},
			Candidates: []workflow.ProspectRecord{{
				Name:   "Sample Prospect",
				Type:   workflow.ProspectTypeCompany,
				Email:  "hello@sample-prospect.test",
				Status: "new",
			}},
		}
	}
	return next, nil
}

// excluded matches a candidate website against the exclusion patterns.
// Patterns are doublestar globs matched against the bare hostname.
func (h *targetedHunter) excluded(website string) bool {
	if website == "" {
		return false
	}
	host := website
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	for _, pattern := range h.profile.ExcludeDomains {
		if ok, err := doublestar.Match(pattern, host); err == nil && ok {
			return true
		}
	}
	return false
}

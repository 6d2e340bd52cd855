package workflow

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Manager constructs, validates, and mutates workflow states. All
// operations work on values and perform no I/O; callers persist the
// returned state themselves. A nil logger falls back to slog.Default.
type Manager struct {
	logger *slog.Logger
	now    func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a state manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StateOption configures a newly created workflow state.
type StateOption func(*WorkflowState)

// WithWorkflowID supplies an explicit workflow id instead of a generated one.
func WithWorkflowID(id string) StateOption {
	return func(s *WorkflowState) {
		s.WorkflowID = id
	}
}

// WithAssignedHuman assigns an operator at creation time.
func WithAssignedHuman(human string) StateOption {
	return func(s *WorkflowState) {
		s.AssignedHuman = human
	}
}

// WithMaxRetries overrides the default retry budget.
func WithMaxRetries(n int) StateOption {
	return func(s *WorkflowState) {
		s.MaxRetries = n
	}
}

// WithPriority sets the workflow priority (1-10).
func WithPriority(p int) StateOption {
	return func(s *WorkflowState) {
		s.Priority = p
	}
}

// NewState creates the initial snapshot for a prospect: current stage
// hunting, empty result slots, zero retries.
func (m *Manager) NewState(prospect ProspectRecord, opts ...StateOption) *WorkflowState {
	now := m.now()
	s := &WorkflowState{
		WorkflowID:        uuid.New().String(),
		CurrentStage:      StageHunting,
		CompletedStages:   []Stage{},
		WorkflowStartedAt: now,
		LastUpdatedAt:     now,
		Prospect:          prospect,
		Errors:            []AgentError{},
		MaxRetries:        DefaultMaxRetries,
		Priority:          5,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate checks the structural invariants of a state. It is called
// defensively before persistence and after deserialization. A corrupt
// snapshot must never be silently persisted or retried, so callers are
// expected to propagate the returned error.
func (m *Manager) Validate(s *WorkflowState) error {
	if s == nil {
		return &ValidationError{Field: "state", Message: "state is nil"}
	}
	if s.WorkflowID == "" {
		return &ValidationError{Field: "workflow_id", Message: "workflow_id is required"}
	}
	if _, err := uuid.Parse(s.WorkflowID); err != nil {
		return &ValidationError{Field: "workflow_id", Message: "workflow_id must be a UUID"}
	}
	if !s.CurrentStage.IsValid() {
		return &ValidationError{Field: "current_stage", Message: "unknown stage: " + s.CurrentStage.String()}
	}
	for _, c := range s.CompletedStages {
		if !c.IsValid() {
			return &ValidationError{Field: "completed_stages", Message: "unknown stage: " + c.String()}
		}
		if c == s.CurrentStage {
			return &ValidationError{Field: "current_stage", Message: "stage " + c.String() + " is both current and completed"}
		}
	}
	if !s.Prospect.Type.IsValid() {
		return &ValidationError{Field: "prospect.type", Message: "type must be individual or company"}
	}
	if s.Prospect.LeadScore < 0 {
		return &ValidationError{Field: "prospect.lead_score", Message: "lead_score must be >= 0"}
	}
	if s.Errors == nil {
		return &ValidationError{Field: "errors", Message: "errors must be a sequence, not null"}
	}
	if s.RetryCount < 0 {
		return &ValidationError{Field: "retry_count", Message: "retry_count must be >= 0"}
	}
	if s.Priority < 1 || s.Priority > 10 {
		return &ValidationError{Field: "priority", Message: "priority must be 1-10"}
	}
	return nil
}

// UpdateStage is the only sanctioned way to change the current stage.
// It records the elapsed time in the previous stage, appends the previous
// stage to the completed history (guarding against double-append on retried
// calls), and bumps last_updated_at. Calling it with the stage the workflow
// is already in is a no-op transition: no history append, no duration
// double-count.
func (m *Manager) UpdateStage(s *WorkflowState, next Stage, trackDuration bool) *WorkflowState {
	now := m.now()
	if next == s.CurrentStage {
		s.LastUpdatedAt = maxTime(s.LastUpdatedAt, now)
		return s
	}

	prev := s.CurrentStage
	if trackDuration {
		if s.StageDurations == nil {
			s.StageDurations = make(map[string]float64)
		}
		if _, tracked := s.StageDurations[prev.String()]; !tracked {
			s.StageDurations[prev.String()] = now.Sub(s.LastUpdatedAt).Seconds()
		}
	}
	if !s.HasCompleted(prev) {
		s.CompletedStages = append(s.CompletedStages, prev)
	}
	s.CurrentStage = next

	// The new current stage must drop out of the completed history to keep
	// the disjointness invariant on backward edges (e.g. proposal back to
	// conversation).
	if s.HasCompleted(next) {
		kept := s.CompletedStages[:0]
		for _, c := range s.CompletedStages {
			if c != next {
				kept = append(kept, c)
			}
		}
		s.CompletedStages = kept
	}

	s.LastUpdatedAt = maxTime(s.LastUpdatedAt, now)
	return s
}

// AddError appends an AgentError capturing the retry count in effect at
// failure time, then increments the counter. Once the counter reaches the
// budget the workflow escalates here and now: human_intervention_needed is
// set and the stage is forced to failed. There is no separate "give up"
// decision elsewhere.
func (m *Manager) AddError(s *WorkflowState, agent string, kind ErrorKind, message string, details map[string]any) *WorkflowState {
	now := m.now()
	s.Errors = append(s.Errors, AgentError{
		Agent:      agent,
		Kind:       kind,
		Message:    message,
		Details:    details,
		RetryCount: s.RetryCount,
		OccurredAt: now,
	})
	s.RetryCount++

	if s.RetryCount >= s.MaxRetries {
		s.HumanInterventionNeeded = true
		if s.CurrentStage != StageFailed {
			m.UpdateStage(s, StageFailed, true)
		}
		m.logger.Warn("workflow escalated after retry budget exhausted",
			"workflow_id", s.WorkflowID,
			"agent", agent,
			"retry_count", s.RetryCount)
	}

	s.LastUpdatedAt = maxTime(s.LastUpdatedAt, now)
	return s
}

// RequestApproval appends a pending approval request and suspends the
// workflow in the pending_approval stage. The requesting stage is left in
// the completed history so the engine can use it as the return address.
func (m *Manager) RequestApproval(s *WorkflowState, approvalType string, payload map[string]any, reason string) *WorkflowState {
	now := m.now()
	s.ApprovalRequests = append(s.ApprovalRequests, ApprovalRequest{
		ID:          uuid.New().String(),
		Type:        approvalType,
		Payload:     payload,
		Reason:      reason,
		RequestedAt: now,
		Status:      ApprovalStatusPending,
	})
	s.ApprovalPending = true
	if s.CurrentStage != StagePendingApproval {
		m.UpdateStage(s, StagePendingApproval, true)
	}
	return s
}

// Progress returns pipeline completion as a percentage in [0, 100].
// Each completed core stage counts fully; the current stage counts half if
// it is a core stage not yet completed. Terminal and suspended stages are
// excluded from the denominator.
func (m *Manager) Progress(s *WorkflowState) float64 {
	total := float64(len(coreStages))
	done := 0.0
	for _, c := range s.CompletedStages {
		if c.IsCore() {
			done++
		}
	}
	if s.CurrentStage.IsCore() && !s.HasCompleted(s.CurrentStage) {
		done += 0.5
	}
	pct := done / total * 100
	if pct > 100 {
		pct = 100
	}
	// A workflow that escalated after its last core stage has every core
	// stage in the completed history, but it did not finish. Only the
	// completed terminal stage reports 100.
	if pct == 100 && s.CurrentStage != StageCompleted {
		pct = (total - 0.5) / total * 100
	}
	return pct
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// Package workflow provides the prospectflow pipeline state machine:
// the stage enumeration, the per-prospect workflow snapshot, and the
// manager operations that are the only sanctioned way to mutate it.
package workflow

import (
	"fmt"
	"time"
)

// Stage represents a prospect's position in the sales pipeline.
type Stage string

const (
	// StageHunting indicates prospect discovery is in progress.
	StageHunting Stage = "hunting"
	// StageEnriching indicates prospect enrichment is in progress.
	StageEnriching Stage = "enriching"
	// StageOutreach indicates outreach drafting/sending is in progress.
	StageOutreach Stage = "outreach"
	// StageAwaitingReply indicates the workflow is suspended waiting for a prospect reply.
	StageAwaitingReply Stage = "awaiting_reply"
	// StageConversation indicates an active conversation is being qualified.
	StageConversation Stage = "conversation"
	// StageAwaitingOverview indicates the workflow is suspended waiting for an overview send.
	StageAwaitingOverview Stage = "awaiting_overview"
	// StageAwaitingOverviewReply indicates the workflow is suspended waiting for an overview reply.
	StageAwaitingOverviewReply Stage = "awaiting_overview_reply"
	// StageProposal indicates proposal generation is in progress.
	StageProposal Stage = "proposal"
	// StageMeeting indicates meeting scheduling is in progress.
	StageMeeting Stage = "meeting"
	// StageCompleted indicates the workflow finished successfully. Terminal.
	StageCompleted Stage = "completed"
	// StageFailed indicates the workflow terminated with an error. Terminal.
	StageFailed Stage = "failed"
	// StagePendingApproval indicates the workflow is suspended on a human approval decision.
	StagePendingApproval Stage = "pending_approval"
)

// coreStages are the stages counted for progress, in pipeline order.
var coreStages = []Stage{
	StageHunting,
	StageEnriching,
	StageOutreach,
	StageConversation,
	StageProposal,
	StageMeeting,
}

// CoreStages returns the progress-bearing stages in pipeline order.
func CoreStages() []Stage {
	out := make([]Stage, len(coreStages))
	copy(out, coreStages)
	return out
}

// String returns the string representation of the stage.
func (s Stage) String() string {
	return string(s)
}

// IsValid returns true if the stage is a known pipeline stage.
func (s Stage) IsValid() bool {
	switch s {
	case StageHunting, StageEnriching, StageOutreach, StageAwaitingReply,
		StageConversation, StageAwaitingOverview, StageAwaitingOverviewReply,
		StageProposal, StageMeeting, StageCompleted, StageFailed,
		StagePendingApproval:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for stages the engine never advances past.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// IsSuspended returns true for stages at which the engine stops driving
// the workflow and waits for an external trigger.
func (s Stage) IsSuspended() bool {
	switch s {
	case StageAwaitingReply, StageAwaitingOverview, StageAwaitingOverviewReply, StagePendingApproval:
		return true
	default:
		return false
	}
}

// IsCore returns true if the stage counts toward pipeline progress.
func (s Stage) IsCore() bool {
	for _, c := range coreStages {
		if s == c {
			return true
		}
	}
	return false
}

// ErrorKind classifies an agent failure for retry policy decisions.
type ErrorKind string

const (
	// ErrorKindAPIFailure is an external service error. Retryable.
	ErrorKindAPIFailure ErrorKind = "api_failure"
	// ErrorKindDataQuality is an insufficient or invalid result. Escalates.
	ErrorKindDataQuality ErrorKind = "data_quality"
	// ErrorKindRateLimit is a rate-limited call. Retryable with backoff.
	ErrorKindRateLimit ErrorKind = "rate_limit"
	// ErrorKindValidation is a malformed state or input. Non-retryable.
	ErrorKindValidation ErrorKind = "validation_error"
)

// IsValid returns true if the kind is a known error kind.
func (k ErrorKind) IsValid() bool {
	switch k {
	case ErrorKindAPIFailure, ErrorKindDataQuality, ErrorKindRateLimit, ErrorKindValidation:
		return true
	default:
		return false
	}
}

// ProspectType distinguishes individual and company prospects.
type ProspectType string

const (
	ProspectTypeIndividual ProspectType = "individual"
	ProspectTypeCompany    ProspectType = "company"
)

// IsValid returns true if the prospect type is known.
func (t ProspectType) IsValid() bool {
	return t == ProspectTypeIndividual || t == ProspectTypeCompany
}

// ProspectRecord is the core subject of a workflow.
type ProspectRecord struct {
	// Name is the prospect's display name.
	Name string `json:"name"`

	// Type is individual or company.
	Type ProspectType `json:"type"`

	// Email is the primary contact email.
	Email string `json:"email,omitempty"`

	// Phone is the primary contact phone number.
	Phone string `json:"phone,omitempty"`

	// Website is the prospect's primary web presence.
	Website string `json:"website,omitempty"`

	// Status is the lifecycle status (e.g., "new", "contacted", "qualified").
	Status string `json:"status,omitempty"`

	// LeadScore is a non-negative lead quality score.
	LeadScore int `json:"lead_score"`
}

// HunterResults captures the outcome of the hunting stage.
type HunterResults struct {
	// ProspectsFound is the number of prospects discovered.
	ProspectsFound int `json:"prospects_found"`

	// Confidence is the hunter's confidence in the results (0-1).
	Confidence float64 `json:"confidence,omitempty"`

	// Signals are free-form raw discovery signals.
	Signals []string `json:"signals,omitempty"`

	// Candidates are the discovered prospect records.
	Candidates []ProspectRecord `json:"candidates,omitempty"`
}

// EnrichmentInsight is one structured finding about a prospect.
type EnrichmentInsight struct {
	// Topic names what the insight is about (e.g., "funding", "tech stack").
	Topic string `json:"topic"`

	// Summary is the insight text.
	Summary string `json:"summary"`

	// Source cites where the insight came from.
	Source string `json:"source,omitempty"`
}

// EnrichmentResults captures the outcome of the enriching stage.
type EnrichmentResults struct {
	// Insights are the structured findings.
	Insights []EnrichmentInsight `json:"insights,omitempty"`

	// Sources lists every source consulted.
	Sources []string `json:"sources,omitempty"`

	// EnrichedAt is when enrichment completed.
	EnrichedAt time.Time `json:"enriched_at"`
}

// OutreachCampaign is one outreach send or follow-up round.
// The workflow keeps every round; the slice is append-only.
type OutreachCampaign struct {
	// Subject is the message subject line.
	Subject string `json:"subject"`

	// Body is the message body.
	Body string `json:"body"`

	// Channel is the delivery channel (e.g., "email").
	Channel string `json:"channel,omitempty"`

	// FollowUp is true for follow-up rounds after the initial send.
	FollowUp bool `json:"follow_up,omitempty"`

	// SentAt is when the message was sent.
	SentAt time.Time `json:"sent_at"`
}

// ConversationSummary captures qualification state after conversation turns.
type ConversationSummary struct {
	// Summary is the conversation digest.
	Summary string `json:"summary,omitempty"`

	// QualificationScore is 0-100; >= 70 gates entry to the proposal stage.
	QualificationScore int `json:"qualification_score"`

	// NextAction is the recommended next step (e.g., "follow_up", "proposal").
	NextAction string `json:"next_action,omitempty"`

	// LastReplyAt is when the prospect last replied.
	LastReplyAt *time.Time `json:"last_reply_at,omitempty"`
}

// ProposalData captures the generated proposal.
type ProposalData struct {
	// Title is the proposal title.
	Title string `json:"title"`

	// Body is the proposal content.
	Body string `json:"body,omitempty"`

	// Pricing is free-form pricing detail.
	Pricing string `json:"pricing,omitempty"`

	// GeneratedAt is when the proposal was produced.
	GeneratedAt time.Time `json:"generated_at"`
}

// MeetingDetails captures the scheduled meeting.
type MeetingDetails struct {
	// ScheduledFor is the agreed meeting time.
	ScheduledFor time.Time `json:"scheduled_for"`

	// DurationMinutes is the planned length.
	DurationMinutes int `json:"duration_minutes,omitempty"`

	// Location is a place or conferencing link.
	Location string `json:"location,omitempty"`

	// Attendees lists participant identifiers.
	Attendees []string `json:"attendees,omitempty"`
}

// AgentError is one entry in the workflow's append-only error log.
type AgentError struct {
	// Agent is the name of the agent that failed.
	Agent string `json:"agent"`

	// Kind classifies the failure.
	Kind ErrorKind `json:"kind"`

	// Message is the failure description.
	Message string `json:"message"`

	// Details carries free-form failure context.
	Details map[string]any `json:"details,omitempty"`

	// RetryCount is the workflow retry count in effect when the error occurred.
	RetryCount int `json:"retry_count"`

	// OccurredAt is when the error was recorded.
	OccurredAt time.Time `json:"occurred_at"`
}

// ApprovalStatus is the lifecycle of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// ApprovalRequest is an append-only record of a human approval gate.
// Status is the one field an external approval actor mutates in place.
type ApprovalRequest struct {
	// ID uniquely identifies the request.
	ID string `json:"id"`

	// Type names what kind of approval is needed (e.g., "send_outreach").
	Type string `json:"type"`

	// Payload carries the content under review.
	Payload map[string]any `json:"payload,omitempty"`

	// Reason explains why approval was requested.
	Reason string `json:"reason,omitempty"`

	// RequestedAt is when the request was created.
	RequestedAt time.Time `json:"requested_at"`

	// Status is pending until an external actor decides.
	Status ApprovalStatus `json:"status"`
}

// DefaultMaxRetries is the retry budget applied to new workflows.
// The counter is global across all stages, not per-stage.
const DefaultMaxRetries = 3

// WorkflowState is the snapshot of one prospect's journey through the
// pipeline. It is mutated only through the manager operations in this
// package and persisted after every mutation.
type WorkflowState struct {
	// WorkflowID is the globally unique id, immutable after creation.
	// Used as the StateStore key.
	WorkflowID string `json:"workflow_id"`

	// CurrentStage is the stage the workflow is in right now.
	// Invariant: never present in CompletedStages.
	CurrentStage Stage `json:"current_stage"`

	// CompletedStages is the append-only ordered stage history.
	CompletedStages []Stage `json:"completed_stages"`

	// WorkflowStartedAt is when the workflow was created.
	WorkflowStartedAt time.Time `json:"workflow_started_at"`

	// LastUpdatedAt is bumped on every transition. Monotonically non-decreasing.
	LastUpdatedAt time.Time `json:"last_updated_at"`

	// Prospect is the subject of the workflow.
	Prospect ProspectRecord `json:"prospect"`

	// Per-stage result slots. Each is nil until its stage completes and is
	// never cleared afterward. OutreachCampaigns is append-only to support
	// multiple send and follow-up rounds.
	HunterResults       *HunterResults       `json:"hunter_results,omitempty"`
	EnrichmentResults   *EnrichmentResults   `json:"enrichment_results,omitempty"`
	OutreachCampaigns   []OutreachCampaign   `json:"outreach_campaigns,omitempty"`
	ConversationSummary *ConversationSummary `json:"conversation_summary,omitempty"`
	ProposalData        *ProposalData        `json:"proposal_data,omitempty"`
	MeetingDetails      *MeetingDetails      `json:"meeting_details,omitempty"`

	// Errors is the append-only error audit log.
	Errors []AgentError `json:"errors"`

	// RetryCount counts failures across all stages for this workflow.
	RetryCount int `json:"retry_count"`

	// MaxRetries is the escalation threshold for RetryCount.
	MaxRetries int `json:"max_retries"`

	// HumanInterventionNeeded is set when the workflow escalates.
	HumanInterventionNeeded bool `json:"human_intervention_needed"`

	// ApprovalPending is set while an approval request is unresolved.
	ApprovalPending bool `json:"approval_pending"`

	// AssignedHuman identifies the operator responsible for this workflow.
	AssignedHuman string `json:"assigned_human,omitempty"`

	// ApprovalRequests is the append-only approval gate history.
	ApprovalRequests []ApprovalRequest `json:"approval_requests,omitempty"`

	// ManualOverrides carries operator-supplied field overrides. Opaque to
	// the engine.
	ManualOverrides map[string]any `json:"manual_overrides,omitempty"`

	// NextAgent optionally names the agent to run next.
	NextAgent string `json:"next_agent,omitempty"`

	// SkipStages lists stages the engine should route past.
	SkipStages []Stage `json:"skip_stages,omitempty"`

	// Priority is 1-10.
	Priority int `json:"priority"`

	// Cancelled prevents the next stage transition from proceeding.
	// In-flight agent calls are not pre-empted.
	Cancelled bool `json:"cancelled,omitempty"`

	// StageDurations maps stage name to seconds spent in it, populated at
	// each transition.
	StageDurations map[string]float64 `json:"stage_durations,omitempty"`

	// TotalDurationSeconds is set when the workflow completes.
	TotalDurationSeconds float64 `json:"total_duration_seconds,omitempty"`

	// APICallsMade and RateLimitStatus are opaque usage counters.
	APICallsMade    map[string]int `json:"api_calls_made,omitempty"`
	RateLimitStatus map[string]any `json:"rate_limit_status,omitempty"`
}

// LatestError returns the most recently recorded error, or nil.
func (s *WorkflowState) LatestError() *AgentError {
	if len(s.Errors) == 0 {
		return nil
	}
	return &s.Errors[len(s.Errors)-1]
}

// HasCompleted returns true if the given stage is in the completed history.
func (s *WorkflowState) HasCompleted(stage Stage) bool {
	for _, c := range s.CompletedStages {
		if c == stage {
			return true
		}
	}
	return false
}

// ShouldSkip returns true if the stage is in the operator skip list.
func (s *WorkflowState) ShouldSkip(stage Stage) bool {
	for _, sk := range s.SkipStages {
		if sk == stage {
			return true
		}
	}
	return false
}

// ValidationError reports a field-level state validation failure.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

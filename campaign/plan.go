// Package campaign maps user-defined campaign plans onto workflow engine
// runs, tracks aggregate metrics, and broadcasts throttled status updates
// to UI subscribers.
package campaign

import (
	"time"

	"github.com/c360studio/prospectflow/workflow"
)

// CampaignType selects the execution strategy for a plan.
type CampaignType string

const (
	// CampaignTypeDiscovery hunts for new prospects and starts outreach.
	CampaignTypeDiscovery CampaignType = "discovery"
	// CampaignTypeNurturing works existing conversations. Stub strategy.
	CampaignTypeNurturing CampaignType = "nurturing"
	// CampaignTypeConversion pushes qualified prospects to proposal. Stub strategy.
	CampaignTypeConversion CampaignType = "conversion"
	// CampaignTypeHybrid combines strategies. Stub strategy.
	CampaignTypeHybrid CampaignType = "hybrid"
)

// IsValid returns true for known campaign types.
func (t CampaignType) IsValid() bool {
	switch t {
	case CampaignTypeDiscovery, CampaignTypeNurturing, CampaignTypeConversion, CampaignTypeHybrid:
		return true
	default:
		return false
	}
}

// TargetProfile describes who a campaign is hunting for.
type TargetProfile struct {
	// Industry narrows the search (e.g., "logistics").
	Industry string `json:"industry,omitempty"`

	// CompanySize is a free-form size band (e.g., "50-200").
	CompanySize string `json:"company_size,omitempty"`

	// Region narrows geography.
	Region string `json:"region,omitempty"`

	// Keywords guide discovery.
	Keywords []string `json:"keywords,omitempty"`

	// ExcludeDomains are doublestar patterns for domains to skip
	// (e.g., "*.gov", "*.example.com").
	ExcludeDomains []string `json:"exclude_domains,omitempty"`
}

// ExecutionStrategy selects and parameterizes the strategy handler.
type ExecutionStrategy struct {
	// CampaignType selects the strategy handler.
	CampaignType CampaignType `json:"campaign_type"`

	// MaxProspects caps how many prospects a discovery run enriches.
	MaxProspects int `json:"max_prospects,omitempty"`
}

// CampaignPlan is the user-level targeting and objective specification.
// One plan may spawn one or more workflow runs.
type CampaignPlan struct {
	// PlanID uniquely identifies the plan.
	PlanID string `json:"plan_id"`

	// Name is the human-readable campaign name.
	Name string `json:"name"`

	// Objectives describe what the campaign should achieve.
	Objectives []string `json:"objectives,omitempty"`

	// TargetProfile describes the prospects to hunt.
	TargetProfile TargetProfile `json:"target_profile"`

	// ExecutionStrategy selects the strategy handler.
	ExecutionStrategy ExecutionStrategy `json:"execution_strategy"`

	// CreatedAt is when the plan was registered.
	CreatedAt time.Time `json:"created_at"`
}

// ExecutionStatus is the lifecycle of a campaign execution.
type ExecutionStatus string

const (
	// ExecutionStatusReady is the synthetic status reported for a plan
	// that has never been executed. It is never stored.
	ExecutionStatusReady ExecutionStatus = "ready_to_execute"

	ExecutionStatusExecuting ExecutionStatus = "executing"
	ExecutionStatusPrepared  ExecutionStatus = "prepared"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusSuspended ExecutionStatus = "suspended"
	ExecutionStatusError     ExecutionStatus = "error"
)

// Metrics aggregates cross-cutting campaign counters.
type Metrics struct {
	Discovered         int `json:"discovered"`
	Enriched           int `json:"enriched"`
	OutreachSent       int `json:"outreach_sent"`
	MeetingsScheduled  int `json:"meetings_scheduled"`
	ProposalsGenerated int `json:"proposals_generated"`
}

// ExecutionState is the coordinator's per-plan aggregate tracking record.
// CurrentPhase is a coarser, UI-facing projection of the underlying
// workflow's current stage; it is a cache that ForceSync reconciles
// against the persisted snapshot.
type ExecutionState struct {
	PlanID          string          `json:"plan_id"`
	WorkflowID      string          `json:"workflow_id,omitempty"`
	Status          ExecutionStatus `json:"status"`
	CurrentPhase    string          `json:"current_phase"`
	Metrics         Metrics         `json:"metrics"`
	CompletedAgents []string        `json:"completed_agents,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	LastUpdated     time.Time       `json:"last_updated"`
}

// StatusUpdate is the UI status payload delivered to observers and
// returned from status polls. Pushed and polled views share the same
// phase-to-percentage mapping so they can never disagree.
type StatusUpdate struct {
	Status             ExecutionStatus `json:"status"`
	CurrentPhase       string          `json:"current_phase"`
	ProgressPercentage float64         `json:"progress_percentage"`
	Metrics            Metrics         `json:"metrics"`
	WorkflowID         string          `json:"workflow_id,omitempty"`
}

// UI-facing phases, a coarse projection of pipeline stages.
const (
	PhaseReady          = "ready_to_execute"
	PhaseDiscovery      = "discovery"
	PhaseEnrichment     = "enrichment"
	PhaseOutreach       = "outreach"
	PhaseAwaitingReply  = "awaiting_reply"
	PhaseConversation   = "conversation"
	PhaseProposal       = "proposal"
	PhaseMeeting        = "meeting"
	PhaseApproval       = "approval"
	PhaseCompleted      = "completed"
	PhaseFailed         = "failed"
	PhasePrepared       = "prepared"
)

// PhaseForStage projects a pipeline stage onto its UI phase.
func PhaseForStage(stage workflow.Stage) string {
	switch stage {
	case workflow.StageHunting:
		return PhaseDiscovery
	case workflow.StageEnriching:
		return PhaseEnrichment
	case workflow.StageOutreach:
		return PhaseOutreach
	case workflow.StageAwaitingReply, workflow.StageAwaitingOverview, workflow.StageAwaitingOverviewReply:
		return PhaseAwaitingReply
	case workflow.StageConversation:
		return PhaseConversation
	case workflow.StageProposal:
		return PhaseProposal
	case workflow.StageMeeting:
		return PhaseMeeting
	case workflow.StagePendingApproval:
		return PhaseApproval
	case workflow.StageCompleted:
		return PhaseCompleted
	case workflow.StageFailed:
		return PhaseFailed
	default:
		return string(stage)
	}
}

// phaseProgress maps each phase to its UI progress percentage.
var phaseProgress = map[string]float64{
	PhaseReady:         0,
	PhasePrepared:      5,
	PhaseDiscovery:     15,
	PhaseEnrichment:    35,
	PhaseOutreach:      55,
	PhaseAwaitingReply: 65,
	PhaseConversation:  75,
	PhaseApproval:      75,
	PhaseProposal:      85,
	PhaseMeeting:       95,
	PhaseCompleted:     100,
	PhaseFailed:        100,
}

// ProgressForPhase returns the UI progress percentage for a phase.
func ProgressForPhase(phase string) float64 {
	if pct, ok := phaseProgress[phase]; ok {
		return pct
	}
	return 0
}

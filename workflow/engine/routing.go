package engine

import (
	"github.com/c360studio/prospectflow/workflow"
)

// qualificationThreshold gates entry from conversation to proposal.
const qualificationThreshold = 70

type routeAction int

const (
	actionAdvance routeAction = iota
	actionComplete
	actionEscalate
)

// routeDecision is the outcome of evaluating a stage node's routing
// contract after its agent returned.
type routeDecision struct {
	action routeAction
	next   workflow.Stage
	reason string
}

func advance(next workflow.Stage) routeDecision {
	return routeDecision{action: actionAdvance, next: next}
}

func escalateWith(reason string) routeDecision {
	return routeDecision{action: actionEscalate, reason: reason}
}

// canonicalNext is the forward edge of the pipeline sequence. Outreach
// advances into the awaiting-reply suspension; an external reply check
// moves the workflow on to conversation.
func canonicalNext(stage workflow.Stage) workflow.Stage {
	switch stage {
	case workflow.StageHunting:
		return workflow.StageEnriching
	case workflow.StageEnriching:
		return workflow.StageOutreach
	case workflow.StageOutreach:
		return workflow.StageAwaitingReply
	case workflow.StageConversation:
		return workflow.StageProposal
	case workflow.StageProposal:
		return workflow.StageMeeting
	case workflow.StageMeeting:
		return workflow.StageCompleted
	default:
		return workflow.StageCompleted
	}
}

// route evaluates the routing contract for the stage whose agent just
// returned successfully. Error and retry routing happen before this in
// the run loop; by the time route runs the stage produced a result.
func (e *Engine) route(state *workflow.WorkflowState, stage workflow.Stage) routeDecision {
	// An unresolved approval request suspends the workflow regardless of
	// which stage raised it; the requesting stage is the return address.
	if state.ApprovalPending {
		return advance(workflow.StagePendingApproval)
	}

	switch stage {
	case workflow.StageHunting:
		// Hard-fail policy: the pipeline does not continue on empty data.
		if state.HunterResults == nil || state.HunterResults.ProspectsFound == 0 {
			return escalateWith("hunter found zero prospects")
		}
		return advance(workflow.StageEnriching)

	case workflow.StageEnriching:
		if state.EnrichmentResults == nil || len(state.EnrichmentResults.Insights) == 0 {
			return escalateWith("enrichment produced no insights")
		}
		return advance(workflow.StageOutreach)

	case workflow.StageOutreach:
		if len(state.OutreachCampaigns) == 0 {
			return escalateWith("outreach produced no campaign")
		}
		return advance(workflow.StageAwaitingReply)

	case workflow.StageConversation:
		summary := state.ConversationSummary
		if summary == nil {
			return escalateWith("conversation produced no summary")
		}
		if summary.QualificationScore >= qualificationThreshold {
			return advance(workflow.StageProposal)
		}
		if summary.NextAction == "follow_up" {
			// Insufficient qualification: loop back for a follow-up send.
			return advance(workflow.StageOutreach)
		}
		return escalateWith("prospect not qualified and no follow-up action suggested")

	case workflow.StageProposal:
		if state.ProposalData == nil {
			// More information needed before a proposal can be written.
			return advance(workflow.StageConversation)
		}
		return advance(workflow.StageMeeting)

	case workflow.StageMeeting:
		if state.MeetingDetails == nil {
			// No slot agreed yet: run another scheduling conversation cycle.
			return advance(workflow.StageConversation)
		}
		return routeDecision{action: actionComplete}

	default:
		return advance(canonicalNext(stage))
	}
}

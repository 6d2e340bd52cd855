package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/prospectflow/workflow"
	"github.com/c360studio/prospectflow/workflow/engine"
)

// Outreach drafts and records outreach messages. Rounds are append-only:
// the first invocation produces the initial send, later invocations
// (after a low-qualification follow-up edge) produce follow-ups.
type Outreach struct {
	gen             Generator
	manager         *workflow.Manager
	requireApproval bool
	logger          *slog.Logger
	now             func() time.Time
}

// OutreachOption configures the outreach agent.
type OutreachOption func(*Outreach)

// WithApprovalGate makes every send wait for human approval. The agent
// raises an approval request and the workflow suspends until an external
// decision resolves it.
func WithApprovalGate() OutreachOption {
	return func(o *Outreach) {
		o.requireApproval = true
	}
}

// NewOutreach creates the outreach stage agent.
func NewOutreach(gen Generator, manager *workflow.Manager, logger *slog.Logger, opts ...OutreachOption) *Outreach {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Outreach{gen: gen, manager: manager, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Name implements engine.Agent.
func (o *Outreach) Name() string { return "outreach" }

const approvalTypeSendOutreach = "send_outreach"

type outreachOutput struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Invoke implements engine.Agent.
func (o *Outreach) Invoke(ctx context.Context, state *workflow.WorkflowState) (*workflow.WorkflowState, error) {
	followUp := state.ConversationSummary != nil &&
		state.ConversationSummary.NextAction == "follow_up"

	draft, err := o.draft(ctx, state, followUp)
	if err != nil {
		return nil, err
	}

	if o.requireApproval {
		decision := latestApproval(state, approvalTypeSendOutreach)
		if decision != nil && decision.Status == workflow.ApprovalStatusRejected {
			return nil, engine.Failf(workflow.ErrorKindValidation,
				"outreach message rejected by approver")
		}
		// Each send round needs its own signoff: an approval from an
		// earlier round does not cover this draft.
		if decision == nil || approvedSends(state) <= len(state.OutreachCampaigns) {
			o.manager.RequestApproval(state, approvalTypeSendOutreach, map[string]any{
				"subject":   draft.Subject,
				"body":      draft.Body,
				"follow_up": followUp,
			}, "outreach message requires human signoff")
			return state, nil
		}
	}

	state.OutreachCampaigns = append(state.OutreachCampaigns, workflow.OutreachCampaign{
		Subject:  draft.Subject,
		Body:     draft.Body,
		Channel:  "email",
		FollowUp: followUp,
		SentAt:   o.now().UTC(),
	})

	o.logger.Info("outreach recorded",
		"workflow_id", state.WorkflowID,
		"round", len(state.OutreachCampaigns),
		"follow_up", followUp)
	return state, nil
}

func (o *Outreach) draft(ctx context.Context, state *workflow.WorkflowState, followUp bool) (*outreachOutput, error) {
	var insights []string
	if state.EnrichmentResults != nil {
		for _, in := range state.EnrichmentResults.Insights {
			insights = append(insights, in.Topic+": "+in.Summary)
		}
	}

	kind := "a first-touch email"
	if followUp {
		kind = "a short follow-up email referencing the earlier conversation"
	}

	prompt := fmt.Sprintf(
		`Write %s to this prospect.
Prospect: %s (%s)
Insights:
%s

Respond with JSON:
{"subject": "", "body": ""}`,
		kind,
		state.Prospect.Name,
		state.Prospect.Type,
		valueOr(strings.Join(insights, "\n"), "(none)"),
	)

	var out outreachOutput
	if _, err := o.gen.GenerateJSON(ctx, jsonRequest(prompt, 1200), &out); err != nil {
		return nil, classifyLLMError(err)
	}
	if out.Subject == "" || out.Body == "" {
		return nil, engine.Failf(workflow.ErrorKindDataQuality,
			"model produced an empty outreach draft")
	}
	return &out, nil
}

// approvedSends counts resolved-approved send requests.
func approvedSends(state *workflow.WorkflowState) int {
	n := 0
	for _, req := range state.ApprovalRequests {
		if req.Type == approvalTypeSendOutreach && req.Status == workflow.ApprovalStatusApproved {
			n++
		}
	}
	return n
}

// latestApproval returns the most recent approval request of the given
// type, or nil.
func latestApproval(state *workflow.WorkflowState, approvalType string) *workflow.ApprovalRequest {
	for i := len(state.ApprovalRequests) - 1; i >= 0; i-- {
		if state.ApprovalRequests[i].Type == approvalType {
			return &state.ApprovalRequests[i]
		}
	}
	return nil
}

var _ engine.Agent = (*Outreach)(nil)

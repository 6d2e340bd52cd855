package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/prospectflow/workflow"
	"github.com/c360studio/prospectflow/workflow/engine"
)

// Proposal generates a proposal for a qualified prospect. When the model
// judges the available information insufficient it leaves the result
// slot empty, which routes the workflow back to conversation for another
// information-gathering cycle.
type Proposal struct {
	gen    Generator
	logger *slog.Logger
	now    func() time.Time
}

// NewProposal creates the proposal stage agent.
func NewProposal(gen Generator, logger *slog.Logger) *Proposal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proposal{gen: gen, logger: logger, now: time.Now}
}

// Name implements engine.Agent.
func (p *Proposal) Name() string { return "proposal" }

type proposalOutput struct {
	Ready   bool   `json:"ready"`
	Missing string `json:"missing"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Pricing string `json:"pricing"`
}

// Invoke implements engine.Agent.
func (p *Proposal) Invoke(ctx context.Context, state *workflow.WorkflowState) (*workflow.WorkflowState, error) {
	summary := "(none)"
	score := 0
	if state.ConversationSummary != nil {
		summary = state.ConversationSummary.Summary
		score = state.ConversationSummary.QualificationScore
	}

	prompt := fmt.Sprintf(
		`Write a proposal for this qualified prospect, or report what is
still missing if you cannot write one yet.
Prospect: %s (%s)
Qualification score: %d
Conversation summary: %s

Respond with JSON:
{"ready": true, "missing": "", "title": "", "body": "", "pricing": ""}`,
		state.Prospect.Name,
		state.Prospect.Type,
		score,
		summary,
	)

	var out proposalOutput
	if _, err := p.gen.GenerateJSON(ctx, jsonRequest(prompt, 2000), &out); err != nil {
		return nil, classifyLLMError(err)
	}

	if !out.Ready {
		p.logger.Info("proposal deferred, more information needed",
			"workflow_id", state.WorkflowID, "missing", out.Missing)
		return state, nil
	}
	if out.Title == "" || out.Body == "" {
		return nil, engine.Failf(workflow.ErrorKindDataQuality,
			"model reported ready but produced an empty proposal")
	}

	state.ProposalData = &workflow.ProposalData{
		Title:       out.Title,
		Body:        out.Body,
		Pricing:     out.Pricing,
		GeneratedAt: p.now().UTC(),
	}

	p.logger.Info("proposal generated",
		"workflow_id", state.WorkflowID, "title", out.Title)
	return state, nil
}

var _ engine.Agent = (*Proposal)(nil)

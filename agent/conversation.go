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

// Conversation qualifies an active conversation: it digests the exchange
// so far and scores how ready the prospect is for a proposal.
type Conversation struct {
	gen    Generator
	logger *slog.Logger
	now    func() time.Time
}

// NewConversation creates the conversation stage agent.
func NewConversation(gen Generator, logger *slog.Logger) *Conversation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conversation{gen: gen, logger: logger, now: time.Now}
}

// Name implements engine.Agent.
func (c *Conversation) Name() string { return "conversation" }

type conversationOutput struct {
	Summary            string `json:"summary"`
	QualificationScore int    `json:"qualification_score"`
	NextAction         string `json:"next_action"`
}

// Invoke implements engine.Agent.
func (c *Conversation) Invoke(ctx context.Context, state *workflow.WorkflowState) (*workflow.WorkflowState, error) {
	var rounds []string
	for i, campaign := range state.OutreachCampaigns {
		rounds = append(rounds, fmt.Sprintf("Round %d (%s): %s", i+1, campaign.Subject, campaign.Body))
	}
	previous := "(first qualification pass)"
	if state.ConversationSummary != nil {
		previous = state.ConversationSummary.Summary
	}

	prompt := fmt.Sprintf(
		`Qualify this prospect based on the conversation so far.
Prospect: %s (%s)
Messages sent:
%s
Previous summary: %s

Score 0-100. next_action must be one of "proposal", "follow_up", "disqualify".

Respond with JSON:
{"summary": "", "qualification_score": 0, "next_action": ""}`,
		state.Prospect.Name,
		state.Prospect.Type,
		valueOr(strings.Join(rounds, "\n"), "(none)"),
		previous,
	)

	var out conversationOutput
	if _, err := c.gen.GenerateJSON(ctx, jsonRequest(prompt, 1000), &out); err != nil {
		return nil, classifyLLMError(err)
	}
	if out.QualificationScore < 0 || out.QualificationScore > 100 {
		return nil, engine.Failf(workflow.ErrorKindDataQuality,
			"qualification score %d out of range", out.QualificationScore)
	}

	replyAt := c.now().UTC()
	state.ConversationSummary = &workflow.ConversationSummary{
		Summary:            out.Summary,
		QualificationScore: out.QualificationScore,
		NextAction:         out.NextAction,
		LastReplyAt:        &replyAt,
	}

	c.logger.Info("conversation qualified",
		"workflow_id", state.WorkflowID,
		"score", out.QualificationScore,
		"next_action", out.NextAction)
	return state, nil
}

var _ engine.Agent = (*Conversation)(nil)

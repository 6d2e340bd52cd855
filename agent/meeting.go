package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/prospectflow/workflow"
	"github.com/c360studio/prospectflow/workflow/engine"
)

// Meeting schedules the closing meeting. Without an agreed slot it
// leaves the result empty, routing the workflow back to conversation for
// another scheduling cycle.
type Meeting struct {
	gen    Generator
	logger *slog.Logger
}

// NewMeeting creates the meeting stage agent.
func NewMeeting(gen Generator, logger *slog.Logger) *Meeting {
	if logger == nil {
		logger = slog.Default()
	}
	return &Meeting{gen: gen, logger: logger}
}

// Name implements engine.Agent.
func (m *Meeting) Name() string { return "meeting" }

type meetingOutput struct {
	Scheduled       bool     `json:"scheduled"`
	ScheduledFor    string   `json:"scheduled_for"` // RFC 3339
	DurationMinutes int      `json:"duration_minutes"`
	Location        string   `json:"location"`
	Attendees       []string `json:"attendees"`
}

// Invoke implements engine.Agent.
func (m *Meeting) Invoke(ctx context.Context, state *workflow.WorkflowState) (*workflow.WorkflowState, error) {
	proposalTitle := "(no proposal)"
	if state.ProposalData != nil {
		proposalTitle = state.ProposalData.Title
	}

	prompt := fmt.Sprintf(
		`Propose a meeting to close this deal, or report that no slot has
been agreed yet.
Prospect: %s
Proposal: %s

scheduled_for must be RFC 3339 if scheduled is true.

Respond with JSON:
{"scheduled": true, "scheduled_for": "", "duration_minutes": 30, "location": "", "attendees": [""]}`,
		state.Prospect.Name,
		proposalTitle,
	)

	var out meetingOutput
	if _, err := m.gen.GenerateJSON(ctx, jsonRequest(prompt, 800), &out); err != nil {
		return nil, classifyLLMError(err)
	}

	if !out.Scheduled {
		m.logger.Info("no meeting slot agreed yet", "workflow_id", state.WorkflowID)
		return state, nil
	}

	scheduledFor, err := time.Parse(time.RFC3339, out.ScheduledFor)
	if err != nil {
		return nil, engine.Failf(workflow.ErrorKindDataQuality,
			"unparsable meeting time %q", out.ScheduledFor)
	}

	state.MeetingDetails = &workflow.MeetingDetails{
		ScheduledFor:    scheduledFor,
		DurationMinutes: out.DurationMinutes,
		Location:        out.Location,
		Attendees:       out.Attendees,
	}

	m.logger.Info("meeting scheduled",
		"workflow_id", state.WorkflowID,
		"scheduled_for", scheduledFor)
	return state, nil
}

var _ engine.Agent = (*Meeting)(nil)

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/prospectflow/llm"
	"github.com/c360studio/prospectflow/workflow"
	"github.com/c360studio/prospectflow/workflow/engine"
)

// stubGenerator returns canned JSON payloads in order, or a fixed error.
type stubGenerator struct {
	payloads []string
	err      error
	calls    int
}

func (s *stubGenerator) GenerateText(_ context.Context, _ llm.Request) (*llm.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	payload := s.next()
	return &llm.Response{RequestID: "req-1", Content: payload}, nil
}

func (s *stubGenerator) GenerateJSON(_ context.Context, _ llm.Request, out any) (*llm.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	payload := s.next()
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return nil, err
	}
	return &llm.Response{RequestID: "req-1", Content: payload}, nil
}

func (s *stubGenerator) next() string {
	payload := s.payloads[s.calls%len(s.payloads)]
	s.calls++
	return payload
}

func newState(t *testing.T) *workflow.WorkflowState {
	t.Helper()
	m := workflow.NewManager()
	return m.NewState(workflow.ProspectRecord{
		Name: "Acme Logistics", Type: workflow.ProspectTypeCompany,
	})
}

func TestHunter_PopulatesResults(t *testing.T) {
	gen := &stubGenerator{payloads: []string{`{
		"prospects": [
			{"name": "Acme Logistics", "type": "company", "email": "ops@acme.test", "website": "https://acme.test", "lead_score": 60},
			{"name": "Borealis Freight", "type": "company", "website": "https://borealis.test", "lead_score": 45}
		],
		"signals": ["hiring drivers"],
		"confidence": 0.8
	}`}}

	h := NewHunter(gen, HunterProfile{Industry: "logistics"}, nil)
	state := newState(t)

	next, err := h.Invoke(context.Background(), state)
	require.NoError(t, err)

	require.NotNil(t, next.HunterResults)
	assert.Equal(t, 2, next.HunterResults.ProspectsFound)
	assert.Equal(t, 0.8, next.HunterResults.Confidence)
	assert.Equal(t, "ops@acme.test", next.Prospect.Email, "first candidate becomes the subject")
}

func TestHunter_CapsAtMaxProspects(t *testing.T) {
	gen := &stubGenerator{payloads: []string{`{
		"prospects": [
			{"name": "A", "type": "company"},
			{"name": "B", "type": "company"},
			{"name": "C", "type": "company"}
		]
	}`}}

	h := NewHunter(gen, HunterProfile{MaxProspects: 2}, nil)
	next, err := h.Invoke(context.Background(), newState(t))
	require.NoError(t, err)
	assert.Equal(t, 2, next.HunterResults.ProspectsFound)
}

func TestHunter_ClassifiesLLMFailure(t *testing.T) {
	gen := &stubGenerator{err: llm.NewTransientError(errors.New("connection refused"))}
	h := NewHunter(gen, HunterProfile{}, nil)

	_, err := h.Invoke(context.Background(), newState(t))
	require.Error(t, err)

	var failure *engine.AgentFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, workflow.ErrorKindAPIFailure, failure.Kind)
}

func TestHunter_ClassifiesRateLimit(t *testing.T) {
	gen := &stubGenerator{err: llm.NewRateLimitError(errors.New("429 from endpoint"))}
	h := NewHunter(gen, HunterProfile{}, nil)

	_, err := h.Invoke(context.Background(), newState(t))
	var failure *engine.AgentFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, workflow.ErrorKindRateLimit, failure.Kind)
}

func TestEnricher_WorksWithoutFetcher(t *testing.T) {
	gen := &stubGenerator{payloads: []string{`{
		"insights": [
			{"topic": "ops", "summary": "runs 40 trucks", "source": "model"},
			{"topic": "", "summary": "", "source": ""}
		]
	}`}}

	e := NewEnricher(gen, nil, nil)
	next, err := e.Invoke(context.Background(), newState(t))
	require.NoError(t, err)

	require.NotNil(t, next.EnrichmentResults)
	assert.Len(t, next.EnrichmentResults.Insights, 1, "empty insights are dropped")
	assert.False(t, next.EnrichmentResults.EnrichedAt.IsZero())
}

func TestOutreach_RecordsInitialSend(t *testing.T) {
	gen := &stubGenerator{payloads: []string{`{"subject": "Hello Acme", "body": "We can help."}`}}
	o := NewOutreach(gen, workflow.NewManager(), nil)

	next, err := o.Invoke(context.Background(), newState(t))
	require.NoError(t, err)

	require.Len(t, next.OutreachCampaigns, 1)
	assert.Equal(t, "Hello Acme", next.OutreachCampaigns[0].Subject)
	assert.False(t, next.OutreachCampaigns[0].FollowUp)
}

func TestOutreach_FollowUpRoundIsAppended(t *testing.T) {
	gen := &stubGenerator{payloads: []string{`{"subject": "Checking in", "body": "Any thoughts?"}`}}
	o := NewOutreach(gen, workflow.NewManager(), nil)

	state := newState(t)
	state.OutreachCampaigns = []workflow.OutreachCampaign{{Subject: "Hello", Body: "First"}}
	state.ConversationSummary = &workflow.ConversationSummary{
		QualificationScore: 40, NextAction: "follow_up",
	}

	next, err := o.Invoke(context.Background(), state)
	require.NoError(t, err)

	require.Len(t, next.OutreachCampaigns, 2)
	assert.True(t, next.OutreachCampaigns[1].FollowUp)
}

func TestOutreach_EmptyDraftIsDataQuality(t *testing.T) {
	gen := &stubGenerator{payloads: []string{`{"subject": "", "body": ""}`}}
	o := NewOutreach(gen, workflow.NewManager(), nil)

	_, err := o.Invoke(context.Background(), newState(t))
	var failure *engine.AgentFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, workflow.ErrorKindDataQuality, failure.Kind)
}

func TestOutreach_ApprovalGateSuspends(t *testing.T) {
	gen := &stubGenerator{payloads: []string{`{"subject": "Hello", "body": "Draft"}`}}
	manager := workflow.NewManager()
	o := NewOutreach(gen, manager, nil, WithApprovalGate())

	state := newState(t)
	next, err := o.Invoke(context.Background(), state)
	require.NoError(t, err)

	assert.Empty(t, next.OutreachCampaigns, "nothing sent before approval")
	assert.True(t, next.ApprovalPending)
	require.Len(t, next.ApprovalRequests, 1)
	assert.Equal(t, "send_outreach", next.ApprovalRequests[0].Type)
}

func TestOutreach_ApprovedRoundSends(t *testing.T) {
	gen := &stubGenerator{payloads: []string{`{"subject": "Hello", "body": "Draft"}`}}
	manager := workflow.NewManager()
	o := NewOutreach(gen, manager, nil, WithApprovalGate())

	state := newState(t)
	_, err := o.Invoke(context.Background(), state)
	require.NoError(t, err)

	// External approval decision.
	state.ApprovalRequests[0].Status = workflow.ApprovalStatusApproved
	state.ApprovalPending = false
	manager.UpdateStage(state, workflow.StageOutreach, true)

	next, err := o.Invoke(context.Background(), state)
	require.NoError(t, err)
	require.Len(t, next.OutreachCampaigns, 1)
	assert.Equal(t, "Hello", next.OutreachCampaigns[0].Subject)
}

func TestOutreach_RejectedRoundFails(t *testing.T) {
	gen := &stubGenerator{payloads: []string{`{"subject": "Hello", "body": "Draft"}`}}
	manager := workflow.NewManager()
	o := NewOutreach(gen, manager, nil, WithApprovalGate())

	state := newState(t)
	_, err := o.Invoke(context.Background(), state)
	require.NoError(t, err)

	state.ApprovalRequests[0].Status = workflow.ApprovalStatusRejected
	state.ApprovalPending = false

	_, err = o.Invoke(context.Background(), state)
	var failure *engine.AgentFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, workflow.ErrorKindValidation, failure.Kind)
}

func TestConversation_Qualifies(t *testing.T) {
	gen := &stubGenerator{payloads: []string{`{
		"summary": "interested, wants pricing",
		"qualification_score": 85,
		"next_action": "proposal"
	}`}}

	c := NewConversation(gen, nil)
	next, err := c.Invoke(context.Background(), newState(t))
	require.NoError(t, err)

	require.NotNil(t, next.ConversationSummary)
	assert.Equal(t, 85, next.ConversationSummary.QualificationScore)
	assert.Equal(t, "proposal", next.ConversationSummary.NextAction)
	assert.NotNil(t, next.ConversationSummary.LastReplyAt)
}

func TestConversation_OutOfRangeScoreIsDataQuality(t *testing.T) {
	gen := &stubGenerator{payloads: []string{`{"summary": "x", "qualification_score": 140, "next_action": "proposal"}`}}
	c := NewConversation(gen, nil)

	_, err := c.Invoke(context.Background(), newState(t))
	var failure *engine.AgentFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, workflow.ErrorKindDataQuality, failure.Kind)
}

func TestProposal_DefersWhenNotReady(t *testing.T) {
	gen := &stubGenerator{payloads: []string{`{"ready": false, "missing": "budget range"}`}}
	p := NewProposal(gen, nil)

	next, err := p.Invoke(context.Background(), newState(t))
	require.NoError(t, err)
	assert.Nil(t, next.ProposalData, "deferred proposal leaves the slot empty")
}

func TestProposal_GeneratesWhenReady(t *testing.T) {
	gen := &stubGenerator{payloads: []string{`{
		"ready": true, "title": "Freight partnership", "body": "Full proposal text", "pricing": "5k/mo"
	}`}}
	p := NewProposal(gen, nil)

	next, err := p.Invoke(context.Background(), newState(t))
	require.NoError(t, err)

	require.NotNil(t, next.ProposalData)
	assert.Equal(t, "Freight partnership", next.ProposalData.Title)
	assert.False(t, next.ProposalData.GeneratedAt.IsZero())
}

func TestMeeting_SchedulesWithValidTime(t *testing.T) {
	gen := &stubGenerator{payloads: []string{`{
		"scheduled": true, "scheduled_for": "2026-09-10T14:00:00Z",
		"duration_minutes": 45, "location": "https://meet.test/acme", "attendees": ["ops@acme.test"]
	}`}}
	m := NewMeeting(gen, nil)

	next, err := m.Invoke(context.Background(), newState(t))
	require.NoError(t, err)

	require.NotNil(t, next.MeetingDetails)
	assert.Equal(t, time.Date(2026, 9, 10, 14, 0, 0, 0, time.UTC), next.MeetingDetails.ScheduledFor)
	assert.Equal(t, 45, next.MeetingDetails.DurationMinutes)
}

func TestMeeting_NoSlotLeavesSlotEmpty(t *testing.T) {
	gen := &stubGenerator{payloads: []string{`{"scheduled": false}`}}
	m := NewMeeting(gen, nil)

	next, err := m.Invoke(context.Background(), newState(t))
	require.NoError(t, err)
	assert.Nil(t, next.MeetingDetails)
}

func TestMeeting_BadTimeIsDataQuality(t *testing.T) {
	gen := &stubGenerator{payloads: []string{`{"scheduled": true, "scheduled_for": "next Tuesday"}`}}
	m := NewMeeting(gen, nil)

	_, err := m.Invoke(context.Background(), newState(t))
	var failure *engine.AgentFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, workflow.ErrorKindDataQuality, failure.Kind)
}

func TestSet_CoversAllPipelineStages(t *testing.T) {
	gen := &stubGenerator{payloads: []string{`{}`}}
	set := Set(gen, workflow.NewManager(), nil, HunterProfile{}, nil)

	for _, stage := range []workflow.Stage{
		workflow.StageHunting, workflow.StageEnriching, workflow.StageOutreach,
		workflow.StageConversation, workflow.StageProposal, workflow.StageMeeting,
	} {
		assert.Contains(t, set, stage)
	}
}

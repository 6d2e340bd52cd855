package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/prospectflow/campaign"
	"github.com/c360studio/prospectflow/storage"
	"github.com/c360studio/prospectflow/workflow"
	"github.com/c360studio/prospectflow/workflow/engine"
)

type fixture struct {
	handler  *Handler
	store    *storage.MemoryStore
	manager  *workflow.Manager
	registry *campaign.Registry
	mux      *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemoryStore(),
		manager:  workflow.NewManager(),
		registry: campaign.NewRegistry(),
		mux:      http.NewServeMux(),
	}
	f.handler = NewHandler(f.store, f.manager, f.registry, nil)
	f.handler.Register(f.mux)
	return f
}

// seedWorkflow persists a workflow advanced along the forward path to
// the target stage.
func (f *fixture) seedWorkflow(t *testing.T, id string, target workflow.Stage) *workflow.WorkflowState {
	t.Helper()
	state := f.manager.NewState(workflow.ProspectRecord{
		Name: "Acme Logistics", Type: workflow.ProspectTypeCompany, Email: "ops@acme.test",
	}, workflow.WithWorkflowID(id))

	path := []workflow.Stage{
		workflow.StageEnriching,
		workflow.StageOutreach,
		workflow.StageAwaitingReply,
		workflow.StageConversation,
		workflow.StageAwaitingOverview,
		workflow.StageAwaitingOverviewReply,
	}
	for _, stage := range path {
		if state.CurrentStage == target {
			break
		}
		f.manager.UpdateStage(state, stage, true)
	}
	require.Equal(t, target, state.CurrentStage, "seed path does not reach %s", target)

	f.save(t, state)
	return state
}

func (f *fixture) save(t *testing.T, state *workflow.WorkflowState) {
	t.Helper()
	data, err := f.manager.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, f.store.Save(context.Background(), state.WorkflowID, data))
}

func (f *fixture) load(t *testing.T, id string) *workflow.WorkflowState {
	t.Helper()
	data, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	state, _, err := f.manager.Unmarshal(data)
	require.NoError(t, err)
	return state
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeResponse[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestGetWorkflow(t *testing.T) {
	f := newFixture(t)
	f.seedWorkflow(t, "wf-1", workflow.StageConversation)

	rec := f.do(t, http.MethodGet, "/workflows/wf-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeResponse[map[string]any](t, rec)
	assert.Equal(t, "wf-1", body["workflow_id"])
	assert.Equal(t, "conversation", body["current_stage"])
	// Three core stages completed plus half credit for conversation.
	assert.InDelta(t, 100*3.5/6.0, body["progress"], 0.001)
}

func TestGetWorkflow_NotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/workflows/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckReply_NoReplyLeavesStage(t *testing.T) {
	f := newFixture(t)
	f.seedWorkflow(t, "wf-1", workflow.StageAwaitingReply)

	rec := f.do(t, http.MethodPost, "/workflows/wf-1/check-reply", CheckReplyRequest{ReplyReceived: false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no_reply", decodeResponse[map[string]string](t, rec)["status"])

	assert.Equal(t, workflow.StageAwaitingReply, f.load(t, "wf-1").CurrentStage)
}

func TestCheckReply_ResumesConversation(t *testing.T) {
	f := newFixture(t)
	f.seedWorkflow(t, "wf-1", workflow.StageAwaitingReply)

	rec := f.do(t, http.MethodPost, "/workflows/wf-1/check-reply",
		CheckReplyRequest{ReplyReceived: true, Message: "interested, send details"})
	require.Equal(t, http.StatusOK, rec.Code)

	state := f.load(t, "wf-1")
	assert.Equal(t, workflow.StageConversation, state.CurrentStage)
	assert.Contains(t, state.CompletedStages, workflow.StageAwaitingReply)
}

func TestCheckReply_WrongStageConflicts(t *testing.T) {
	f := newFixture(t)
	f.seedWorkflow(t, "wf-1", workflow.StageConversation)

	rec := f.do(t, http.MethodPost, "/workflows/wf-1/check-reply", CheckReplyRequest{ReplyReceived: true})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, workflow.StageConversation, f.load(t, "wf-1").CurrentStage)
}

func TestRequestOverview(t *testing.T) {
	f := newFixture(t)
	f.seedWorkflow(t, "wf-1", workflow.StageConversation)

	rec := f.do(t, http.MethodPost, "/workflows/wf-1/request-overview", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, workflow.StageAwaitingOverview, f.load(t, "wf-1").CurrentStage)
}

func TestRequestOverview_OnlyFromConversation(t *testing.T) {
	f := newFixture(t)
	f.seedWorkflow(t, "wf-1", workflow.StageAwaitingReply)

	rec := f.do(t, http.MethodPost, "/workflows/wf-1/request-overview", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCheckOverviewReply(t *testing.T) {
	t.Run("overview sent advances to awaiting reply", func(t *testing.T) {
		f := newFixture(t)
		f.seedWorkflow(t, "wf-1", workflow.StageAwaitingOverview)

		rec := f.do(t, http.MethodPost, "/workflows/wf-1/check-overview-reply",
			CheckOverviewReplyRequest{OverviewSent: true})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, workflow.StageAwaitingOverviewReply, f.load(t, "wf-1").CurrentStage)
	})

	t.Run("reply received returns to conversation", func(t *testing.T) {
		f := newFixture(t)
		f.seedWorkflow(t, "wf-1", workflow.StageAwaitingOverviewReply)

		rec := f.do(t, http.MethodPost, "/workflows/wf-1/check-overview-reply",
			CheckOverviewReplyRequest{ReplyReceived: true})
		require.Equal(t, http.StatusOK, rec.Code)

		state := f.load(t, "wf-1")
		assert.Equal(t, workflow.StageConversation, state.CurrentStage)
		// Backward edge: conversation is removed from completed history.
		assert.NotContains(t, state.CompletedStages, workflow.StageConversation)
	})

	t.Run("nothing happened yet", func(t *testing.T) {
		f := newFixture(t)
		f.seedWorkflow(t, "wf-1", workflow.StageAwaitingOverview)

		rec := f.do(t, http.MethodPost, "/workflows/wf-1/check-overview-reply",
			CheckOverviewReplyRequest{})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "no_change", decodeResponse[map[string]string](t, rec)["status"])
		assert.Equal(t, workflow.StageAwaitingOverview, f.load(t, "wf-1").CurrentStage)
	})

	t.Run("wrong stage conflicts", func(t *testing.T) {
		f := newFixture(t)
		f.seedWorkflow(t, "wf-1", workflow.StageOutreach)

		rec := f.do(t, http.MethodPost, "/workflows/wf-1/check-overview-reply",
			CheckOverviewReplyRequest{OverviewSent: true})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestProceedToProposal(t *testing.T) {
	for _, from := range []workflow.Stage{workflow.StageConversation, workflow.StageAwaitingOverviewReply} {
		t.Run(string(from), func(t *testing.T) {
			f := newFixture(t)
			f.seedWorkflow(t, "wf-1", from)

			rec := f.do(t, http.MethodPost, "/workflows/wf-1/proceed-to-proposal", nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, workflow.StageProposal, f.load(t, "wf-1").CurrentStage)
		})
	}

	t.Run("not from awaiting reply", func(t *testing.T) {
		f := newFixture(t)
		f.seedWorkflow(t, "wf-1", workflow.StageAwaitingReply)

		rec := f.do(t, http.MethodPost, "/workflows/wf-1/proceed-to-proposal", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestApproval(t *testing.T) {
	seed := func(t *testing.T, f *fixture) {
		state := f.seedWorkflow(t, "wf-1", workflow.StageOutreach)
		f.manager.RequestApproval(state, "send_outreach",
			map[string]any{"subject": "Hello"}, "outreach requires signoff")
		f.save(t, state)
	}

	t.Run("approve", func(t *testing.T) {
		f := newFixture(t)
		seed(t, f)

		rec := f.do(t, http.MethodPost, "/workflows/wf-1/approval", ApprovalRequestBody{
			Decision: "approved", DecidedBy: "sam",
		})
		require.Equal(t, http.StatusOK, rec.Code)

		state := f.load(t, "wf-1")
		assert.False(t, state.ApprovalPending)
		require.Len(t, state.ApprovalRequests, 1)
		assert.Equal(t, workflow.ApprovalStatusApproved, state.ApprovalRequests[0].Status)
	})

	t.Run("reject", func(t *testing.T) {
		f := newFixture(t)
		seed(t, f)

		rec := f.do(t, http.MethodPost, "/workflows/wf-1/approval", ApprovalRequestBody{Decision: "rejected"})
		require.Equal(t, http.StatusOK, rec.Code)

		state := f.load(t, "wf-1")
		assert.False(t, state.ApprovalPending)
		assert.Equal(t, workflow.ApprovalStatusRejected, state.ApprovalRequests[0].Status)
	})

	t.Run("invalid decision", func(t *testing.T) {
		f := newFixture(t)
		seed(t, f)

		rec := f.do(t, http.MethodPost, "/workflows/wf-1/approval", ApprovalRequestBody{Decision: "maybe"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("nothing pending conflicts", func(t *testing.T) {
		f := newFixture(t)
		f.seedWorkflow(t, "wf-1", workflow.StageConversation)

		rec := f.do(t, http.MethodPost, "/workflows/wf-1/approval", ApprovalRequestBody{Decision: "approved"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

type pipelineAgent struct {
	name string
	fn   func(s *workflow.WorkflowState) *workflow.WorkflowState
}

func (a pipelineAgent) Name() string { return a.name }

func (a pipelineAgent) Invoke(_ context.Context, s *workflow.WorkflowState) (*workflow.WorkflowState, error) {
	return a.fn(s), nil
}

func registerDiscoveryCampaign(t *testing.T, f *fixture, planID string) *campaign.Coordinator {
	t.Helper()
	agents := engine.AgentSet{
		workflow.StageHunting: pipelineAgent{name: "hunter", fn: func(s *workflow.WorkflowState) *workflow.WorkflowState {
			s.HunterResults = &workflow.HunterResults{
				ProspectsFound: 1,
				Candidates: []workflow.ProspectRecord{{
					Name: "Acme Logistics", Type: workflow.ProspectTypeCompany, Website: "https://acme.test",
				}},
			}
			return s
		}},
		workflow.StageEnriching: pipelineAgent{name: "enricher", fn: func(s *workflow.WorkflowState) *workflow.WorkflowState {
			s.EnrichmentResults = &workflow.EnrichmentResults{
				Insights:   []workflow.EnrichmentInsight{{Topic: "hiring", Summary: "scaling ops team"}},
				EnrichedAt: time.Now().UTC(),
			}
			return s
		}},
		workflow.StageOutreach: pipelineAgent{name: "outreach", fn: func(s *workflow.WorkflowState) *workflow.WorkflowState {
			s.OutreachCampaigns = append(s.OutreachCampaigns, workflow.OutreachCampaign{
				Subject: "Hello", Body: "Intro", Channel: "email", SentAt: time.Now().UTC(),
			})
			return s
		}},
	}
	plan := campaign.CampaignPlan{
		PlanID: planID,
		Name:   "Q3 logistics push",
		ExecutionStrategy: campaign.ExecutionStrategy{
			CampaignType: campaign.CampaignTypeDiscovery,
			MaxProspects: 10,
		},
	}
	c := campaign.NewCoordinator(plan, agents, f.manager, f.store, storage.NewMemoryStore(), campaign.NewBroadcaster())
	require.NoError(t, f.registry.Register(c))
	return c
}

func TestCampaignCreate(t *testing.T) {
	f := newFixture(t)
	f.handler.NewCampaign = func(plan campaign.CampaignPlan) (*campaign.Coordinator, error) {
		return campaign.NewCoordinator(plan, engine.AgentSet{}, f.manager,
			f.store, storage.NewMemoryStore(), campaign.NewBroadcaster()), nil
	}

	plan := campaign.CampaignPlan{
		PlanID: "plan-9",
		Name:   "EMEA expansion",
		ExecutionStrategy: campaign.ExecutionStrategy{
			CampaignType: campaign.CampaignTypeDiscovery,
		},
	}

	rec := f.do(t, http.MethodPost, "/campaigns", plan)
	require.Equal(t, http.StatusCreated, rec.Code)

	status := decodeResponse[campaign.StatusUpdate](t, rec)
	assert.Equal(t, campaign.ExecutionStatusReady, status.Status)

	_, registered := f.registry.Get("plan-9")
	assert.True(t, registered)

	t.Run("duplicate plan conflicts", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/campaigns", plan)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unknown type rejected", func(t *testing.T) {
		bad := plan
		bad.PlanID = "plan-10"
		bad.ExecutionStrategy.CampaignType = "takeover"
		rec := f.do(t, http.MethodPost, "/campaigns", bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCampaignCreate_NotConfigured(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/campaigns", campaign.CampaignPlan{PlanID: "p"})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestCampaignStatus(t *testing.T) {
	f := newFixture(t)
	registerDiscoveryCampaign(t, f, "plan-1")

	rec := f.do(t, http.MethodGet, "/campaigns/plan-1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	status := decodeResponse[campaign.StatusUpdate](t, rec)
	assert.Equal(t, campaign.ExecutionStatusReady, status.Status)
}

func TestCampaignStatus_NotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/campaigns/nope/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCampaignExecute(t *testing.T) {
	f := newFixture(t)
	c := registerDiscoveryCampaign(t, f, "plan-1")

	rec := f.do(t, http.MethodPost, "/campaigns/plan-1/execute", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		return c.Status().Status == campaign.ExecutionStatusSuspended
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, campaign.PhaseAwaitingReply, c.Status().CurrentPhase)
}

func TestCampaignForceSync(t *testing.T) {
	f := newFixture(t)
	c := registerDiscoveryCampaign(t, f, "plan-1")

	_, err := c.Execute(context.Background())
	require.NoError(t, err)

	// Mutate the underlying workflow through the control plane; the
	// handler reconciles the campaign cache afterward.
	workflowID := c.Status().WorkflowID
	require.NotEmpty(t, workflowID)

	rec := f.do(t, http.MethodPost, "/workflows/"+workflowID+"/check-reply",
		CheckReplyRequest{ReplyReceived: true})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, campaign.PhaseConversation, c.Status().CurrentPhase)

	rec = f.do(t, http.MethodPost, "/campaigns/plan-1/force-sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeResponse[campaign.StatusUpdate](t, rec)
	assert.Equal(t, campaign.PhaseConversation, status.CurrentPhase)
}

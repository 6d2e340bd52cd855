// Package httpapi is the control plane for suspended workflows: reply
// checks, overview round-trips, approval decisions, and campaign
// execution. Handlers load the persisted snapshot, guard the expected
// stage, mutate through the state manager, persist, and reconcile the
// owning campaign's status cache.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/c360studio/prospectflow/campaign"
	"github.com/c360studio/prospectflow/storage"
	"github.com/c360studio/prospectflow/workflow"
)

// maxBodySize limits request bodies to prevent DoS.
const maxBodySize = 1 << 20 // 1 MB

// Handler provides the workflow and campaign control-plane endpoints.
type Handler struct {
	store    storage.StateStore
	manager  *workflow.Manager
	registry *campaign.Registry
	logger   *slog.Logger

	// NewCampaign builds a coordinator for a plan submitted through
	// POST /campaigns. When nil the endpoint reports the feature as
	// unavailable.
	NewCampaign func(plan campaign.CampaignPlan) (*campaign.Coordinator, error)
}

// NewHandler creates the control-plane handler.
func NewHandler(store storage.StateStore, manager *workflow.Manager, registry *campaign.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    store,
		manager:  manager,
		registry: registry,
		logger:   logger,
	}
}

// Register registers all endpoints on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /workflows/{id}", h.handleGetWorkflow)
	mux.HandleFunc("POST /workflows/{id}/check-reply", h.handleCheckReply)
	mux.HandleFunc("POST /workflows/{id}/request-overview", h.handleRequestOverview)
	mux.HandleFunc("POST /workflows/{id}/check-overview-reply", h.handleCheckOverviewReply)
	mux.HandleFunc("POST /workflows/{id}/proceed-to-proposal", h.handleProceedToProposal)
	mux.HandleFunc("POST /workflows/{id}/approval", h.handleApproval)
	mux.HandleFunc("POST /campaigns", h.handleCampaignCreate)
	mux.HandleFunc("GET /campaigns/{plan_id}/status", h.handleCampaignStatus)
	mux.HandleFunc("POST /campaigns/{plan_id}/execute", h.handleCampaignExecute)
	mux.HandleFunc("POST /campaigns/{plan_id}/force-sync", h.handleCampaignForceSync)
}

// workflowResponse is the workflow payload with derived progress.
type workflowResponse struct {
	*workflow.WorkflowState
	Progress float64 `json:"progress"`
}

func (h *Handler) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadWorkflow(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, workflowResponse{state, h.manager.Progress(state)})
}

// CheckReplyRequest is the body for POST /workflows/{id}/check-reply.
// The caller reports the inbox state; this service never polls a mailbox.
type CheckReplyRequest struct {
	ReplyReceived bool   `json:"reply_received"`
	Message       string `json:"message,omitempty"`
}

func (h *Handler) handleCheckReply(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadWorkflow(w, r)
	if !ok {
		return
	}
	if state.CurrentStage != workflow.StageAwaitingReply {
		h.writeError(w, http.StatusConflict,
			fmt.Sprintf("workflow is in %s, not awaiting a reply", state.CurrentStage))
		return
	}

	var req CheckReplyRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	if !req.ReplyReceived {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "no_reply"})
		return
	}

	h.manager.UpdateStage(state, workflow.StageConversation, true)
	if !h.persist(r.Context(), w, state) {
		return
	}
	h.syncCampaign(r, state.WorkflowID)

	h.logger.Info("reply received, workflow resumed",
		"workflow_id", state.WorkflowID)
	h.writeJSON(w, http.StatusOK, workflowResponse{state, h.manager.Progress(state)})
}

func (h *Handler) handleRequestOverview(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadWorkflow(w, r)
	if !ok {
		return
	}
	if state.CurrentStage != workflow.StageConversation {
		h.writeError(w, http.StatusConflict,
			fmt.Sprintf("overview can only be requested from conversation, workflow is in %s", state.CurrentStage))
		return
	}

	h.manager.UpdateStage(state, workflow.StageAwaitingOverview, true)
	if !h.persist(r.Context(), w, state) {
		return
	}
	h.syncCampaign(r, state.WorkflowID)
	h.writeJSON(w, http.StatusOK, workflowResponse{state, h.manager.Progress(state)})
}

// CheckOverviewReplyRequest is the body for
// POST /workflows/{id}/check-overview-reply.
type CheckOverviewReplyRequest struct {
	OverviewSent  bool   `json:"overview_sent"`
	ReplyReceived bool   `json:"reply_received"`
	Message       string `json:"message,omitempty"`
}

func (h *Handler) handleCheckOverviewReply(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadWorkflow(w, r)
	if !ok {
		return
	}
	stage := state.CurrentStage
	if stage != workflow.StageAwaitingOverview && stage != workflow.StageAwaitingOverviewReply {
		h.writeError(w, http.StatusConflict,
			fmt.Sprintf("workflow is in %s, not in an overview stage", stage))
		return
	}

	var req CheckOverviewReplyRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	switch {
	case req.ReplyReceived:
		h.manager.UpdateStage(state, workflow.StageConversation, true)
	case req.OverviewSent && stage == workflow.StageAwaitingOverview:
		h.manager.UpdateStage(state, workflow.StageAwaitingOverviewReply, true)
	default:
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "no_change"})
		return
	}

	if !h.persist(r.Context(), w, state) {
		return
	}
	h.syncCampaign(r, state.WorkflowID)
	h.writeJSON(w, http.StatusOK, workflowResponse{state, h.manager.Progress(state)})
}

func (h *Handler) handleProceedToProposal(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadWorkflow(w, r)
	if !ok {
		return
	}
	stage := state.CurrentStage
	if stage != workflow.StageConversation && stage != workflow.StageAwaitingOverviewReply {
		h.writeError(w, http.StatusConflict,
			fmt.Sprintf("cannot proceed to proposal from %s", stage))
		return
	}

	h.manager.UpdateStage(state, workflow.StageProposal, true)
	if !h.persist(r.Context(), w, state) {
		return
	}
	h.syncCampaign(r, state.WorkflowID)
	h.writeJSON(w, http.StatusOK, workflowResponse{state, h.manager.Progress(state)})
}

// ApprovalRequestBody is the body for POST /workflows/{id}/approval.
type ApprovalRequestBody struct {
	Decision  string `json:"decision"` // "approved" or "rejected"
	DecidedBy string `json:"decided_by,omitempty"`
}

func (h *Handler) handleApproval(w http.ResponseWriter, r *http.Request) {
	state, ok := h.loadWorkflow(w, r)
	if !ok {
		return
	}
	if state.CurrentStage != workflow.StagePendingApproval || !state.ApprovalPending {
		h.writeError(w, http.StatusConflict, "workflow has no pending approval request")
		return
	}

	var req ApprovalRequestBody
	if !h.decodeBody(w, r, &req) {
		return
	}

	var status workflow.ApprovalStatus
	switch req.Decision {
	case "approved":
		status = workflow.ApprovalStatusApproved
	case "rejected":
		status = workflow.ApprovalStatusRejected
	default:
		h.writeError(w, http.StatusBadRequest, "decision must be approved or rejected")
		return
	}

	// Resolve the most recent pending request. The engine's resume path
	// picks the workflow up from here.
	resolved := false
	for i := len(state.ApprovalRequests) - 1; i >= 0; i-- {
		if state.ApprovalRequests[i].Status == workflow.ApprovalStatusPending {
			state.ApprovalRequests[i].Status = status
			resolved = true
			break
		}
	}
	if !resolved {
		h.writeError(w, http.StatusConflict, "no pending approval request found")
		return
	}
	state.ApprovalPending = false

	if !h.persist(r.Context(), w, state) {
		return
	}
	h.syncCampaign(r, state.WorkflowID)

	h.logger.Info("approval resolved",
		"workflow_id", state.WorkflowID,
		"decision", req.Decision,
		"decided_by", req.DecidedBy)
	h.writeJSON(w, http.StatusOK, workflowResponse{state, h.manager.Progress(state)})
}

func (h *Handler) handleCampaignCreate(w http.ResponseWriter, r *http.Request) {
	if h.NewCampaign == nil {
		h.writeError(w, http.StatusNotImplemented, "campaign creation is not configured")
		return
	}

	var plan campaign.CampaignPlan
	if !h.decodeBody(w, r, &plan) {
		return
	}
	if plan.PlanID == "" {
		h.writeError(w, http.StatusBadRequest, "plan_id is required")
		return
	}
	if !plan.ExecutionStrategy.CampaignType.IsValid() {
		h.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("unknown campaign type %q", plan.ExecutionStrategy.CampaignType))
		return
	}

	c, err := h.NewCampaign(plan)
	if err != nil {
		h.logger.Error("build coordinator failed", "plan_id", plan.PlanID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create campaign")
		return
	}
	if err := h.registry.Register(c); err != nil {
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}

	h.logger.Info("campaign registered",
		"plan_id", plan.PlanID,
		"campaign_type", plan.ExecutionStrategy.CampaignType)
	h.writeJSON(w, http.StatusCreated, c.Status())
}

func (h *Handler) handleCampaignStatus(w http.ResponseWriter, r *http.Request) {
	c, ok := h.planCoordinator(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, c.Status())
}

func (h *Handler) handleCampaignExecute(w http.ResponseWriter, r *http.Request) {
	c, ok := h.planCoordinator(w, r)
	if !ok {
		return
	}

	// Execution runs to its first resting point; the caller polls status.
	// A concurrent execute observes the in-flight run instead of starting
	// a duplicate. The run outlives the request, so it gets its own context.
	go func() {
		if _, err := c.Execute(context.Background()); err != nil {
			h.logger.Error("campaign execution failed",
				"plan_id", c.Plan().PlanID, "error", err)
		}
	}()

	h.writeJSON(w, http.StatusAccepted, c.Status())
}

func (h *Handler) handleCampaignForceSync(w http.ResponseWriter, r *http.Request) {
	c, ok := h.planCoordinator(w, r)
	if !ok {
		return
	}
	status, err := c.ForceSync(r.Context())
	if err != nil {
		h.logger.Error("force sync failed", "plan_id", c.Plan().PlanID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "force sync failed")
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// loadWorkflow loads and decodes the workflow named in the path. On
// failure it writes the error response and returns ok=false.
func (h *Handler) loadWorkflow(w http.ResponseWriter, r *http.Request) (*workflow.WorkflowState, bool) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "workflow id required")
		return nil, false
	}

	data, err := h.store.Load(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "workflow not found")
			return nil, false
		}
		h.logger.Error("load workflow failed", "workflow_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load workflow")
		return nil, false
	}

	state, report, err := h.manager.Unmarshal(data)
	if err != nil {
		h.logger.Error("decode workflow failed", "workflow_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to decode workflow")
		return nil, false
	}
	if report.Outcome != workflow.DecodeClean {
		h.logger.Warn("workflow snapshot decoded with dropped entries",
			"workflow_id", id,
			"dropped_keys", report.DroppedKeys,
			"dropped_stages", report.DroppedStages)
	}
	return state, true
}

// planCoordinator resolves the coordinator named in the path.
func (h *Handler) planCoordinator(w http.ResponseWriter, r *http.Request) (*campaign.Coordinator, bool) {
	planID := r.PathValue("plan_id")
	if planID == "" {
		h.writeError(w, http.StatusBadRequest, "plan id required")
		return nil, false
	}
	c, ok := h.registry.Get(planID)
	if !ok {
		h.writeError(w, http.StatusNotFound, "campaign not found")
		return nil, false
	}
	return c, true
}

// persist validates and saves the snapshot, writing the error response
// on failure.
func (h *Handler) persist(ctx context.Context, w http.ResponseWriter, state *workflow.WorkflowState) bool {
	if err := h.manager.Validate(state); err != nil {
		h.logger.Error("state validation failed", "workflow_id", state.WorkflowID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "state validation failed")
		return false
	}
	data, err := h.manager.Marshal(state)
	if err != nil {
		h.logger.Error("marshal state failed", "workflow_id", state.WorkflowID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to encode workflow")
		return false
	}
	if err := h.store.Save(ctx, state.WorkflowID, data); err != nil {
		h.logger.Error("save state failed", "workflow_id", state.WorkflowID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to save workflow")
		return false
	}
	return true
}

// syncCampaign reconciles the phase cache of the campaign owning this
// workflow, if one is registered. Best-effort.
func (h *Handler) syncCampaign(r *http.Request, workflowID string) {
	if h.registry == nil {
		return
	}
	for _, planID := range h.registry.PlanIDs() {
		c, ok := h.registry.Get(planID)
		if !ok || c.Status().WorkflowID != workflowID {
			continue
		}
		if _, err := c.ForceSync(r.Context()); err != nil {
			h.logger.Warn("campaign sync after workflow mutation failed",
				"plan_id", planID, "workflow_id", workflowID, "error", err)
		}
		return
	}
}

// decodeBody decodes a JSON request body with the size cap, writing the
// error response on failure.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("write JSON response failed", "error", err)
	}
}

// writeError writes an error response.
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

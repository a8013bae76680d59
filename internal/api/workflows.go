package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Custodia-Network/treasury_core/internal/models"
	"github.com/Custodia-Network/treasury_core/internal/workflow"
)

type createWorkflowRequest struct {
	VaultID       uuid.UUID `json:"vaultId"`
	ChainAlias    string    `json:"chainAlias"`
	MarshalledHex string    `json:"marshalledHex"`
	OrgID         string    `json:"orgId"`
	CreatedBy     string    `json:"createdBy"`
	Approvers     []string  `json:"approvers,omitempty"`
	SkipReview    bool      `json:"skipReview,omitempty"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequestf("invalid request body: %v", err))
		return
	}
	if req.VaultID == uuid.Nil || req.ChainAlias == "" || req.MarshalledHex == "" {
		s.writeError(w, r, badRequestf("vaultId, chainAlias and marshalledHex are required"))
		return
	}

	wf, err := s.cfg.Workflows.Create(r.Context(), workflow.CreateParams{
		VaultID:       req.VaultID,
		ChainAlias:    req.ChainAlias,
		MarshalledHex: req.MarshalledHex,
		OrgID:         req.OrgID,
		CreatedBy:     req.CreatedBy,
		Approvers:     req.Approvers,
		SkipReview:    req.SkipReview,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "workflowID"))
	if err != nil {
		s.writeError(w, r, badRequestf("invalid workflow id"))
		return
	}
	wf, err := s.cfg.Workflows.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wf)
}

type transitionRequest struct {
	Event           string           `json:"event"`
	ExpectedVersion int64            `json:"expectedVersion"`
	TriggeredBy     string           `json:"triggeredBy"`
	Payload         workflow.Payload `json:"payload"`
}

var knownEvents = map[workflow.EventType]struct{}{
	workflow.EventSubmit:          {},
	workflow.EventApprove:         {},
	workflow.EventSign:            {},
	workflow.EventBroadcast:       {},
	workflow.EventConfirm:         {},
	workflow.EventBroadcastFailed: {},
	workflow.EventFail:            {},
	workflow.EventCancel:          {},
}

func (s *Server) handleWorkflowTransition(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "workflowID"))
	if err != nil {
		s.writeError(w, r, badRequestf("invalid workflow id"))
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequestf("invalid request body: %v", err))
		return
	}
	event := workflow.EventType(req.Event)
	if _, ok := knownEvents[event]; !ok {
		s.writeError(w, r, badRequestf("unknown event %q", req.Event))
		return
	}
	if req.ExpectedVersion < 1 {
		s.writeError(w, r, badRequestf("expectedVersion must be positive"))
		return
	}

	wf, err := s.cfg.Workflows.Transition(r.Context(), id, req.ExpectedVersion, event, req.Payload, req.TriggeredBy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wf)
}

type eventListResponse struct {
	Data       []models.WorkflowEvent `json:"data"`
	HasMore    bool                   `json:"hasMore"`
	NextCursor string                 `json:"nextCursor,omitempty"`
}

func (s *Server) handleListWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "workflowID"))
	if err != nil {
		s.writeError(w, r, badRequestf("invalid workflow id"))
		return
	}
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 100 {
		s.writeError(w, r, badRequestf("limit must be between 1 and 100"))
		return
	}

	page, err := s.cfg.Workflows.ListEvents(r.Context(), id, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if page.Data == nil {
		page.Data = []models.WorkflowEvent{}
	}
	s.writeJSON(w, http.StatusOK, eventListResponse{
		Data:       page.Data,
		HasMore:    page.HasMore,
		NextCursor: page.NextCursor,
	})
}

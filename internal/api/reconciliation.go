package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Custodia-Network/treasury_core/internal/models"
	"github.com/Custodia-Network/treasury_core/internal/reconciler"
)

type createJobRequest struct {
	Provider      string     `json:"provider"`
	Mode          string     `json:"mode,omitempty"`
	FromBlock     *int64     `json:"fromBlock,omitempty"`
	ToBlock       *int64     `json:"toBlock,omitempty"`
	FromTimestamp *time.Time `json:"fromTimestamp,omitempty"`
	ToTimestamp   *time.Time `json:"toTimestamp,omitempty"`
}

func (s *Server) handleCreateReconciliationJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequestf("invalid request body: %v", err))
		return
	}

	job, err := s.cfg.Reconciler.CreateJob(r.Context(), reconciler.CreateJobParams{
		Address:       chi.URLParam(r, "address"),
		ChainAlias:    chi.URLParam(r, "chainAlias"),
		Provider:      req.Provider,
		Mode:          models.JobMode(req.Mode),
		FromBlock:     req.FromBlock,
		ToBlock:       req.ToBlock,
		FromTimestamp: req.FromTimestamp,
		ToTimestamp:   req.ToTimestamp,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

type jobSummary struct {
	TransactionsProcessed   int64 `json:"transactionsProcessed"`
	TransactionsAdded       int64 `json:"transactionsAdded"`
	TransactionsSoftDeleted int64 `json:"transactionsSoftDeleted"`
	DiscrepanciesFlagged    int64 `json:"discrepanciesFlagged"`
	Errors                  int64 `json:"errors"`
}

type jobTiming struct {
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  *int64     `json:"durationMs,omitempty"`
}

type jobDetailResponse struct {
	*models.ReconciliationJob
	Summary           jobSummary                        `json:"summary"`
	Timing            jobTiming                         `json:"timing"`
	AuditLog          []models.ReconciliationAuditEntry `json:"auditLog"`
	AuditLogTruncated bool                              `json:"auditLogTruncated,omitempty"`
}

func newJobDetailResponse(detail *reconciler.JobDetail) jobDetailResponse {
	job := detail.Job
	timing := jobTiming{
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		ms := job.CompletedAt.Sub(*job.StartedAt).Milliseconds()
		timing.DurationMs = &ms
	}
	auditLog := detail.AuditLog
	if auditLog == nil {
		auditLog = []models.ReconciliationAuditEntry{}
	}
	return jobDetailResponse{
		ReconciliationJob: job,
		Summary: jobSummary{
			TransactionsProcessed:   job.ProcessedCount,
			TransactionsAdded:       job.TransactionsAdded,
			TransactionsSoftDeleted: job.TransactionsSoftDeleted,
			DiscrepanciesFlagged:    job.DiscrepanciesFlagged,
			Errors:                  job.ErrorsCount,
		},
		Timing:            timing,
		AuditLog:          auditLog,
		AuditLogTruncated: detail.AuditTruncated,
	}
}

func (s *Server) handleGetReconciliationJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, badRequestf("invalid job id"))
		return
	}
	detail, err := s.cfg.Reconciler.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newJobDetailResponse(detail))
}

type jobListResponse struct {
	Data   []models.ReconciliationJob `json:"data"`
	Total  int64                      `json:"total"`
	Limit  int                        `json:"limit"`
	Offset int                        `json:"offset"`
}

func (s *Server) handleListReconciliationJobs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	jobs, total, err := s.cfg.Reconciler.ListJobs(r.Context(),
		chi.URLParam(r, "address"), chi.URLParam(r, "chainAlias"), offset, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.ReconciliationJob{}
	}
	s.writeJSON(w, http.StatusOK, jobListResponse{
		Data:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleDeleteReconciliationJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, badRequestf("invalid job id"))
		return
	}
	if err := s.cfg.Reconciler.DeleteJob(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

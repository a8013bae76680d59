package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Custodia-Network/treasury_core/internal/database"
	"github.com/Custodia-Network/treasury_core/internal/reconciler"
	"github.com/Custodia-Network/treasury_core/internal/workflow"
)

type errorBody struct {
	Error string      `json:"error"`
	JobID interface{} `json:"jobId,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Error("failed to encode response")
	}
}

// writeError maps domain errors onto HTTP statuses. An active-job
// conflict carries the blocking job's id so callers can poll it.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *reconciler.ValidationError
		active     *database.ActiveJobError
		illegal    *workflow.IllegalTransitionError
	)

	switch {
	case errors.As(err, &validation):
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: validation.Msg})

	case errors.As(err, &active):
		s.writeJSON(w, http.StatusConflict, errorBody{
			Error: active.Error(),
			JobID: active.JobID,
		})

	case errors.As(err, &illegal):
		s.writeJSON(w, http.StatusConflict, errorBody{Error: illegal.Error()})

	case errors.Is(err, database.ErrConcurrentModification):
		s.writeJSON(w, http.StatusConflict, errorBody{Error: "workflow was modified concurrently, reload and retry"})

	case errors.Is(err, database.ErrConflict):
		s.writeJSON(w, http.StatusConflict, errorBody{Error: "resource already exists"})

	case errors.Is(err, database.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})

	default:
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func badRequestf(format string, args ...interface{}) error {
	return &reconciler.ValidationError{Msg: fmt.Sprintf(format, args...)}
}

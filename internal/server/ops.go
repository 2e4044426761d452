package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/motiongif/internal/service"
)

// handleSweep runs one polling tick for schedulers that cannot keep a
// long-lived process around.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Sweeper.RunOnce(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"listed":    stats.Listed,
		"completed": stats.Completed,
		"failed":    stats.Failed,
		"pending":   stats.Pending,
		"noop":      stats.Noop,
		"errors":    stats.Errors,
		"skipped":   stats.Skipped,
	})
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	outcome, err := s.deps.Reconciler.Reprocess(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrUnknownJob) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]string{"job_id": id, "outcome": string(outcome), "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "outcome": string(outcome)})
}

type grantRequest struct {
	Credits int `json:"credits" validate:"required,gt=0"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Details: validationDetails(err)})
		return
	}
	if err := s.deps.Ledger.Grant(r.Context(), id, req.Credits); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		s.internalError(w, r, err)
		return
	}
	credits, err := s.deps.Ledger.Balance(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "credits": credits})
}

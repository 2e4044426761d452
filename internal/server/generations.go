package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/hlog"
	"github.com/samber/lo"

	"github.com/digkill/motiongif/internal/catalog"
	"github.com/digkill/motiongif/internal/models"
	"github.com/digkill/motiongif/internal/service"
)

type generationRequest struct {
	AccountID int64             `json:"account_id" validate:"required,gt=0"`
	ChatID    int64             `json:"chat_id"`
	ImageURL  string            `json:"image_url" validate:"required,http_url"`
	Prompt    string            `json:"prompt" validate:"required,max=1000"`
	Mode      string            `json:"mode" validate:"required"`
	Params    map[string]string `json:"params"`
	Enhance   bool              `json:"enhance"`
}

type jobResponse struct {
	ID         string            `json:"id"`
	Status     models.JobStatus  `json:"status"`
	Mode       string            `json:"mode"`
	Params     map[string]string `json:"params,omitempty"`
	Cost       int               `json:"cost"`
	Provider   string            `json:"provider"`
	ExternalID string            `json:"external_id,omitempty"`
	Prompt     string            `json:"prompt"`
	VideoURL   string            `json:"video_url,omitempty"`
	GIFURL     string            `json:"gif_url,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func toJobResponse(j *models.GenerationJob) jobResponse {
	return jobResponse{
		ID:         j.ID,
		Status:     j.Status,
		Mode:       string(j.Mode),
		Params:     j.ModeParams,
		Cost:       j.Cost,
		Provider:   j.Provider,
		ExternalID: j.ExternalID,
		Prompt:     j.EffectivePrompt(),
		VideoURL:   j.VideoURL,
		GIFURL:     j.GIFURL,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
}

type modeResponse struct {
	Mode     string         `json:"mode"`
	Title    string         `json:"title"`
	Provider string         `json:"provider"`
	Cost     int            `json:"cost"`
	Params   []paramSummary `json:"params,omitempty"`
}

type paramSummary struct {
	Name    string   `json:"name"`
	Allowed []string `json:"allowed,omitempty"`
	Default string   `json:"default,omitempty"`
}

func (s *Server) handleListModes(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Catalog == nil {
		writeJSON(w, http.StatusOK, []modeResponse{})
		return
	}
	modes := lo.Map(s.deps.Catalog.Available(s.deps.Providers...), func(e catalog.Entry, _ int) modeResponse {
		return modeResponse{
			Mode:     string(e.Mode),
			Title:    e.Title,
			Provider: e.Provider,
			Cost:     e.Cost,
			Params: lo.Map(e.Params, func(p catalog.Param, _ int) paramSummary {
				return paramSummary{Name: p.Name, Allowed: p.Allowed, Default: p.Default}
			}),
		}
	})
	writeJSON(w, http.StatusOK, modes)
}

func (s *Server) handleCreateGeneration(w http.ResponseWriter, r *http.Request) {
	var req generationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Details: validationDetails(err)})
		return
	}

	job, err := s.deps.Dispatcher.Submit(r.Context(), service.SubmitRequest{
		AccountID: req.AccountID,
		ChatID:    req.ChatID,
		ImageURL:  req.ImageURL,
		Prompt:    req.Prompt,
		Mode:      models.GenerationMode(req.Mode),
		Params:    req.Params,
		Enhance:   req.Enhance,
	})
	if err != nil {
		s.dispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

func (s *Server) dispatchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, "insufficient credits")
	case errors.Is(err, catalog.ErrUnknownMode), errors.Is(err, service.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, service.ErrProviderUnavailable):
		writeError(w, http.StatusServiceUnavailable, "provider not configured")
	case errors.Is(err, service.ErrProviderSubmission):
		hlog.FromRequest(r).Warn().Err(err).Msg("provider submission failed, credits refunded")
		writeError(w, http.StatusBadGateway, "provider rejected the job, credits refunded")
	default:
		s.internalError(w, r, err)
	}
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	credits, err := s.deps.Ledger.Balance(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "credits": credits})
}

func validationDetails(err error) map[string]string {
	details := map[string]string{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		details["request"] = "is invalid"
		return details
	}
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			details[field] = "is required"
		case "max":
			details[field] = "is too long"
		case "http_url":
			details[field] = "must be an http(s) url"
		default:
			details[field] = "is invalid"
		}
	}
	return details
}

func parseID(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}

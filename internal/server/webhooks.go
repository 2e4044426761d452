package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/digkill/motiongif/internal/provider"
	"github.com/digkill/motiongif/internal/service"
)

const maxWebhookBody = 1 << 20

// handleProviderWebhook authenticates a provider callback, finds its job and
// reconciles it in the background. The provider gets 202 as soon as the job
// is known so a slow transcode never triggers its retry logic.
func (s *Server) handleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	log := hlog.FromRequest(r).With().Str("provider", name).Logger()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		s.deps.Metrics.Webhook(name, "bad_request")
		writeError(w, http.StatusBadRequest, "read body error")
		return
	}

	if err := verifyWebhook(s.opts.WebhookSecret, r, body); err != nil {
		s.deps.Metrics.Webhook(name, "unauthorized")
		log.Warn().Msg("rejected unauthenticated webhook")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	job, res, err := s.deps.Reconciler.ResolveCallback(r.Context(), name, body)
	switch {
	case err == nil:
	case errors.Is(err, provider.ErrUnknownProvider):
		s.deps.Metrics.Webhook(name, "unknown_provider")
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	case errors.Is(err, provider.ErrMalformedCallback):
		s.deps.Metrics.Webhook(name, "malformed")
		log.Warn().Err(err).Str("body", provider.TruncateBody(body)).Msg("malformed webhook")
		writeError(w, http.StatusBadRequest, "malformed callback")
		return
	case errors.Is(err, service.ErrUnknownJob):
		s.deps.Metrics.Webhook(name, "ignored")
		log.Info().Err(err).Msg("webhook for unknown job ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	default:
		s.deps.Metrics.Webhook(name, "error")
		s.internalError(w, r, err)
		return
	}

	s.deps.Metrics.Webhook(name, "accepted")
	jobLog := log.With().Str("job_id", job.ID).Str("result", string(res.Status)).Logger()
	s.background(func(ctx context.Context) {
		outcome, err := s.deps.Reconciler.Reconcile(ctx, job.ID, res)
		if err != nil {
			jobLog.Error().Err(err).Str("outcome", string(outcome)).Msg("reconcile from webhook failed")
			return
		}
		jobLog.Info().Str("outcome", string(outcome)).Msg("webhook reconciled")
	})

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "job_id": job.ID})
}

// handleYooKassaWebhook is public endpoint for YooKassa payment status updates.
// The payment is re-read from the YooKassa API before anything is credited.
func (s *Server) handleYooKassaWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body error")
		return
	}
	if err := s.deps.Payments.HandleYooKassaWebhook(r.Context(), body); err != nil {
		if errors.Is(err, service.ErrPaymentNotFound) {
			hlog.FromRequest(r).Warn().Err(err).Msg("yookassa webhook for unknown payment")
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("yookassa webhook")
		writeError(w, http.StatusInternalServerError, "payment processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

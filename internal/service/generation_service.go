package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/digkill/motiongif/internal/catalog"
	"github.com/digkill/motiongif/internal/enhancer"
	"github.com/digkill/motiongif/internal/metrics"
	"github.com/digkill/motiongif/internal/models"
	"github.com/digkill/motiongif/internal/provider"
)

const maxPromptLength = 1000

type SubmitRequest struct {
	AccountID int64
	ChatID    int64
	ImageURL  string
	Prompt    string
	Mode      models.GenerationMode
	Params    map[string]string
	Enhance   bool
}

type GenerationOptions struct {
	// CallbackBaseURL is the public origin providers post webhooks to. Empty
	// disables callbacks and leaves completion to the polling sweep.
	CallbackBaseURL string
	WebhookSecret   string
	SubmitTimeout   time.Duration
}

type GenerationService struct {
	jobs      JobStore
	catalog   *catalog.Catalog
	providers *provider.Registry
	enhancer  enhancer.Enhancer
	refunder  *Refunder
	opts      GenerationOptions
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

func NewGenerationService(jobs JobStore, cat *catalog.Catalog, providers *provider.Registry, enh enhancer.Enhancer, refunder *Refunder, opts GenerationOptions, m *metrics.Metrics, log zerolog.Logger) *GenerationService {
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 30 * time.Second
	}
	if enh == nil {
		enh = enhancer.Noop{}
	}
	return &GenerationService{
		jobs:      jobs,
		catalog:   cat,
		providers: providers,
		enhancer:  enh,
		refunder:  refunder,
		opts:      opts,
		metrics:   m,
		log:       log.With().Str("component", "dispatcher").Logger(),
	}
}

// Submit reserves credits, records the job and hands it to the mode's
// provider. Failures before the debit have no side effects; failures after
// it are refunded before Submit returns.
func (s *GenerationService) Submit(ctx context.Context, req SubmitRequest) (*models.GenerationJob, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	entry, err := s.catalog.Lookup(req.Mode)
	if err != nil {
		return nil, err
	}
	params, err := entry.Resolve(req.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	p, err := s.providers.Get(entry.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, entry.Provider)
	}

	job := &models.GenerationJob{
		AccountID:  req.AccountID,
		ChatID:     req.ChatID,
		ImageURL:   strings.TrimSpace(req.ImageURL),
		Prompt:     strings.TrimSpace(req.Prompt),
		Mode:       entry.Mode,
		ModeParams: params,
		Cost:       entry.Cost,
		Provider:   entry.Provider,
	}
	if err := s.jobs.CreateWithDebit(ctx, job); err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			s.metrics.Dispatched(string(entry.Mode), "insufficient_credits")
			return nil, err
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	log := s.log.With().Str("job_id", job.ID).Str("mode", string(job.Mode)).Logger()
	log.Info().Int64("account_id", job.AccountID).Int("cost", job.Cost).Msg("credits reserved")

	prompt := job.Prompt
	if req.Enhance {
		prompt = s.enhance(ctx, job, log)
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.opts.SubmitTimeout)
	defer cancel()

	externalID, err := p.Submit(submitCtx, provider.Submission{
		Model:       entry.Model,
		Input:       entry.Build(catalog.Input{ImageURL: job.ImageURL, Prompt: prompt, Params: params}),
		CallbackURL: s.callbackURL(p.Name()),
	})
	if err != nil {
		return nil, s.compensate(ctx, job, "submit", fmt.Errorf("%w: %v", ErrProviderSubmission, err))
	}

	// The provider owns the job now; a caller that went away must not undo it.
	stored, err := s.jobs.SetExternalID(context.WithoutCancel(ctx), job.ID, externalID)
	if err != nil {
		return nil, s.compensate(ctx, job, "submit", fmt.Errorf("%w: store external id %s: %v", ErrProviderSubmission, externalID, err))
	}
	if !stored {
		return nil, s.compensate(ctx, job, "submit", fmt.Errorf("%w: job left processing before external id %s was stored", ErrProviderSubmission, externalID))
	}
	job.ExternalID = externalID

	s.metrics.Dispatched(string(job.Mode), "accepted")
	log.Info().Str("provider", job.Provider).Str("external_id", externalID).Msg("job dispatched")
	return job, nil
}

func (s *GenerationService) enhance(ctx context.Context, job *models.GenerationJob, log zerolog.Logger) string {
	res := s.enhancer.Enhance(ctx, job.ImageURL, job.Prompt)
	if !res.Enhanced {
		log.Debug().Str("reason", res.Reason).Msg("using original prompt")
		return job.Prompt
	}
	if err := s.jobs.SetEnhancedPrompt(ctx, job.ID, res.Prompt); err != nil {
		log.Warn().Err(err).Msg("store enhanced prompt failed, using original prompt")
		return job.Prompt
	}
	job.EnhancedPrompt = res.Prompt
	return res.Prompt
}

func (s *GenerationService) compensate(ctx context.Context, job *models.GenerationJob, stage string, cause error) error {
	s.metrics.Dispatched(string(job.Mode), "rejected")
	if _, err := s.refunder.Refund(ctx, job, stage, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (s *GenerationService) callbackURL(providerName string) string {
	if s.opts.CallbackBaseURL == "" {
		return ""
	}
	u := strings.TrimRight(s.opts.CallbackBaseURL, "/") + "/webhooks/providers/" + url.PathEscape(providerName)
	if s.opts.WebhookSecret != "" {
		u += "?token=" + url.QueryEscape(s.opts.WebhookSecret)
	}
	return u
}

func validate(req SubmitRequest) error {
	if req.AccountID <= 0 {
		return fmt.Errorf("%w: account id is required", ErrInvalidRequest)
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return fmt.Errorf("%w: prompt cannot be empty", ErrInvalidRequest)
	}
	if utf8.RuneCountInString(prompt) > maxPromptLength {
		return fmt.Errorf("%w: prompt longer than %d characters", ErrInvalidRequest, maxPromptLength)
	}
	u, err := url.Parse(strings.TrimSpace(req.ImageURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: image url must be an absolute http(s) url", ErrInvalidRequest)
	}
	return nil
}

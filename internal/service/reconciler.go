package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/digkill/motiongif/internal/metrics"
	"github.com/digkill/motiongif/internal/models"
	"github.com/digkill/motiongif/internal/provider"
)

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeNoop means another caller already moved the job or holds its
	// transcode claim.
	OutcomeNoop Outcome = "noop"
)

type Transcoder interface {
	TranscodeURL(ctx context.Context, jobID, videoURL string) (string, error)
	Budget() time.Duration
}

// Notifier is told about terminal transitions performed by the reconciler.
type Notifier interface {
	JobFinished(ctx context.Context, job *models.GenerationJob)
}

type ReconcilerOptions struct {
	DispatchGrace time.Duration
	// ClaimSlack is added to the transcode budget to form the claim lease.
	ClaimSlack  time.Duration
	PollTimeout time.Duration
}

// Reconciler applies provider results to jobs. Webhooks and the polling sweep
// both go through it.
type Reconciler struct {
	jobs       JobStore
	providers  *provider.Registry
	transcoder Transcoder
	refunder   *Refunder
	notifier   Notifier
	opts       ReconcilerOptions
	metrics    *metrics.Metrics
	log        zerolog.Logger
	now        func() time.Time
}

func NewReconciler(jobs JobStore, providers *provider.Registry, transcoder Transcoder, refunder *Refunder, opts ReconcilerOptions, m *metrics.Metrics, log zerolog.Logger) *Reconciler {
	if opts.DispatchGrace <= 0 {
		opts.DispatchGrace = 10 * time.Minute
	}
	if opts.ClaimSlack <= 0 {
		opts.ClaimSlack = time.Minute
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Second
	}
	return &Reconciler{
		jobs:       jobs,
		providers:  providers,
		transcoder: transcoder,
		refunder:   refunder,
		opts:       opts,
		metrics:    m,
		log:        log.With().Str("component", "reconciler").Logger(),
		now:        time.Now,
	}
}

// SetNotifier installs the completion notifier. It must be called before the
// reconciler is shared between goroutines.
func (r *Reconciler) SetNotifier(n Notifier) {
	r.notifier = n
}

// Reconcile moves a processing job according to res. Jobs that are already
// terminal are left untouched.
func (r *Reconciler) Reconcile(ctx context.Context, jobID string, res *provider.Result) (Outcome, error) {
	if res == nil {
		return OutcomeNoop, errors.New("reconcile: nil provider result")
	}

	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return OutcomeNoop, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
		}
		return OutcomeNoop, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		return OutcomeNoop, nil
	}

	log := r.log.With().Str("job_id", job.ID).Str("provider", job.Provider).Str("external_id", job.ExternalID).Logger()

	switch res.Status {
	case provider.StatusPending:
		if err := r.jobs.Touch(ctx, job.ID); err != nil {
			log.Warn().Err(err).Msg("touch pending job failed")
		}
		return OutcomePending, nil
	case provider.StatusFailed:
		reason := res.Error
		if reason == "" {
			reason = "provider reported failure"
		}
		return r.fail(ctx, job, "provider", reason)
	case provider.StatusSucceeded:
		return r.complete(ctx, job, res, log)
	default:
		return OutcomeNoop, fmt.Errorf("reconcile job %s: unknown provider status %q", job.ID, res.Status)
	}
}

func (r *Reconciler) complete(ctx context.Context, job *models.GenerationJob, res *provider.Result, log zerolog.Logger) (Outcome, error) {
	videoURL, err := provider.OutputURL(res.Output)
	if err != nil {
		log.Warn().Err(err).Str("output", provider.TruncateBody(res.Output)).Msg("unusable provider output")
		return r.fail(ctx, job, "output", fmt.Errorf("%w: %v", ErrProviderOutputInvalid, err).Error())
	}

	lease := r.transcoder.Budget() + r.opts.ClaimSlack
	claimed, err := r.jobs.ClaimForTranscode(ctx, job.ID, lease)
	if err != nil {
		return OutcomeNoop, fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	if !claimed {
		log.Debug().Msg("transcode already claimed")
		return OutcomeNoop, nil
	}

	log.Info().Str("video_url", videoURL).Dur("lease", lease).Msg("transcoding provider output")
	gifURL, err := r.transcoder.TranscodeURL(ctx, job.ID, videoURL)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a transcode failure. Leave the job for the next sweep.
			if rerr := r.jobs.ReleaseTranscodeClaim(context.WithoutCancel(ctx), job.ID); rerr != nil {
				log.Warn().Err(rerr).Msg("release transcode claim failed")
			}
			return OutcomePending, ctx.Err()
		}
		return r.fail(ctx, job, "transcode", err.Error())
	}

	done, err := r.jobs.Complete(context.WithoutCancel(ctx), job.ID, videoURL, gifURL)
	if err != nil {
		return OutcomeNoop, fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if !done {
		log.Warn().Str("gif_url", gifURL).Msg("job left processing during transcode, gif orphaned")
		return OutcomeNoop, nil
	}

	job.Status = models.JobStatusCompleted
	job.VideoURL = videoURL
	job.GIFURL = gifURL
	r.metrics.Finished(job.Provider, string(models.JobStatusCompleted))
	log.Info().Str("gif_url", gifURL).Msg("job completed")
	r.notify(ctx, job)
	return OutcomeCompleted, nil
}

func (r *Reconciler) fail(ctx context.Context, job *models.GenerationJob, stage, reason string) (Outcome, error) {
	refunded, err := r.refunder.Refund(ctx, job, stage, reason)
	if err != nil {
		return OutcomeNoop, err
	}
	if !refunded {
		return OutcomeNoop, nil
	}
	r.metrics.Finished(job.Provider, string(models.JobStatusFailed))
	r.notify(ctx, job)
	return OutcomeFailed, nil
}

// Abandon fails a job whose provider submission was never recorded once the
// dispatch grace window has passed.
func (r *Reconciler) Abandon(ctx context.Context, job *models.GenerationJob) (Outcome, error) {
	if job.ExternalID != "" || job.Status.Terminal() {
		return OutcomeNoop, nil
	}
	if r.now().Sub(job.CreatedAt) < r.opts.DispatchGrace {
		return OutcomePending, nil
	}
	return r.fail(ctx, job, "dispatch", "provider submission was never recorded")
}

// Poll asks the job's provider for the current result and reconciles it.
func (r *Reconciler) Poll(ctx context.Context, job *models.GenerationJob) (Outcome, error) {
	if job.Status.Terminal() {
		return OutcomeNoop, nil
	}
	if job.ExternalID == "" {
		return r.Abandon(ctx, job)
	}

	p, err := r.providers.Get(job.Provider)
	if err != nil {
		return OutcomePending, fmt.Errorf("%w: %s", ErrProviderUnavailable, job.Provider)
	}

	pollCtx, cancel := context.WithTimeout(ctx, r.opts.PollTimeout)
	res, err := p.Status(pollCtx, job.ExternalID)
	cancel()
	if err != nil {
		return OutcomePending, fmt.Errorf("poll %s %s: %w", job.Provider, job.ExternalID, err)
	}
	return r.Reconcile(ctx, job.ID, res)
}

// Reprocess loads a job by id and polls it once.
func (r *Reconciler) Reprocess(ctx context.Context, jobID string) (Outcome, error) {
	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return OutcomeNoop, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
		}
		return OutcomeNoop, err
	}
	return r.Poll(ctx, job)
}

// ResolveCallback parses a provider webhook and finds the job it refers to.
func (r *Reconciler) ResolveCallback(ctx context.Context, providerName string, body []byte) (*models.GenerationJob, *provider.Result, error) {
	p, err := r.providers.Get(providerName)
	if err != nil {
		return nil, nil, err
	}
	externalID, res, err := p.ParseCallback(body)
	if err != nil {
		return nil, nil, err
	}
	job, err := r.jobs.FindByExternalID(ctx, p.Name(), externalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s %s", ErrUnknownJob, providerName, externalID)
		}
		return nil, nil, fmt.Errorf("find job for %s %s: %w", providerName, externalID, err)
	}
	return job, res, nil
}

func (r *Reconciler) notify(ctx context.Context, job *models.GenerationJob) {
	if r.notifier == nil {
		return
	}
	r.notifier.JobFinished(context.WithoutCancel(ctx), job)
}
